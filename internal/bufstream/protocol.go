// Package bufstream pushes terminal screen snapshots to observers over one
// multiplexed websocket per observer.
//
// Wire format: control messages are text frames holding a JSON object with a
// "type" field. Snapshots are binary frames:
//
//	byte 0      magic 0xBF
//	bytes 1..4  little-endian uint32 N, length of the session id
//	bytes 5..   N bytes of UTF-8 session id, then the opaque snapshot payload
//
// Delivery is best effort: a slow observer only ever receives the most recent
// snapshot of each session it subscribed to.
package bufstream

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Magic is the first byte of every snapshot frame.
const Magic byte = 0xBF

// ProtocolVersion is announced in the connected message.
const ProtocolVersion = 1

const frameHeaderLen = 5

var (
	ErrBadMagic   = errors.New("bufstream: bad magic byte")
	ErrShortFrame = errors.New("bufstream: frame shorter than its header")
	ErrBadID      = errors.New("bufstream: session id is not valid UTF-8")
)

// EncodeFrame builds a snapshot frame for sessionID.
func EncodeFrame(sessionID string, payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(sessionID)+len(payload))
	frame[0] = Magic
	binary.LittleEndian.PutUint32(frame[1:frameHeaderLen], uint32(len(sessionID)))
	n := copy(frame[frameHeaderLen:], sessionID)
	copy(frame[frameHeaderLen+n:], payload)
	return frame
}

// DecodeFrame splits a snapshot frame. The returned payload aliases frame.
func DecodeFrame(frame []byte) (sessionID string, payload []byte, err error) {
	if len(frame) == 0 {
		return "", nil, ErrShortFrame
	}
	if frame[0] != Magic {
		return "", nil, fmt.Errorf("%w: 0x%02x", ErrBadMagic, frame[0])
	}
	if len(frame) < frameHeaderLen {
		return "", nil, ErrShortFrame
	}
	idLen := binary.LittleEndian.Uint32(frame[1:frameHeaderLen])
	if uint64(idLen) > uint64(len(frame)-frameHeaderLen) {
		return "", nil, fmt.Errorf("%w: id length %d exceeds frame", ErrShortFrame, idLen)
	}
	idEnd := frameHeaderLen + int(idLen)
	id := frame[frameHeaderLen:idEnd]
	if !utf8.Valid(id) {
		return "", nil, ErrBadID
	}
	return string(id), frame[idEnd:], nil
}

// Control message types.
const (
	TypeConnected   = "connected"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// ControlMessage is the JSON body of a text frame.
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Version   int    `json:"version,omitempty"`
	Message   string `json:"message,omitempty"`
}

func encodeControl(m ControlMessage) []byte {
	// ControlMessage has only string and int fields; Marshal cannot fail.
	data, _ := json.Marshal(m)
	return data
}

func decodeControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("bufstream: decode control message: %w", err)
	}
	if m.Type == "" {
		return ControlMessage{}, errors.New("bufstream: control message without type")
	}
	return m, nil
}
