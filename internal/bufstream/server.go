package bufstream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Source supplies snapshots for a session. fn is called with the current
// snapshot, if any, and with every later one until cancel is called.
// fn must not block.
type Source interface {
	WatchSnapshots(ctx context.Context, sessionID string, fn func(payload []byte)) (cancel func(), err error)
}

// EndingSource is a Source whose watches can end on their own, for example
// when the peer holding a session goes away. ended is called at most once;
// fn is not called after it. The Service reports the end to the observer as
// an error for the session and drops the subscription, so the observer can
// subscribe again.
type EndingSource interface {
	Source
	WatchSnapshotsUntil(ctx context.Context, sessionID string, fn func(payload []byte), ended func(err error)) (cancel func(), err error)
}

const (
	DefaultPingInterval = 10 * time.Second
	// missedPings is how many ping intervals a peer may stay silent.
	missedPings = 3

	writeTimeout     = 10 * time.Second
	controlReadLimit = 64 * 1024
)

// Service is the websocket endpoint observers connect to.
type Service struct {
	source       Source
	pingInterval time.Duration

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// NewService creates a Service reading snapshots from source. A zero
// pingInterval uses DefaultPingInterval.
func NewService(source Source, pingInterval time.Duration) *Service {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Service{
		source:       source,
		pingInterval: pingInterval,
		conns:        make(map[*serverConn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[bufstream] accept error: %v", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(controlReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &serverConn{
		svc:     s,
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*serverSub),
		pending: make(map[string][]byte),
		wake:    make(chan struct{}, 1),
	}
	c.touch()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.releaseAll()
	}()

	c.queueControl(ControlMessage{Type: TypeConnected, Version: ProtocolVersion})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop()
	}()

	c.readLoop()
	cancel()
	<-writerDone

	ws.Close(websocket.StatusNormalClosure, "")
}

// ConnCount returns the number of open observer connections.
func (s *Service) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every open connection.
func (s *Service) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
}

// serverSub is one subscription on a connection. Snapshots for a session
// are held back until its subscribe has been acknowledged.
type serverSub struct {
	cancel func()
	acked  bool
}

// serverConn is one observer. It owns its subscriptions and a latest-value
// slot per subscribed session; a single writer goroutine drains both.
type serverConn struct {
	svc    *Service
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]*serverSub
	pending map[string][]byte // session id → latest undelivered snapshot
	order   []string          // sessions with a pending snapshot, oldest first
	control [][]byte

	wake     chan struct{}
	lastSeen atomic.Int64
}

func (c *serverConn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *serverConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *serverConn) queueControl(m ControlMessage) {
	c.mu.Lock()
	c.control = append(c.control, encodeControl(m))
	c.mu.Unlock()
	c.signal()
}

// offer stores payload as the latest snapshot for sessionID, replacing any
// snapshot not yet written. Payloads for a subscription that has since been
// replaced or dropped are ignored.
func (c *serverConn) offer(sessionID string, sub *serverSub, payload []byte) {
	c.mu.Lock()
	if c.subs[sessionID] != sub {
		c.mu.Unlock()
		return
	}
	if _, queued := c.pending[sessionID]; !queued {
		c.order = append(c.order, sessionID)
	}
	c.pending[sessionID] = payload
	c.mu.Unlock()
	c.signal()
}

func (c *serverConn) readLoop() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("[bufstream] read error: %v", err)
			}
			return
		}
		c.touch()

		if typ != websocket.MessageText {
			log.Printf("[bufstream] ignoring %d-byte binary message from observer", len(data))
			continue
		}
		msg, err := decodeControl(data)
		if err != nil {
			log.Printf("[bufstream] %v", err)
			continue
		}
		c.handleControl(msg)
	}
}

func (c *serverConn) handleControl(msg ControlMessage) {
	switch msg.Type {
	case TypeSubscribe:
		c.subscribe(msg.SessionID)
	case TypeUnsubscribe:
		c.unsubscribe(msg.SessionID)
	case TypePing:
		c.queueControl(ControlMessage{Type: TypePong})
	case TypePong:
		// touch already recorded it
	default:
		log.Printf("[bufstream] ignoring control message of type %q", msg.Type)
	}
}

func (c *serverConn) subscribe(sessionID string) {
	if sessionID == "" {
		c.queueControl(ControlMessage{Type: TypeError, Message: "sessionId is required"})
		return
	}

	c.mu.Lock()
	if sub, ok := c.subs[sessionID]; ok && sub.acked {
		c.mu.Unlock()
		c.queueControl(ControlMessage{Type: TypeSubscribe, SessionID: sessionID})
		return
	}
	// Reserve the slot before watching so the initial snapshot is kept.
	sub := &serverSub{cancel: func() {}}
	c.subs[sessionID] = sub
	c.mu.Unlock()

	cancel, err := c.watch(sessionID, sub)
	if err != nil {
		c.mu.Lock()
		if c.subs[sessionID] == sub {
			delete(c.subs, sessionID)
			c.dropPendingLocked(sessionID)
		}
		c.mu.Unlock()
		c.queueControl(ControlMessage{Type: TypeError, SessionID: sessionID, Message: err.Error()})
		return
	}

	// The ack goes out ahead of any snapshot for this session: take writes
	// control messages first and skips unacknowledged sessions.
	c.mu.Lock()
	if c.subs[sessionID] != sub {
		// Unsubscribed, or the watch ended, while it was being set up.
		c.mu.Unlock()
		cancel()
		return
	}
	sub.cancel = cancel
	sub.acked = true
	c.control = append(c.control, encodeControl(ControlMessage{Type: TypeSubscribe, SessionID: sessionID}))
	c.mu.Unlock()
	c.signal()
}

func (c *serverConn) watch(sessionID string, sub *serverSub) (func(), error) {
	fn := func(p []byte) { c.offer(sessionID, sub, p) }
	if src, ok := c.svc.source.(EndingSource); ok {
		return src.WatchSnapshotsUntil(c.ctx, sessionID, fn, func(err error) {
			c.ended(sessionID, sub, err)
		})
	}
	return c.svc.source.WatchSnapshots(c.ctx, sessionID, fn)
}

// ended drops a subscription whose watch ended and tells the observer.
func (c *serverConn) ended(sessionID string, sub *serverSub, err error) {
	c.mu.Lock()
	if c.subs[sessionID] != sub {
		c.mu.Unlock()
		return
	}
	delete(c.subs, sessionID)
	c.dropPendingLocked(sessionID)
	c.control = append(c.control, encodeControl(ControlMessage{Type: TypeError, SessionID: sessionID, Message: err.Error()}))
	cancel := sub.cancel
	c.mu.Unlock()
	c.signal()
	cancel()
}

func (c *serverConn) unsubscribe(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.dropPendingLocked(sessionID)
	c.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

func (c *serverConn) dropPendingLocked(sessionID string) {
	if _, ok := c.pending[sessionID]; !ok {
		return
	}
	delete(c.pending, sessionID)
	for i, id := range c.order {
		if id == sessionID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *serverConn) releaseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*serverSub)
	c.pending = make(map[string][]byte)
	c.order = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// take removes everything ready to send: control messages first, then one
// frame per acknowledged session with a pending snapshot.
func (c *serverConn) take() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outbound, 0, len(c.control)+len(c.order))
	for _, m := range c.control {
		out = append(out, outbound{websocket.MessageText, m})
	}
	c.control = nil

	held := c.order[:0]
	for _, id := range c.order {
		if sub, ok := c.subs[id]; !ok || !sub.acked {
			held = append(held, id)
			continue
		}
		out = append(out, outbound{websocket.MessageBinary, EncodeFrame(id, c.pending[id])})
		delete(c.pending, id)
	}
	c.order = held
	return out
}

func (c *serverConn) writeLoop() {
	interval := c.svc.pingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, c.lastSeen.Load()))
			if silent > missedPings*interval {
				log.Printf("[bufstream] closing observer silent for %s", silent.Round(time.Millisecond))
				c.ws.CloseNow()
				return
			}
			c.queueControl(ControlMessage{Type: TypePing})
		case <-c.wake:
			for _, m := range c.take() {
				if err := c.write(m); err != nil {
					return
				}
			}
		}
	}
}

func (c *serverConn) write(m outbound) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, m.typ, m.data); err != nil {
		if c.ctx.Err() == nil {
			log.Printf("[bufstream] write error: %v", err)
		}
		return err
	}
	return nil
}
