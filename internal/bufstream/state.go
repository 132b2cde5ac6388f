package bufstream

import "time"

// Reconnect backoff. Package-level vars so tests can override.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 30 * time.Second
)

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// connEvent drives the state machine.
type connEvent int

const (
	evDial       connEvent = iota // dial started
	evOpened                      // handshake completed
	evDialFailed                  // dial returned an error
	evLost                        // socket closed or heartbeat timed out
	evClose                       // Close called by the owner
)

func (e connEvent) String() string {
	switch e {
	case evDial:
		return "dial"
	case evOpened:
		return "opened"
	case evDialFailed:
		return "dial_failed"
	case evLost:
		return "lost"
	case evClose:
		return "close"
	default:
		return "unknown"
	}
}

// transition returns the state after ev. ok is false when ev is not valid in
// from, in which case the state is unchanged.
func transition(from State, ev connEvent) (State, bool) {
	switch from {
	case StateDisconnected:
		switch ev {
		case evDial:
			return StateConnecting, true
		case evClose:
			return StateDisconnected, true
		}
	case StateConnecting:
		switch ev {
		case evOpened:
			return StateOpen, true
		case evDialFailed, evLost:
			return StateDisconnected, true
		case evClose:
			return StateClosing, true
		}
	case StateOpen:
		switch ev {
		case evLost:
			return StateDisconnected, true
		case evClose:
			return StateClosing, true
		}
	case StateClosing:
		switch ev {
		case evLost, evDialFailed, evOpened:
			return StateDisconnected, true
		case evClose:
			return StateClosing, true
		}
	}
	return from, false
}

// backoffDelay returns the wait before reconnect attempt n (0-based):
// initial, doubled per attempt, capped at the max.
func backoffDelay(attempt int) time.Duration {
	d := reconnectInitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= reconnectMaxBackoff {
			return reconnectMaxBackoff
		}
	}
	return min(d, reconnectMaxBackoff)
}
