package registry

import "time"

// EventType identifies a registry lifecycle change.
type EventType string

const (
	EventRegistered     EventType = "registered"
	EventUnregistered   EventType = "unregistered"
	EventEvicted        EventType = "evicted"
	EventSessionAdded   EventType = "session_added"
	EventSessionRemoved EventType = "session_removed"
	EventSessionsSynced EventType = "sessions_synced"
)

// Event describes one registry change.
type Event struct {
	Type       EventType `json:"type"`
	RemoteID   string    `json:"remoteId"`
	RemoteName string    `json:"remoteName"`
	SessionID  string    `json:"sessionId,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventListener is called after a registry change has been applied.
// Listeners are called synchronously and outside the registry lock;
// long-running handlers should spawn goroutines.
type EventListener func(event Event)

// OnEvent registers a listener for registry events.
func (r *Registry) OnEvent(listener EventListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}

	r.listenerMu.RLock()
	listeners := make([]EventListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}
