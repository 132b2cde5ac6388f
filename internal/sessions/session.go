// Package sessions holds the terminal sessions that live on this server.
//
// The store is the boundary to the terminal layer: a Spawner produces a
// Terminal for each new session, and the terminal pushes raw output and
// rendered screen snapshots back through a Sink. Snapshots are opaque bytes
// here; only the latest one per session is kept.
package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrExited      = errors.New("session has exited")
	ErrInvalidSize = errors.New("cols and rows must be positive")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

const (
	DefaultCols = 120
	DefaultRows = 30
)

// Session is a point-in-time copy of a session's metadata.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Command      []string  `json:"command"`
	WorkingDir   string    `json:"workingDir"`
	Cols         int       `json:"cols"`
	Rows         int       `json:"rows"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// CreateRequest is the body of a session create call.
type CreateRequest struct {
	Name       string   `json:"name"`
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir"`
	Cols       int      `json:"cols"`
	Rows       int      `json:"rows"`
}

// Terminal is a running terminal attached to a session.
type Terminal interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
}

// Sink receives what a Terminal produces.
type Sink interface {
	// Output delivers raw output bytes.
	Output(p []byte)
	// Snapshot replaces the session's current screen snapshot.
	Snapshot(p []byte)
	// Exited marks the session as finished.
	Exited()
}

// Spawner starts the terminal for a freshly created session.
type Spawner func(ctx context.Context, s Session, sink Sink) (Terminal, error)

// ChangeAction is the kind of store change reported to listeners.
type ChangeAction string

const (
	ChangeCreated ChangeAction = "created"
	ChangeDeleted ChangeAction = "deleted"
)

// Change is one session lifecycle change.
type Change struct {
	Action    ChangeAction
	SessionID string
}

// ChangeListener is called after a session was added to or removed from the
// store, outside the store lock.
type ChangeListener func(Change)
