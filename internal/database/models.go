package database

import "time"

// RemoteEvent is one entry of HQ's remote lifecycle log: registrations,
// evictions and session ownership changes. Bearer tokens are never stored.
type RemoteEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RemoteID   string    `gorm:"index;not null" json:"remoteId"`
	RemoteName string    `gorm:"index;not null" json:"remoteName"`
	Type       string    `gorm:"index;not null" json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}
