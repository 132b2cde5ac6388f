package database

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
)

// DefaultEventRetention is how long remote events are kept when no
// retention is configured.
const DefaultEventRetention = 7 * 24 * time.Hour

// EventLog persists registry events for the admin API.
type EventLog struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func NewEventLog(db *gorm.DB) *EventLog {
	return &EventLog{db: db, nowFn: time.Now}
}

// RecordRemoteEvent stores one registry event. It has the shape of a
// registry.EventListener, so it can be passed to Registry.OnEvent directly.
func (l *EventLog) RecordRemoteEvent(ev registry.Event) {
	created := ev.Timestamp
	if created.IsZero() {
		created = l.nowFn()
	}
	row := RemoteEvent{
		RemoteID:   ev.RemoteID,
		RemoteName: ev.RemoteName,
		Type:       string(ev.Type),
		SessionID:  ev.SessionID,
		Details:    ev.Details,
		CreatedAt:  created,
	}
	if err := l.db.Create(&row).Error; err != nil {
		log.Printf("[database] failed to record remote event %s for %s: %v", ev.Type, ev.RemoteName, err)
	}
}

// EventQuery filters ListRemoteEvents.
type EventQuery struct {
	RemoteID   string
	RemoteName string
	Type       string
	Since      *time.Time
	Limit      int
	Offset     int
}

// EventPage is one page of remote events, newest first.
type EventPage struct {
	Entries []RemoteEvent `json:"entries"`
	Total   int64         `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

func (l *EventLog) ListRemoteEvents(q EventQuery) (*EventPage, error) {
	tx := l.db.Model(&RemoteEvent{})
	if q.RemoteID != "" {
		tx = tx.Where("remote_id = ?", q.RemoteID)
	}
	if q.RemoteName != "" {
		tx = tx.Where("remote_name = ?", q.RemoteName)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Since != nil {
		tx = tx.Where("created_at >= ?", *q.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	entries := []RemoteEvent{}
	if err := tx.Order("created_at DESC, id DESC").Offset(q.Offset).Limit(q.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &EventPage{Entries: entries, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// PruneRemoteEvents deletes events older than retention and returns how
// many were removed.
func (l *EventLog) PruneRemoteEvents(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	cutoff := l.nowFn().Add(-retention)
	result := l.db.Where("created_at < ?", cutoff).Delete(&RemoteEvent{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[database] pruned %d remote events older than %s", result.RowsAffected, retention)
	}
	return result.RowsAffected, nil
}
