// Package audit records session events durably for later inspection.
package audit

import (
	"context"
	"time"
)

// Entry is one recorded session event.
type Entry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	SessionID    string    `json:"session_id"`
	DataSourceID string    `json:"data_source_id"`
	EventType    string    `json:"event_type"`
	CallerID     string    `json:"caller_id"`
	// Detail carries event-specific context as JSON.
	Detail string `json:"detail,omitempty"`
}

// Store persists audit entries.
type Store interface {
	// Append records one entry. The entry's ID is assigned by the store.
	Append(ctx context.Context, entry Entry) error
	// List returns the most recent entries for a session, newest first.
	// An empty sessionID lists across all sessions.
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	// Close releases the store.
	Close() error
}
