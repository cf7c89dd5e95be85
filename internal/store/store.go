// Package store persists supervisor lifecycle events (unit starts, watchdog
// timeouts, recreations, disposal) for operational history. It holds no user
// project data.
package store

import (
	"context"
	"time"
)

// Event is one recorded supervisor lifecycle event.
type Event struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Generation uint64    `json:"generation"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store defines the persistence operations for engine events.
type Store interface {
	RecordEvent(ctx context.Context, kind string, generation uint64, detail string) error
	ListEvents(ctx context.Context, limit int) ([]Event, error)
	CountByKind(ctx context.Context) (map[string]int, error)
	Close() error
}
