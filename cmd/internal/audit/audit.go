// Package audit records stage attempts for later review.
//
// Only attempts are recorded, never session state: sessions stay in process
// memory and die with it. Rows carry a digest of the session id, not the id.
package audit

import (
	"context"
	"net"
	"time"
)

// Event is one recorded stage attempt.
type Event struct {
	ID          string
	Action      string
	Stage       string
	Code        string
	SessionHash string
	RequestID   string
	IP          net.IP
	UserAgent   string
	CreatedAt   time.Time
	Meta        map[string]any
}

// Sink persists audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// NopSink is used when no database is configured.
type NopSink struct{}

// Record discards the event.
func (NopSink) Record(_ context.Context, _ Event) error { return nil }

// Close is a no-op.
func (NopSink) Close() error { return nil }
