// Package events carries platform events between the service and the bus.
package events

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMalformed marks a message that could not be decoded. Consumers skip it.
	ErrMalformed = errors.New("malformed event")
	// ErrClosed is returned by Next once the subscriber is closed.
	ErrClosed = errors.New("subscriber closed")
)

// Event is the envelope exchanged on the bus.
type Event struct {
	Name       string         `json:"event"`
	TenantID   string         `json:"tenantId"`
	ActorID    string         `json:"actorId,omitempty"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber yields events one at a time. Next blocks until an event arrives
// or ctx is done.
type Subscriber interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
