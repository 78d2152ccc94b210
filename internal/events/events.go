package events

import "context"

// Transition is the snapshot the core publishes after every committed
// state change. Delivery is at-least-once; subscribers treat each message
// as an idempotent snapshot, not a delta.
type Transition struct {
	EntityType string            `json:"entity_type"` // request | invitation | trip | participant | arrival
	EntityID   string            `json:"entity_id"`
	Status     string            `json:"status"`
	OwnerIDs   []string          `json:"owner_ids"` // profile ids whose views this touches
	TripID     string            `json:"trip_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Publisher hands committed transitions to the notification channel.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
}

// NopPublisher drops transitions; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, t Transition) error { return nil }
