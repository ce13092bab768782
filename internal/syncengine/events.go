package syncengine

import (
	"time"
)

// EventType names the fire-and-forget observability signals consumed by the
// UI and ops tooling. Emission never blocks or fails the operation that
// produced it.
type EventType string

const (
	EventQueueFull    EventType = "sync.queue_full"
	EventSchemaDrift  EventType = "sync.schema_drift"
	EventDeadLettered EventType = "sync.dead_lettered"
	EventAuthRequired EventType = "sync.auth_required"
)

type Event struct {
	Type      EventType    `json:"type"`
	ItemID    string       `json:"itemId,omitempty"`
	Kind      MutationKind `json:"kind,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventListener receives engine events. Listeners must not block; slow
// consumers should hand off to their own channel.
type EventListener func(event Event)
