package broker

import (
	"context"
	"time"
)

// EventAction enumerates instance lifecycle events published by the API
type EventAction string

// Defining the lifecycle event actions
const (
	EventStarted    EventAction = "Started"
	EventStopped    EventAction = "Stopped"
	EventFailed     EventAction = "Failed"
	EventTerminated EventAction = "Terminated"
)

// InstanceEvent is the message emitted after a driver-confirmed lifecycle
// change. Consumers must tolerate at-least-once delivery.
type InstanceEvent struct {
	InstanceID string      `json:"instanceId"`
	AccountID  string      `json:"accountId"`
	Action     EventAction `json:"action"`
	At         time.Time   `json:"at"`
}

// Producer defines the interface for publishing lifecycle events
type Producer interface {
	PublishInstanceEvent(ev *InstanceEvent) error
	Close()
}

// Consumer defines the interface for receiving lifecycle events
type Consumer interface {
	InstanceEvents(ctx context.Context) (<-chan *InstanceEvent, error)
	Close()
}
