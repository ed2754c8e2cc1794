package domain

import "time"

// EventType classifies domain events consumed by the trigger evaluator.
type EventType string

const (
	EventNewLead         EventType = "new_lead"
	EventMessageReceived EventType = "message_received"
	EventStatusChange    EventType = "status_change"
	EventClockTick       EventType = "clock_tick"
)

// Event is a domain event emitted by the event source (lead capture,
// inbound transports, operator actions or the scheduler clock).
type Event struct {
	ID         string
	Type       EventType
	LeadID     string
	ClientID   string
	Text       string  // inbound text for message_received
	Channel    Channel // channel the inbound text arrived on
	NewStatus  LeadStatus
	OccurredAt time.Time
}
