package domain

import "time"

// Channel identifies a messaging transport.
type Channel string

const (
	ChannelAuto     Channel = "auto"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// Sender identifies who authored a ledger entry.
type Sender string

const (
	SenderSystem Sender = "system"
	SenderUser   Sender = "user"
	SenderLead   Sender = "lead"
)

// DeliveryStatus tracks how far a message has progressed at the transport.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// statusRank orders the forward-only delivery lattice.
var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Terminal reports whether a status can never change again.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. failed is reachable from any non-terminal status; otherwise
// only strictly forward moves along pending -> sent -> delivered -> read
// are allowed.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Message is one entry in a lead's conversation ledger. Sender, Body,
// Channel and Timestamp are immutable once appended; only DeliveryStatus
// and ExternalID may change, and DeliveryStatus only forward.
type Message struct {
	ID             string
	LeadID         string
	Sender         Sender
	Body           string
	Channel        Channel
	Timestamp      time.Time
	DeliveryStatus DeliveryStatus
	ExternalID     *string
}
