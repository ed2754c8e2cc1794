package domain

import "time"

// LeadStatus is the funnel position of a lead.
type LeadStatus string

const (
	LeadStatusNew               LeadStatus = "new"
	LeadStatusContacted         LeadStatus = "contacted"
	LeadStatusInterested        LeadStatus = "interested"
	LeadStatusAppointmentBooked LeadStatus = "appointment_booked"
	LeadStatusConverted         LeadStatus = "converted"
	LeadStatusLost              LeadStatus = "lost"
)

// InFunnel reports whether a lead should still receive automated messages.
// Converted and lost leads are out of the funnel.
func (s LeadStatus) InFunnel() bool {
	return s != LeadStatusConverted && s != LeadStatusLost
}

// Lead represents a leads table row. The conversation history lives in its
// own table and is accessed through the ledger, not through this struct.
type Lead struct {
	ID                string
	ClientID          string
	Name              string
	Phone             string
	Email             *string
	Status            LeadStatus
	Source            string
	WhatsAppAvailable bool
	PreferredChannel  Channel
	LastMessageSent   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
