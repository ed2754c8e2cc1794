package domain

import "time"

// TriggerType is the event class that fires an automation.
type TriggerType string

const (
	TriggerNewLead      TriggerType = "new_lead"
	TriggerKeywordMatch TriggerType = "keyword_match"
	TriggerStatusChange TriggerType = "status_change"
	TriggerScheduled    TriggerType = "scheduled"
)

// Step is one delayed message in an automation sequence. DelayMinutes is
// measured from the previous step's fire time, or from the trigger for the
// first step.
type Step struct {
	DelayMinutes   int    `json:"delay_minutes"`
	MessageText    string `json:"message_text"`
	HasBookingLink bool   `json:"has_booking_link"`
}

// Automation pairs a trigger condition with an ordered message sequence.
// The engine treats automations as read-only configuration.
type Automation struct {
	ID                string
	ClientID          string
	Name              string
	TriggerType       TriggerType
	TriggerKeywords   []string
	Sequence          []Step
	IsActive          bool
	BusinessHoursOnly bool
	NextRunAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MatchesKeyword reports whether the inbound text contains any of the
// automation's trigger keywords, case-insensitively.
func (a *Automation) MatchesKeyword(text string) bool {
	if a.TriggerType != TriggerKeywordMatch {
		return false
	}
	return ContainsKeyword(text, a.TriggerKeywords)
}

// RunState is the lifecycle state of an automation run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run can make no further progress.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// AutomationRun is one execution of an automation for a specific lead. At
// most one non-terminal run may exist per (automation, lead) pair.
type AutomationRun struct {
	ID           string
	AutomationID string
	LeadID       string
	CurrentStep  int
	ScheduledAt  time.Time
	State        RunState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
