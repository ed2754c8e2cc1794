package repo

import (
	"context"
	"io/fs"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

// Store defines the persistence surface the engine depends on.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Leads
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	UpdateLeadStatus(ctx context.Context, id string, status domain.LeadStatus) error
	TouchLastMessageSent(ctx context.Context, id string, at time.Time) error
	ListLeadsInFunnel(ctx context.Context, clientID string) ([]domain.Lead, error)
	FindLeadByPhone(ctx context.Context, phone string) (*domain.Lead, error)

	// Automations
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	ListActiveAutomations(ctx context.Context, clientID string, trigger domain.TriggerType) ([]domain.Automation, error)
	ListDueScheduledAutomations(ctx context.Context, now time.Time) ([]domain.Automation, error)
	AdvanceScheduledAutomation(ctx context.Context, id string, nextRunAt time.Time) error

	// Runs
	CreateRun(ctx context.Context, run domain.AutomationRun) (bool, error)
	UpdateRunProgress(ctx context.Context, id string, step int, scheduledAt time.Time) error
	FinishRun(ctx context.Context, id string, state domain.RunState) error
	ListUnfinishedRuns(ctx context.Context) ([]domain.AutomationRun, error)

	// Conversation ledger rows
	InsertConversationMessage(ctx context.Context, msg domain.Message) error
	ListConversation(ctx context.Context, leadID string) ([]domain.Message, error)
	UpdateDeliveryStatus(ctx context.Context, externalID string, status domain.DeliveryStatus) (bool, error)

	// SMS settings and quota
	GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error)
	ReserveSMSCredit(ctx context.Context, clientID string) error
}

var _ Store = (*Repository)(nil)
