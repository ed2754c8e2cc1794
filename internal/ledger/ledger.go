// Package ledger owns the append-only conversation history shared by the
// automation engine and the operator chat UI. All writes for a lead go
// through a per-lead lock so concurrent senders never interleave.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

// Store is the persistence surface the ledger writes through.
type Store interface {
	InsertConversationMessage(ctx context.Context, msg domain.Message) error
	ListConversation(ctx context.Context, leadID string) ([]domain.Message, error)
	UpdateDeliveryStatus(ctx context.Context, externalID string, status domain.DeliveryStatus) (bool, error)
}

// Ledger serializes appends per lead and enforces that entries only ever
// grow and their delivery status only moves forward.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*leadLock
}

// leadLock is reference-counted so entries can be evicted once no append
// for that lead is in flight.
type leadLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a ledger backed by the given store.
func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With("component", "ledger"),
		metrics: m,
		locks:   map[string]*leadLock{},
	}
}

func (l *Ledger) acquireLead(leadID string) *leadLock {
	l.mu.Lock()
	lock, ok := l.locks[leadID]
	if !ok {
		lock = &leadLock{}
		l.locks[leadID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (l *Ledger) releaseLead(leadID string, lock *leadLock) {
	lock.mu.Unlock()

	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, leadID)
	}
	l.mu.Unlock()
}

// Append adds a message to the lead's history. The entry id and timestamp
// are filled in when absent. Append order is authoritative for Read.
func (l *Ledger) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.LeadID == "" {
		return msg, fmt.Errorf("append: lead id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = domain.StatusPending
	}

	lock := l.acquireLead(msg.LeadID)
	defer l.releaseLead(msg.LeadID, lock)

	if err := l.store.InsertConversationMessage(ctx, msg); err != nil {
		return msg, fmt.Errorf("append to ledger: %w", err)
	}
	if l.metrics != nil {
		l.metrics.LedgerAppends.WithLabelValues(string(msg.Sender)).Inc()
	}
	return msg, nil
}

// UpdateStatus moves the entry identified by an external transport id
// forward in the delivery lattice. An unknown id is a logged no-op: late
// or duplicate webhooks are expected, not errors.
func (l *Ledger) UpdateStatus(ctx context.Context, externalID string, status domain.DeliveryStatus) error {
	if externalID == "" {
		return fmt.Errorf("update status: external id is required")
	}
	found, err := l.store.UpdateDeliveryStatus(ctx, externalID, status)
	if err != nil {
		if l.metrics != nil {
			l.metrics.StatusUpdates.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("update delivery status: %w", err)
	}
	if !found {
		l.logger.Warn("status update for unknown message", "external_id", externalID, "status", status)
		if l.metrics != nil {
			l.metrics.StatusUpdates.WithLabelValues("unknown").Inc()
		}
		return nil
	}
	if l.metrics != nil {
		l.metrics.StatusUpdates.WithLabelValues("applied").Inc()
	}
	return nil
}

// Read returns the lead's history in strict append order.
func (l *Ledger) Read(ctx context.Context, leadID string) ([]domain.Message, error) {
	msgs, err := l.store.ListConversation(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return msgs, nil
}
