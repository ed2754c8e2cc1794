// Package trigger decides which automations fire for which leads in
// response to domain events.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

// Store is the configuration surface the evaluator reads.
type Store interface {
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	ListActiveAutomations(ctx context.Context, clientID string, trigger domain.TriggerType) ([]domain.Automation, error)
	ListDueScheduledAutomations(ctx context.Context, now time.Time) ([]domain.Automation, error)
	AdvanceScheduledAutomation(ctx context.Context, id string, nextRunAt time.Time) error
	ListLeadsInFunnel(ctx context.Context, clientID string) ([]domain.Lead, error)
}

// RunStarter creates an automation run for a (automation, lead) pair.
// Returns false when a live run already existed.
type RunStarter interface {
	StartRun(ctx context.Context, automation domain.Automation, lead domain.Lead) (bool, error)
}

// Deduper remembers processed event ids so replayed events are no-ops.
// Delete releases a marker again when evaluation fails, so the source's
// retry of the same event id is not mistaken for a replay.
type Deduper interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Firing is one (automation, lead) pair selected by evaluation.
type Firing struct {
	Automation domain.Automation
	Lead       domain.Lead
	Started    bool
}

// Evaluator matches domain events against active automations. Each trigger
// type has its own evaluation function; there is no generic string-keyed
// dispatch.
type Evaluator struct {
	store   Store
	starter RunStarter
	ledger  *ledger.Ledger
	deduper Deduper
	logger  *slog.Logger
	metrics *metrics.Metrics

	dedupeTTL     time.Duration
	scheduleEvery time.Duration
}

// Config tunes evaluator behavior.
type Config struct {
	// DedupeTTL is how long processed event ids are remembered.
	DedupeTTL time.Duration
	// ScheduleEvery is the period a scheduled automation is re-armed with
	// after it fires.
	ScheduleEvery time.Duration
}

// New creates an evaluator. The deduper is optional; without it, replayed
// events still cannot create duplicate runs (the run store deduplicates),
// but inbound messages would be ledgered twice.
func New(store Store, starter RunStarter, led *ledger.Ledger, deduper Deduper,
	logger *slog.Logger, m *metrics.Metrics, cfg Config) *Evaluator {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.ScheduleEvery <= 0 {
		cfg.ScheduleEvery = 24 * time.Hour
	}
	return &Evaluator{
		store:         store,
		starter:       starter,
		ledger:        led,
		deduper:       deduper,
		logger:        logger.With("component", "trigger"),
		metrics:       m,
		dedupeTTL:     cfg.DedupeTTL,
		scheduleEvery: cfg.ScheduleEvery,
	}
}

// Evaluate matches an event against active automations and starts a run
// for each match. Re-evaluating the same event (by id) is a no-op.
func (e *Evaluator) Evaluate(ctx context.Context, evt domain.Event) ([]Firing, error) {
	if e.metrics != nil {
		e.metrics.EventsEvaluated.WithLabelValues(string(evt.Type)).Inc()
	}

	marked := false
	if evt.ID != "" && e.deduper != nil {
		fresh, err := e.deduper.SetNX(ctx, "event:"+evt.ID, e.dedupeTTL)
		if err != nil {
			// Dedupe is best-effort; the run store still prevents
			// duplicate runs.
			e.logger.Warn("event dedupe unavailable", "event_id", evt.ID, "error", err)
		} else if !fresh {
			e.logger.Debug("skipping replayed event", "event_id", evt.ID, "type", evt.Type)
			return nil, nil
		} else {
			marked = true
		}
	}

	firings, err := e.evaluate(ctx, evt)
	if err != nil && marked {
		// Keep the event id retryable after a transient failure.
		if delErr := e.deduper.Delete(ctx, "event:"+evt.ID); delErr != nil {
			e.logger.Warn("release event marker failed", "event_id", evt.ID, "error", delErr)
		}
	}
	return firings, err
}

func (e *Evaluator) evaluate(ctx context.Context, evt domain.Event) ([]Firing, error) {
	switch evt.Type {
	case domain.EventNewLead:
		return e.evaluateNewLead(ctx, evt)
	case domain.EventMessageReceived:
		return e.evaluateMessageReceived(ctx, evt)
	case domain.EventStatusChange:
		return e.evaluateStatusChange(ctx, evt)
	case domain.EventClockTick:
		return e.evaluateClockTick(ctx, evt)
	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
}

func (e *Evaluator) evaluateNewLead(ctx context.Context, evt domain.Event) ([]Firing, error) {
	lead, err := e.store.GetLead(ctx, evt.LeadID)
	if err != nil {
		return nil, fmt.Errorf("load lead %s: %w", evt.LeadID, err)
	}
	automations, err := e.store.ListActiveAutomations(ctx, lead.ClientID, domain.TriggerNewLead)
	if err != nil {
		return nil, fmt.Errorf("list new_lead automations: %w", err)
	}
	return e.fireAll(ctx, automations, []domain.Lead{*lead})
}

func (e *Evaluator) evaluateMessageReceived(ctx context.Context, evt domain.Event) ([]Firing, error) {
	lead, err := e.store.GetLead(ctx, evt.LeadID)
	if err != nil {
		return nil, fmt.Errorf("load lead %s: %w", evt.LeadID, err)
	}

	// The inbound message is part of the shared conversation history
	// regardless of whether any automation fires.
	ch := evt.Channel
	if ch == "" || ch == domain.ChannelAuto {
		ch = domain.ChannelSMS
	}
	if _, err := e.ledger.Append(ctx, domain.Message{
		LeadID:         lead.ID,
		Sender:         domain.SenderLead,
		Body:           evt.Text,
		Channel:        ch,
		Timestamp:      evt.OccurredAt,
		DeliveryStatus: domain.StatusDelivered,
	}); err != nil {
		return nil, fmt.Errorf("ledger inbound message: %w", err)
	}

	automations, err := e.store.ListActiveAutomations(ctx, lead.ClientID, domain.TriggerKeywordMatch)
	if err != nil {
		return nil, fmt.Errorf("list keyword automations: %w", err)
	}

	// Every matching automation fires independently; there is no priority
	// ordering between simultaneous matches.
	var matched []domain.Automation
	for _, a := range automations {
		if a.MatchesKeyword(evt.Text) {
			matched = append(matched, a)
		}
	}
	return e.fireAll(ctx, matched, []domain.Lead{*lead})
}

func (e *Evaluator) evaluateStatusChange(ctx context.Context, evt domain.Event) ([]Firing, error) {
	lead, err := e.store.GetLead(ctx, evt.LeadID)
	if err != nil {
		return nil, fmt.Errorf("load lead %s: %w", evt.LeadID, err)
	}
	// Broad match: status_change automations do not filter on the target
	// status.
	automations, err := e.store.ListActiveAutomations(ctx, lead.ClientID, domain.TriggerStatusChange)
	if err != nil {
		return nil, fmt.Errorf("list status_change automations: %w", err)
	}
	return e.fireAll(ctx, automations, []domain.Lead{*lead})
}

func (e *Evaluator) evaluateClockTick(ctx context.Context, evt domain.Event) ([]Firing, error) {
	now := evt.OccurredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	due, err := e.store.ListDueScheduledAutomations(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled automations: %w", err)
	}

	var firings []Firing
	for _, a := range due {
		leads, err := e.store.ListLeadsInFunnel(ctx, a.ClientID)
		if err != nil {
			return firings, fmt.Errorf("list leads for client %s: %w", a.ClientID, err)
		}
		fired, err := e.fireAll(ctx, []domain.Automation{a}, leads)
		firings = append(firings, fired...)
		if err != nil {
			return firings, err
		}
		if err := e.store.AdvanceScheduledAutomation(ctx, a.ID, now.Add(e.scheduleEvery)); err != nil {
			return firings, fmt.Errorf("advance scheduled automation %s: %w", a.ID, err)
		}
	}
	return firings, nil
}

func (e *Evaluator) fireAll(ctx context.Context, automations []domain.Automation, leads []domain.Lead) ([]Firing, error) {
	var firings []Firing
	for _, a := range automations {
		for _, lead := range leads {
			started, err := e.starter.StartRun(ctx, a, lead)
			if err != nil {
				return firings, fmt.Errorf("start run %s/%s: %w", a.ID, lead.ID, err)
			}
			if !started {
				// A live run already exists; duplicate triggers are
				// silently ignored.
				if e.metrics != nil {
					e.metrics.RunsDeduplicated.Inc()
				}
			}
			firings = append(firings, Firing{Automation: a, Lead: lead, Started: started})
			e.logger.Info("automation matched", "automation", a.Name,
				"lead_id", lead.ID, "started", started)
		}
	}
	return firings, nil
}
