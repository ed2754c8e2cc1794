// Package sched drives automation runs through their message sequences:
// it waits out step delays, defers steps to business hours, dispatches the
// rendered message and records the outcome in the conversation ledger.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
)

// Store is the persistence surface the scheduler depends on.
type Store interface {
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	UpdateLeadStatus(ctx context.Context, id string, status domain.LeadStatus) error
	TouchLastMessageSent(ctx context.Context, id string, at time.Time) error
	GetAutomation(ctx context.Context, id string) (*domain.Automation, error)
	CreateRun(ctx context.Context, run domain.AutomationRun) (bool, error)
	UpdateRunProgress(ctx context.Context, id string, step int, scheduledAt time.Time) error
	FinishRun(ctx context.Context, id string, state domain.RunState) error
	ListUnfinishedRuns(ctx context.Context) ([]domain.AutomationRun, error)
	GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error)
}

// ChannelSelector resolves the outbound channel for a lead.
type ChannelSelector interface {
	Select(ctx context.Context, lead *domain.Lead, requested domain.Channel) (domain.Channel, error)
}

// Gateway dispatches one message and reports the provisional outcome.
type Gateway interface {
	Send(ctx context.Context, lead *domain.Lead, ch domain.Channel, text string) (string, domain.DeliveryStatus, error)
}

// TaskInfo describes one pending step for inspection.
type TaskInfo struct {
	RunID        string
	AutomationID string
	LeadID       string
	Step         int
	Due          time.Time
}

// Scheduler executes automation runs. Steps of different runs execute
// independently; steps of one run execute strictly in order because a run
// has at most one queued task at any time.
type Scheduler struct {
	store    Store
	selector ChannelSelector
	gateway  Gateway
	ledger   *ledger.Ledger
	logger   *slog.Logger
	metrics  *metrics.Metrics

	now       func() time.Time
	delayUnit time.Duration

	mu    sync.Mutex
	queue *workQueue
	wake  chan struct{}
}

// New creates a scheduler.
func New(store Store, selector ChannelSelector, gateway Gateway, led *ledger.Ledger,
	logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:     store,
		selector:  selector,
		gateway:   gateway,
		ledger:    led,
		logger:    logger.With("component", "sched"),
		metrics:   m,
		now:       time.Now,
		delayUnit: time.Minute,
		queue:     newWorkQueue(),
		wake:      make(chan struct{}, 1),
	}
}

// StartRun creates a run for the (automation, lead) pair and queues its
// first step. Returns false without error when a live run already exists.
func (s *Scheduler) StartRun(ctx context.Context, automation domain.Automation, lead domain.Lead) (bool, error) {
	if len(automation.Sequence) == 0 {
		return false, fmt.Errorf("automation %s has an empty sequence", automation.ID)
	}

	now := s.now().UTC()
	run := domain.AutomationRun{
		ID:           uuid.NewString(),
		AutomationID: automation.ID,
		LeadID:       lead.ID,
		CurrentStep:  0,
		ScheduledAt:  now.Add(s.stepDelay(automation.Sequence[0].DelayMinutes)),
		State:        domain.RunPending,
	}

	created, err := s.store.CreateRun(ctx, run)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return false, nil
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.Inc()
	}
	s.enqueue(task{
		runID:        run.ID,
		automationID: run.AutomationID,
		leadID:       run.LeadID,
		step:         0,
		due:          run.ScheduledAt,
	})
	return true, nil
}

// Resume re-queues all non-terminal runs, used after a restart.
func (s *Scheduler) Resume(ctx context.Context) error {
	runs, err := s.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return fmt.Errorf("resume runs: %w", err)
	}
	for _, run := range runs {
		s.enqueue(task{
			runID:        run.ID,
			automationID: run.AutomationID,
			leadID:       run.LeadID,
			step:         run.CurrentStep,
			due:          run.ScheduledAt,
		})
	}
	if len(runs) > 0 {
		s.logger.Info("resumed unfinished runs", "count", len(runs))
	}
	return nil
}

// Run executes queued tasks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		var timer *time.Timer
		var due []task
		for {
			next, ok := s.queue.peek()
			if !ok {
				break
			}
			wait := next.due.Sub(s.now())
			if wait > 0 {
				timer = time.NewTimer(wait)
				break
			}
			t, _ := s.queue.pop()
			due = append(due, t)
		}
		s.mu.Unlock()

		for _, t := range due {
			go s.executeStep(ctx, t)
		}
		if len(due) > 0 {
			continue
		}

		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// CancelRun drops a run's queued work and marks it cancelled. A send
// already in flight still completes and is ledgered; only future steps
// stop.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	s.queue.removeRun(runID)
	s.mu.Unlock()

	if err := s.store.FinishRun(ctx, runID, domain.RunCancelled); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("cancel run: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RunsFinished.WithLabelValues(string(domain.RunCancelled)).Inc()
	}
	return nil
}

// Pending returns a snapshot of queued step executions.
func (s *Scheduler) Pending() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.queue.snapshot()
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskInfo{
			RunID:        t.runID,
			AutomationID: t.automationID,
			LeadID:       t.leadID,
			Step:         t.step,
			Due:          t.due,
		})
	}
	return out
}

func (s *Scheduler) enqueue(t task) {
	s.mu.Lock()
	s.queue.push(t)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// executeStep fires one step of a run. Failures within the step never
// abort the rest of the sequence; only cancellation conditions halt a run.
func (s *Scheduler) executeStep(ctx context.Context, t task) {
	automation, err := s.store.GetAutomation(ctx, t.automationID)
	if err != nil {
		s.fail("load automation", t, err)
		return
	}
	lead, err := s.store.GetLead(ctx, t.leadID)
	if err != nil {
		s.fail("load lead", t, err)
		return
	}

	// Cancellation is checked at fire time, before anything is sent:
	// deactivating an automation or a lead leaving the funnel stops the
	// run here, never mid-send.
	if !automation.IsActive || !lead.Status.InFunnel() {
		s.finishRun(ctx, t.runID, domain.RunCancelled)
		s.logger.Info("run cancelled", "run_id", t.runID,
			"automation_active", automation.IsActive, "lead_status", lead.Status)
		return
	}

	settings := s.loadSettings(ctx, lead.ClientID)

	if automation.BusinessHoursOnly && settings != nil {
		window, err := settings.Window()
		if err != nil {
			s.logger.Warn("invalid business hours, sending anyway",
				"client_id", lead.ClientID, "error", err)
		} else if now := s.now(); !window.Contains(now) {
			deferred := t
			deferred.due = window.NextOpen(now)
			// UpdateRunProgress only touches live runs, so a run cancelled
			// while this task was in flight is not re-queued here.
			if err := s.store.UpdateRunProgress(ctx, t.runID, t.step, deferred.due); err != nil {
				if !errors.Is(err, repo.ErrNotFound) {
					s.fail("defer step", t, err)
				}
				return
			}
			s.enqueue(deferred)
			if s.metrics != nil {
				s.metrics.StepsDeferred.Inc()
			}
			s.logger.Info("step deferred to business hours",
				"run_id", t.runID, "step", t.step, "due", deferred.due)
			return
		}
	}

	if t.step >= len(automation.Sequence) {
		s.finishRun(ctx, t.runID, domain.RunCompleted)
		return
	}
	step := automation.Sequence[t.step]

	text := domain.RenderTemplate(step.MessageText, lead)
	if step.HasBookingLink && settings != nil {
		text = domain.AppendBookingLink(text, settings.BookingURL)
	}

	firedAt := s.now().UTC()
	s.dispatchStep(ctx, lead, text)

	// The next delay is measured from this step's actual fire time, which
	// may be later than its original due time after deferral.
	next := t.step + 1
	if next < len(automation.Sequence) {
		due := firedAt.Add(s.stepDelay(automation.Sequence[next].DelayMinutes))
		if err := s.store.UpdateRunProgress(ctx, t.runID, next, due); err != nil {
			s.fail("advance run", t, err)
			return
		}
		s.enqueue(task{
			runID:        t.runID,
			automationID: t.automationID,
			leadID:       t.leadID,
			step:         next,
			due:          due,
		})
		return
	}
	s.finishRun(ctx, t.runID, domain.RunCompleted)
}

// dispatchStep selects a channel, sends, and ledgers the outcome. Failed
// attempts are ledgered too so operators can see and follow up.
func (s *Scheduler) dispatchStep(ctx context.Context, lead *domain.Lead, text string) {
	requested := lead.PreferredChannel
	if requested == "" {
		requested = domain.ChannelAuto
	}

	ch, err := s.selector.Select(ctx, lead, requested)
	if err != nil {
		s.logger.Warn("channel selection failed", "lead_id", lead.ID, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("sched").Inc()
		}
		recordCh := requested
		if recordCh == domain.ChannelAuto {
			recordCh = domain.ChannelSMS
		}
		s.appendLedger(ctx, domain.Message{
			LeadID:         lead.ID,
			Sender:         domain.SenderSystem,
			Body:           text,
			Channel:        recordCh,
			DeliveryStatus: domain.StatusFailed,
		})
		return
	}

	externalID, status, err := s.gateway.Send(ctx, lead, ch, text)
	msg := domain.Message{
		LeadID:         lead.ID,
		Sender:         domain.SenderSystem,
		Body:           text,
		Channel:        ch,
		DeliveryStatus: status,
	}
	if externalID != "" {
		msg.ExternalID = &externalID
	}
	s.appendLedger(ctx, msg)

	if err != nil {
		// No automatic retry; the failed attempt stays visible in the
		// ledger and the sequence moves on.
		s.logger.Warn("step send failed", "lead_id", lead.ID, "channel", ch, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("sched").Inc()
		}
		return
	}

	now := s.now().UTC()
	if err := s.store.TouchLastMessageSent(ctx, lead.ID, now); err != nil {
		s.logger.Warn("touch last message sent failed", "lead_id", lead.ID, "error", err)
	}
	if lead.Status == domain.LeadStatusNew {
		if err := s.store.UpdateLeadStatus(ctx, lead.ID, domain.LeadStatusContacted); err != nil {
			s.logger.Warn("advance lead status failed", "lead_id", lead.ID, "error", err)
		}
	}
}

func (s *Scheduler) appendLedger(ctx context.Context, msg domain.Message) {
	if _, err := s.ledger.Append(ctx, msg); err != nil {
		s.logger.Error("ledger append failed", "lead_id", msg.LeadID, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("ledger").Inc()
		}
	}
}

func (s *Scheduler) finishRun(ctx context.Context, runID string, state domain.RunState) {
	if err := s.store.FinishRun(ctx, runID, state); err != nil && !errors.Is(err, repo.ErrNotFound) {
		s.logger.Error("finish run failed", "run_id", runID, "state", state, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RunsFinished.WithLabelValues(string(state)).Inc()
	}
}

func (s *Scheduler) loadSettings(ctx context.Context, clientID string) *domain.SMSSettings {
	settings, err := s.store.GetSMSSettings(ctx, clientID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("load sms settings failed", "client_id", clientID, "error", err)
		}
		return nil
	}
	return settings
}

func (s *Scheduler) stepDelay(minutes int) time.Duration {
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * s.delayUnit
}

func (s *Scheduler) fail(op string, t task, err error) {
	s.logger.Error(op+" failed", "run_id", t.runID, "step", t.step, "error", err)
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("sched").Inc()
	}
}
