package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
)

// schedStore is an in-memory Store covering everything the scheduler touches.
type schedStore struct {
	mu          sync.Mutex
	leads       map[string]domain.Lead
	automations map[string]domain.Automation
	runs        map[string]domain.AutomationRun
	settings    map[string]domain.SMSSettings
	msgs        []domain.Message
}

func newSchedStore() *schedStore {
	return &schedStore{
		leads:       map[string]domain.Lead{},
		automations: map[string]domain.Automation{},
		runs:        map[string]domain.AutomationRun{},
		settings:    map[string]domain.SMSSettings{},
	}
}

func (s *schedStore) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &l, nil
}

func (s *schedStore) UpdateLeadStatus(ctx context.Context, id string, status domain.LeadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.leads[id]
	l.Status = status
	s.leads[id] = l
	return nil
}

func (s *schedStore) TouchLastMessageSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.leads[id]
	l.LastMessageSent = &at
	s.leads[id] = l
	return nil
}

func (s *schedStore) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &a, nil
}

func (s *schedStore) CreateRun(ctx context.Context, run domain.AutomationRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.AutomationID == run.AutomationID && existing.LeadID == run.LeadID &&
			!existing.State.Terminal() {
			return false, nil
		}
	}
	s.runs[run.ID] = run
	return true, nil
}

func (s *schedStore) UpdateRunProgress(ctx context.Context, id string, step int, scheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.State.Terminal() {
		return repo.ErrNotFound
	}
	run.CurrentStep = step
	run.ScheduledAt = scheduledAt
	run.State = domain.RunRunning
	s.runs[id] = run
	return nil
}

func (s *schedStore) FinishRun(ctx context.Context, id string, state domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.State.Terminal() {
		return repo.ErrNotFound
	}
	run.State = state
	s.runs[id] = run
	return nil
}

func (s *schedStore) ListUnfinishedRuns(ctx context.Context) ([]domain.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AutomationRun
	for _, run := range s.runs {
		if !run.State.Terminal() {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *schedStore) GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.settings[clientID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &cfg, nil
}

// Ledger store backed by the same struct.
func (s *schedStore) InsertConversationMessage(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *schedStore) ListConversation(ctx context.Context, leadID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.msgs {
		if m.LeadID == leadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *schedStore) UpdateDeliveryStatus(ctx context.Context, externalID string, status domain.DeliveryStatus) (bool, error) {
	return false, nil
}

func (s *schedStore) runState(id string) domain.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id].State
}

func (s *schedStore) singleRunID(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(s.runs))
	}
	for id := range s.runs {
		return id
	}
	return ""
}

// recordingSelector always picks whatsapp.
type recordingSelector struct{}

func (recordingSelector) Select(ctx context.Context, lead *domain.Lead, requested domain.Channel) (domain.Channel, error) {
	return domain.ChannelWhatsApp, nil
}

// recordingGateway records sends with their wall-clock times.
type recordingGateway struct {
	mu    sync.Mutex
	sends []recordedSend
	fail  error
}

type recordedSend struct {
	text string
	at   time.Time
}

func (g *recordingGateway) Send(ctx context.Context, lead *domain.Lead, ch domain.Channel, text string) (string, domain.DeliveryStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, recordedSend{text: text, at: time.Now()})
	if g.fail != nil {
		return "", domain.StatusFailed, g.fail
	}
	return fmt.Sprintf("ext-%d", len(g.sends)), domain.StatusSent, nil
}

func (g *recordingGateway) recorded() []recordedSend {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]recordedSend, len(g.sends))
	copy(out, g.sends)
	return out
}

func newTestScheduler(t *testing.T, store *schedStore, gw *recordingGateway) *Scheduler {
	t.Helper()
	led := ledger.New(store, slog.Default(), nil)
	s := New(store, recordingSelector{}, gw, led, slog.Default(), nil)
	// Compress minutes to milliseconds so multi-step sequences run inside
	// a test.
	s.delayUnit = time.Millisecond
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSequenceExecutesStepsInOrder(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Name: "Alex", Status: domain.LeadStatusNew}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true,
		Sequence: []domain.Step{
			{DelayMinutes: 0, MessageText: "step-0 {name}"},
			{DelayMinutes: 20, MessageText: "step-1"},
			{DelayMinutes: 30, MessageText: "step-2"},
		},
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	started, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"])
	if err != nil || !started {
		t.Fatalf("start run: started=%v err=%v", started, err)
	}

	runID := store.singleRunID(t)
	waitFor(t, 2*time.Second, func() bool {
		return store.runState(runID) == domain.RunCompleted
	})

	sends := gw.recorded()
	if len(sends) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sends))
	}
	if sends[0].text != "step-0 Alex" {
		t.Fatalf("template not rendered: %q", sends[0].text)
	}
	if sends[1].text != "step-1" || sends[2].text != "step-2" {
		t.Fatalf("steps out of order: %+v", sends)
	}
	// Each step waits roughly its delay after the previous step fired. The
	// delay clock starts just before the previous dispatch, so allow a few
	// milliseconds of slack.
	if gap := sends[1].at.Sub(sends[0].at); gap < 15*time.Millisecond {
		t.Fatalf("step 1 fired %v after step 0, want about 20ms", gap)
	}
	if gap := sends[2].at.Sub(sends[1].at); gap < 25*time.Millisecond {
		t.Fatalf("step 2 fired %v after step 1, want about 30ms", gap)
	}

	msgs, _ := store.ListConversation(context.Background(), "l1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(msgs))
	}
}

func TestFailedStepDoesNotAbortSequence(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Status: domain.LeadStatusContacted}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true,
		Sequence: []domain.Step{
			{DelayMinutes: 0, MessageText: "one"},
			{DelayMinutes: 5, MessageText: "two"},
		},
	}
	gw := &recordingGateway{fail: fmt.Errorf("provider down")}
	s := newTestScheduler(t, store, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if _, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"]); err != nil {
		t.Fatalf("start run: %v", err)
	}
	runID := store.singleRunID(t)
	waitFor(t, 2*time.Second, func() bool {
		return store.runState(runID) == domain.RunCompleted
	})

	if len(gw.recorded()) != 2 {
		t.Fatalf("both steps must be attempted, got %d", len(gw.recorded()))
	}
	msgs, _ := store.ListConversation(context.Background(), "l1")
	if len(msgs) != 2 {
		t.Fatalf("failed sends must be ledgered, got %d entries", len(msgs))
	}
	for _, m := range msgs {
		if m.DeliveryStatus != domain.StatusFailed {
			t.Fatalf("expected failed status, got %s", m.DeliveryStatus)
		}
	}
}

func TestDeactivatedAutomationCancelsRun(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Status: domain.LeadStatusContacted}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true,
		Sequence: []domain.Step{
			{DelayMinutes: 0, MessageText: "one"},
			{DelayMinutes: 250, MessageText: "two"},
		},
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if _, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"]); err != nil {
		t.Fatalf("start run: %v", err)
	}
	runID := store.singleRunID(t)

	// Deactivate after the first step fires but before the second is due.
	waitFor(t, 2*time.Second, func() bool { return len(gw.recorded()) == 1 })
	store.mu.Lock()
	a := store.automations["a1"]
	a.IsActive = false
	store.automations["a1"] = a
	store.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		return store.runState(runID) == domain.RunCancelled
	})
	if len(gw.recorded()) != 1 {
		t.Fatalf("second step must not fire after deactivation, got %d sends", len(gw.recorded()))
	}
}

func TestLeadLeavingFunnelCancelsRun(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Status: domain.LeadStatusContacted}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true,
		Sequence: []domain.Step{
			{DelayMinutes: 0, MessageText: "one"},
			{DelayMinutes: 250, MessageText: "two"},
		},
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if _, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"]); err != nil {
		t.Fatalf("start run: %v", err)
	}
	runID := store.singleRunID(t)

	waitFor(t, 2*time.Second, func() bool { return len(gw.recorded()) == 1 })
	if err := store.UpdateLeadStatus(ctx, "l1", domain.LeadStatusConverted); err != nil {
		t.Fatalf("update lead: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return store.runState(runID) == domain.RunCancelled
	})
	if len(gw.recorded()) != 1 {
		t.Fatalf("converted lead must not receive further steps, got %d", len(gw.recorded()))
	}
}

func TestBusinessHoursDefersStep(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Status: domain.LeadStatusContacted}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true, BusinessHoursOnly: true,
		Sequence: []domain.Step{{DelayMinutes: 0, MessageText: "one"}},
	}
	store.settings["c1"] = domain.SMSSettings{
		ClientID: "c1", BusinessHoursStart: "09:00", BusinessHoursEnd: "18:00", Timezone: "UTC",
		MonthlySMSLimit: 100,
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	// Pin the clock to 23:00 UTC so the step is outside the window.
	late := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return late }

	ctx := context.Background()
	if _, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"]); err != nil {
		t.Fatalf("start run: %v", err)
	}

	// Execute the queued step directly; it should requeue, not send.
	pending := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending task, got %d", len(pending))
	}
	s.executeStep(ctx, task{
		runID:        pending[0].RunID,
		automationID: pending[0].AutomationID,
		leadID:       pending[0].LeadID,
		step:         pending[0].Step,
		due:          pending[0].Due,
	})

	if len(gw.recorded()) != 0 {
		t.Fatal("step must not send outside business hours")
	}
	var deferred *TaskInfo
	for _, ti := range s.Pending() {
		if ti.Due.After(late) {
			deferred = &ti
			break
		}
	}
	if deferred == nil {
		t.Fatal("expected a deferred task in the queue")
	}
	wantOpen := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if deferred.Due.Before(wantOpen) {
		t.Fatalf("deferred to %v, want no earlier than %v", deferred.Due, wantOpen)
	}
}

func TestCancelledRunIsNotDeferredPastBusinessHours(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Status: domain.LeadStatusContacted}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true, BusinessHoursOnly: true,
		Sequence: []domain.Step{{DelayMinutes: 0, MessageText: "one"}},
	}
	store.settings["c1"] = domain.SMSSettings{
		ClientID: "c1", BusinessHoursStart: "09:00", BusinessHoursEnd: "18:00", Timezone: "UTC",
		MonthlySMSLimit: 100,
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	late := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return late }

	ctx := context.Background()
	if _, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"]); err != nil {
		t.Fatalf("start run: %v", err)
	}
	runID := store.singleRunID(t)
	pending := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending task, got %d", len(pending))
	}

	// Cancel while the task is already off the queue, as if the worker had
	// picked it up a moment before the cancellation arrived.
	s.mu.Lock()
	s.queue.removeRun(runID)
	s.mu.Unlock()
	if err := s.CancelRun(ctx, runID); err != nil {
		t.Fatalf("cancel run: %v", err)
	}

	s.executeStep(ctx, task{
		runID:        pending[0].RunID,
		automationID: pending[0].AutomationID,
		leadID:       pending[0].LeadID,
		step:         pending[0].Step,
		due:          pending[0].Due,
	})

	if len(gw.recorded()) != 0 {
		t.Fatal("cancelled run must not send")
	}
	if got := s.Pending(); len(got) != 0 {
		t.Fatalf("cancelled run must not be re-queued for business hours, got %+v", got)
	}
	if store.runState(runID) != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", store.runState(runID))
	}
}

func TestCancelRunDropsPendingWork(t *testing.T) {
	store := newSchedStore()
	store.leads["l1"] = domain.Lead{ID: "l1", ClientID: "c1", Status: domain.LeadStatusContacted}
	store.automations["a1"] = domain.Automation{
		ID: "a1", ClientID: "c1", IsActive: true,
		Sequence: []domain.Step{{DelayMinutes: 60, MessageText: "one"}},
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	ctx := context.Background()
	if _, err := s.StartRun(ctx, store.automations["a1"], store.leads["l1"]); err != nil {
		t.Fatalf("start run: %v", err)
	}
	runID := store.singleRunID(t)

	if err := s.CancelRun(ctx, runID); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	if len(s.Pending()) != 0 {
		t.Fatal("pending work must be dropped on cancel")
	}
	if store.runState(runID) != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", store.runState(runID))
	}
}

func TestResumeRequeuesUnfinishedRuns(t *testing.T) {
	store := newSchedStore()
	store.runs["r1"] = domain.AutomationRun{
		ID: "r1", AutomationID: "a1", LeadID: "l1", CurrentStep: 1,
		ScheduledAt: time.Now().Add(time.Hour), State: domain.RunRunning,
	}
	store.runs["r2"] = domain.AutomationRun{
		ID: "r2", AutomationID: "a1", LeadID: "l2", State: domain.RunCompleted,
	}
	gw := &recordingGateway{}
	s := newTestScheduler(t, store, gw)

	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	pending := s.Pending()
	if len(pending) != 1 || pending[0].RunID != "r1" || pending[0].Step != 1 {
		t.Fatalf("expected r1 step 1 requeued, got %+v", pending)
	}
}
