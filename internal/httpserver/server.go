// Package httpserver exposes the engine's HTTP surface: event ingestion,
// the operator send path, conversation reads, run administration and the
// provider webhooks.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
	"github.com/ajitkushawaha/lead-flow-ai/internal/sched"
	"github.com/ajitkushawaha/lead-flow-ai/internal/trigger"
)

// LeadStore is the subset of the repository the operator send path needs.
type LeadStore interface {
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	UpdateLeadStatus(ctx context.Context, id string, status domain.LeadStatus) error
	TouchLastMessageSent(ctx context.Context, id string, at time.Time) error
}

// ChannelSelector resolves the outbound channel for a lead.
type ChannelSelector interface {
	Select(ctx context.Context, lead *domain.Lead, requested domain.Channel) (domain.Channel, error)
}

// Gateway dispatches one message and reports the provisional outcome.
type Gateway interface {
	Send(ctx context.Context, lead *domain.Lead, ch domain.Channel, text string) (string, domain.DeliveryStatus, error)
}

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	SMSStatusWebhook http.Handler
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Store     LeadStore
	Ledger    *ledger.Ledger
	Selector  ChannelSelector
	Gateway   Gateway
	Evaluator *trigger.Evaluator
	Scheduler *sched.Scheduler
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/events", server.handleEvent)
	mux.HandleFunc("POST /api/messages/send", server.handleSendMessage)
	mux.HandleFunc("GET /api/leads/{id}/conversation", server.handleConversation)
	mux.HandleFunc("GET /api/runs/pending", server.handlePendingRuns)
	mux.HandleFunc("POST /api/runs/{id}/cancel", server.handleCancelRun)

	if handlers.SMSStatusWebhook != nil {
		mux.Handle("/webhook/sms-status", handlers.SMSStatusWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type eventRequest struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	LeadID    string `json:"lead_id"`
	ClientID  string `json:"client_id"`
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	NewStatus string `json:"new_status"`
}

// handleEvent ingests one domain event and runs trigger evaluation.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	evt := domain.Event{
		ID:         req.ID,
		Type:       domain.EventType(req.Type),
		LeadID:     req.LeadID,
		ClientID:   req.ClientID,
		Text:       req.Text,
		Channel:    domain.Channel(req.Channel),
		NewStatus:  domain.LeadStatus(req.NewStatus),
		OccurredAt: time.Now().UTC(),
	}
	switch evt.Type {
	case domain.EventNewLead, domain.EventMessageReceived, domain.EventStatusChange, domain.EventClockTick:
	default:
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	firings, err := s.deps.Evaluator.Evaluate(r.Context(), evt)
	if err != nil {
		s.logger.Error("event evaluation failed", "type", evt.Type, "error", err)
		http.Error(w, "evaluation failed", http.StatusInternalServerError)
		return
	}

	started := 0
	for _, f := range firings {
		if f.Started {
			started++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "ok",
		"matched":      len(firings),
		"runs_started": started,
	})
}

type sendRequest struct {
	LeadID  string `json:"lead_id"`
	Message string `json:"message"`
	Channel string `json:"channel"`
}

// handleSendMessage is the operator send path. It walks the same selector,
// gateway and ledger pipeline as automated sequence steps, with the entry
// attributed to the operator.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.LeadID == "" || strings.TrimSpace(req.Message) == "" {
		http.Error(w, "lead_id and message are required", http.StatusBadRequest)
		return
	}

	lead, err := s.deps.Store.GetLead(r.Context(), req.LeadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "lead not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load lead failed", "lead_id", req.LeadID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	requested := domain.Channel(req.Channel)
	if requested == "" {
		requested = lead.PreferredChannel
	}
	if requested == "" {
		requested = domain.ChannelAuto
	}

	ch, err := s.deps.Selector.Select(r.Context(), lead, requested)
	if err != nil {
		if errors.Is(err, domain.ErrNoChannelAvailable) {
			http.Error(w, "no channel available for this lead", http.StatusConflict)
			return
		}
		s.logger.Error("channel selection failed", "lead_id", lead.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	externalID, status, sendErr := s.deps.Gateway.Send(r.Context(), lead, ch, req.Message)
	msg := domain.Message{
		LeadID:         lead.ID,
		Sender:         domain.SenderUser,
		Body:           req.Message,
		Channel:        ch,
		DeliveryStatus: status,
	}
	if externalID != "" {
		msg.ExternalID = &externalID
	}
	appended, err := s.deps.Ledger.Append(r.Context(), msg)
	if err != nil {
		s.logger.Error("ledger append failed", "lead_id", lead.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if sendErr != nil {
		s.logger.Warn("operator send failed", "lead_id", lead.ID, "channel", ch, "error", sendErr)
		code := http.StatusBadGateway
		if errors.Is(sendErr, domain.ErrSMSLimitExceeded) {
			code = http.StatusTooManyRequests
		}
		writeJSON(w, code, map[string]any{
			"status":  "failed",
			"message": messageDTO(appended),
			"error":   sendErr.Error(),
		})
		return
	}

	now := time.Now().UTC()
	if err := s.deps.Store.TouchLastMessageSent(r.Context(), lead.ID, now); err != nil {
		s.logger.Warn("touch last message sent failed", "lead_id", lead.ID, "error", err)
	}
	if lead.Status == domain.LeadStatusNew {
		if err := s.deps.Store.UpdateLeadStatus(r.Context(), lead.ID, domain.LeadStatusContacted); err != nil {
			s.logger.Warn("advance lead status failed", "lead_id", lead.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "ok",
		"message": messageDTO(appended),
	})
}

// handleConversation returns a lead's conversation in ledger order.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	leadID := r.PathValue("id")
	if _, err := uuid.Parse(leadID); err != nil {
		http.Error(w, "invalid lead id", http.StatusBadRequest)
		return
	}

	msgs, err := s.deps.Ledger.Read(r.Context(), leadID)
	if err != nil {
		s.logger.Error("read conversation failed", "lead_id", leadID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lead_id":  leadID,
		"messages": out,
	})
}

// handlePendingRuns reports queued sequence steps.
func (s *Server) handlePendingRuns(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Scheduler.Pending()
	out := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		out = append(out, map[string]any{
			"run_id":        p.RunID,
			"automation_id": p.AutomationID,
			"lead_id":       p.LeadID,
			"step":          p.Step,
			"due":           p.Due.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// handleCancelRun drops a run's remaining steps.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := uuid.Parse(runID); err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	if err := s.deps.Scheduler.CancelRun(r.Context(), runID); err != nil {
		s.logger.Error("cancel run failed", "run_id", runID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func messageDTO(m domain.Message) map[string]any {
	dto := map[string]any{
		"id":              m.ID,
		"lead_id":         m.LeadID,
		"sender":          string(m.Sender),
		"body":            m.Body,
		"channel":         string(m.Channel),
		"timestamp":       m.Timestamp.UTC().Format(time.RFC3339),
		"delivery_status": string(m.DeliveryStatus),
	}
	if m.ExternalID != nil {
		dto["external_id"] = *m.ExternalID
	}
	return dto
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
