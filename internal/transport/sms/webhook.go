package sms

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"log/slog"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

// StatusSink receives delivery updates parsed from provider callbacks.
type StatusSink interface {
	OnStatusUpdate(ctx context.Context, externalID string, status domain.DeliveryStatus) error
}

// WebhookHandler verifies provider callback credentials and forwards
// delivery status updates to the sink.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	sink        StatusSink
}

// NewWebhookHandler creates a delivery callback handler. The provider
// authenticates with basic auth; we store only MD5 digests of the expected
// credentials.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, sink StatusSink) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "sms_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		sink:        sink,
	}
}

// statusCallback is the payload the provider posts on each delivery event.
type statusCallback struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
	Status    string `json:"status"`
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("sms_webhook_auth").Inc()
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var cb statusCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	externalID := cb.MessageID
	if externalID == "" {
		externalID = cb.ID
	}
	if externalID == "" {
		http.Error(w, "missing message id", http.StatusBadRequest)
		return
	}

	status, ok := ParseDeliveryStatus(cb.Status)
	if !ok {
		h.logger.Warn("unknown delivery status", "status", cb.Status, "external_id", externalID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ignored"}`))
		return
	}

	if err := h.sink.OnStatusUpdate(r.Context(), externalID, status); err != nil {
		h.logger.Error("failed applying delivery update", "error", err, "external_id", externalID)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("sms_webhook_process").Inc()
		}
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return fmt.Errorf("missing basic auth")
	}

	if md5Hex(username) != h.usernameMD5 {
		return fmt.Errorf("invalid username hash")
	}
	if md5Hex(password) != h.passwordMD5 {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) validateSignatureHeader(r *http.Request) bool {
	signature := strings.TrimSpace(r.Header.Get("X-Signature"))
	if signature == "" {
		return false
	}
	signature = strings.ToLower(signature)
	return signature == h.usernameMD5 || signature == h.passwordMD5
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return strings.ToLower(hex.EncodeToString(sum[:]))
}
