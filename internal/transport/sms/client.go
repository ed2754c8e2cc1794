// Package sms talks to the SMS provider's HTTP API and feeds its delivery
// callbacks back into the engine.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

const formContentType = "application/x-www-form-urlencoded"

var (
	// ErrInvalidCredential indicates the provider rejected the API key.
	ErrInvalidCredential = errors.New("sms provider invalid credential")
)

// Client provides typed access to the SMS provider API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds SMS client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// responseEnvelope mirrors the provider's standard response shape.
type responseEnvelope struct {
	Status  bool
	Message string
	Data    json.RawMessage
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Message json.RawMessage `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(stringTrimQuotes(a.Message))
	r.Data = a.Data
	if len(a.Status) != 0 {
		var boolVal bool
		if err := json.Unmarshal(a.Status, &boolVal); err == nil {
			r.Status = boolVal
		} else {
			str := strings.TrimSpace(stringTrimQuotes(a.Status))
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	}
	return nil
}

// New creates a new SMS provider client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "sms"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// Send submits one SMS and returns the provider message id.
func (c *Client) Send(ctx context.Context, lead *domain.Lead, text string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("sms provider not configured")
	}
	form := url.Values{}
	form.Set("to", normalizePhone(lead.Phone))
	form.Set("message", text)

	env, err := c.postForm(ctx, "/messages/send", form)
	if err != nil {
		return "", err
	}

	data, err := decodeMap(env.Data)
	if err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	id := firstString(data, "message_id", "id", "sid")
	if id == "" {
		return "", fmt.Errorf("provider returned no message id")
	}
	return id, nil
}

// normalizePhone strips formatting so the provider always receives digits
// with an optional leading plus.
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseDeliveryStatus maps provider status vocabulary onto the engine's
// delivery states. Unknown values come back false.
func ParseDeliveryStatus(status string) (domain.DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued", "accepted", "pending":
		return domain.StatusPending, true
	case "sent", "submitted":
		return domain.StatusSent, true
	case "delivered", "delivery_success":
		return domain.StatusDelivered, true
	case "failed", "undelivered", "rejected", "expired":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*responseEnvelope, error) {
	if c.apiKey != "" && values.Get("api_key") == "" {
		values.Set("api_key", c.apiKey)
	}
	body := strings.NewReader(values.Encode())
	return c.call(ctx, http.MethodPost, endpoint, body, formContentType)
}

func (c *Client) call(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*responseEnvelope, error) {
	var env responseEnvelope
	if err := c.do(ctx, method, endpoint, body, contentType, &env); err != nil {
		return nil, err
	}
	if !env.Status {
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = "sms operation failed"
		}
		return nil, fmt.Errorf("sms %s error: %s", endpoint, message)
	}
	return &env, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, dest any) error {
	reqURL := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "lead-flow-ai/sms-client")

	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("sms_transport").Inc()
		}
		return fmt.Errorf("sms request: %w", err)
	}
	defer res.Body.Close()

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, string(bodyBytes))
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized ||
		strings.Contains(lower, "invalid credential") ||
		strings.Contains(lower, "invalid api key") {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, snippet)
	}
	return fmt.Errorf("sms error: status=%d body=%s", status, snippet)
}

func decodeMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			switch v := val.(type) {
			case string:
				if s := strings.TrimSpace(v); s != "" {
					return s
				}
			case float64:
				if v != 0 {
					return strconv.FormatFloat(v, 'f', -1, 64)
				}
			}
		}
	}
	return ""
}

func stringTrimQuotes(raw json.RawMessage) string {
	str := strings.TrimSpace(string(raw))
	return strings.Trim(str, `"`)
}
