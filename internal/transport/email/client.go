// Package email sends outbound mail through an HTTP email provider.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

// Client provides typed access to the email provider API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	from    string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds email client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	FromAddress string
	Timeout     time.Duration
}

// New creates a new email provider client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "email"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		from:    cfg.FromAddress,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send delivers one plain-text email to the lead and returns the provider
// message id. The first line of the body doubles as the subject so
// sequence steps read naturally in an inbox.
func (c *Client) Send(ctx context.Context, lead *domain.Lead, text string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("email provider not configured")
	}
	if lead.Email == nil || strings.TrimSpace(*lead.Email) == "" {
		return "", fmt.Errorf("lead %s has no email address", lead.ID)
	}

	payload, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      *lead.Email,
		Subject: subjectFrom(text),
		Text:    text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("email_transport").Inc()
		}
		return "", fmt.Errorf("email request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return "", fmt.Errorf("email error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider returned no message id")
	}
	return resp.ID, nil
}

const maxSubjectLen = 78

// subjectFrom derives a subject line from the message body.
func subjectFrom(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "A message from our team"
	}
	if len(line) > maxSubjectLen {
		line = strings.TrimSpace(line[:maxSubjectLen]) + "..."
	}
	return line
}
