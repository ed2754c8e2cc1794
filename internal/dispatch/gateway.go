// Package dispatch performs outbound sends through the configured
// transports and feeds asynchronous delivery updates back into the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
)

// Transport sends a message over one concrete channel and returns the
// provider's message identifier.
type Transport interface {
	Send(ctx context.Context, lead *domain.Lead, text string) (string, error)
}

// QuotaReserver consumes one unit of a client's monthly SMS quota. It
// fails with domain.ErrSMSLimitExceeded when the quota is exhausted; a
// client with no SMS configuration fails with a different error, never
// the quota one.
type QuotaReserver interface {
	ReserveSMSCredit(ctx context.Context, clientID string) error
}

// Gateway routes send requests to transports, bounds each call with a
// timeout and maps provider failures to typed errors. It never retries:
// retry policy belongs to whoever called it.
type Gateway struct {
	transports map[domain.Channel]Transport
	quota      QuotaReserver
	ledger     *ledger.Ledger
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
}

// New creates a dispatch gateway. Transports maps each supported channel
// to its provider client; channels without a transport fail at send time.
func New(transports map[domain.Channel]Transport, quota QuotaReserver, led *ledger.Ledger,
	logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Gateway{
		transports: transports,
		quota:      quota,
		ledger:     led,
		logger:     logger.With("component", "dispatch"),
		metrics:    m,
		timeout:    timeout,
	}
}

// Send dispatches text to the lead over the given channel. On success it
// returns the provider message id and status "sent" -- never "delivered";
// delivery is only confirmed by the asynchronous status callback. On
// failure it returns status "failed" and a typed error; the caller is
// responsible for still ledgering the failed attempt.
func (g *Gateway) Send(ctx context.Context, lead *domain.Lead, ch domain.Channel, text string) (string, domain.DeliveryStatus, error) {
	transport, ok := g.transports[ch]
	if !ok {
		return "", domain.StatusFailed, fmt.Errorf("no transport for channel %s: %w", ch, domain.ErrNoChannelAvailable)
	}

	if ch == domain.ChannelSMS {
		if err := g.quota.ReserveSMSCredit(ctx, lead.ClientID); err != nil {
			outcome := "quota_error"
			if errors.Is(err, domain.ErrSMSLimitExceeded) {
				outcome = "quota_exceeded"
			}
			g.observe(ch, outcome, 0)
			return "", domain.StatusFailed, err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	externalID, err := transport.Send(sendCtx, lead, text)
	elapsed := time.Since(start)

	if err != nil {
		g.observe(ch, "failed", elapsed)
		g.logger.Warn("transport send failed", "channel", ch, "lead_id", lead.ID, "error", err)
		return "", domain.StatusFailed, &domain.TransportError{Channel: ch, Err: err}
	}

	g.observe(ch, "sent", elapsed)
	return externalID, domain.StatusSent, nil
}

// OnStatusUpdate applies an asynchronous provider callback to the matching
// ledger entry, respecting the forward-only status lattice.
func (g *Gateway) OnStatusUpdate(ctx context.Context, externalID string, status domain.DeliveryStatus) error {
	return g.ledger.UpdateStatus(ctx, externalID, status)
}

func (g *Gateway) observe(ch domain.Channel, status string, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	g.metrics.MessagesDispatched.WithLabelValues(string(ch), status).Inc()
	if elapsed > 0 {
		g.metrics.TransportLatency.WithLabelValues(string(ch), status).Observe(elapsed.Seconds())
	}
}
