package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	block bool
}

func (f *fakeTransport) Send(ctx context.Context, lead *domain.Lead, text string) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.fail != nil {
		return "", f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return fmt.Sprintf("ext-%d", len(f.sent)), nil
}

type fakeQuota struct {
	mu           sync.Mutex
	reserved     int
	limit        int
	unconfigured bool
}

func (f *fakeQuota) ReserveSMSCredit(ctx context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unconfigured {
		return repo.ErrNotFound
	}
	if f.reserved >= f.limit {
		return domain.ErrSMSLimitExceeded
	}
	f.reserved++
	return nil
}

type nopStore struct{}

func (nopStore) InsertConversationMessage(ctx context.Context, msg domain.Message) error {
	return nil
}
func (nopStore) ListConversation(ctx context.Context, leadID string) ([]domain.Message, error) {
	return nil, nil
}
func (nopStore) UpdateDeliveryStatus(ctx context.Context, externalID string, status domain.DeliveryStatus) (bool, error) {
	return false, nil
}

func newGateway(transports map[domain.Channel]Transport, quota QuotaReserver, timeout time.Duration) *Gateway {
	led := ledger.New(nopStore{}, slog.Default(), nil)
	return New(transports, quota, led, slog.Default(), nil, timeout)
}

func TestSendReturnsSentNotDelivered(t *testing.T) {
	wa := &fakeTransport{}
	g := newGateway(map[domain.Channel]Transport{domain.ChannelWhatsApp: wa}, &fakeQuota{limit: 10}, time.Second)

	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	id, status, err := g.Send(context.Background(), lead, domain.ChannelWhatsApp, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if status != domain.StatusSent {
		t.Fatalf("initial status must be sent, got %s", status)
	}
	if id == "" {
		t.Fatal("expected an external message id")
	}
}

func TestSendTransportFailureIsTyped(t *testing.T) {
	sms := &fakeTransport{fail: errors.New("provider 500")}
	g := newGateway(map[domain.Channel]Transport{domain.ChannelSMS: sms}, &fakeQuota{limit: 10}, time.Second)

	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	_, status, err := g.Send(context.Background(), lead, domain.ChannelSMS, "hi")
	if status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Channel != domain.ChannelSMS {
		t.Fatalf("expected sms channel in error, got %s", te.Channel)
	}
}

func TestSendTimesOutAsFailed(t *testing.T) {
	slow := &fakeTransport{block: true}
	g := newGateway(map[domain.Channel]Transport{domain.ChannelWhatsApp: slow}, &fakeQuota{limit: 10}, 20*time.Millisecond)

	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	_, status, err := g.Send(context.Background(), lead, domain.ChannelWhatsApp, "hi")
	if status != domain.StatusFailed {
		t.Fatalf("timed-out send must be failed, got %s", status)
	}
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSMSQuotaFailsFastWithoutConsuming(t *testing.T) {
	sms := &fakeTransport{}
	quota := &fakeQuota{limit: 0}
	g := newGateway(map[domain.Channel]Transport{domain.ChannelSMS: sms}, quota, time.Second)

	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	_, status, err := g.Send(context.Background(), lead, domain.ChannelSMS, "hi")
	if !errors.Is(err, domain.ErrSMSLimitExceeded) {
		t.Fatalf("expected ErrSMSLimitExceeded, got %v", err)
	}
	if status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if len(sms.sent) != 0 {
		t.Fatal("transport must not be called when quota is exhausted")
	}
	if quota.reserved != 0 {
		t.Fatal("refused reservation must not consume quota")
	}
}

func TestSMSUnconfiguredClientIsNotQuotaExhausted(t *testing.T) {
	sms := &fakeTransport{}
	quota := &fakeQuota{unconfigured: true}
	g := newGateway(map[domain.Channel]Transport{domain.ChannelSMS: sms}, quota, time.Second)

	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	_, status, err := g.Send(context.Background(), lead, domain.ChannelSMS, "hi")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a client without sms settings, got %v", err)
	}
	if errors.Is(err, domain.ErrSMSLimitExceeded) {
		t.Fatal("missing configuration must not read as an exhausted quota")
	}
	if status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if len(sms.sent) != 0 {
		t.Fatal("transport must not be called without sms configuration")
	}
}

func TestQuotaOnlyAppliesToSMS(t *testing.T) {
	wa := &fakeTransport{}
	quota := &fakeQuota{limit: 0}
	g := newGateway(map[domain.Channel]Transport{domain.ChannelWhatsApp: wa}, quota, time.Second)

	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	if _, _, err := g.Send(context.Background(), lead, domain.ChannelWhatsApp, "hi"); err != nil {
		t.Fatalf("whatsapp send must ignore sms quota: %v", err)
	}
}

func TestSendWithoutTransportFails(t *testing.T) {
	g := newGateway(map[domain.Channel]Transport{}, &fakeQuota{limit: 10}, time.Second)
	lead := &domain.Lead{ID: "l1", ClientID: "c1"}
	_, _, err := g.Send(context.Background(), lead, domain.ChannelEmail, "hi")
	if !errors.Is(err, domain.ErrNoChannelAvailable) {
		t.Fatalf("expected ErrNoChannelAvailable, got %v", err)
	}
}
