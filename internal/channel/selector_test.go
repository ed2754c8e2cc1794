package channel

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
)

type fakeSettings struct {
	configured map[string]bool
}

func (f *fakeSettings) GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error) {
	if f.configured[clientID] {
		return &domain.SMSSettings{ClientID: clientID, MonthlySMSLimit: 100}, nil
	}
	return nil, repo.ErrNotFound
}

func newSelector(smsClients ...string) *Selector {
	configured := map[string]bool{}
	for _, c := range smsClients {
		configured[c] = true
	}
	return New(&fakeSettings{configured: configured}, slog.Default())
}

func strPtr(s string) *string { return &s }

func TestAutoPrefersWhatsApp(t *testing.T) {
	s := newSelector("client-1")
	lead := &domain.Lead{ID: "l1", ClientID: "client-1", WhatsAppAvailable: true}

	got, err := s.Select(context.Background(), lead, domain.ChannelAuto)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ChannelWhatsApp {
		t.Fatalf("expected whatsapp, got %s", got)
	}
}

func TestAutoFallsBackToSMS(t *testing.T) {
	s := newSelector("client-1")
	lead := &domain.Lead{ID: "l1", ClientID: "client-1", WhatsAppAvailable: false}

	got, err := s.Select(context.Background(), lead, domain.ChannelAuto)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ChannelSMS {
		t.Fatalf("expected sms, got %s", got)
	}
}

func TestAutoFallsBackToEmail(t *testing.T) {
	s := newSelector() // no sms config
	lead := &domain.Lead{ID: "l1", ClientID: "client-1", Email: strPtr("alex@example.com")}

	got, err := s.Select(context.Background(), lead, domain.ChannelAuto)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != domain.ChannelEmail {
		t.Fatalf("expected email, got %s", got)
	}
}

func TestAutoNoChannelAvailable(t *testing.T) {
	s := newSelector()
	lead := &domain.Lead{ID: "l1", ClientID: "client-1"}

	_, err := s.Select(context.Background(), lead, domain.ChannelAuto)
	if !errors.Is(err, domain.ErrNoChannelAvailable) {
		t.Fatalf("expected ErrNoChannelAvailable, got %v", err)
	}
}

func TestExplicitRequestFailsInsteadOfSwitching(t *testing.T) {
	s := newSelector() // no sms config
	lead := &domain.Lead{ID: "l1", ClientID: "client-1", WhatsAppAvailable: true, Email: strPtr("alex@example.com")}

	_, err := s.Select(context.Background(), lead, domain.ChannelSMS)
	if !errors.Is(err, domain.ErrNoChannelAvailable) {
		t.Fatalf("explicit sms without config must fail, got %v", err)
	}
}

func TestExplicitWhatsAppRequiresCapability(t *testing.T) {
	s := newSelector("client-1")
	lead := &domain.Lead{ID: "l1", ClientID: "client-1", WhatsAppAvailable: false}

	_, err := s.Select(context.Background(), lead, domain.ChannelWhatsApp)
	if !errors.Is(err, domain.ErrNoChannelAvailable) {
		t.Fatalf("expected ErrNoChannelAvailable, got %v", err)
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	s := newSelector("client-1")
	lead := &domain.Lead{ID: "l1", ClientID: "client-1", WhatsAppAvailable: false}

	first, err := s.Select(context.Background(), lead, domain.ChannelAuto)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := s.Select(context.Background(), lead, domain.ChannelAuto)
		if err != nil || got != first {
			t.Fatalf("selection changed between calls: %s vs %s (%v)", first, got, err)
		}
	}
}
