// Package channel resolves abstract send requests to a concrete transport.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
)

// SettingsSource supplies per-client SMS configuration. repo.ErrNotFound
// means the client has no SMS configuration.
type SettingsSource interface {
	GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error)
}

// Selector picks an outbound channel for a lead. Selection is
// deterministic and side-effect-free: the same lead, request and client
// configuration always yield the same channel.
type Selector struct {
	settings SettingsSource
	logger   *slog.Logger
}

// New creates a channel selector.
func New(settings SettingsSource, logger *slog.Logger) *Selector {
	return &Selector{
		settings: settings,
		logger:   logger.With("component", "channel"),
	}
}

// Select resolves the requested channel for a lead. An explicit request is
// honored or fails; it never silently switches channel. "auto" (or empty)
// walks whatsapp -> sms -> email and fails with ErrNoChannelAvailable when
// nothing can reach the lead.
func (s *Selector) Select(ctx context.Context, lead *domain.Lead, requested domain.Channel) (domain.Channel, error) {
	if lead == nil {
		return "", fmt.Errorf("select channel: lead is required")
	}

	smsConfigured, err := s.smsConfigured(ctx, lead.ClientID)
	if err != nil {
		return "", err
	}

	switch requested {
	case domain.ChannelWhatsApp:
		if !lead.WhatsAppAvailable {
			return "", fmt.Errorf("lead %s cannot receive whatsapp: %w", lead.ID, domain.ErrNoChannelAvailable)
		}
		return domain.ChannelWhatsApp, nil
	case domain.ChannelSMS:
		if !smsConfigured {
			return "", fmt.Errorf("client %s has no sms configuration: %w", lead.ClientID, domain.ErrNoChannelAvailable)
		}
		return domain.ChannelSMS, nil
	case domain.ChannelEmail:
		if lead.Email == nil || *lead.Email == "" {
			return "", fmt.Errorf("lead %s has no email address: %w", lead.ID, domain.ErrNoChannelAvailable)
		}
		return domain.ChannelEmail, nil
	case domain.ChannelAuto, "":
		// Fall through to the waterfall below.
	default:
		return "", fmt.Errorf("unknown channel %q", requested)
	}

	if lead.WhatsAppAvailable {
		return domain.ChannelWhatsApp, nil
	}
	if smsConfigured {
		return domain.ChannelSMS, nil
	}
	if lead.Email != nil && *lead.Email != "" {
		return domain.ChannelEmail, nil
	}
	return "", fmt.Errorf("lead %s: %w", lead.ID, domain.ErrNoChannelAvailable)
}

func (s *Selector) smsConfigured(ctx context.Context, clientID string) (bool, error) {
	_, err := s.settings.GetSMSSettings(ctx, clientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load sms settings: %w", err)
	}
	return true, nil
}
