// Package settings serves per-client messaging configuration through a
// Redis read cache in front of the repository. These rows are read on
// every step execution and channel selection but change rarely, so a
// short TTL keeps the database out of the hot path.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
)

// Store is the authoritative source behind the cache.
type Store interface {
	GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error)
	ListActiveAutomations(ctx context.Context, clientID string, trigger domain.TriggerType) ([]domain.Automation, error)
}

// KV is the cache surface the layer writes through. cache.Redis
// satisfies it.
type KV interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Cache answers configuration reads from the KV when possible and falls
// back to the store on a miss. Cache failures degrade to store reads.
// Staleness is bounded by the TTL; there is no explicit invalidation.
type Cache struct {
	store  Store
	kv     KV
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache creates the caching layer. A nil KV disables caching and
// every read goes to the store.
func NewCache(store Store, kv KV, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		store:  store,
		kv:     kv,
		ttl:    ttl,
		logger: logger.With("component", "settings"),
	}
}

// GetSMSSettings returns a client's messaging configuration. Missing
// configuration (repo.ErrNotFound) is never cached, so a client that
// gets configured is picked up on the next read.
func (c *Cache) GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error) {
	key := smsSettingsKey(clientID)
	if c.kv != nil {
		var cached domain.SMSSettings
		hit, err := c.kv.GetJSON(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("settings cache read failed", "client_id", clientID, "error", err)
		} else if hit {
			return &cached, nil
		}
	}

	settings, err := c.store.GetSMSSettings(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c.kv != nil {
		if err := c.kv.SetJSON(ctx, key, settings, c.ttl); err != nil {
			c.logger.Warn("settings cache write failed", "client_id", clientID, "error", err)
		}
	}
	return settings, nil
}

// ListActiveAutomations returns the client's active automations for one
// trigger type, cached per (client, trigger) pair.
func (c *Cache) ListActiveAutomations(ctx context.Context, clientID string, trigger domain.TriggerType) ([]domain.Automation, error) {
	key := automationsKey(clientID, trigger)
	if c.kv != nil {
		var cached []domain.Automation
		hit, err := c.kv.GetJSON(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("automation cache read failed", "client_id", clientID, "error", err)
		} else if hit {
			return cached, nil
		}
	}

	automations, err := c.store.ListActiveAutomations(ctx, clientID, trigger)
	if err != nil {
		return nil, err
	}
	if c.kv != nil {
		if err := c.kv.SetJSON(ctx, key, automations, c.ttl); err != nil {
			c.logger.Warn("automation cache write failed", "client_id", clientID, "error", err)
		}
	}
	return automations, nil
}

func smsSettingsKey(clientID string) string {
	return fmt.Sprintf("settings:sms:%s", clientID)
}

func automationsKey(clientID string, trigger domain.TriggerType) string {
	return fmt.Sprintf("automations:%s:%s", clientID, trigger)
}
