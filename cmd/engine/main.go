package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ajitkushawaha/lead-flow-ai/internal/cache"
	"github.com/ajitkushawaha/lead-flow-ai/internal/channel"
	"github.com/ajitkushawaha/lead-flow-ai/internal/config"
	"github.com/ajitkushawaha/lead-flow-ai/internal/dispatch"
	"github.com/ajitkushawaha/lead-flow-ai/internal/domain"
	"github.com/ajitkushawaha/lead-flow-ai/internal/httpserver"
	"github.com/ajitkushawaha/lead-flow-ai/internal/ledger"
	"github.com/ajitkushawaha/lead-flow-ai/internal/logging"
	"github.com/ajitkushawaha/lead-flow-ai/internal/metrics"
	"github.com/ajitkushawaha/lead-flow-ai/internal/repo"
	"github.com/ajitkushawaha/lead-flow-ai/internal/sched"
	"github.com/ajitkushawaha/lead-flow-ai/internal/settings"
	"github.com/ajitkushawaha/lead-flow-ai/internal/transport/email"
	"github.com/ajitkushawaha/lead-flow-ai/internal/transport/sms"
	"github.com/ajitkushawaha/lead-flow-ai/internal/transport/whatsapp"
	"github.com/ajitkushawaha/lead-flow-ai/internal/trigger"
	"github.com/ajitkushawaha/lead-flow-ai/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting lead-flow engine", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	conversationLedger := ledger.New(repository, logger, metricRegistry)

	settingsCache := settings.NewCache(repository, redisClient, cfg.SettingsCacheTTL, logger)
	store := &cachedStore{Repository: repository, cache: settingsCache}

	waClient, err := whatsapp.New(ctx, whatsapp.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	smsClient := sms.New(sms.Config{
		BaseURL: cfg.SMSProviderBaseURL,
		APIKey:  cfg.SMSProviderAPIKey,
		Timeout: cfg.SMSProviderTimeout,
	}, logger, metricRegistry)

	emailClient := email.New(email.Config{
		BaseURL:     cfg.EmailProviderBaseURL,
		APIKey:      cfg.EmailProviderAPIKey,
		FromAddress: cfg.EmailFromAddress,
		Timeout:     cfg.EmailProviderTimeout,
	}, logger, metricRegistry)

	gateway := dispatch.New(map[domain.Channel]dispatch.Transport{
		domain.ChannelWhatsApp: waClient,
		domain.ChannelSMS:      smsClient,
		domain.ChannelEmail:    emailClient,
	}, repository, conversationLedger, logger, metricRegistry, cfg.SendTimeout)

	selector := channel.New(store, logger)

	scheduler := sched.New(store, selector, gateway, conversationLedger, logger, metricRegistry)
	evaluator := trigger.New(store, scheduler, conversationLedger, redisClient,
		logger, metricRegistry, trigger.Config{DedupeTTL: cfg.EventDedupeTTL})

	waClient.SetStatusSink(gateway)
	waClient.SetInboundHandler(&waInbound{
		repository: repository,
		evaluator:  evaluator,
		logger:     logger,
	})

	if err := scheduler.Resume(ctx); err != nil {
		return fmt.Errorf("resume scheduler: %w", err)
	}
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
			stop()
		}
	}()

	go runClock(ctx, evaluator, cfg.ClockTickInterval, logger)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	smsWebhook := sms.NewWebhookHandler(logger, metricRegistry,
		cfg.SMSWebhookUsernameMD5, cfg.SMSWebhookPasswordMD5, gateway)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Store:     store,
		Ledger:    conversationLedger,
		Selector:  selector,
		Gateway:   gateway,
		Evaluator: evaluator,
		Scheduler: scheduler,
	}, httpserver.Handlers{
		SMSStatusWebhook: smsWebhook,
	}, cfg.HTTPBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

// runClock feeds periodic clock_tick events into the evaluator so
// scheduled automations fire. The event id is the truncated tick time,
// which lets the Redis dedupe collapse concurrent replicas onto one
// firing per period.
func runClock(ctx context.Context, evaluator *trigger.Evaluator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			now = now.UTC()
			evt := domain.Event{
				ID:         fmt.Sprintf("clock:%d", now.Truncate(interval).Unix()),
				Type:       domain.EventClockTick,
				OccurredAt: now,
			}
			if _, err := evaluator.Evaluate(ctx, evt); err != nil {
				logger.Warn("clock tick evaluation failed", "error", err)
			}
		}
	}
}

// cachedStore overlays the Redis-backed configuration reads on the
// repository. Quota reservation stays on the repository itself so credit
// accounting never sees stale counters.
type cachedStore struct {
	*repo.Repository
	cache *settings.Cache
}

func (s *cachedStore) GetSMSSettings(ctx context.Context, clientID string) (*domain.SMSSettings, error) {
	return s.cache.GetSMSSettings(ctx, clientID)
}

func (s *cachedStore) ListActiveAutomations(ctx context.Context, clientID string, triggerType domain.TriggerType) ([]domain.Automation, error) {
	return s.cache.ListActiveAutomations(ctx, clientID, triggerType)
}

// waInbound bridges incoming WhatsApp messages to the trigger evaluator.
type waInbound struct {
	repository *repo.Repository
	evaluator  *trigger.Evaluator
	logger     *slog.Logger
}

func (w *waInbound) HandleInbound(ctx context.Context, fromPhone, text string) {
	lead, err := w.repository.FindLeadByPhone(ctx, fromPhone)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.logger.Info("inbound message from unknown number", "phone", fromPhone)
			return
		}
		w.logger.Error("lookup lead by phone failed", "phone", fromPhone, "error", err)
		return
	}

	evt := domain.Event{
		Type:       domain.EventMessageReceived,
		LeadID:     lead.ID,
		ClientID:   lead.ClientID,
		Text:       text,
		Channel:    domain.ChannelWhatsApp,
		OccurredAt: time.Now().UTC(),
	}
	if _, err := w.evaluator.Evaluate(ctx, evt); err != nil {
		w.logger.Error("inbound message evaluation failed", "lead_id", lead.ID, "error", err)
	}
}
