package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration, loaded from LEADFLOW_* env vars.
type Config struct {
	AppEnv    string `envconfig:"app_env" default:"development"`
	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"text"`

	HTTPListenAddr   string `envconfig:"http_listen_addr" default:":8080"`
	HTTPBasePath     string `envconfig:"http_base_path" default:""`
	MetricsNamespace string `envconfig:"metrics_namespace" default:"leadflow"`

	DatabaseURL    string `envconfig:"database_url" required:"true"`
	DatabaseSchema string `envconfig:"database_schema" default:""`

	RedisAddr     string `envconfig:"redis_addr" default:"localhost:6379"`
	RedisPassword string `envconfig:"redis_password" default:""`
	RedisDB       int    `envconfig:"redis_db" default:"0"`
	RedisTLS      bool   `envconfig:"redis_tls" default:"false"`

	WhatsAppStorePath string `envconfig:"whatsapp_store_path" default:"data/whatsapp.db"`
	WhatsAppLogLevel  string `envconfig:"whatsapp_log_level" default:"WARN"`

	SMSProviderBaseURL string        `envconfig:"sms_provider_base_url" default:""`
	SMSProviderAPIKey  string        `envconfig:"sms_provider_api_key" default:""`
	SMSProviderTimeout time.Duration `envconfig:"sms_provider_timeout" default:"15s"`

	EmailProviderBaseURL string        `envconfig:"email_provider_base_url" default:""`
	EmailProviderAPIKey  string        `envconfig:"email_provider_api_key" default:""`
	EmailProviderTimeout time.Duration `envconfig:"email_provider_timeout" default:"15s"`
	EmailFromAddress     string        `envconfig:"email_from_address" default:"no-reply@leadflow.local"`

	SMSWebhookUsernameMD5 string `envconfig:"sms_webhook_username_md5" default:""`
	SMSWebhookPasswordMD5 string `envconfig:"sms_webhook_password_md5" default:""`

	SendTimeout       time.Duration `envconfig:"send_timeout" default:"20s"`
	ClockTickInterval time.Duration `envconfig:"clock_tick_interval" default:"1m"`

	SettingsCacheTTL time.Duration `envconfig:"settings_cache_ttl" default:"5m"`
	EventDedupeTTL   time.Duration `envconfig:"event_dedupe_ttl" default:"24h"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("leadflow", &c); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	return &c, nil
}
