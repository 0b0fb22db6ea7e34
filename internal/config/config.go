// Package config collects the environment into typed settings injected into
// every component.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/env"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/router"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/validation"
)

const (
	DatabaseMongo    = "mongodb"
	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"
)

type Database struct {
	Type       string
	URI        string
	Name       string
	Collection string
	Timeout    time.Duration
}

type Auth struct {
	SessionID    string
	Dir          string
	CleanupFiles []string
}

type Persist struct {
	Interval time.Duration
	Timeout  time.Duration
}

type Reconnect struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	LoggedOutCodes []int
}

type WhatsApp struct {
	PairPhone string
	ProxyURL  string
	LogLevel  string
	OSName    string
}

type Bot struct {
	OwnerJID  string
	Prefix    string
	SelfOnly  bool
	RateLimit float64
	RateBurst int
}

type Notify struct {
	QRPNGPath string
}

type Webhook struct {
	URL        string
	Secret     string
	Workers    int
	RetryLimit int
	Timeout    time.Duration
}

type HTTP struct {
	Enabled     bool
	Address     string
	Port        string
	AdminSecret string
	BaseURL     string
	CORSOrigin  string
	BodyLimit   int
	GZipLevel   int
}

type Cron struct {
	HealthCheck bool
	BackupSpec  string
}

type Settings struct {
	Database  Database
	Auth      Auth
	Persist   Persist
	Reconnect Reconnect
	WhatsApp  WhatsApp
	Bot       Bot
	Notify    Notify
	Webhook   Webhook
	HTTP      HTTP
	Cron      Cron
	LogLevel  string
}

// Load reads the settings from the environment (and .env through the env
// package) and validates them.
func Load() (*Settings, error) {
	s := &Settings{
		Database: Database{
			Type:       strings.ToLower(env.GetEnvStringOrDefault("DATABASE_TYPE", DatabaseMongo)),
			URI:        env.GetEnvStringOrDefault("DATABASE_URI", ""),
			Name:       env.GetEnvStringOrDefault("DATABASE_NAME", "userbot"),
			Collection: env.GetEnvStringOrDefault("DATABASE_COLLECTION", "auth_sessions"),
			Timeout:    env.GetEnvDurationOrDefault("DATABASE_TIMEOUT", 10*time.Second),
		},
		Auth: Auth{
			SessionID:    env.GetEnvStringOrDefault("AUTH_SESSION_ID", "session"),
			Dir:          env.GetEnvStringOrDefault("AUTH_DIR", "./auth"),
			CleanupFiles: env.GetEnvListOrDefault("AUTH_CLEANUP_FILES", nil),
		},
		Persist: Persist{
			Interval: env.GetEnvDurationOrDefault("PERSIST_DEBOUNCE_INTERVAL", 10*time.Second),
			Timeout:  env.GetEnvDurationOrDefault("PERSIST_TIMEOUT", 30*time.Second),
		},
		Reconnect: Reconnect{
			BaseDelay:      env.GetEnvDurationOrDefault("RECONNECT_BACKOFF_BASE", time.Second),
			MaxDelay:       env.GetEnvDurationOrDefault("RECONNECT_BACKOFF_MAX", 30*time.Second),
			Jitter:         env.GetEnvFloat64OrDefault("RECONNECT_BACKOFF_JITTER", 0),
			LoggedOutCodes: env.GetEnvIntListOrDefault("RECONNECT_LOGGED_OUT_CODES", []int{401, 403, 406}),
		},
		WhatsApp: WhatsApp{
			PairPhone: env.GetEnvStringOrDefault("WHATSAPP_PAIR_PHONE", ""),
			ProxyURL:  env.GetEnvStringOrDefault("WHATSAPP_CLIENT_PROXY_URL", ""),
			LogLevel:  strings.ToUpper(env.GetEnvStringOrDefault("WHATSAPP_LOG_LEVEL", "WARN")),
			OSName:    env.GetEnvStringOrDefault("WHATSAPP_CLIENT_OS_NAME", "Go WhatsApp Userbot"),
		},
		Bot: Bot{
			OwnerJID:  env.GetEnvStringOrDefault("BOT_OWNER_JID", ""),
			Prefix:    env.GetEnvStringOrDefault("BOT_COMMAND_PREFIX", "."),
			SelfOnly:  env.GetEnvBoolOrDefault("BOT_SELF_ONLY", true),
			RateLimit: env.GetEnvFloat64OrDefault("BOT_RATE_LIMIT", 1),
			RateBurst: env.GetEnvIntOrDefault("BOT_RATE_BURST", 3),
		},
		Notify: Notify{
			QRPNGPath: env.GetEnvStringOrDefault("QR_PNG_PATH", ""),
		},
		Webhook: Webhook{
			URL:        env.GetEnvStringOrDefault("WEBHOOK_URL", ""),
			Secret:     env.GetEnvStringOrDefault("WEBHOOK_SECRET", ""),
			Workers:    env.GetEnvIntOrDefault("WEBHOOK_WORKERS", 2),
			RetryLimit: env.GetEnvIntOrDefault("WEBHOOK_RETRY_LIMIT", 3),
			Timeout:    env.GetEnvDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		HTTP: HTTP{
			Enabled:     env.GetEnvBoolOrDefault("HTTP_ENABLED", true),
			Address:     env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0"),
			Port:        env.GetEnvStringOrDefault("SERVER_PORT", "7001"),
			AdminSecret: env.GetEnvStringOrDefault("ADMIN_SECRET_KEY", ""),
			BaseURL:     router.NormalizeBaseURL(env.GetEnvStringOrDefault("HTTP_BASE_URL", "")),
			CORSOrigin:  env.GetEnvStringOrDefault("HTTP_CORS_ORIGIN", "*"),
			BodyLimit:   router.ParseBodyLimit(env.GetEnvStringOrDefault("HTTP_BODY_LIMIT_SIZE", "1M")),
			GZipLevel:   env.GetEnvIntOrDefault("HTTP_GZIP_LEVEL", 1),
		},
		Cron: Cron{
			HealthCheck: env.GetEnvBoolOrDefault("CRON_HEALTH_CHECK_ENABLED", true),
			BackupSpec:  env.GetEnvStringOrDefault("CRON_BACKUP_SPEC", "0 0 */6 * * *"),
		},
		LogLevel: env.GetEnvStringOrDefault("LOG_LEVEL", "info"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the bot cannot start with.
func (s *Settings) Validate() error {
	switch s.Database.Type {
	case DatabaseMongo, DatabasePostgres:
		if s.Database.URI == "" {
			return fmt.Errorf("config: DATABASE_URI is required for %s", s.Database.Type)
		}
	case DatabaseMemory:
	default:
		return fmt.Errorf("config: unsupported DATABASE_TYPE %q", s.Database.Type)
	}

	if s.Auth.Dir == "" {
		return fmt.Errorf("config: AUTH_DIR must not be empty")
	}
	if s.Reconnect.MaxDelay < s.Reconnect.BaseDelay {
		return fmt.Errorf("config: RECONNECT_BACKOFF_MAX (%s) is below RECONNECT_BACKOFF_BASE (%s)",
			s.Reconnect.MaxDelay, s.Reconnect.BaseDelay)
	}
	if s.Reconnect.Jitter < 0 || s.Reconnect.Jitter >= 1 {
		return fmt.Errorf("config: RECONNECT_BACKOFF_JITTER must be in [0, 1)")
	}
	if s.Bot.Prefix == "" {
		return fmt.Errorf("config: BOT_COMMAND_PREFIX must not be empty")
	}
	if s.Bot.RateLimit <= 0 || s.Bot.RateBurst <= 0 {
		return fmt.Errorf("config: BOT_RATE_LIMIT and BOT_RATE_BURST must be positive")
	}
	if s.WhatsApp.PairPhone != "" {
		if err := validation.ValidatePhone(s.WhatsApp.PairPhone); err != nil {
			return fmt.Errorf("config: WHATSAPP_PAIR_PHONE: %w", err)
		}
	}
	if s.Bot.OwnerJID != "" {
		if err := validation.ValidateJID(s.Bot.OwnerJID); err != nil {
			return fmt.Errorf("config: BOT_OWNER_JID: %w", err)
		}
	}
	if s.Webhook.URL != "" {
		if err := validation.ValidateURL(s.Webhook.URL); err != nil {
			return fmt.Errorf("config: WEBHOOK_URL: %w", err)
		}
	}
	return nil
}

// ListenAddress is the admin HTTP bind address.
func (s *Settings) ListenAddress() string {
	return s.HTTP.Address + ":" + s.HTTP.Port
}
