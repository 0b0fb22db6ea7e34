package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("DATABASE_URI", "mongodb://localhost:27017")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DatabaseMongo, s.Database.Type)
	assert.Equal(t, "userbot", s.Database.Name)
	assert.Equal(t, "auth_sessions", s.Database.Collection)
	assert.Equal(t, "session", s.Auth.SessionID)
	assert.Equal(t, "./auth", s.Auth.Dir)
	assert.Empty(t, s.Auth.CleanupFiles)
	assert.Equal(t, 10*time.Second, s.Persist.Interval)
	assert.Equal(t, time.Second, s.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, s.Reconnect.MaxDelay)
	assert.Zero(t, s.Reconnect.Jitter)
	assert.Equal(t, []int{401, 403, 406}, s.Reconnect.LoggedOutCodes)
	assert.Equal(t, ".", s.Bot.Prefix)
	assert.True(t, s.Bot.SelfOnly)
	assert.Equal(t, "WARN", s.WhatsApp.LogLevel)
	assert.Equal(t, "0 0 */6 * * *", s.Cron.BackupSpec)
	assert.Equal(t, "0.0.0.0:7001", s.ListenAddress())
	assert.Equal(t, "", s.HTTP.BaseURL)
	assert.Equal(t, 1024*1024, s.HTTP.BodyLimit)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "Postgres")
	t.Setenv("DATABASE_URI", "postgres://bot@localhost/bot")
	t.Setenv("AUTH_DIR", "/var/lib/userbot/auth")
	t.Setenv("AUTH_CLEANUP_FILES", "app-state.json, /tmp/cache.db ,")
	t.Setenv("PERSIST_DEBOUNCE_INTERVAL", "2s")
	t.Setenv("RECONNECT_BACKOFF_BASE", "500ms")
	t.Setenv("RECONNECT_BACKOFF_MAX", "1m")
	t.Setenv("RECONNECT_BACKOFF_JITTER", "0.2")
	t.Setenv("RECONNECT_LOGGED_OUT_CODES", "401, 440")
	t.Setenv("BOT_SELF_ONLY", "false")
	t.Setenv("BOT_COMMAND_PREFIX", "!")
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("HTTP_BASE_URL", "bot/")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DatabasePostgres, s.Database.Type)
	assert.Equal(t, "/var/lib/userbot/auth", s.Auth.Dir)
	assert.Equal(t, []string{"app-state.json", "/tmp/cache.db"}, s.Auth.CleanupFiles)
	assert.Equal(t, 2*time.Second, s.Persist.Interval)
	assert.Equal(t, 500*time.Millisecond, s.Reconnect.BaseDelay)
	assert.Equal(t, time.Minute, s.Reconnect.MaxDelay)
	assert.InDelta(t, 0.2, s.Reconnect.Jitter, 1e-9)
	assert.Equal(t, []int{401, 440}, s.Reconnect.LoggedOutCodes)
	assert.False(t, s.Bot.SelfOnly)
	assert.Equal(t, "!", s.Bot.Prefix)
	assert.Equal(t, "0.0.0.0:8080", s.ListenAddress())
	assert.Equal(t, "/bot", s.HTTP.BaseURL)
}

func TestLoad_InvalidCodesFallBack(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "memory")
	t.Setenv("RECONNECT_LOGGED_OUT_CODES", "401,abc")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{401, 403, 406}, s.Reconnect.LoggedOutCodes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "mongo without uri", env: map[string]string{"DATABASE_TYPE": "mongodb", "DATABASE_URI": ""}, wantErr: "DATABASE_URI"},
		{name: "unknown database", env: map[string]string{"DATABASE_TYPE": "redis"}, wantErr: "unsupported DATABASE_TYPE"},
		{name: "max below base", env: map[string]string{"DATABASE_TYPE": "memory", "RECONNECT_BACKOFF_BASE": "10s", "RECONNECT_BACKOFF_MAX": "5s"}, wantErr: "RECONNECT_BACKOFF_MAX"},
		{name: "jitter out of range", env: map[string]string{"DATABASE_TYPE": "memory", "RECONNECT_BACKOFF_JITTER": "1.5"}, wantErr: "JITTER"},
		{name: "bad pair phone", env: map[string]string{"DATABASE_TYPE": "memory", "WHATSAPP_PAIR_PHONE": "0812"}, wantErr: "WHATSAPP_PAIR_PHONE"},
		{name: "bad owner", env: map[string]string{"DATABASE_TYPE": "memory", "BOT_OWNER_JID": "@s.whatsapp.net"}, wantErr: "BOT_OWNER_JID"},
		{name: "bad webhook url", env: map[string]string{"DATABASE_TYPE": "memory", "WEBHOOK_URL": "not a url"}, wantErr: "WEBHOOK_URL"},
		{name: "memory needs no uri", env: map[string]string{"DATABASE_TYPE": "memory", "DATABASE_URI": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
