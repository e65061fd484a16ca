package dismod

import (
	"fmt"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.SettingsCacheTTL = 0
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.Development = true
	cfg.Discord.Token = fmt.Sprintf("token_%s", t.Name())
	cfg.Discord.ApplicationID = testAppID
	cfg.Moderation.AuditLogAttempts = 2
	cfg.Moderation.AuditLogRetryInterval = 10 * time.Millisecond
	cfg.Moderation.MuteChannelsPerSecond = 100

	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)

	cfg.API.SSL.Cert = certfile
	cfg.API.SSL.Key = keyfile
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Moderation.LogLevel.Set(logLevel)
	cfg.Dedup.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultTestConfig_Valid(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestDefaultConfig_RequiresDiscordCredentials(t *testing.T) {
	cfg := DefaultConfig()
	err := structValidator.Struct(cfg)
	require.Error(t, err)

	var validationErrs validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)
	fields := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		fields = append(fields, fe.Field())
	}
	assert.Contains(t, fields, "Token")
	assert.Contains(t, fields, "ApplicationID")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
		field  string
	}{
		{
			name:   "bad database type",
			modify: func(cfg *Config) { cfg.DatabaseType = "mysql" },
			field:  "DatabaseType",
		},
		{
			name:   "audit log window too large",
			modify: func(cfg *Config) { cfg.Moderation.AuditLogWindow = 101 },
			field:  "AuditLogWindow",
		},
		{
			name:   "no audit log attempts",
			modify: func(cfg *Config) { cfg.Moderation.AuditLogAttempts = 0 },
			field:  "AuditLogAttempts",
		},
		{
			name: "negative audit log retry interval",
			modify: func(cfg *Config) {
				cfg.Moderation.AuditLogRetryInterval = -time.Second
			},
			field: "AuditLogRetryInterval",
		},
		{
			name:   "unknown dedup backend",
			modify: func(cfg *Config) { cfg.Dedup.Backend = "memcached" },
			field:  "Backend",
		},
		{
			name:   "redis backend without url",
			modify: func(cfg *Config) { cfg.Dedup.Backend = DedupBackendRedis },
			field:  "RedisURL",
		},
		{
			name: "redis backend without key prefix",
			modify: func(cfg *Config) {
				cfg.Dedup.Backend = DedupBackendRedis
				cfg.Dedup.RedisURL = "redis://127.0.0.1:6379/0"
				cfg.Dedup.KeyPrefix = ""
			},
			field: "KeyPrefix",
		},
		{
			name:   "zero dedup ttl",
			modify: func(cfg *Config) { cfg.Dedup.TTL = 0 },
			field:  "TTL",
		},
		{
			name:   "session max age too short",
			modify: func(cfg *Config) { cfg.API.SessionMaxAge = time.Minute },
			field:  "SessionMaxAge",
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)

				err := structValidator.Struct(cfg)
				require.Error(t, err)

				var validationErrs validator.ValidationErrors
				require.ErrorAs(t, err, &validationErrs)
				fields := make([]string, 0, len(validationErrs))
				for _, fe := range validationErrs {
					fields = append(fields, fe.Field())
				}
				assert.Contains(t, fields, tc.field)
			},
		)
	}
}

func TestConfig_LogValueRedacted(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Dedup.RedisURL = "redis://:hunter2@127.0.0.1:6379/0"

	v := cfg.LogValue().String()
	assert.NotContains(t, v, cfg.Discord.Token)
	assert.NotContains(t, v, cfg.API.Secret)
	assert.NotContains(t, v, "hunter2")
	assert.Contains(t, v, "[redacted]")
}
