//nolint:lll // struct tags can't be split
package dismod

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "DISMOD_ENV_PREFIX"
	DefaultEnvPrefix       = "DM"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "dismod.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordCustomStatus   = "keeping the peace"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultUITLSMinVersion       = tls.VersionTLS12
	DefaultAPISessionMaxAge      = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultModerationLogLevel      = slog.LevelInfo
	DefaultDedupLogLevel           = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultSettingsCacheTTL = 5 * time.Minute

	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"

	// DefaultDedupTTL is how long a suppression marker written ahead of
	// a ban/unban remains effective.
	DefaultDedupTTL       = 5 * time.Second
	DefaultDedupKeyPrefix = "dismod:dedup:"

	DefaultAuditLogWindow         = 5
	DefaultAuditLogAttempts       = 3
	DefaultAuditLogRetryInterval  = time.Second
	DefaultMuteChannelConcurrency = 4
	DefaultMuteChannelsPerSecond  = 5
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the gateway connection and slash commands
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Dedup configures the suppression marker store shared by the
	// command path and the gateway event path
	Dedup *DedupConfig `yaml:"dedup" mapstructure:"dedup" json:"dedup"`

	// Moderation configures action execution and audit log correlation
	Moderation *ModerationConfig `yaml:"moderation" mapstructure:"moderation" json:"moderation"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// SettingsCacheTTL is how long a guild's settings are served from
	// memory before being re-read from the database. Updates made through
	// the API invalidate the entry immediately (and, with PostgreSQL,
	// on every other instance via NOTIFY).
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl" mapstructure:"settings_cache_ttl" json:"settings_cache_ttl"`

	// Development enables pprof and relaxes cookie/CORS settings
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If [RuntimeConfig.DiscordNotificationChannelID] is set, the bot will
	// send this message to that channel whenever it connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message" binding:"required"`

	// Discord gateway intents. Ban/unban and member join/leave events
	// require GUILD_MODERATION and GUILD_MEMBERS.
	// See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DedupConfig selects and configures the suppression marker backend.
type DedupConfig struct {
	// Backend is either 'memory' (single instance) or 'redis' (markers
	// shared across instances)
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory redis"`

	// TTL is how long a marker stays effective after it's written
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl" json:"ttl" binding:"min=1ms"`

	// RedisURL is a redis:// connection URL, required for the redis backend
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url" json:"redis_url" log:"[redacted]" binding:"required_if=Backend redis"`

	// KeyPrefix is prepended to every redis key
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ModerationConfig configures action execution and audit log lookups.
type ModerationConfig struct {
	// AuditLogWindow is the number of recent audit log entries fetched
	// when attributing a ban/unban to an actor
	AuditLogWindow int `yaml:"audit_log_window" mapstructure:"audit_log_window" json:"audit_log_window" binding:"min=1,max=100"`

	// AuditLogAttempts is the number of times the audit log is polled
	// before the actor is considered unknown. The audit log entry for
	// an action isn't always visible when the gateway event arrives.
	AuditLogAttempts int `yaml:"audit_log_attempts" mapstructure:"audit_log_attempts" json:"audit_log_attempts" binding:"min=1,max=10"`

	// AuditLogRetryInterval is the delay between audit log polls
	AuditLogRetryInterval time.Duration `yaml:"audit_log_retry_interval" mapstructure:"audit_log_retry_interval" json:"audit_log_retry_interval"`

	// MuteChannelConcurrency caps the number of channel permission
	// overwrites updated in parallel by mute/unmute
	MuteChannelConcurrency int `yaml:"mute_channel_concurrency" mapstructure:"mute_channel_concurrency" json:"mute_channel_concurrency" binding:"min=1"`

	// MuteChannelsPerSecond paces channel permission overwrite requests
	MuteChannelsPerSecond int `yaml:"mute_channels_per_second" mapstructure:"mute_channels_per_second" json:"mute_channels_per_second" binding:"min=1"`

	// DirectMessageEnabled sends the target a DM describing the action
	DirectMessageEnabled bool `yaml:"direct_message_enabled" mapstructure:"direct_message_enabled" json:"direct_message_enabled"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func validateModerationConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(ModerationConfig)
	if !ok {
		return
	}
	if cfg.AuditLogRetryInterval < 0 {
		sl.ReportError(
			cfg.AuditLogRetryInterval,
			"AuditLogRetryInterval",
			"audit_log_retry_interval",
			"min",
			"0",
		)
	}
}

func validateDedupConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(DedupConfig)
	if !ok {
		return
	}
	if cfg.Backend == DedupBackendRedis && cfg.KeyPrefix == "" {
		sl.ReportError(cfg.KeyPrefix, "KeyPrefix", "key_prefix", "required_if", "Backend redis")
	}
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	moderationLogLevel := &slog.LevelVar{}
	dedupLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	moderationLogLevel.Set(DefaultModerationLogLevel)
	dedupLogLevel.Set(DefaultDedupLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		SettingsCacheTTL:      DefaultSettingsCacheTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Dedup: &DedupConfig{
			Backend:   DedupBackendMemory,
			TTL:       DefaultDedupTTL,
			KeyPrefix: DefaultDedupKeyPrefix,
			LogLevel:  dedupLogLevel,
		},
		Moderation: &ModerationConfig{
			AuditLogWindow:         DefaultAuditLogWindow,
			AuditLogAttempts:       DefaultAuditLogAttempts,
			AuditLogRetryInterval:  DefaultAuditLogRetryInterval,
			MuteChannelConcurrency: DefaultMuteChannelConcurrency,
			MuteChannelsPerSecond:  DefaultMuteChannelsPerSecond,
			DirectMessageEnabled:   true,
			LogLevel:               moderationLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
