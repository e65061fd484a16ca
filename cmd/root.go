package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/dismod/dismod"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = dismod.DefaultConfig()
	configFile string
)

// levelKeys are config keys holding a log level name, converted to
// *slog.LevelVar before unmarshaling
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"dedup.log_level",
	"moderation.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "dismod [flags]",
	Short: "Discord moderation bot with a per-guild case ledger",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a level name into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", dismod.DefaultDatabase)
	viper.SetDefault("database_type", dismod.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", dismod.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", dismod.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("settings_cache_ttl", dismod.DefaultSettingsCacheTTL)

	viper.SetDefault("log_level", dismod.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", dismod.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", dismod.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", dismod.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", dismod.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", dismod.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", dismod.DefaultDiscordStartupMessage)

	// Dedup config
	viper.SetDefault("dedup.backend", dismod.DedupBackendMemory)
	viper.SetDefault("dedup.ttl", dismod.DefaultDedupTTL)
	viper.SetDefault("dedup.key_prefix", dismod.DefaultDedupKeyPrefix)
	viper.SetDefault("dedup.redis_url", "")
	viper.SetDefault("dedup.log_level", dismod.DefaultDedupLogLevel.String())

	// Moderation config
	viper.SetDefault("moderation.audit_log_window", dismod.DefaultAuditLogWindow)
	viper.SetDefault("moderation.audit_log_attempts", dismod.DefaultAuditLogAttempts)
	viper.SetDefault("moderation.audit_log_retry_interval", dismod.DefaultAuditLogRetryInterval)
	viper.SetDefault("moderation.mute_channel_concurrency", dismod.DefaultMuteChannelConcurrency)
	viper.SetDefault("moderation.mute_channels_per_second", dismod.DefaultMuteChannelsPerSecond)
	viper.SetDefault("moderation.direct_message_enabled", true)
	viper.SetDefault("moderation.log_level", dismod.DefaultModerationLogLevel.String())

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", dismod.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", dismod.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", dismod.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", dismod.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", dismod.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", dismod.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", dismod.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", dismod.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", dismod.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", dismod.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", dismod.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", dismod.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", dismod.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(dismod.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = dismod.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := toLevelVar(viper.Get(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// toLevelVar converts a level name to a *slog.LevelVar. Values already
// converted by a previous initConfig are returned as-is.
func toLevelVar(v any) (*slog.LevelVar, error) {
	if lvl, ok := v.(*slog.LevelVar); ok {
		return lvl, nil
	}
	return levelStringToLevelVar(fmt.Sprint(v))
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
