package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
)

var (
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigPaused                       = "paused"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
)

// RuntimeConfig stores settings that can be changed while the bot is
// running, and which persist across restarts (ex: being paused).
// Only the most recent row is used.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from executing slash commands. Gateway
	// events are still reconciled, so the case ledger stays complete.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordGatewayEnabled opens a discord gateway websocket connection.
	// Slash commands and ban/member events are only received while
	// connected.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordErrorMessage is the reply to a command that failed unexpectedly
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"max=2000"`

	// DiscordNotificationChannelID receives the startup message
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string" binding:"omitempty,numeric"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel           DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	ModerationLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:moderation_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"moderation_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DedupLogLevel      DBLogLevel `gorm:"default:INFO;type:string;check:dedup_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"dedup_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		DiscordErrorMessage:   DefaultDiscordErrorMessage,
		LogLevel:              DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelWarn,
		DatabaseLogLevel:      DBLogLevelInfo,
		APILogLevel:           DBLogLevelInfo,
		ModerationLogLevel:    DBLogLevelInfo,
		DedupLogLevel:         DBLogLevelInfo,
	}
}

// loadRuntimeConfig returns the most recent [RuntimeConfig], creating
// one with default values if none exists. created is true when
// the default was inserted.
func loadRuntimeConfig(ctx context.Context, db *gorm.DB, writeDB DBI) (
	cfg *RuntimeConfig,
	created bool,
	err error,
) {
	cfg = &RuntimeConfig{}
	rv := db.WithContext(ctx).Last(cfg)
	if rv.Error == nil {
		return cfg, false, nil
	}
	if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("error loading runtime config: %w", rv.Error)
	}

	defaultConfig := DefaultRuntimeConfig()
	if _, err = writeDB.Create(ctx, &defaultConfig); err != nil {
		return nil, false, fmt.Errorf("error creating runtime config: %w", err)
	}
	return &defaultConfig, true, nil
}

// RuntimeConfigUpdate is a partial update to [RuntimeConfig].
// Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,numeric|len=0"`

	LogLevel           *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	ModerationLogLevel *DBLogLevel `json:"moderation_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DedupLogLevel      *DBLogLevel `json:"dedup_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// updates returns the column values set by the update
func (b RuntimeConfigUpdate) updates() map[string]any {
	values := map[string]any{}
	if b.Paused != nil {
		values[columnRuntimeConfigPaused] = *b.Paused
	}
	if b.DiscordGatewayEnabled != nil {
		values["discord_gateway_enabled"] = *b.DiscordGatewayEnabled
	}
	if b.DiscordCustomStatus != nil {
		values["discord_custom_status"] = *b.DiscordCustomStatus
	}
	if b.DiscordErrorMessage != nil {
		values["discord_error_message"] = *b.DiscordErrorMessage
	}
	if b.DiscordNotificationChannelID != nil {
		values[columnRuntimeConfigDiscordNotificationChannelID] = *b.DiscordNotificationChannelID
	}

	levels := map[string]*DBLogLevel{
		"log_level":            b.LogLevel,
		"discord_log_level":    b.DiscordLogLevel,
		"discordgo_log_level":  b.DiscordGoLogLevel,
		"database_log_level":   b.DatabaseLogLevel,
		"api_log_level":        b.APILogLevel,
		"moderation_log_level": b.ModerationLogLevel,
		"dedup_log_level":      b.DedupLogLevel,
	}
	for column, level := range levels {
		if level != nil {
			values[column] = *level
		}
	}
	return values
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	update := discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)}
	if config.DiscordCustomStatus != "" {
		update.Game = discordgo.Activity{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: config.DiscordCustomStatus,
		}
	}
	return update
}
