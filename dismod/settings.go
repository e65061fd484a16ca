package dismod

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// disabledChannelID is treated like an empty channel ID
const disabledChannelID = "0"

//nolint:lll // struct tags can't be split
type GuildSettings struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	ModelUnixTime

	// ModerationChannelID is where cases and notices are published.
	// Empty or "0" disables the mod log.
	ModerationChannelID string `json:"moderation_channel_id" gorm:"type:string" binding:"omitempty,numeric"`

	// WelcomeChannelID receives join/leave messages
	WelcomeChannelID string `json:"welcome_channel_id" gorm:"type:string" binding:"omitempty,numeric"`

	// WelcomeMessage is sent when a member joins. {user} and {guild}
	// are substituted.
	WelcomeMessage string `json:"welcome_message" gorm:"type:string" binding:"max=2000"`

	// LeaveMessage is sent when a member leaves. {user} and {guild}
	// are substituted.
	LeaveMessage string `json:"leave_message" gorm:"type:string" binding:"max=2000"`

	// JoinRoleName is the name of a role added to members when they join
	JoinRoleName string `json:"join_role_name" gorm:"type:string" binding:"max=100"`
}

// ModLogEnabled reports whether a moderation channel is configured
func (s GuildSettings) ModLogEnabled() bool {
	return channelEnabled(s.ModerationChannelID)
}

// WelcomeEnabled reports whether a welcome channel is configured
func (s GuildSettings) WelcomeEnabled() bool {
	return channelEnabled(s.WelcomeChannelID)
}

func channelEnabled(channelID string) bool {
	return channelID != "" && channelID != disabledChannelID
}

// renderMemberTemplate substitutes {user} and {guild} in tmpl
func renderMemberTemplate(tmpl string, user string, guild string) string {
	return strings.NewReplacer("{user}", user, "{guild}", guild).Replace(tmpl)
}

type cachedSettings struct {
	settings  *GuildSettings
	expiresAt time.Time
}

// SettingsStore reads per-guild settings through a TTL cache
type SettingsStore struct {
	db       *gorm.DB
	writeDB  DBI
	notifier DBNotifier
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSettings
}

func NewSettingsStore(
	db *gorm.DB,
	writeDB DBI,
	notifier DBNotifier,
	ttl time.Duration,
	logger *slog.Logger,
) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		db:       db,
		writeDB:  writeDB,
		notifier: notifier,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		cache:    map[string]cachedSettings{},
	}
}

// GuildSettings returns the guild's settings, or nil if the guild has
// none. Absent settings are cached too.
func (s *SettingsStore) GuildSettings(
	ctx context.Context,
	guildID string,
) (*GuildSettings, error) {
	s.mu.Lock()
	cached, ok := s.cache[guildID]
	s.mu.Unlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.settings, nil
	}

	var settings GuildSettings
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Take(&settings).Error
	var result *GuildSettings
	switch {
	case err == nil:
		result = &settings
	case errors.Is(err, gorm.ErrRecordNotFound):
		result = nil
	default:
		return nil, fmt.Errorf("error loading guild settings: %w", err)
	}

	s.mu.Lock()
	s.cache[guildID] = cachedSettings{settings: result, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return result, nil
}

// Put creates or replaces the guild's settings, and invalidates
// cached copies on this and (via the notifier) other instances.
func (s *SettingsStore) Put(ctx context.Context, settings *GuildSettings) error {
	if settings.GuildID == "" {
		return errors.New("missing guild ID")
	}
	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "guild_id"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							"moderation_channel_id",
							"welcome_channel_id",
							"welcome_message",
							"leave_message",
							"join_role_name",
							"updated_at",
						},
					),
				},
			).Create(settings).Error
		},
	)
	if err != nil {
		return fmt.Errorf("error saving guild settings: %w", err)
	}

	s.Invalidate(settings.GuildID)
	if s.notifier != nil {
		s.notifier.SettingsUpdated(ctx, settings.GuildID)
	}
	s.logger.InfoContext(ctx, "guild settings updated", "guild_id", settings.GuildID)
	return nil
}

// Invalidate drops the guild's cached settings
func (s *SettingsStore) Invalidate(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, guildID)
}

// listen invalidates cached settings for guilds updated by other
// instances, until ctx is done
func (s *SettingsStore) listen(ctx context.Context, updated <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-updated:
			s.logger.InfoContext(ctx, "invalidating cached settings", "guild_id", guildID)
			s.Invalidate(guildID)
		}
	}
}
