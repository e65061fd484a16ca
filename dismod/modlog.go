package dismod

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	embedColorBan       = 0xe74c3c
	embedColorKick      = 0xe67e22
	embedColorMute      = 0xf1c40f
	embedColorVoiceMute = 0x9b59b6
	embedColorRevoke    = 0x2ecc71
	embedColorRole      = 0x3498db

	noReason = "No reason provided"
)

// NoticeKind identifies a mod log entry that isn't a case
type NoticeKind string

const (
	NoticeUnban       NoticeKind = "unban"
	NoticeUnmute      NoticeKind = "unmute"
	NoticeVoiceUnmute NoticeKind = "voice_unmute"
	NoticeRoleAdded   NoticeKind = "role_added"
	NoticeRoleRemoved NoticeKind = "role_removed"
)

func (k NoticeKind) Title() string {
	switch k {
	case NoticeUnban:
		return "Unban"
	case NoticeUnmute:
		return "Unmute"
	case NoticeVoiceUnmute:
		return "Voice Unmute"
	case NoticeRoleAdded:
		return "Role Added"
	case NoticeRoleRemoved:
		return "Role Removed"
	default:
		return string(k)
	}
}

// ModLogNotice is published for actions that don't create a case
// (unban, unmute, role changes)
type ModLogNotice struct {
	Kind              NoticeKind `json:"kind"`
	TargetUserID      string     `json:"target_user_id"`
	TargetDisplayName string     `json:"target_display_name"`
	ActorUserID       string     `json:"actor_user_id"`
	ActorDisplayName  string     `json:"actor_display_name"`
	Reason            *string    `json:"reason,omitempty"`
	RoleID            string     `json:"role_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ModLogPublisher announces cases and notices in the guild's
// moderation channel. Delivery is best-effort: failures are logged,
// never returned.
type ModLogPublisher interface {
	Publish(ctx context.Context, guildID string, c *ModCase)
	PublishNotice(ctx context.Context, guildID string, n ModLogNotice)
}

// guildSettingsGetter is satisfied by [SettingsStore]
type guildSettingsGetter interface {
	GuildSettings(ctx context.Context, guildID string) (*GuildSettings, error)
}

// ChannelPublisher posts embeds to the channel configured by
// [GuildSettings.ModerationChannelID]
type ChannelPublisher struct {
	session  DiscordSessionHandler
	settings guildSettingsGetter
	logger   *slog.Logger
}

func NewChannelPublisher(
	session DiscordSessionHandler,
	settings guildSettingsGetter,
	logger *slog.Logger,
) *ChannelPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelPublisher{session: session, settings: settings, logger: logger}
}

func (p *ChannelPublisher) Publish(ctx context.Context, guildID string, c *ModCase) {
	if c == nil {
		return
	}
	p.send(ctx, guildID, caseEmbed(c), slog.Int64("case_id", c.CaseID))
}

func (p *ChannelPublisher) PublishNotice(ctx context.Context, guildID string, n ModLogNotice) {
	p.send(ctx, guildID, noticeEmbed(n), slog.String("notice", string(n.Kind)))
}

func (p *ChannelPublisher) send(
	ctx context.Context,
	guildID string,
	embed *discordgo.MessageEmbed,
	attr slog.Attr,
) {
	logger := loggerFrom(ctx, p.logger).With("guild_id", guildID, attr)

	settings, err := p.settings.GuildSettings(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		return
	}
	if settings == nil || !settings.ModLogEnabled() {
		logger.DebugContext(ctx, "mod log disabled")
		return
	}

	if _, err = p.session.ChannelMessageSendEmbed(
		settings.ModerationChannelID,
		embed,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error publishing to mod log",
			"channel_id", settings.ModerationChannelID,
			tint.Err(err),
		)
		return
	}
	logger.InfoContext(ctx, "published to mod log", "channel_id", settings.ModerationChannelID)
}

func caseEmbed(c *ModCase) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Case #%d | %s", c.CaseID, c.Punishment.Title()),
		Color: punishmentColor(c.Punishment),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "User",
				Value:  userMention(c.TargetUserID, c.TargetDisplayName),
				Inline: true,
			},
			{
				Name:   "Moderator",
				Value:  userMention(c.ActorUserID, c.ActorDisplayName),
				Inline: true,
			},
			{Name: "Reason", Value: reasonText(c.Reason)},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "User ID: " + c.TargetUserID},
		Timestamp: c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func noticeEmbed(n ModLogNotice) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{
			Name:   "User",
			Value:  userMention(n.TargetUserID, n.TargetDisplayName),
			Inline: true,
		},
		{
			Name:   "Moderator",
			Value:  userMention(n.ActorUserID, n.ActorDisplayName),
			Inline: true,
		},
	}
	color := embedColorRevoke
	if n.RoleID != "" {
		color = embedColorRole
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "Role", Value: fmt.Sprintf("<@&%s>", n.RoleID)},
		)
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: reasonText(n.Reason)})

	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &discordgo.MessageEmbed{
		Title:     n.Kind.Title(),
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "User ID: " + n.TargetUserID},
		Timestamp: created.UTC().Format(time.RFC3339),
	}
}

func punishmentColor(p PunishmentKind) int {
	switch p {
	case PunishmentBan:
		return embedColorBan
	case PunishmentKick:
		return embedColorKick
	case PunishmentMute:
		return embedColorMute
	case PunishmentVoiceMute:
		return embedColorVoiceMute
	default:
		return 0
	}
}

func userMention(userID string, name string) string {
	if userID == "" || userID == UnknownActorID {
		return UnknownActorName
	}
	if name == "" {
		return fmt.Sprintf("<@%s>", userID)
	}
	return fmt.Sprintf("%s (<@%s>)", name, userID)
}

func reasonText(reason *string) string {
	if reason == nil || *reason == "" {
		return noReason
	}
	return truncate(*reason, 1024)
}
