package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

var errMissingEventUser = errors.New("event has no user")

// Reconciler turns membership gateway events into cases and mod log
// notices. A ban or unban performed by the bot's own commands leaves a
// [DedupCache] marker, so the matching event isn't logged twice. Bans
// made by other means (ex: from the member list) are attributed to an
// actor via the audit log.
type Reconciler struct {
	session   DiscordSessionHandler
	dedup     DedupCache
	resolver  *AuditResolver
	ledger    *CaseLedger
	publisher ModLogPublisher
	settings  guildSettingsGetter
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(
	session DiscordSessionHandler,
	dedup DedupCache,
	resolver *AuditResolver,
	ledger *CaseLedger,
	publisher ModLogPublisher,
	settings guildSettingsGetter,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		session:   session,
		dedup:     dedup,
		resolver:  resolver,
		ledger:    ledger,
		publisher: publisher,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleBan records a case for a ban the bot didn't perform. Returns
// nil, nil when the ban is suppressed by a marker.
func (r *Reconciler) HandleBan(ctx context.Context, e *discordgo.GuildBanAdd) (*ModCase, error) {
	if e == nil || e.User == nil {
		return nil, errMissingEventUser
	}
	logger := loggerFrom(ctx, r.logger).With(
		"event", "guild_ban_add",
		"guild_id", e.GuildID,
		"user_id", e.User.ID,
	)

	if r.dedup.IsMarked(ctx, e.GuildID, e.User.ID, MarkerBanSuppression) {
		logger.InfoContext(ctx, "ban already handled by command, ignoring")
		return nil, nil
	}

	c := &ModCase{
		GuildID:           e.GuildID,
		TargetUserID:      e.User.ID,
		TargetDisplayName: displayName(e.User),
		ActorUserID:       UnknownActorID,
		ActorDisplayName:  UnknownActorName,
		Punishment:        PunishmentBan,
		Source:            CaseSourceEvent,
		CreatedAt:         r.now().UTC(),
	}
	if entry, ok := r.resolver.Resolve(
		ctx,
		e.GuildID,
		e.User.ID,
		discordgo.AuditLogActionMemberBanAdd,
	); ok {
		c.ActorUserID = entry.ActorID
		c.ActorDisplayName = entry.ActorName
		if entry.Reason != "" {
			reason := entry.Reason
			c.Reason = &reason
		}
	}

	if err := r.ledger.Append(ctx, c); err != nil {
		logger.ErrorContext(ctx, "error recording ban", tint.Err(err))
		return nil, err
	}
	logger.InfoContext(ctx, "recorded ban", "case", c)
	r.publisher.Publish(ctx, e.GuildID, c)
	return c, nil
}

// HandleUnban publishes a notice for an unban the bot didn't perform.
// Unbans never create cases. Returns nil, nil when suppressed.
func (r *Reconciler) HandleUnban(
	ctx context.Context,
	e *discordgo.GuildBanRemove,
) (*ModLogNotice, error) {
	if e == nil || e.User == nil {
		return nil, errMissingEventUser
	}
	logger := loggerFrom(ctx, r.logger).With(
		"event", "guild_ban_remove",
		"guild_id", e.GuildID,
		"user_id", e.User.ID,
	)

	if r.dedup.IsMarked(ctx, e.GuildID, e.User.ID, MarkerUnbanSuppression) {
		logger.InfoContext(ctx, "unban already handled by command, ignoring")
		return nil, nil
	}

	n := ModLogNotice{
		Kind:              NoticeUnban,
		TargetUserID:      e.User.ID,
		TargetDisplayName: displayName(e.User),
		ActorUserID:       UnknownActorID,
		ActorDisplayName:  UnknownActorName,
		CreatedAt:         r.now().UTC(),
	}
	if entry, ok := r.resolver.Resolve(
		ctx,
		e.GuildID,
		e.User.ID,
		discordgo.AuditLogActionMemberBanRemove,
	); ok {
		n.ActorUserID = entry.ActorID
		n.ActorDisplayName = entry.ActorName
		if entry.Reason != "" {
			reason := entry.Reason
			n.Reason = &reason
		}
	}

	logger.InfoContext(ctx, "publishing unban", "actor_id", n.ActorUserID)
	r.publisher.PublishNotice(ctx, e.GuildID, n)
	return &n, nil
}

// HandleJoin sends the guild's welcome message and adds the
// configured join role
func (r *Reconciler) HandleJoin(ctx context.Context, e *discordgo.GuildMemberAdd) error {
	if e == nil || e.Member == nil || e.User == nil {
		return errMissingEventUser
	}
	logger := loggerFrom(ctx, r.logger).With(
		"event", "guild_member_add",
		"guild_id", e.GuildID,
		"user_id", e.User.ID,
	)

	settings, err := r.settings.GuildSettings(ctx, e.GuildID)
	if err != nil {
		return err
	}
	if settings == nil {
		return nil
	}

	var errs []error
	if settings.WelcomeEnabled() && settings.WelcomeMessage != "" {
		if err = r.sendMemberMessage(ctx, e.GuildID, e.User, settings.WelcomeChannelID, settings.WelcomeMessage); err != nil {
			logger.ErrorContext(ctx, "error sending welcome message", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if settings.JoinRoleName != "" {
		if err = r.addJoinRole(ctx, e.GuildID, e.User.ID, settings.JoinRoleName); err != nil {
			logger.ErrorContext(
				ctx,
				"error adding join role",
				"role_name", settings.JoinRoleName,
				tint.Err(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleLeave sends the guild's leave message
func (r *Reconciler) HandleLeave(ctx context.Context, e *discordgo.GuildMemberRemove) error {
	if e == nil || e.Member == nil || e.User == nil {
		return errMissingEventUser
	}
	settings, err := r.settings.GuildSettings(ctx, e.GuildID)
	if err != nil {
		return err
	}
	if settings == nil || !settings.WelcomeEnabled() || settings.LeaveMessage == "" {
		return nil
	}
	return r.sendMemberMessage(ctx, e.GuildID, e.User, settings.WelcomeChannelID, settings.LeaveMessage)
}

func (r *Reconciler) sendMemberMessage(
	ctx context.Context,
	guildID string,
	user *discordgo.User,
	channelID string,
	tmpl string,
) error {
	guildName := guildID
	if guild, err := r.session.Guild(guildID, discordgo.WithContext(ctx)); err == nil && guild != nil {
		guildName = guild.Name
	}
	content := renderMemberTemplate(tmpl, user.Mention(), guildName)
	_, err := r.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

func (r *Reconciler) addJoinRole(ctx context.Context, guildID, userID, roleName string) error {
	roles, err := r.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error getting roles: %w", err)
	}
	for _, role := range roles {
		if strings.EqualFold(role.Name, roleName) {
			return r.session.GuildMemberRoleAdd(guildID, userID, role.ID, discordgo.WithContext(ctx))
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownRole, roleName)
}
