package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	stepDirectMessage = "direct_message"
	stepChannelPrefix = "channel "
)

var (
	errNoTextChannels    = errors.New("guild has no text channels")
	errAllChannelsFailed = errors.New("unable to update any channel")
	muteChannelTypes     = []discordgo.ChannelType{
		discordgo.ChannelTypeGuildText,
		discordgo.ChannelTypeGuildNews,
		discordgo.ChannelTypeGuildForum,
	}
)

// Moderator is the [Executor] backed by a discord session. Each action
// validates its target, performs the side effect, DMs the target,
// records a case (for punishments) and publishes to the mod log.
type Moderator struct {
	session        DiscordSessionHandler
	ledger         *CaseLedger
	dedup          DedupCache
	publisher      ModLogPublisher
	dedupTTL       time.Duration
	directMessages bool
	concurrency    int
	limiter        *rate.Limiter
	logger         *slog.Logger
	now            func() time.Time
}

func NewModerator(
	session DiscordSessionHandler,
	ledger *CaseLedger,
	dedup DedupCache,
	publisher ModLogPublisher,
	dedupTTL time.Duration,
	cfg *ModerationConfig,
	logger *slog.Logger,
) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.MuteChannelConcurrency
	if concurrency < 1 {
		concurrency = DefaultMuteChannelConcurrency
	}
	perSecond := cfg.MuteChannelsPerSecond
	if perSecond < 1 {
		perSecond = DefaultMuteChannelsPerSecond
	}
	return &Moderator{
		session:        session,
		ledger:         ledger,
		dedup:          dedup,
		publisher:      publisher,
		dedupTTL:       dedupTTL,
		directMessages: cfg.DirectMessageEnabled,
		concurrency:    concurrency,
		limiter:        rate.NewLimiter(rate.Limit(perSecond), perSecond),
		logger:         logger,
		now:            time.Now,
	}
}

func (m *Moderator) Ban(ctx context.Context, ac ActionContext, a BanAction) (*ActionResult, error) {
	if a.PruneDays < minPruneDays || a.PruneDays > maxPruneDays {
		return nil, ErrInvalidPruneDays
	}
	logger := m.actionLogger(ctx, ac, a, "ban")

	_, err := m.session.GuildBan(ac.GuildID, a.Target.ID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return nil, ErrAlreadyBanned
	case !isNotFound(err):
		return nil, fmt.Errorf("error checking ban: %w", err)
	}

	guild, err := m.checkTarget(ctx, ac, a.Target.ID)
	if err != nil {
		return nil, err
	}

	m.dedup.Mark(ctx, ac.GuildID, a.Target.ID, MarkerBanSuppression, m.dedupTTL)
	if err = m.session.GuildBanCreateWithReason(
		ac.GuildID,
		a.Target.ID,
		ac.reason(),
		a.PruneDays,
		discordgo.WithContext(ctx),
	); err != nil {
		return nil, fmt.Errorf("error banning user: %w", err)
	}
	logger.InfoContext(ctx, "banned user", "prune_days", a.PruneDays)

	result := &ActionResult{}
	m.directMessage(ctx, result, a.Target, guild, "banned from", ac.Reason)
	return m.recordCase(ctx, result, ac, a.Target, PunishmentBan)
}

func (m *Moderator) Unban(ctx context.Context, ac ActionContext, a UnbanAction) (*ActionResult, error) {
	logger := m.actionLogger(ctx, ac, a, "unban")

	ban, err := m.session.GuildBan(ac.GuildID, a.Target.ID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotBanned
		}
		return nil, fmt.Errorf("error checking ban: %w", err)
	}
	target := a.Target
	if ban != nil && ban.User != nil {
		target = ban.User
	}

	m.dedup.Mark(ctx, ac.GuildID, target.ID, MarkerUnbanSuppression, m.dedupTTL)
	if err = m.session.GuildBanDelete(
		ac.GuildID,
		target.ID,
		discordgo.WithContext(ctx),
	); err != nil {
		return nil, fmt.Errorf("error unbanning user: %w", err)
	}
	logger.InfoContext(ctx, "unbanned user")

	// the target shares no guild with the bot after a ban, so no DM
	return m.publishNotice(ctx, &ActionResult{}, ac, target, NoticeUnban, "")
}

func (m *Moderator) Kick(ctx context.Context, ac ActionContext, a KickAction) (*ActionResult, error) {
	logger := m.actionLogger(ctx, ac, a, "kick")

	if _, err := m.member(ctx, ac.GuildID, a.Target.ID); err != nil {
		return nil, err
	}
	guild, err := m.checkTarget(ctx, ac, a.Target.ID)
	if err != nil {
		return nil, err
	}

	if err = m.session.GuildMemberDeleteWithReason(
		ac.GuildID,
		a.Target.ID,
		ac.reason(),
		discordgo.WithContext(ctx),
	); err != nil {
		return nil, fmt.Errorf("error kicking user: %w", err)
	}
	logger.InfoContext(ctx, "kicked user")

	result := &ActionResult{}
	m.directMessage(ctx, result, a.Target, guild, "kicked from", ac.Reason)
	return m.recordCase(ctx, result, ac, a.Target, PunishmentKick)
}

func (m *Moderator) Mute(ctx context.Context, ac ActionContext, a MuteAction) (*ActionResult, error) {
	logger := m.actionLogger(ctx, ac, a, "mute")

	if _, err := m.member(ctx, ac.GuildID, a.Target.ID); err != nil {
		return nil, err
	}
	guild, err := m.checkTarget(ctx, ac, a.Target.ID)
	if err != nil {
		return nil, err
	}

	channels, err := m.textChannels(ctx, ac.GuildID)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ow := memberOverwrite(ch, a.Target.ID); ow != nil && sendDenied(ow) {
			return nil, ErrAlreadyMuted
		}
	}

	result := &ActionResult{}
	if err = m.updateChannels(
		ctx,
		result,
		channels,
		func(ch *discordgo.Channel) error {
			var allow, deny int64
			if ow := memberOverwrite(ch, a.Target.ID); ow != nil {
				allow, deny = ow.Allow, ow.Deny
			}
			return m.session.ChannelPermissionSet(
				ch.ID,
				a.Target.ID,
				discordgo.PermissionOverwriteTypeMember,
				allow&^discordgo.PermissionSendMessages,
				deny|discordgo.PermissionSendMessages,
				discordgo.WithContext(ctx),
			)
		},
	); err != nil {
		return nil, fmt.Errorf("error muting user: %w", err)
	}
	logger.InfoContext(
		ctx,
		"muted user",
		"channels", len(channels),
		"failed", len(result.BestEffort),
	)

	m.directMessage(ctx, result, a.Target, guild, "muted in", ac.Reason)
	return m.recordCase(ctx, result, ac, a.Target, PunishmentMute)
}

func (m *Moderator) Unmute(ctx context.Context, ac ActionContext, a UnmuteAction) (*ActionResult, error) {
	logger := m.actionLogger(ctx, ac, a, "unmute")

	if _, err := m.member(ctx, ac.GuildID, a.Target.ID); err != nil {
		return nil, err
	}
	guild, err := m.checkTarget(ctx, ac, a.Target.ID)
	if err != nil {
		return nil, err
	}

	all, err := m.textChannels(ctx, ac.GuildID)
	if err != nil && !errors.Is(err, errNoTextChannels) {
		return nil, err
	}
	var muted []*discordgo.Channel
	for _, ch := range all {
		if ow := memberOverwrite(ch, a.Target.ID); ow != nil && sendDenied(ow) {
			muted = append(muted, ch)
		}
	}
	if len(muted) == 0 {
		return nil, ErrNotMuted
	}

	result := &ActionResult{}
	if err = m.updateChannels(
		ctx,
		result,
		muted,
		func(ch *discordgo.Channel) error {
			ow := memberOverwrite(ch, a.Target.ID)
			deny := ow.Deny &^ discordgo.PermissionSendMessages
			if deny == 0 && ow.Allow == 0 {
				return m.session.ChannelPermissionDelete(
					ch.ID,
					a.Target.ID,
					discordgo.WithContext(ctx),
				)
			}
			return m.session.ChannelPermissionSet(
				ch.ID,
				a.Target.ID,
				discordgo.PermissionOverwriteTypeMember,
				ow.Allow,
				deny,
				discordgo.WithContext(ctx),
			)
		},
	); err != nil {
		return nil, fmt.Errorf("error unmuting user: %w", err)
	}
	logger.InfoContext(
		ctx,
		"unmuted user",
		"channels", len(muted),
		"failed", len(result.BestEffort),
	)

	m.directMessage(ctx, result, a.Target, guild, "unmuted in", ac.Reason)
	return m.publishNotice(ctx, result, ac, a.Target, NoticeUnmute, "")
}

func (m *Moderator) VoiceMute(
	ctx context.Context,
	ac ActionContext,
	a VoiceMuteAction,
) (*ActionResult, error) {
	logger := m.actionLogger(ctx, ac, a, "voice_mute").With("mute", a.Mute)

	member, err := m.member(ctx, ac.GuildID, a.Target.ID)
	if err != nil {
		return nil, err
	}
	switch {
	case a.Mute && member.Mute:
		return nil, ErrAlreadyVoiceMuted
	case !a.Mute && !member.Mute:
		return nil, ErrNotVoiceMuted
	}
	guild, err := m.checkTarget(ctx, ac, a.Target.ID)
	if err != nil {
		return nil, err
	}

	if err = m.session.GuildMemberMute(
		ac.GuildID,
		a.Target.ID,
		a.Mute,
		discordgo.WithContext(ctx),
	); err != nil {
		return nil, fmt.Errorf("error updating voice mute: %w", err)
	}
	logger.InfoContext(ctx, "updated voice mute")

	result := &ActionResult{}
	if !a.Mute {
		m.directMessage(ctx, result, a.Target, guild, "voice unmuted in", ac.Reason)
		return m.publishNotice(ctx, result, ac, a.Target, NoticeVoiceUnmute, "")
	}
	m.directMessage(ctx, result, a.Target, guild, "voice muted in", ac.Reason)
	return m.recordCase(ctx, result, ac, a.Target, PunishmentVoiceMute)
}

func (m *Moderator) UpdateRole(
	ctx context.Context,
	ac ActionContext,
	a RoleUpdateAction,
) (*ActionResult, error) {
	logger := m.actionLogger(ctx, ac, a, "role").With("role_id", a.RoleID, "add", a.Add)

	member, err := m.member(ctx, ac.GuildID, a.Target.ID)
	if err != nil {
		return nil, err
	}
	hasRole := slices.Contains(member.Roles, a.RoleID)
	switch {
	case a.Add && hasRole:
		return nil, ErrRoleAlreadyAssigned
	case !a.Add && !hasRole:
		return nil, ErrRoleNotAssigned
	}

	h, err := m.hierarchy(ctx, ac.GuildID)
	if err != nil {
		return nil, err
	}
	role, ok := h.roles[a.RoleID]
	if !ok {
		return nil, ErrUnknownRole
	}
	if err = m.checkHierarchy(ctx, h, ac, a.Target.ID); err != nil {
		return nil, err
	}
	if ac.Moderator != nil && !h.isOwner(ac.Moderator.ID) {
		modMember, modErr := m.member(ctx, ac.GuildID, ac.Moderator.ID)
		if modErr != nil {
			return nil, fmt.Errorf("error getting moderator: %w", modErr)
		}
		if h.topPosition(modMember.Roles) <= role.Position {
			return nil, ErrHierarchy
		}
	}

	update := m.session.GuildMemberRoleRemove
	kind := NoticeRoleRemoved
	if a.Add {
		update = m.session.GuildMemberRoleAdd
		kind = NoticeRoleAdded
	}
	if err = update(ac.GuildID, a.Target.ID, a.RoleID, discordgo.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("error updating role: %w", err)
	}
	logger.InfoContext(ctx, "updated role", "role", role.Name)

	return m.publishNotice(ctx, &ActionResult{}, ac, a.Target, kind, a.RoleID)
}

func (m *Moderator) actionLogger(
	ctx context.Context,
	ac ActionContext,
	a Action,
	name string,
) *slog.Logger {
	logger := loggerFrom(ctx, m.logger).With(
		"action", name,
		"guild_id", ac.GuildID,
		"target_user_id", a.TargetUser().ID,
	)
	if ac.Moderator != nil {
		logger = logger.With("moderator_id", ac.Moderator.ID)
	}
	return logger
}

// member returns the guild member, or [ErrNotMember]
func (m *Moderator) member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	member, err := m.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("error getting member: %w", err)
	}
	return member, nil
}

// guildHierarchy is the guild's owner and roles, for comparing
// members' top roles
type guildHierarchy struct {
	guild *discordgo.Guild
	roles map[string]*discordgo.Role
}

func (h guildHierarchy) isOwner(userID string) bool {
	return h.guild != nil && h.guild.OwnerID == userID
}

// topPosition returns the highest position among the given role IDs,
// or 0 (@everyone) if none are known
func (h guildHierarchy) topPosition(roleIDs []string) int {
	top := 0
	for _, id := range roleIDs {
		if r, ok := h.roles[id]; ok && r.Position > top {
			top = r.Position
		}
	}
	return top
}

func (m *Moderator) hierarchy(ctx context.Context, guildID string) (guildHierarchy, error) {
	guild, err := m.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return guildHierarchy{}, fmt.Errorf("error getting guild: %w", err)
	}
	roles, err := m.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return guildHierarchy{}, fmt.Errorf("error getting roles: %w", err)
	}
	h := guildHierarchy{guild: guild, roles: make(map[string]*discordgo.Role, len(roles))}
	for _, r := range roles {
		h.roles[r.ID] = r
	}
	return h, nil
}

// checkTarget rejects self-targeting, and targets whose top role isn't
// below the moderator's. The guild owner outranks everyone.
func (m *Moderator) checkTarget(
	ctx context.Context,
	ac ActionContext,
	targetID string,
) (*discordgo.Guild, error) {
	if ac.Moderator != nil && ac.Moderator.ID == targetID {
		return nil, ErrSelfTarget
	}
	h, err := m.hierarchy(ctx, ac.GuildID)
	if err != nil {
		return nil, err
	}
	if err = m.checkHierarchy(ctx, h, ac, targetID); err != nil {
		return nil, err
	}
	return h.guild, nil
}

func (m *Moderator) checkHierarchy(
	ctx context.Context,
	h guildHierarchy,
	ac ActionContext,
	targetID string,
) error {
	if ac.Moderator != nil && ac.Moderator.ID == targetID {
		return ErrSelfTarget
	}
	if h.isOwner(targetID) {
		return ErrHierarchy
	}
	if ac.Moderator == nil || h.isOwner(ac.Moderator.ID) {
		return nil
	}

	modMember, err := m.member(ctx, ac.GuildID, ac.Moderator.ID)
	if err != nil {
		return fmt.Errorf("error getting moderator: %w", err)
	}
	targetTop := 0
	targetMember, err := m.member(ctx, ac.GuildID, targetID)
	switch {
	case err == nil:
		targetTop = h.topPosition(targetMember.Roles)
	case !errors.Is(err, ErrNotMember):
		return err
	}
	if h.topPosition(modMember.Roles) <= targetTop {
		return ErrHierarchy
	}
	return nil
}

// textChannels returns the guild's channels a mute applies to
func (m *Moderator) textChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	channels, err := m.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error getting channels: %w", err)
	}
	var text []*discordgo.Channel
	for _, ch := range channels {
		if ch != nil && slices.Contains(muteChannelTypes, ch.Type) {
			text = append(text, ch)
		}
	}
	if len(text) == 0 {
		return nil, errNoTextChannels
	}
	return text, nil
}

// updateChannels applies update to each channel concurrently, paced by
// the moderator's rate limiter. Per-channel failures are recorded in
// result and aren't rolled back. An error is returned only if no
// channel could be updated.
func (m *Moderator) updateChannels(
	ctx context.Context,
	result *ActionResult,
	channels []*discordgo.Channel,
	update func(ch *discordgo.Channel) error,
) error {
	var (
		mu        sync.Mutex
		succeeded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, ch := range channels {
		ch := ch
		g.Go(
			func() error {
				if err := m.limiter.Wait(gctx); err != nil {
					return err
				}
				err := update(ch)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					loggerFrom(ctx, m.logger).WarnContext(
						ctx,
						"error updating channel overwrite",
						"channel_id", ch.ID,
						tint.Err(err),
					)
					result.addFailure(stepChannelPrefix+ch.ID, err)
					return nil
				}
				succeeded++
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if succeeded == 0 {
		return errAllChannelsFailed
	}
	return nil
}

// directMessage tells the target what happened. Failures (ex: the target
// has DMs disabled) are recorded in result.
func (m *Moderator) directMessage(
	ctx context.Context,
	result *ActionResult,
	target *discordgo.User,
	guild *discordgo.Guild,
	verb string,
	reason *string,
) {
	if !m.directMessages {
		return
	}
	guildName := "a server"
	if guild != nil && guild.Name != "" {
		guildName = "**" + guild.Name + "**"
	}
	content := fmt.Sprintf("You have been %s %s.\nReason: %s", verb, guildName, reasonText(reason))

	ch, err := m.session.UserChannelCreate(target.ID, discordgo.WithContext(ctx))
	if err == nil {
		_, err = m.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
	}
	if err != nil {
		loggerFrom(ctx, m.logger).InfoContext(
			ctx,
			"unable to send direct message",
			"target_user_id", target.ID,
			tint.Err(err),
		)
		result.addFailure(stepDirectMessage, err)
	}
}

// recordCase appends a case for the action and publishes it. If the
// ledger write fails, the error wraps [ErrCaseNotRecorded] and the
// result is still returned, as the side effect has happened.
func (m *Moderator) recordCase(
	ctx context.Context,
	result *ActionResult,
	ac ActionContext,
	target *discordgo.User,
	punishment PunishmentKind,
) (*ActionResult, error) {
	c := &ModCase{
		GuildID:           ac.GuildID,
		TargetUserID:      target.ID,
		TargetDisplayName: displayName(target),
		ActorUserID:       UnknownActorID,
		ActorDisplayName:  UnknownActorName,
		Punishment:        punishment,
		Reason:            ac.Reason,
		Source:            CaseSourceCommand,
		CreatedAt:         m.now().UTC(),
	}
	if ac.Moderator != nil {
		c.ActorUserID = ac.Moderator.ID
		c.ActorDisplayName = displayName(ac.Moderator)
	}
	if err := m.ledger.Append(ctx, c); err != nil {
		loggerFrom(ctx, m.logger).ErrorContext(
			ctx,
			"action performed but case not recorded",
			"case", c,
			tint.Err(err),
		)
		return result, err
	}
	result.Case = c
	loggerFrom(ctx, m.logger).InfoContext(ctx, "recorded case", "case", c)
	m.publisher.Publish(ctx, ac.GuildID, c)
	return result, nil
}

func (m *Moderator) publishNotice(
	ctx context.Context,
	result *ActionResult,
	ac ActionContext,
	target *discordgo.User,
	kind NoticeKind,
	roleID string,
) (*ActionResult, error) {
	n := ModLogNotice{
		Kind:              kind,
		TargetUserID:      target.ID,
		TargetDisplayName: displayName(target),
		ActorUserID:       UnknownActorID,
		ActorDisplayName:  UnknownActorName,
		Reason:            ac.Reason,
		RoleID:            roleID,
		CreatedAt:         m.now().UTC(),
	}
	if ac.Moderator != nil {
		n.ActorUserID = ac.Moderator.ID
		n.ActorDisplayName = displayName(ac.Moderator)
	}
	result.Notice = &n
	m.publisher.PublishNotice(ctx, ac.GuildID, n)
	return result, nil
}

func memberOverwrite(ch *discordgo.Channel, userID string) *discordgo.PermissionOverwrite {
	for _, ow := range ch.PermissionOverwrites {
		if ow != nil && ow.Type == discordgo.PermissionOverwriteTypeMember && ow.ID == userID {
			return ow
		}
	}
	return nil
}

func sendDenied(ow *discordgo.PermissionOverwrite) bool {
	return ow.Deny&discordgo.PermissionSendMessages != 0
}
