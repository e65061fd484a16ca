package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
)

const (
	DiscordSlashCommandBan       = "ban"
	DiscordSlashCommandUnban     = "unban"
	DiscordSlashCommandKick      = "kick"
	DiscordSlashCommandMute      = "mute"
	DiscordSlashCommandUnmute    = "unmute"
	DiscordSlashCommandVoiceMute = "voicemute"
	DiscordSlashCommandRole      = "role"
	DiscordSlashCommandCase      = "case"

	commandOptionUser      = "user"
	commandOptionUserID    = "user_id"
	commandOptionReason    = "reason"
	commandOptionPruneDays = "prune_days"
	commandOptionMuted     = "muted"
	commandOptionRole      = "role"
	commandOptionAdd       = "add"
	commandOptionNumber    = "number"

	reasonMaxLength = 512

	pausedMessage = "Moderation commands are currently paused."
)

var (
	errNotInGuild     = errors.New("this command can only be used in a server")
	errUnknownCommand = errors.New("unknown command")
	errMissingOption  = errors.New("missing required option")
)

// moderationCommands returns the slash commands registered by
// [Discord.registerCommands]
func moderationCommands() []*discordgo.ApplicationCommand {
	var (
		banPerm   int64 = discordgo.PermissionBanMembers
		kickPerm  int64 = discordgo.PermissionKickMembers
		mutePerm  int64 = discordgo.PermissionModerateMembers
		voicePerm int64 = discordgo.PermissionVoiceMuteMembers
		rolePerm  int64 = discordgo.PermissionManageRoles
	)
	minPrune := float64(minPruneDays)
	minCaseNum := float64(1)
	dmPerm := false
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}

	userOption := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        commandOptionUser,
			Description: description,
			Required:    true,
		}
	}
	reasonOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        commandOptionReason,
		Description: "Reason, shown in the mod log and the audit log",
		MaxLength:   reasonMaxLength,
	}

	command := func(
		name string,
		description string,
		perm *int64,
		options ...*discordgo.ApplicationCommandOption,
	) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:                     name,
			Description:              description,
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: perm,
			DMPermission:             &dmPerm,
			Contexts:                 &contexts,
			Options:                  options,
		}
	}

	return []*discordgo.ApplicationCommand{
		command(
			DiscordSlashCommandBan,
			"Ban a user",
			&banPerm,
			userOption("User to ban"),
			reasonOption,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        commandOptionPruneDays,
				Description: "Delete the user's messages from the last 0-7 days",
				MinValue:    &minPrune,
				MaxValue:    maxPruneDays,
			},
		),
		command(
			DiscordSlashCommandUnban,
			"Unban a user",
			&banPerm,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionUserID,
				Description: "ID of the user to unban",
				Required:    true,
			},
			reasonOption,
		),
		command(
			DiscordSlashCommandKick,
			"Kick a member",
			&kickPerm,
			userOption("Member to kick"),
			reasonOption,
		),
		command(
			DiscordSlashCommandMute,
			"Stop a member from sending messages in text channels",
			&mutePerm,
			userOption("Member to mute"),
			reasonOption,
		),
		command(
			DiscordSlashCommandUnmute,
			"Allow a muted member to send messages again",
			&mutePerm,
			userOption("Member to unmute"),
			reasonOption,
		),
		command(
			DiscordSlashCommandVoiceMute,
			"Server mute or unmute a member in voice channels",
			&voicePerm,
			userOption("Member to voice mute"),
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionMuted,
				Description: "True to mute, false to unmute",
				Required:    true,
			},
			reasonOption,
		),
		command(
			DiscordSlashCommandRole,
			"Add or remove a member's role",
			&rolePerm,
			userOption("Member to update"),
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        commandOptionRole,
				Description: "Role to add or remove",
				Required:    true,
			},
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        commandOptionAdd,
				Description: "True to add the role, false to remove it",
				Required:    true,
			},
			reasonOption,
		),
		command(
			DiscordSlashCommandCase,
			"Show a moderation case",
			&kickPerm,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        commandOptionNumber,
				Description: "Case number",
				Required:    true,
				MinValue:    &minCaseNum,
			},
		),
	}
}

// parseAction builds the [Action] for a moderation command
func parseAction(i *discordgo.InteractionCreate) (Action, *string, error) {
	data := i.ApplicationCommandData()
	opts := discordInteractionOptions(i)

	var reason *string
	if opt, ok := opts[commandOptionReason]; ok {
		if r := strings.TrimSpace(opt.StringValue()); r != "" {
			reason = &r
		}
	}

	target := func() (*discordgo.User, error) {
		opt, ok := opts[commandOptionUser]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errMissingOption, commandOptionUser)
		}
		return resolvedUser(data, opt.UserValue(nil)), nil
	}

	switch data.Name {
	case DiscordSlashCommandBan:
		u, err := target()
		if err != nil {
			return nil, reason, err
		}
		a := BanAction{Target: u}
		if opt, ok := opts[commandOptionPruneDays]; ok {
			a.PruneDays = int(opt.IntValue())
		}
		return a, reason, nil
	case DiscordSlashCommandUnban:
		opt, ok := opts[commandOptionUserID]
		if !ok {
			return nil, reason, fmt.Errorf("%w: %s", errMissingOption, commandOptionUserID)
		}
		userID := strings.TrimSpace(opt.StringValue())
		return UnbanAction{Target: resolvedUser(data, &discordgo.User{ID: userID})}, reason, nil
	case DiscordSlashCommandKick:
		u, err := target()
		return KickAction{Target: u}, reason, err
	case DiscordSlashCommandMute:
		u, err := target()
		return MuteAction{Target: u}, reason, err
	case DiscordSlashCommandUnmute:
		u, err := target()
		return UnmuteAction{Target: u}, reason, err
	case DiscordSlashCommandVoiceMute:
		u, err := target()
		if err != nil {
			return nil, reason, err
		}
		a := VoiceMuteAction{Target: u, Mute: true}
		if opt, ok := opts[commandOptionMuted]; ok {
			a.Mute = opt.BoolValue()
		}
		return a, reason, nil
	case DiscordSlashCommandRole:
		u, err := target()
		if err != nil {
			return nil, reason, err
		}
		roleOpt, ok := opts[commandOptionRole]
		if !ok {
			return nil, reason, fmt.Errorf("%w: %s", errMissingOption, commandOptionRole)
		}
		a := RoleUpdateAction{Target: u, RoleID: roleOpt.RoleValue(nil, i.GuildID).ID, Add: true}
		if opt, ok := opts[commandOptionAdd]; ok {
			a.Add = opt.BoolValue()
		}
		return a, reason, nil
	default:
		return nil, reason, fmt.Errorf("%w: %s", errUnknownCommand, data.Name)
	}
}

// resolvedUser returns the full user from the interaction's resolved
// data, if it's there
func resolvedUser(
	data discordgo.ApplicationCommandInteractionData,
	u *discordgo.User,
) *discordgo.User {
	if u == nil || data.Resolved == nil {
		return u
	}
	if full, ok := data.Resolved.Users[u.ID]; ok && full != nil {
		return full
	}
	return u
}

// handleInteraction logs the interaction, then runs the slash command
// and edits the deferred reply with the outcome
func (d *DisMod) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		if ackErr := handler.Respond(ctx, d.discord.ackResponse()); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		var reply *discordgo.WebhookEdit
		switch {
		case d.RuntimeConfig().Paused:
			reply = contentEdit(pausedMessage)
		case i.GuildID == "":
			reply = contentEdit(capitalize(errNotInGuild.Error()))
		case i.ApplicationCommandData().Name == DiscordSlashCommandCase:
			reply = d.caseReply(ctx, i)
		default:
			reply = d.runCommand(ctx, i, discordUser)
		}
		if _, err := handler.Edit(ctx, reply, discordgo.WithContext(ctx)); err != nil {
			logger.ErrorContext(ctx, "error replying to command", tint.Err(err))
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// runCommand executes a moderation command, returning the reply
func (d *DisMod) runCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	moderator *discordgo.User,
) *discordgo.WebhookEdit {
	logger := loggerFrom(ctx, d.logger)

	action, reason, err := parseAction(i)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing command", tint.Err(err))
		return contentEdit(d.RuntimeConfig().DiscordErrorMessage)
	}
	ac := ActionContext{GuildID: i.GuildID, Moderator: moderator, Reason: reason}

	result, err := Execute(ctx, d.executor, ac, action)
	content := commandReply(action, result, err)
	if content == "" {
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		content = d.RuntimeConfig().DiscordErrorMessage
	}
	return contentEdit(content)
}

// commandReply describes the outcome of an action to the moderator.
// An empty string is returned for unexpected errors.
func commandReply(action Action, result *ActionResult, err error) string {
	if err != nil && IsDomainError(err) {
		return capitalize(err.Error())
	}

	name := "the user"
	if u := action.TargetUser(); u != nil {
		if n := displayName(u); n != "" {
			name = n
		} else if u.ID != "" {
			name = u.Mention()
		}
	}

	if result == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(actionSummary(action, name))
	if result.Case != nil {
		fmt.Fprintf(&b, " (case #%d)", result.Case.CaseID)
	}
	b.WriteString(".")
	if errors.Is(err, ErrCaseNotRecorded) {
		b.WriteString("\nThe case could not be recorded.")
	}
	for _, f := range result.BestEffort {
		fmt.Fprintf(&b, "\nWarning: %s failed", strings.ReplaceAll(f.Step, "_", " "))
	}
	return b.String()
}

func actionSummary(action Action, name string) string {
	switch a := action.(type) {
	case BanAction:
		return "Banned " + name
	case UnbanAction:
		return "Unbanned " + name
	case KickAction:
		return "Kicked " + name
	case MuteAction:
		return "Muted " + name
	case UnmuteAction:
		return "Unmuted " + name
	case VoiceMuteAction:
		if a.Mute {
			return "Voice muted " + name
		}
		return "Voice unmuted " + name
	case RoleUpdateAction:
		if a.Add {
			return fmt.Sprintf("Added <@&%s> to %s", a.RoleID, name)
		}
		return fmt.Sprintf("Removed <@&%s> from %s", a.RoleID, name)
	default:
		return "Done"
	}
}

// caseReply renders the /case command's reply
func (d *DisMod) caseReply(ctx context.Context, i *discordgo.InteractionCreate) *discordgo.WebhookEdit {
	logger := loggerFrom(ctx, d.logger)

	opt, ok := discordInteractionOptions(i)[commandOptionNumber]
	if !ok {
		return contentEdit(d.RuntimeConfig().DiscordErrorMessage)
	}
	caseID := opt.IntValue()

	c, err := d.ledger.Get(ctx, i.GuildID, caseID)
	switch {
	case err == nil:
		embeds := []*discordgo.MessageEmbed{caseEmbed(c)}
		return &discordgo.WebhookEdit{Embeds: &embeds}
	case errors.Is(err, ErrCaseNotFound):
		next, nextErr := d.ledger.NextCaseID(ctx, i.GuildID)
		if nextErr != nil {
			logger.ErrorContext(ctx, "error getting next case ID", tint.Err(nextErr))
			return contentEdit(fmt.Sprintf("Case #%d not found.", caseID))
		}
		return contentEdit(
			fmt.Sprintf("Case #%d not found. The next case will be #%d.", caseID, next),
		)
	default:
		logger.ErrorContext(ctx, "error getting case", "case_id", caseID, tint.Err(err))
		return contentEdit(d.RuntimeConfig().DiscordErrorMessage)
	}
}

func contentEdit(content string) *discordgo.WebhookEdit {
	return &discordgo.WebhookEdit{Content: &content}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
