package dismod

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Discord manages the gateway connection, slash command registration
// and the session handler shared by the moderation components.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	dm                          *DisMod
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session with the configured token,
// HTTP client and intents
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, slog.Group("user", "id", r.User.ID, "username", r.User.Username))
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)

		if d.dm == nil {
			return
		}
		config := d.dm.RuntimeConfig()
		if config.DiscordNotificationChannelID == "" {
			return
		}
		if sendErr := d.channelMessageSend(
			config.DiscordNotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); sendErr != nil {
			d.logger.Error("unable to send startup message", tint.Err(sendErr))
		} else {
			d.logger.Info("sent startup notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		moderationCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		return created, errors.New("no commands created")
	}
	for _, c := range created {
		d.logger.Info("created command", "name", c.Name, "id", c.ID)
	}
	return created, nil
}

// ackResponse defers the reply to a moderation command. Moderation
// replies are only visible to the moderator.
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// isNotFound reports whether err is a discord REST 404
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// DiscordSessionHandler is the subset of [discordgo.Session] used by
// the bot, so it can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the intents and presence sent on the next Open
	SetIdentify(i discordgo.Identify)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns the existing) DM channel
	// with the user
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	Guild(guildID string, opts ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildChannels(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildBan(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.GuildBan, error)

	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		opts ...discordgo.RequestOption,
	) error

	GuildBanDelete(guildID string, userID string, opts ...discordgo.RequestOption) error

	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		opts ...discordgo.RequestOption,
	) error

	GuildMemberMute(
		guildID string,
		userID string,
		mute bool,
		opts ...discordgo.RequestOption,
	) error

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		opts ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		opts ...discordgo.RequestOption,
	) error

	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		opts ...discordgo.RequestOption,
	) error

	ChannelPermissionDelete(
		channelID string,
		targetID string,
		opts ...discordgo.RequestOption,
	) error

	// GuildAuditLog returns audit log entries, newest first
	GuildAuditLog(
		guildID string,
		userID string,
		beforeID string,
		actionType int,
		limit int,
		opts ...discordgo.RequestOption,
	) (*discordgo.GuildAuditLog, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify.Intents = i.Intents
	d.session.Identify.Presence = i.Presence
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			"channel_id", channelID,
			"title", embed.Title,
			tint.Err(err),
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) Guild(
	guildID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, opts...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, opts...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) GuildBan(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.GuildBan, error) {
	return d.session.GuildBan(guildID, userID, opts...)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	opts ...discordgo.RequestOption,
) error {
	err := d.session.GuildBanCreateWithReason(guildID, userID, reason, days, opts...)
	if err != nil {
		d.logger.Error(
			"error banning user",
			"guild_id", guildID,
			"user_id", userID,
			tint.Err(err),
		)
	}
	return err
}

func (d DiscordSession) GuildBanDelete(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildBanDelete(guildID, userID, opts...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeleteWithReason(guildID, userID, reason, opts...)
}

func (d DiscordSession) GuildMemberMute(
	guildID string,
	userID string,
	mute bool,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMute(guildID, userID, mute, opts...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, opts...)
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID, opts...)
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, opts...)
}

func (d DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, opts...)
}

func (d DiscordSession) GuildAuditLog(
	guildID string,
	userID string,
	beforeID string,
	actionType int,
	limit int,
	opts ...discordgo.RequestOption,
) (*discordgo.GuildAuditLog, error) {
	return d.session.GuildAuditLog(guildID, userID, beforeID, actionType, limit, opts...)
}
