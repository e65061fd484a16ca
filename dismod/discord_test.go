package dismod

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"testing"
)

const (
	testGuildID       = "100000000000000001"
	testOwnerID       = "200000000000000001"
	testModeratorID   = "200000000000000002"
	testTargetID      = "200000000000000003"
	testAdminID       = "200000000000000004"
	testOutsiderID    = "200000000000000005"
	testModRoleID     = "300000000000000001"
	testMemberRoleID  = "300000000000000002"
	testAdminRoleID   = "300000000000000003"
	testModLogChannel = "400000000000000001"
	testWelcomeChan   = "400000000000000002"
	testTextChannel1  = "400000000000000003"
	testTextChannel2  = "400000000000000004"
	testTextChannel3  = "400000000000000005"
	testVoiceChannel  = "400000000000000006"
	testAppID         = "500000000000000001"
)

// errDiscordNotFound is returned by mockDiscordSession for missing
// bans, members, etc., like a REST 404
var errDiscordNotFound = &discordgo.RESTError{
	Response: &http.Response{StatusCode: http.StatusNotFound},
}

type banCall struct {
	GuildID string
	UserID  string
	Reason  string
	Days    int
}

type memberCall struct {
	GuildID string
	UserID  string
	Reason  string
}

type permissionCall struct {
	ChannelID string
	TargetID  string
	Allow     int64
	Deny      int64
}

type roleCall struct {
	GuildID string
	UserID  string
	RoleID  string
}

type sentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

type sentMessage struct {
	ChannelID string
	Content   string
}

// mockDiscordSession implements DiscordSessionHandler with an in-memory
// guild. Guild state is mutated by the calls that would change it on
// discord (ex: a ban removes the member), and every mutating call is
// recorded, so tests can check what was sent.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu       sync.Mutex
	guilds   map[string]*discordgo.Guild
	roles    map[string][]*discordgo.Role
	channels map[string][]*discordgo.Channel
	members  map[string]*discordgo.Member
	bans     map[string]*discordgo.GuildBan

	// auditLogs are returned by GuildAuditLog, in order. The last one
	// is repeated once the others have been returned.
	auditLogs     map[string][]*discordgo.GuildAuditLog
	auditLogCalls int

	// dmDisabled users can't receive direct messages
	dmDisabled map[string]bool

	// channelErrors are returned by ChannelPermissionSet for the
	// channel ID
	channelErrors map[string]error

	// errs are returned by the named method, before it does anything
	errs map[string]error

	BanCalls          []banCall
	UnbanCalls        []memberCall
	KickCalls         []memberCall
	PermissionSets    []permissionCall
	PermissionDeletes []permissionCall
	VoiceMuteCalls    []memberCall
	RoleAdds          []roleCall
	RoleRemoves       []roleCall
	Embeds            []sentEmbed
	Messages          []sentMessage
	DirectMessages    []sentMessage
	StatusUpdates     []discordgo.UpdateStatusData
	CustomStatuses    []string
	Identify          []discordgo.Identify
	Commands          []*discordgo.ApplicationCommand
	Opens             int
	Closes            int

	handlers []any
}

func newMockDiscordSession() *mockDiscordSession {
	m := &mockDiscordSession{
		logLevel:      &slog.LevelVar{},
		guilds:        map[string]*discordgo.Guild{},
		roles:         map[string][]*discordgo.Role{},
		channels:      map[string][]*discordgo.Channel{},
		members:       map[string]*discordgo.Member{},
		bans:          map[string]*discordgo.GuildBan{},
		auditLogs:     map[string][]*discordgo.GuildAuditLog{},
		dmDisabled:    map[string]bool{},
		channelErrors: map[string]error{},
		errs:          map[string]error{},
	}
	m.logLevel.Set(slog.LevelWarn)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func memberKey(guildID, userID string) string {
	return guildID + "/" + userID
}

// newModerationGuild adds a guild to m, owned by testOwnerID, where
// testAdminID outranks testModeratorID, who outranks testTargetID.
// The guild has three text channels and one voice channel.
func newModerationGuild(t testing.TB, m *mockDiscordSession) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.guilds[testGuildID] = &discordgo.Guild{
		ID:      testGuildID,
		Name:    "Test Guild",
		OwnerID: testOwnerID,
	}
	m.roles[testGuildID] = []*discordgo.Role{
		{ID: testGuildID, Name: "@everyone", Position: 0},
		{ID: testMemberRoleID, Name: "Member", Position: 1},
		{ID: testModRoleID, Name: "Moderator", Position: 10},
		{ID: testAdminRoleID, Name: "Admin", Position: 20},
	}
	m.channels[testGuildID] = []*discordgo.Channel{
		{ID: testTextChannel1, GuildID: testGuildID, Type: discordgo.ChannelTypeGuildText},
		{ID: testTextChannel2, GuildID: testGuildID, Type: discordgo.ChannelTypeGuildText},
		{ID: testTextChannel3, GuildID: testGuildID, Type: discordgo.ChannelTypeGuildNews},
		{ID: testVoiceChannel, GuildID: testGuildID, Type: discordgo.ChannelTypeGuildVoice},
	}
	for _, member := range []*discordgo.Member{
		{User: testUser(testOwnerID, "owner")},
		{User: testUser(testAdminID, "admin"), Roles: []string{testAdminRoleID}},
		{User: testUser(testModeratorID, "moderator"), Roles: []string{testModRoleID}},
		{User: testUser(testTargetID, "target"), Roles: []string{testMemberRoleID}},
	} {
		member.GuildID = testGuildID
		m.members[memberKey(testGuildID, member.User.ID)] = member
	}
}

func testUser(id string, name string) *discordgo.User {
	return &discordgo.User{ID: id, Username: name, GlobalName: name}
}

// newDiscordUser creates a new discordgo.User with the test name
// included in the username and global name
func newDiscordUser(t testing.TB, id string) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         id,
		Username:   fmt.Sprintf("u_%s", t.Name()),
		GlobalName: fmt.Sprintf("g_%s", t.Name()),
	}
}

func (m *mockDiscordSession) err(method string) error {
	return m.errs[method]
}

// setErr makes the named method fail with err
func (m *mockDiscordSession) setErr(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

func (m *mockDiscordSession) setAuditLogs(guildID string, logs ...*discordgo.GuildAuditLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLogs[guildID] = logs
}

func (m *mockDiscordSession) addBan(guildID string, user *discordgo.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[memberKey(guildID, user.ID)] = &discordgo.GuildBan{User: user}
	delete(m.members, memberKey(guildID, user.ID))
}

func (m *mockDiscordSession) embeds() []sentEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Embeds)
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opens++
	m.logger.Info("opened session")
	return m.err("Open")
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closes++
	m.logger.Info("closed session")
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	idx := len(m.handlers) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.handlers) {
			m.handlers[idx] = nil
		}
	}
}

// dispatch calls every registered handler accepting the event type,
// like discordgo does when an event arrives
func dispatch[T any](m *mockDiscordSession, event T) int {
	m.mu.Lock()
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()

	called := 0
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, T)); ok {
			fn(nil, event)
			called++
		}
	}
	return called
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.logLevel.Set(lvl)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Identify = append(m.Identify, i)
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CustomStatuses = append(m.CustomStatuses, status)
	return nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusUpdates = append(m.StatusUpdates, data)
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ApplicationCommandBulkOverwrite"); err != nil {
		return nil, err
	}
	m.Commands = commands
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg := &discordgo.Message{}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelMessageSend"); err != nil {
		return nil, err
	}
	if userID, ok := dmRecipient(channelID); ok {
		m.DirectMessages = append(
			m.DirectMessages,
			sentMessage{ChannelID: userID, Content: message},
		)
	} else {
		m.Messages = append(m.Messages, sentMessage{ChannelID: channelID, Content: message})
	}
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ChannelMessageSendEmbed"); err != nil {
		return nil, err
	}
	m.Embeds = append(m.Embeds, sentEmbed{ChannelID: channelID, Embed: embed})
	return &discordgo.Message{
		ChannelID: channelID,
		Embeds:    []*discordgo.MessageEmbed{embed},
	}, nil
}

const dmChannelPrefix = "dm-"

func dmRecipient(channelID string) (string, bool) {
	if len(channelID) > len(dmChannelPrefix) && channelID[:len(dmChannelPrefix)] == dmChannelPrefix {
		return channelID[len(dmChannelPrefix):], true
	}
	return "", false
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmDisabled[recipientID] {
		return nil, &discordgo.RESTError{
			Response: &http.Response{StatusCode: http.StatusForbidden},
			Message:  &discordgo.APIErrorMessage{Code: 50007, Message: "Cannot send messages to this user"},
		}
	}
	return &discordgo.Channel{ID: dmChannelPrefix + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Guild"); err != nil {
		return nil, err
	}
	g, ok := m.guilds[guildID]
	if !ok {
		return nil, errDiscordNotFound
	}
	return g, nil
}

func (m *mockDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildRoles"); err != nil {
		return nil, err
	}
	return slices.Clone(m.roles[guildID]), nil
}

func (m *mockDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildChannels"); err != nil {
		return nil, err
	}
	channels := make([]*discordgo.Channel, 0, len(m.channels[guildID]))
	for _, ch := range m.channels[guildID] {
		c := *ch
		c.PermissionOverwrites = make([]*discordgo.PermissionOverwrite, 0, len(ch.PermissionOverwrites))
		for _, ow := range ch.PermissionOverwrites {
			owCopy := *ow
			c.PermissionOverwrites = append(c.PermissionOverwrites, &owCopy)
		}
		channels = append(channels, &c)
	}
	return channels, nil
}

func (m *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMember"); err != nil {
		return nil, err
	}
	member, ok := m.members[memberKey(guildID, userID)]
	if !ok {
		return nil, errDiscordNotFound
	}
	c := *member
	c.Roles = slices.Clone(member.Roles)
	return &c, nil
}

func (m *mockDiscordSession) GuildBan(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.GuildBan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildBan"); err != nil {
		return nil, err
	}
	ban, ok := m.bans[memberKey(guildID, userID)]
	if !ok {
		return nil, errDiscordNotFound
	}
	return ban, nil
}

func (m *mockDiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildBanCreateWithReason"); err != nil {
		return err
	}
	m.BanCalls = append(
		m.BanCalls,
		banCall{GuildID: guildID, UserID: userID, Reason: reason, Days: days},
	)
	user := &discordgo.User{ID: userID}
	if member, ok := m.members[memberKey(guildID, userID)]; ok {
		user = member.User
	}
	m.bans[memberKey(guildID, userID)] = &discordgo.GuildBan{User: user, Reason: reason}
	delete(m.members, memberKey(guildID, userID))
	return nil
}

func (m *mockDiscordSession) GuildBanDelete(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildBanDelete"); err != nil {
		return err
	}
	m.UnbanCalls = append(m.UnbanCalls, memberCall{GuildID: guildID, UserID: userID})
	delete(m.bans, memberKey(guildID, userID))
	return nil
}

func (m *mockDiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberDeleteWithReason"); err != nil {
		return err
	}
	m.KickCalls = append(m.KickCalls, memberCall{GuildID: guildID, UserID: userID, Reason: reason})
	delete(m.members, memberKey(guildID, userID))
	return nil
}

func (m *mockDiscordSession) GuildMemberMute(
	guildID string,
	userID string,
	mute bool,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberMute"); err != nil {
		return err
	}
	m.VoiceMuteCalls = append(m.VoiceMuteCalls, memberCall{GuildID: guildID, UserID: userID})
	if member, ok := m.members[memberKey(guildID, userID)]; ok {
		member.Mute = mute
	}
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberRoleAdd"); err != nil {
		return err
	}
	m.RoleAdds = append(m.RoleAdds, roleCall{GuildID: guildID, UserID: userID, RoleID: roleID})
	if member, ok := m.members[memberKey(guildID, userID)]; ok {
		member.Roles = append(member.Roles, roleID)
	}
	return nil
}

func (m *mockDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GuildMemberRoleRemove"); err != nil {
		return err
	}
	m.RoleRemoves = append(m.RoleRemoves, roleCall{GuildID: guildID, UserID: userID, RoleID: roleID})
	if member, ok := m.members[memberKey(guildID, userID)]; ok {
		member.Roles = slices.DeleteFunc(member.Roles, func(r string) bool { return r == roleID })
	}
	return nil
}

func (m *mockDiscordSession) findChannel(channelID string) *discordgo.Channel {
	for _, channels := range m.channels {
		for _, ch := range channels {
			if ch.ID == channelID {
				return ch
			}
		}
	}
	return nil
}

func (m *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.channelErrors[channelID]; err != nil {
		return err
	}
	m.PermissionSets = append(
		m.PermissionSets,
		permissionCall{ChannelID: channelID, TargetID: targetID, Allow: allow, Deny: deny},
	)
	ch := m.findChannel(channelID)
	if ch == nil {
		return errDiscordNotFound
	}
	for _, ow := range ch.PermissionOverwrites {
		if ow.ID == targetID {
			ow.Allow, ow.Deny = allow, deny
			return nil
		}
	}
	ch.PermissionOverwrites = append(
		ch.PermissionOverwrites,
		&discordgo.PermissionOverwrite{ID: targetID, Type: targetType, Allow: allow, Deny: deny},
	)
	return nil
}

func (m *mockDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.channelErrors[channelID]; err != nil {
		return err
	}
	m.PermissionDeletes = append(
		m.PermissionDeletes,
		permissionCall{ChannelID: channelID, TargetID: targetID},
	)
	ch := m.findChannel(channelID)
	if ch == nil {
		return errDiscordNotFound
	}
	ch.PermissionOverwrites = slices.DeleteFunc(
		ch.PermissionOverwrites,
		func(ow *discordgo.PermissionOverwrite) bool { return ow.ID == targetID },
	)
	return nil
}

func (m *mockDiscordSession) GuildAuditLog(
	guildID string,
	_ string,
	_ string,
	actionType int,
	limit int,
	_ ...discordgo.RequestOption,
) (*discordgo.GuildAuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.auditLogCalls
	m.auditLogCalls++
	if err := m.err("GuildAuditLog"); err != nil {
		return nil, err
	}
	logs := m.auditLogs[guildID]
	if len(logs) == 0 {
		return &discordgo.GuildAuditLog{}, nil
	}
	auditLog := logs[min(call, len(logs)-1)]

	rv := &discordgo.GuildAuditLog{Users: auditLog.Users}
	for _, e := range auditLog.AuditLogEntries {
		if e.ActionType != nil && int(*e.ActionType) == actionType {
			rv.AuditLogEntries = append(rv.AuditLogEntries, e)
		}
		if len(rv.AuditLogEntries) == limit {
			break
		}
	}
	return rv, nil
}

func newAuditEntry(
	action discordgo.AuditLogAction,
	actorID string,
	targetID string,
	reason string,
) *discordgo.AuditLogEntry {
	return &discordgo.AuditLogEntry{
		ActionType: &action,
		UserID:     actorID,
		TargetID:   targetID,
		Reason:     reason,
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errDiscordNotFound))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", errDiscordNotFound)))
	assert.False(t, isNotFound(errors.New("not found")))
	assert.False(
		t,
		isNotFound(&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}),
	)
	assert.False(t, isNotFound(&discordgo.RESTError{}))
}

func TestGetDiscordUser(t *testing.T) {
	u := newDiscordUser(t, testModeratorID)

	fromMember := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: u}},
	}
	assert.Equal(t, u, getDiscordUser(fromMember))

	fromUser := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Equal(t, u, getDiscordUser(fromUser))

	none := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(none))
}

func TestDiscord_RegisterCommands(t *testing.T) {
	session := newMockDiscordSession()
	cfg := DefaultConfig()
	cfg.Discord.ApplicationID = testAppID
	cfg.Discord.GuildID = testGuildID

	disc := newDiscord(cfg.Discord)
	disc.logger = slog.Default()
	disc.session = session

	cmds, err := disc.registerCommands()
	require.NoError(t, err)
	require.Len(t, cmds, len(moderationCommands()))

	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
		assert.NotNil(t, c.DefaultMemberPermissions, c.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandBan,
			DiscordSlashCommandUnban,
			DiscordSlashCommandKick,
			DiscordSlashCommandMute,
			DiscordSlashCommandUnmute,
			DiscordSlashCommandVoiceMute,
			DiscordSlashCommandRole,
			DiscordSlashCommandCase,
		},
		names,
	)

	session.setErr("ApplicationCommandBulkOverwrite", errors.New("nope"))
	_, err = disc.registerCommands()
	require.Error(t, err)
}
