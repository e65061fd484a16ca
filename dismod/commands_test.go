package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync/atomic"
	"testing"
	"time"
)

var interactionSeq atomic.Int64

func userOption(userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  commandOptionUser,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func roleOption(roleID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  commandOptionRole,
		Type:  discordgo.ApplicationCommandOptionRole,
		Value: roleID,
	}
}

// newCommandInteraction returns a slash command interaction from
// the member in testGuildID. Users passed as resolved are included in
// the interaction's resolved data.
func newCommandInteraction(
	user *discordgo.User,
	name string,
	resolved []*discordgo.User,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	data := discordgo.ApplicationCommandInteractionData{
		ID:          "600000000000000001",
		Name:        name,
		CommandType: discordgo.ChatApplicationCommand,
		Options:     options,
	}
	if len(resolved) > 0 {
		data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
			Users: map[string]*discordgo.User{},
		}
		for _, u := range resolved {
			data.Resolved.Users[u.ID] = u
		}
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("7000000000000%05d", interactionSeq.Add(1)),
			AppID:     testAppID,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testTextChannel1,
			Member:    &discordgo.Member{User: user, GuildID: testGuildID},
			Data:      data,
			Context:   discordgo.InteractionContextGuild,
		},
	}
}

func TestParseAction(t *testing.T) {
	target := testUser(testTargetID, "target")
	moderator := testUser(testModeratorID, "moderator")

	tests := []struct {
		name        string
		interaction *discordgo.InteractionCreate
		want        Action
		wantReason  string
	}{
		{
			name: "ban",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandBan,
				[]*discordgo.User{target},
				userOption(testTargetID),
				stringOption(commandOptionReason, "  spam "),
				intOption(commandOptionPruneDays, 1),
			),
			want:       BanAction{Target: target, PruneDays: 1},
			wantReason: "spam",
		},
		{
			name: "unban by ID",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandUnban,
				nil,
				stringOption(commandOptionUserID, " "+testTargetID+" "),
			),
			want: UnbanAction{Target: &discordgo.User{ID: testTargetID}},
		},
		{
			name: "kick unresolved",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandKick,
				nil,
				userOption(testTargetID),
			),
			want: KickAction{Target: &discordgo.User{ID: testTargetID}},
		},
		{
			name: "mute",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandMute,
				[]*discordgo.User{target},
				userOption(testTargetID),
			),
			want: MuteAction{Target: target},
		},
		{
			name: "unmute",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandUnmute,
				[]*discordgo.User{target},
				userOption(testTargetID),
				stringOption(commandOptionReason, "   "),
			),
			want: UnmuteAction{Target: target},
		},
		{
			name: "voice unmute",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandVoiceMute,
				[]*discordgo.User{target},
				userOption(testTargetID),
				boolOption(commandOptionMuted, false),
			),
			want: VoiceMuteAction{Target: target, Mute: false},
		},
		{
			name: "role remove",
			interaction: newCommandInteraction(
				moderator,
				DiscordSlashCommandRole,
				[]*discordgo.User{target},
				userOption(testTargetID),
				roleOption(testMemberRoleID),
				boolOption(commandOptionAdd, false),
			),
			want: RoleUpdateAction{Target: target, RoleID: testMemberRoleID, Add: false},
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				action, reason, err := parseAction(tc.interaction)
				require.NoError(t, err)
				assert.Equal(t, tc.want, action)
				if tc.wantReason == "" {
					assert.Nil(t, reason)
				} else {
					require.NotNil(t, reason)
					assert.Equal(t, tc.wantReason, *reason)
				}
			},
		)
	}
}

func TestParseAction_Errors(t *testing.T) {
	moderator := testUser(testModeratorID, "moderator")

	_, _, err := parseAction(newCommandInteraction(moderator, DiscordSlashCommandBan, nil))
	require.ErrorIs(t, err, errMissingOption)

	_, _, err = parseAction(newCommandInteraction(moderator, DiscordSlashCommandUnban, nil))
	require.ErrorIs(t, err, errMissingOption)

	_, _, err = parseAction(
		newCommandInteraction(moderator, DiscordSlashCommandRole, nil, userOption(testTargetID)),
	)
	require.ErrorIs(t, err, errMissingOption)

	_, _, err = parseAction(newCommandInteraction(moderator, "warn", nil, userOption(testTargetID)))
	require.ErrorIs(t, err, errUnknownCommand)
}

func TestCommandReply(t *testing.T) {
	target := testUser(testTargetID, "target")

	tests := []struct {
		name   string
		action Action
		result *ActionResult
		err    error
		want   string
	}{
		{
			name:   "case",
			action: BanAction{Target: target},
			result: &ActionResult{Case: &ModCase{CaseID: 4}},
			want:   "Banned target (case #4).",
		},
		{
			name:   "notice",
			action: UnbanAction{Target: &discordgo.User{ID: testTargetID}},
			result: &ActionResult{Notice: &ModLogNotice{Kind: NoticeUnban}},
			want:   "Unbanned <@" + testTargetID + ">.",
		},
		{
			name:   "role",
			action: RoleUpdateAction{Target: target, RoleID: testMemberRoleID, Add: true},
			result: &ActionResult{Notice: &ModLogNotice{Kind: NoticeRoleAdded}},
			want:   "Added <@&" + testMemberRoleID + "> to target.",
		},
		{
			name:   "voice unmute",
			action: VoiceMuteAction{Target: target},
			result: &ActionResult{Notice: &ModLogNotice{Kind: NoticeVoiceUnmute}},
			want:   "Voice unmuted target.",
		},
		{
			name:   "best effort failures",
			action: MuteAction{Target: target},
			result: &ActionResult{
				Case: &ModCase{CaseID: 2},
				BestEffort: []BestEffortFailure{
					{Step: stepChannelPrefix + testTextChannel2, Err: errors.New("forbidden")},
					{Step: stepDirectMessage, Err: errors.New("forbidden")},
				},
			},
			want: "Muted target (case #2).\nWarning: channel " + testTextChannel2 +
				" failed\nWarning: direct message failed",
		},
		{
			name:   "case not recorded",
			action: KickAction{Target: target},
			result: &ActionResult{},
			err:    fmt.Errorf("%w: disk full", ErrCaseNotRecorded),
			want:   "Kicked target.\nThe case could not be recorded.",
		},
		{
			name:   "domain error",
			action: BanAction{Target: target},
			err:    ErrAlreadyBanned,
			want:   "User is already banned",
		},
		{
			name:   "unexpected error",
			action: BanAction{Target: target},
			err:    errors.New("gateway timeout"),
			want:   "",
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.want, commandReply(tc.action, tc.result, tc.err))
			},
		)
	}
}

func TestModerationCommands(t *testing.T) {
	commands := moderationCommands()
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, cmd.Name)
		require.NotNil(t, cmd.DefaultMemberPermissions, cmd.Name)
		require.NotNil(t, cmd.DMPermission)
		assert.False(t, *cmd.DMPermission)
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
}

// runInteraction handles i synchronously, returning the handler that
// recorded the responses
func runInteraction(
	t testing.TB,
	bot *DisMod,
	session *mockDiscordSession,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	handler := newStubInteractionHandler(session, i, bot.logger)
	bot.handleInteraction(context.Background(), handler)
	return handler
}

func TestHandleInteraction_Ban(t *testing.T) {
	bot, session := newDisMod(t)
	moderator := testUser(testModeratorID, "moderator")
	target := testUser(testTargetID, "target")

	handler := runInteraction(
		t,
		bot,
		session,
		newCommandInteraction(
			moderator,
			DiscordSlashCommandBan,
			[]*discordgo.User{target},
			userOption(testTargetID),
			stringOption(commandOptionReason, "spam"),
			intOption(commandOptionPruneDays, 1),
		),
	)

	ack := <-handler.callRespond
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, ack.Type)
	assert.Equal(t, "Banned target (case #1).", handler.editContent(t))

	c, err := bot.ledger.Get(context.Background(), testGuildID, 1)
	require.NoError(t, err)
	assert.Equal(t, testModeratorID, c.ActorUserID)
	require.NotNil(t, c.Reason)
	assert.Equal(t, "spam", *c.Reason)

	var logged int64
	require.NoError(t, bot.db.Model(&InteractionLog{}).Count(&logged).Error)
	assert.Equal(t, int64(1), logged)

	t.Run(
		"case lookup", func(t *testing.T) {
			lookup := runInteraction(
				t,
				bot,
				session,
				newCommandInteraction(moderator, DiscordSlashCommandCase, nil, intOption(commandOptionNumber, 1)),
			)
			<-lookup.callRespond
			edit := <-lookup.callEdit
			require.NotNil(t, edit.Embeds)
			require.Len(t, *edit.Embeds, 1)
			assert.Equal(t, "Case #1 | Ban", (*edit.Embeds)[0].Title)

			missing := runInteraction(
				t,
				bot,
				session,
				newCommandInteraction(moderator, DiscordSlashCommandCase, nil, intOption(commandOptionNumber, 9)),
			)
			assert.Equal(t, "Case #9 not found. The next case will be #2.", missing.editContent(t))
		},
	)

	t.Run(
		"domain error", func(t *testing.T) {
			again := runInteraction(
				t,
				bot,
				session,
				newCommandInteraction(
					moderator,
					DiscordSlashCommandBan,
					nil,
					userOption(testTargetID),
				),
			)
			assert.Equal(t, "User is already banned", again.editContent(t))
		},
	)
}

func TestHandleInteraction_Paused(t *testing.T) {
	bot, session := newDisMod(t)
	bot.cfgMu.Lock()
	bot.runtimeConfig.Paused = true
	bot.cfgMu.Unlock()

	handler := runInteraction(
		t,
		bot,
		session,
		newCommandInteraction(
			testUser(testModeratorID, "moderator"),
			DiscordSlashCommandKick,
			nil,
			userOption(testTargetID),
		),
	)
	assert.Equal(t, pausedMessage, handler.editContent(t))
	assert.Empty(t, session.KickCalls)
}

func TestHandleInteraction_NotInGuild(t *testing.T) {
	bot, session := newDisMod(t)
	i := newCommandInteraction(
		testUser(testModeratorID, "moderator"),
		DiscordSlashCommandKick,
		nil,
		userOption(testTargetID),
	)
	i.GuildID = ""
	i.Member = nil
	i.User = testUser(testModeratorID, "moderator")

	handler := runInteraction(t, bot, session, i)
	assert.Equal(t, capitalize(errNotInGuild.Error()), handler.editContent(t))
	assert.Equal(t, "This command can only be used in a server", handler.editContent(t))
}

func TestHandleInteraction_UnexpectedError(t *testing.T) {
	bot, session := newDisMod(t)
	session.setErr("GuildMemberDeleteWithReason", errors.New("missing permissions"))

	handler := runInteraction(
		t,
		bot,
		session,
		newCommandInteraction(
			testUser(testModeratorID, "moderator"),
			DiscordSlashCommandKick,
			nil,
			userOption(testTargetID),
		),
	)
	assert.Equal(t, bot.RuntimeConfig().DiscordErrorMessage, handler.editContent(t))
}

func TestHandleInteraction_DirectMessageWarning(t *testing.T) {
	bot, session := newDisMod(t)
	session.mu.Lock()
	session.dmDisabled[testTargetID] = true
	session.mu.Unlock()

	handler := runInteraction(
		t,
		bot,
		session,
		newCommandInteraction(
			testUser(testModeratorID, "moderator"),
			DiscordSlashCommandKick,
			[]*discordgo.User{testUser(testTargetID, "target")},
			userOption(testTargetID),
		),
	)
	assert.Equal(
		t,
		"Kicked target (case #1).\nWarning: direct message failed",
		handler.editContent(t),
	)
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	bot, session := newDisMod(t)
	botUser := testUser(testOutsiderID, "bot")
	botUser.Bot = true

	handler := runInteraction(
		t,
		bot,
		session,
		newCommandInteraction(botUser, DiscordSlashCommandKick, nil, userOption(testTargetID)),
	)
	select {
	case r := <-handler.callRespond:
		t.Fatalf("unexpected response: %#v", r)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, session.KickCalls)
}

func TestHandleInteraction_Ping(t *testing.T) {
	bot, session := newDisMod(t)
	i := newCommandInteraction(testUser(testModeratorID, "moderator"), DiscordSlashCommandKick, nil)
	i.Type = discordgo.InteractionPing
	i.Data = nil

	handler := runInteraction(t, bot, session, i)
	resp := <-handler.callRespond
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}
