package dismod

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"slices"
	"testing"
	"time"
)

// waitForNextCase waits until the guild's next case ID is want
func waitForNextCase(t testing.TB, bot *DisMod, guildID string, want int64) {
	t.Helper()
	require.Eventually(
		t, func() bool {
			next, err := bot.ledger.NextCaseID(context.Background(), guildID)
			return err == nil && next == want
		},
		10*time.Second,
		10*time.Millisecond,
	)
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Messages)
}

// TestRun covers a ban issued by slash command, followed by the
// gateway event for the same ban, and a ban made outside the bot,
// all received through the gateway handlers
func TestRun(t *testing.T) {
	ctx := context.Background()
	bot, session := newDisMod(t)

	session.mu.Lock()
	assert.Equal(t, 1, session.Opens)
	require.Len(t, session.Identify, 1)
	assert.Equal(t, bot.config.Discord.GatewayIntents, session.Identify[0].Intents)
	session.mu.Unlock()

	target := testUser(testTargetID, "target")
	called := dispatch(
		session,
		newCommandInteraction(
			testUser(testModeratorID, "moderator"),
			DiscordSlashCommandBan,
			[]*discordgo.User{target},
			userOption(testTargetID),
			stringOption(commandOptionReason, "spam"),
		),
	)
	require.Equal(t, 1, called)

	require.Eventually(
		t, func() bool {
			session.mu.Lock()
			defer session.mu.Unlock()
			return len(session.BanCalls) == 1
		},
		10*time.Second,
		10*time.Millisecond,
	)
	waitForNextCase(t, bot, testGuildID, 2)

	// the gateway echo of the command's ban doesn't create another case
	require.Equal(
		t,
		1,
		dispatch(session, &discordgo.GuildBanAdd{User: target, GuildID: testGuildID}),
	)

	session.setAuditLogs(
		testGuildID,
		&discordgo.GuildAuditLog{
			Users: []*discordgo.User{testUser(testAdminID, "admin")},
			AuditLogEntries: []*discordgo.AuditLogEntry{
				newAuditEntry(discordgo.AuditLogActionMemberBanAdd, testAdminID, testOutsiderID, "raid"),
			},
		},
	)
	dispatch(
		session,
		&discordgo.GuildBanAdd{User: testUser(testOutsiderID, "outsider"), GuildID: testGuildID},
	)
	waitForNextCase(t, bot, testGuildID, 3)

	first, err := bot.ledger.Get(ctx, testGuildID, 1)
	require.NoError(t, err)
	assert.Equal(t, testTargetID, first.TargetUserID)
	assert.Equal(t, testModeratorID, first.ActorUserID)
	assert.Equal(t, CaseSourceCommand, first.Source)

	second, err := bot.ledger.Get(ctx, testGuildID, 2)
	require.NoError(t, err)
	assert.Equal(t, testOutsiderID, second.TargetUserID)
	assert.Equal(t, testAdminID, second.ActorUserID)
	assert.Equal(t, CaseSourceEvent, second.Source)

	var logged int64
	require.NoError(t, bot.db.Model(&InteractionLog{}).Count(&logged).Error)
	assert.Equal(t, int64(1), logged)
}

func TestRun_PausedStillReconciles(t *testing.T) {
	bot, session := newDisMod(t)

	bot.cfgMu.Lock()
	bot.runtimeConfig.Paused = true
	bot.cfgMu.Unlock()

	dispatch(
		session,
		newCommandInteraction(
			testUser(testModeratorID, "moderator"),
			DiscordSlashCommandKick,
			[]*discordgo.User{testUser(testTargetID, "target")},
			userOption(testTargetID),
		),
	)
	dispatch(
		session,
		&discordgo.GuildBanAdd{User: testUser(testOutsiderID, "outsider"), GuildID: testGuildID},
	)
	waitForNextCase(t, bot, testGuildID, 2)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.KickCalls)
}

func TestRun_MemberEvents(t *testing.T) {
	ctx := context.Background()
	bot, session := newDisMod(t)

	require.NoError(
		t,
		bot.settings.Put(
			ctx,
			&GuildSettings{
				GuildID:          testGuildID,
				WelcomeChannelID: testWelcomeChan,
				WelcomeMessage:   "Welcome {user}!",
				LeaveMessage:     "Bye {user}",
			},
		),
	)

	user := testUser(testOutsiderID, "outsider")
	dispatch(
		session,
		&discordgo.GuildMemberAdd{Member: &discordgo.Member{GuildID: testGuildID, User: user}},
	)
	dispatch(
		session,
		&discordgo.GuildMemberRemove{Member: &discordgo.Member{GuildID: testGuildID, User: user}},
	)

	require.Eventually(
		t, func() bool {
			return len(session.sentMessages()) == 2
		},
		10*time.Second,
		10*time.Millisecond,
	)
	contents := []string{}
	for _, m := range session.sentMessages() {
		assert.Equal(t, testWelcomeChan, m.ChannelID)
		contents = append(contents, m.Content)
	}
	assert.ElementsMatch(
		t,
		[]string{"Welcome <@" + testOutsiderID + ">!", "Bye <@" + testOutsiderID + ">"},
		contents,
	)
}

func TestRun_RuntimeConfigReload(t *testing.T) {
	ctx := context.Background()
	bot, session := newDisMod(t)

	current := bot.RuntimeConfig()
	require.NoError(
		t,
		bot.db.Model(&current).Updates(
			map[string]any{
				columnRuntimeConfigPaused: true,
				"moderation_log_level":    DBLogLevelError,
			},
		).Error,
	)
	assert.False(t, bot.RuntimeConfig().Paused)

	require.True(t, bot.dbNotifier.ReloadRuntimeConfig(ctx))
	require.Eventually(
		t, func() bool {
			return bot.RuntimeConfig().Paused
		},
		10*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, DBLogLevelError, bot.RuntimeConfig().ModerationLogLevel)
	require.Eventually(
		t, func() bool {
			return bot.config.Moderation.LogLevel.Level() == DBLogLevelError.Level()
		},
		10*time.Second,
		10*time.Millisecond,
	)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.NotEmpty(t, session.StatusUpdates)
	assert.Equal(
		t,
		string(discordgo.StatusDoNotDisturb),
		session.StatusUpdates[len(session.StatusUpdates)-1].Status,
	)
}

func TestRun_SettingsNotification(t *testing.T) {
	ctx := context.Background()
	bot, _ := newDisMod(t)
	bot.settings.ttl = time.Hour

	settings, err := bot.settings.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	require.Nil(t, settings)

	// written by another instance
	require.NoError(
		t,
		bot.db.Create(&GuildSettings{GuildID: testGuildID, ModerationChannelID: testModLogChannel}).Error,
	)
	require.True(t, bot.dbNotifier.SettingsUpdated(ctx, testGuildID))

	require.Eventually(
		t, func() bool {
			s, e := bot.settings.GuildSettings(ctx, testGuildID)
			return e == nil && s != nil && s.ModLogEnabled()
		},
		10*time.Second,
		10*time.Millisecond,
	)
}

func TestDisMod_New_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "invalid database type")
}

func TestDisMod_New_InvalidDedupBackend(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Dedup.Backend = DedupBackendRedis
	cfg.Dedup.RedisURL = "redis://127.0.0.1:1/0"
	_, err := New(cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "dedup cache")
}
