package dismod

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

// recordingNotifier records settings notifications
type recordingNotifier struct {
	mu      sync.Mutex
	updated []string
	reloads int
	stops   int
}

func (*recordingNotifier) ID() string         { return "recording" }
func (*recordingNotifier) Channels() []string { return nil }

func (*recordingNotifier) Listen(ctx context.Context, _ string) error {
	<-ctx.Done()
	return nil
}

func (r *recordingNotifier) SettingsUpdated(_ context.Context, guildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, guildID)
	return true
}

func (r *recordingNotifier) ReloadRuntimeConfig(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
	return true
}

func (r *recordingNotifier) Stop(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return true
}

func TestSettingsStore(t *testing.T) {
	ctx := context.Background()
	db, writeDB := newTestDB(t)
	notifier := &recordingNotifier{}
	store := NewSettingsStore(db, writeDB, notifier, time.Hour, testLogger(t))

	settings, err := store.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Nil(t, settings)

	require.NoError(
		t, store.Put(
			ctx, &GuildSettings{
				GuildID:             testGuildID,
				ModerationChannelID: testModLogChannel,
				WelcomeChannelID:    testWelcomeChan,
				WelcomeMessage:      "welcome {user} to {guild}",
				JoinRoleName:        "member",
			},
		),
	)
	assert.Equal(t, []string{testGuildID}, notifier.updated)

	settings, err = store.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, testModLogChannel, settings.ModerationChannelID)
	assert.True(t, settings.ModLogEnabled())
	assert.True(t, settings.WelcomeEnabled())
	assert.NotZero(t, settings.CreatedAt)

	t.Run(
		"put replaces", func(t *testing.T) {
			require.NoError(
				t, store.Put(
					ctx, &GuildSettings{
						GuildID:             testGuildID,
						ModerationChannelID: disabledChannelID,
					},
				),
			)
			updated, e := store.GuildSettings(ctx, testGuildID)
			require.NoError(t, e)
			require.NotNil(t, updated)
			assert.False(t, updated.ModLogEnabled())
			assert.False(t, updated.WelcomeEnabled())
			assert.Empty(t, updated.WelcomeMessage)
			assert.Empty(t, updated.JoinRoleName)

			var count int64
			require.NoError(t, db.Model(&GuildSettings{}).Count(&count).Error)
			assert.Equal(t, int64(1), count)
		},
	)

	t.Run(
		"missing guild ID", func(t *testing.T) {
			require.Error(t, store.Put(ctx, &GuildSettings{}))
		},
	)
}

func TestSettingsStore_Cache(t *testing.T) {
	ctx := context.Background()
	db, writeDB := newTestDB(t)
	store := NewSettingsStore(db, writeDB, nil, time.Minute, testLogger(t))
	clock := newFakeClock()
	store.now = clock.Now

	require.NoError(
		t,
		db.Create(&GuildSettings{GuildID: testGuildID, ModerationChannelID: testModLogChannel}).Error,
	)
	settings, err := store.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	require.NotNil(t, settings)

	// changed underneath the cache, like another instance would
	require.NoError(
		t,
		db.Model(&GuildSettings{}).
			Where("guild_id = ?", testGuildID).
			Update("moderation_channel_id", testTextChannel1).Error,
	)

	settings, err = store.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testModLogChannel, settings.ModerationChannelID)

	clock.Advance(time.Minute)
	settings, err = store.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testTextChannel1, settings.ModerationChannelID)

	t.Run(
		"absent settings cached", func(t *testing.T) {
			other := "100000000000000099"
			missing, e := store.GuildSettings(ctx, other)
			require.NoError(t, e)
			assert.Nil(t, missing)

			require.NoError(t, db.Create(&GuildSettings{GuildID: other}).Error)
			missing, e = store.GuildSettings(ctx, other)
			require.NoError(t, e)
			assert.Nil(t, missing)

			store.Invalidate(other)
			found, e := store.GuildSettings(ctx, other)
			require.NoError(t, e)
			assert.NotNil(t, found)
		},
	)
}

func TestSettingsStore_Listen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, writeDB := newTestDB(t)
	store := NewSettingsStore(db, writeDB, nil, time.Hour, testLogger(t))

	settings, err := store.GuildSettings(ctx, testGuildID)
	require.NoError(t, err)
	assert.Nil(t, settings)

	require.NoError(
		t,
		db.Create(&GuildSettings{GuildID: testGuildID, ModerationChannelID: testModLogChannel}).Error,
	)

	updated := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.listen(ctx, updated)
	}()
	updated <- testGuildID

	require.Eventually(
		t, func() bool {
			s, e := store.GuildSettings(ctx, testGuildID)
			return e == nil && s != nil
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listen didn't return")
	}
}

func TestRenderMemberTemplate(t *testing.T) {
	assert.Equal(
		t,
		"hi <@1>, welcome to Test Guild! <@1>",
		renderMemberTemplate("hi {user}, welcome to {guild}! {user}", "<@1>", "Test Guild"),
	)
	assert.Equal(t, "no placeholders", renderMemberTemplate("no placeholders", "u", "g"))
}
