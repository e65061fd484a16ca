package dismod

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestSQLiteNotifier(t *testing.T) {
	_, writeDB := newTestDB(t)
	sinks := newNotifySinks()
	ctx := context.Background()

	notifier, err := newDBNotifier(dbTypeSQLite, "", writeDB, sinks, testLogger(t))
	require.NoError(t, err)
	assert.NotEmpty(t, notifier.ID())
	assert.Empty(t, notifier.Channels())
	require.NoError(t, notifier.Listen(ctx, postgresNotifyChannelStop))

	assert.True(t, notifier.SettingsUpdated(ctx, testGuildID))
	select {
	case guildID := <-sinks.settingsUpdated:
		assert.Equal(t, testGuildID, guildID)
	default:
		t.Fatal("expected a settings notification")
	}

	for i := 0; i < cap(sinks.settingsUpdated); i++ {
		require.True(t, notifier.SettingsUpdated(ctx, testGuildID))
	}
	assert.False(t, notifier.SettingsUpdated(ctx, testGuildID))
	for len(sinks.settingsUpdated) > 0 {
		<-sinks.settingsUpdated
	}

	// a pending reload absorbs repeated notifications, without blocking
	assert.True(t, notifier.ReloadRuntimeConfig(ctx))
	assert.True(t, notifier.ReloadRuntimeConfig(ctx))
	assert.True(t, <-sinks.runtimeConfig)
	select {
	case <-sinks.runtimeConfig:
		t.Fatal("expected a single pending reload")
	default:
	}

	assert.True(t, notifier.Stop(ctx))
	select {
	case <-sinks.stop:
	case <-time.After(time.Second):
		t.Fatal("expected stop signal")
	}
}

func TestNewDBNotifier_InvalidType(t *testing.T) {
	_, writeDB := newTestDB(t)
	_, err := newDBNotifier("mysql", "", writeDB, newNotifySinks(), testLogger(t))
	require.Error(t, err)
}

func TestPostgresNotifier_Channels(t *testing.T) {
	_, writeDB := newTestDB(t)
	notifier, err := newDBNotifier(
		dbTypePostgres,
		"postgres://localhost/dismod",
		writeDB,
		newNotifySinks(),
		testLogger(t),
	)
	require.NoError(t, err)
	assert.ElementsMatch(
		t,
		[]string{
			postgresNotifyChannelSettingsUpdated,
			postgresNotifyChannelRuntimeConfigUpdated,
			postgresNotifyChannelStop,
		},
		notifier.Channels(),
	)
}

func TestParseNotification(t *testing.T) {
	msg := newSettingsUpdatedNotificationMessage("abc123", testGuildID)
	notifierID, guildID := parseNotification(msg)
	assert.Equal(t, "abc123", notifierID)
	assert.Equal(t, testGuildID, guildID)

	notifierID, payload := parseNotification("abc123")
	assert.Equal(t, "abc123", notifierID)
	assert.Empty(t, payload)
}

func TestOffer(t *testing.T) {
	ch := make(chan int, 1)
	assert.True(t, offer(ch, 1))
	assert.True(t, offer(ch, 2))
	assert.Equal(t, 1, <-ch)

	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %d", v)
	default:
	}
}

func TestForward(t *testing.T) {
	ch := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, forward(ctx, testLogger(t), ch, "guild"))
	assert.Equal(t, "guild", <-ch)

	cancel()
	ch <- "full"
	wg := sync.WaitGroup{}
	wg.Add(1)
	var sent bool
	go func() {
		defer wg.Done()
		sent = forward(ctx, testLogger(t), ch, "dropped")
	}()
	wg.Wait()
	assert.False(t, sent)
}
