package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelSettingsUpdated      = "dismod_settings_updated"
	postgresNotifyChannelRuntimeConfigUpdated = "dismod_reload_runtime_config"
	postgresNotifyChannelStop                 = "dismod_stop"
	recordSeparator                           = string(rune(30))
)

var (
	dbNotifierSendTimeout = 15 * time.Second
	dbListenRetryInterval = 5 * time.Second
)

// DBNotifier notifies bot instances sharing a database of changes
// made by another instance
type DBNotifier interface {
	// ID identifies this notifier, so it can ignore its own notifications
	ID() string

	// Channels returns the channels [DBNotifier.Listen] should be
	// called with
	Channels() []string

	// SettingsUpdated tells other instances to drop their cached
	// settings for the guild
	SettingsUpdated(ctx context.Context, guildID string) bool

	// ReloadRuntimeConfig tells all instances to reload [RuntimeConfig]
	ReloadRuntimeConfig(ctx context.Context) bool

	// Stop sends a shutdown signal to all instances
	Stop(ctx context.Context) bool

	// Listen blocks, forwarding notifications for the channel, until
	// ctx is done
	Listen(ctx context.Context, channel string) error
}

// notifySinks are the local channels notifications are forwarded to
type notifySinks struct {
	settingsUpdated chan string
	runtimeConfig   chan bool
	stop            chan struct{}
}

func newNotifySinks() notifySinks {
	return notifySinks{
		settingsUpdated: make(chan string, 16),
		runtimeConfig:   make(chan bool, 1),
		stop:            make(chan struct{}, 1),
	}
}

func newDBNotifier(
	databaseType string,
	database string,
	writeDB DBI,
	sinks notifySinks,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := logger.With(loggerNameKey, logNameNotifier, "notify_id", notifyID)

	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger: log,
			sinks:  sinks,
			id:     notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:   log,
			sinks:    sinks,
			id:       notifyID,
			database: database,
			writeDB:  writeDB,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier forwards notifications in-process, as only one
// instance can use a SQLite database
type sqliteNotifier struct {
	logger *slog.Logger
	sinks  notifySinks
	id     string
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (*sqliteNotifier) Channels() []string {
	return nil
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

// SettingsUpdated queues the guild's cached settings for invalidation.
// It returns false if the queue is full.
func (s *sqliteNotifier) SettingsUpdated(ctx context.Context, guildID string) bool {
	select {
	case s.sinks.settingsUpdated <- guildID:
		s.logger.DebugContext(ctx, "settings updated", "guild_id", guildID)
		return true
	default:
		s.logger.WarnContext(ctx, "settings notification dropped", "guild_id", guildID)
		return false
	}
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "notifying runtime config reload")
	return offer(s.sinks.runtimeConfig, true)
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "notifying stop signal")
	return offer(s.sinks.stop, struct{}{})
}

// postgresNotifier uses NOTIFY/LISTEN
type postgresNotifier struct {
	logger   *slog.Logger
	sinks    notifySinks
	id       string
	database string
	writeDB  DBI
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (*postgresNotifier) Channels() []string {
	return []string{
		postgresNotifyChannelSettingsUpdated,
		postgresNotifyChannelRuntimeConfigUpdated,
		postgresNotifyChannelStop,
	}
}

func (p *postgresNotifier) notify(ctx context.Context, channel, payload string) bool {
	err := p.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel)
	return true
}

func (p *postgresNotifier) SettingsUpdated(ctx context.Context, guildID string) bool {
	return p.notify(
		ctx,
		postgresNotifyChannelSettingsUpdated,
		newSettingsUpdatedNotificationMessage(p.id, guildID),
	)
}

// ReloadRuntimeConfig notifies other instances, and reloads locally,
// as an instance's own notifications are ignored.
func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelRuntimeConfigUpdated, p.id)
	offer(p.sinks.runtimeConfig, true)
	return sent
}

// Stop notifies all instances, including this one
func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, postgresNotifyChannelStop, p.id)
	offer(p.sinks.stop, struct{}{})
	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.database)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbListenRetryInterval):
			}
			continue
		}

		notifierID, payload := parseNotification(notification.Payload)
		if notifierID == p.id {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
		switch notification.Channel {
		case postgresNotifyChannelSettingsUpdated:
			logger.InfoContext(ctx, "received settings update", "guild_id", payload)
			forward(sendCtx, logger, p.sinks.settingsUpdated, payload)
		case postgresNotifyChannelRuntimeConfigUpdated:
			logger.InfoContext(ctx, "received runtime config update")
			forward(sendCtx, logger, p.sinks.runtimeConfig, true)
		case postgresNotifyChannelStop:
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			forward(sendCtx, logger, p.sinks.stop, struct{}{})
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
		cancel()
	}

	return nil
}

// forward sends v on ch, giving up when ctx is done
func forward[T any](ctx context.Context, logger *slog.Logger, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		logger.Warn("timed out forwarding notification", tint.Err(ctx.Err()))
		return false
	}
}

// offer sends v on ch without blocking. A full buffer means the same
// signal is already pending, which counts as delivered.
func offer[T any](ch chan<- T, v T) bool {
	select {
	case ch <- v:
	default:
	}
	return true
}

// parseNotification splits a payload into the sender's notifier ID
// and the message
func parseNotification(s string) (notifierID, message string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newSettingsUpdatedNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
