package dismod

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/dismod/dismod.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	// setupCheckInterval is how often Run checks whether admin
	// credentials have been set, while pending initial setup
	setupCheckInterval = 5 * time.Second

	// eventHandlerTimeout bounds the handling of a single gateway event,
	// including audit log polling
	eventHandlerTimeout = 2 * time.Minute

	runtimeConfigRefreshTimeout = 30 * time.Second
)

// DisMod is the moderation bot. It owns the database connections, the
// discord session, the backend API, and the components that execute
// moderation commands and reconcile gateway events into cases.
type DisMod struct {
	config *Config

	// read-only connection
	db *gorm.DB

	// writes go through here. With SQLite, writes are serialized.
	writeDB DBI

	logger      *slog.Logger
	logHandler  slog.Handler
	handlerOpts tint.Options

	discord *Discord
	api     *API

	// notifies other instances sharing the database of settings
	// and runtime config changes
	dbNotifier DBNotifier
	sinks      notifySinks

	// suppression markers shared by the command and event paths
	dedup DedupCache

	settings   *SettingsStore
	ledger     *CaseLedger
	publisher  ModLogPublisher
	resolver   *AuditResolver
	executor   Executor
	reconciler *Reconciler

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	signalReady chan struct{}

	// a signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// the time Run was called
	startedAt time.Time

	// initialized is set once the database and runtime config are loaded
	initialized atomic.Bool

	// Indicates whether admin credentials have been set. Until they are,
	// Run holds after starting the API, before connecting to discord.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc returns the [InteractionHandler] for
	// a received interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex
}

// RuntimeConfig returns a copy of the current runtime configuration.
// Before the configuration has been loaded, defaults are returned.
func (d *DisMod) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	if d.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *d.runtimeConfig
}

// New creates a DisMod instance from the given config. The database
// isn't opened until Run is called. The dedup cache is built here, so
// a misconfigured redis backend fails fast.
//
// If any errors occur during initialization, they are collected and
// returned as a single error.
func New(config *Config) (*DisMod, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &DisMod{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		sinks:         newNotifySinks(),
		handlerOpts:   tint.Options{AddSource: true},
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	disc := newDiscord(d.config.Discord)
	disc.logger = componentLogger(
		d.handlerOpts,
		defaultLogWriter,
		logNameDiscord,
		d.config.Discord.LogLevel,
	)
	disc.dm = d
	d.discord = disc

	dedupCtx, dedupCancel := context.WithTimeout(context.Background(), d.config.StartupTimeout)
	defer dedupCancel()
	dedup, err := newDedupCache(
		dedupCtx,
		d.config.Dedup,
		componentLogger(d.handlerOpts, defaultLogWriter, logNameDedup, d.config.Dedup.LogLevel),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("error creating dedup cache: %w", err))
	}
	d.dedup = dedup

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *DisMod) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// RegisterSlashCommands registers the bot's slash commands, for the
// configured guild, or globally
func (d *DisMod) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(options...)
}

// Run starts the bot, blocking until ctx is cancelled or a stop signal
// is received, then shuts down gracefully.
//
// Startup order:
//  1. The API starts serving.
//  2. The database is opened and migrated, and the runtime config loaded.
//  3. If admin credentials haven't been set, Run waits for setup.
//  4. The discord session is created, and moderation components built.
//  5. The gateway connection is opened (if enabled).
func (d *DisMod) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// tracks gateway event handlers and background listeners
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-d.sinks.stop:
			d.logger.Warn("got stop notification, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
		}
	}()

	go func() {
		httpErr := d.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			d.api.closeListener(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := d.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	runtimeCfg := d.RuntimeConfig()
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
	}
	if err := d.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		d.settings.listen(ctx, d.sinks.settingsUpdated)
	}()

	for _, channel := range d.dbNotifier.Channels() {
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := d.dbNotifier.Listen(ctx, ch); e != nil {
				d.logger.ErrorContext(ctx, "error listening to channel", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// initRun opens the database, then loads (or creates) the runtime
// config and builds the components that only need the database
func (d *DisMod) initRun(ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	if d.dbNotifier == nil {
		notifier, err := newDBNotifier(
			d.config.DatabaseType,
			d.config.Database,
			d.writeDB,
			d.sinks,
			componentLogger(d.handlerOpts, defaultLogWriter, logNameNotifier, d.config.LogLevel),
		)
		if err != nil {
			return fmt.Errorf("error creating db notifier: %w", err)
		}
		d.dbNotifier = notifier
	}

	// the runtime config is persisted, so a bot that's paused stays
	// paused after a restart
	runtimeCfg, created, err := loadRuntimeConfig(ctx, d.db, d.writeDB)
	if err != nil {
		return err
	}
	if created {
		d.logger.InfoContext(ctx, "created default runtime config")
	}
	if validationErr := structValidator.Struct(runtimeCfg); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if created || runtimeCfg.AdminUsername == "" || runtimeCfg.AdminPassword == "" {
		d.pendingSetup.Store(true)
	}
	d.setRuntimeLevels(*runtimeCfg)

	d.cfgMu.Lock()
	d.runtimeConfig = runtimeCfg
	d.cfgMu.Unlock()

	d.ledger = NewCaseLedger(d.db, d.writeDB)
	d.settings = NewSettingsStore(
		d.db,
		d.writeDB,
		d.dbNotifier,
		d.config.SettingsCacheTTL,
		componentLogger(d.handlerOpts, defaultLogWriter, logNameSettings, d.config.LogLevel),
	)
	d.initialized.Store(true)
	return nil
}

func (d *DisMod) initDB(ctx context.Context) error {
	logger := loggerFrom(ctx, d.logger)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, d.config.DatabaseSlowThreshold)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	d.db = db
	d.writeDB = NewDatabase(db, slog.New(handler), d.config.DatabaseType == dbTypePostgres)

	if d.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")
	return nil
}

// waitOnSetup blocks until admin credentials have been set via the
// API, if they haven't been already
func (d *DisMod) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !d.pendingSetup.Load() {
		return nil
	}

	listenAddr := d.config.API.Listen
	if d.api.listener != nil {
		listenAddr = d.api.listener.Addr().String()
	}
	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", listenAddr, apiPathSetup),
	)

	pendingStateCh := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(setupCheckInterval)
		defer ticker.Stop()
		for {
			var runtimeState RuntimeConfig
			logger.DebugContext(ctx, "checking if admin credentials exist yet")
			if err := d.db.WithContext(ctx).Last(&runtimeState).Error; err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return d.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		d.pendingSetup.Store(false)
	}
	return nil
}

// initModeration builds the components that need the discord session.
// Components already set (ex: in tests) are kept.
func (d *DisMod) initModeration() {
	session := d.discord.session
	modLevel := d.config.Moderation.LogLevel

	if d.publisher == nil {
		d.publisher = NewChannelPublisher(
			session,
			d.settings,
			componentLogger(d.handlerOpts, defaultLogWriter, logNameModLog, modLevel),
		)
	}
	if d.resolver == nil {
		d.resolver = NewAuditResolver(
			session,
			d.config.Moderation,
			componentLogger(d.handlerOpts, defaultLogWriter, logNameAudit, modLevel),
		)
	}
	if d.executor == nil {
		d.executor = NewModerator(
			session,
			d.ledger,
			d.dedup,
			d.publisher,
			d.config.Dedup.TTL,
			d.config.Moderation,
			componentLogger(d.handlerOpts, defaultLogWriter, logNameModerator, modLevel),
		)
	}
	if d.reconciler == nil {
		d.reconciler = NewReconciler(
			session,
			d.dedup,
			d.resolver,
			d.ledger,
			d.publisher,
			d.settings,
			componentLogger(d.handlerOpts, defaultLogWriter, logNameReconciler, modLevel),
		)
	}
}

func (d *DisMod) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  d.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(d.RuntimeConfig()),
		},
	)

	d.initModeration()

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				d.handleEvent(ctx, runtimeWG, "interaction_create", func(ectx context.Context) {
					d.handleInteraction(ectx, handler)
				})
			},
		),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildBanAdd) {
				d.handleEvent(ctx, runtimeWG, "guild_ban_add", func(ectx context.Context) {
					_, _ = d.reconciler.HandleBan(ectx, e)
				})
			},
		),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildBanRemove) {
				d.handleEvent(ctx, runtimeWG, "guild_ban_remove", func(ectx context.Context) {
					_, _ = d.reconciler.HandleUnban(ectx, e)
				})
			},
		),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
				d.handleEvent(ctx, runtimeWG, "guild_member_add", func(ectx context.Context) {
					if err := d.reconciler.HandleJoin(ectx, e); err != nil {
						logger.ErrorContext(ectx, "error handling member join", tint.Err(err))
					}
				})
			},
		),
		d.discord.session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
				d.handleEvent(ctx, runtimeWG, "guild_member_remove", func(ectx context.Context) {
					if err := d.reconciler.HandleLeave(ectx, e); err != nil {
						logger.ErrorContext(ectx, "error handling member leave", tint.Err(err))
					}
				})
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				logger: d.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// handleEvent runs fn in a goroutine tracked by runtimeWG, with a
// timeout, recovering from any panic
func (d *DisMod) handleEvent(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	event string,
	fn func(ctx context.Context),
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		ectx, cancel := context.WithTimeout(ctx, eventHandlerTimeout)
		defer cancel()
		logger := loggerFrom(ectx, d.logger).With("event", event)
		ectx = WithLogger(ectx, logger)
		defer func() {
			handleRecover(ectx, logger, recover())
		}()
		fn(ectx)
	}()
}

// discordInit opens the discord websocket connection, if the gateway
// is enabled
func (d *DisMod) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !runtimeCfg.Paused {
		go func() {
			if statusErr := d.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// startRuntimeConfigRefresher reloads the runtime config whenever a
// reload notification is received
func (d *DisMod) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.sinks.runtimeConfig:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				if err := d.refreshRuntimeConfig(refreshCtx); err != nil {
					logger.ErrorContext(ctx, "error refreshing runtime config", tint.Err(err))
				}
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the most recent runtime config, applying
// any status and log level changes
func (d *DisMod) refreshRuntimeConfig(ctx context.Context) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	var refreshConfig RuntimeConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		return fmt.Errorf("error getting runtime config: %w", err)
	}
	rollbackConfig := d.runtimeConfig
	if rollbackConfig == nil {
		defaultConfig := DefaultRuntimeConfig()
		rollbackConfig = &defaultConfig
	}
	d.unsafeRefreshRuntimeConfig(ctx, rollbackConfig, &refreshConfig)
	return nil
}

// unsafeRefreshRuntimeConfig applies newConfig without locking
// the config mutex
func (d *DisMod) unsafeRefreshRuntimeConfig(
	ctx context.Context,
	rollbackConfig *RuntimeConfig,
	newConfig *RuntimeConfig,
) {
	d.updateDiscordBotStatus(ctx, *rollbackConfig, *newConfig)
	d.runtimeConfig = newConfig
	d.setRuntimeLevels(*newConfig)
	d.logger.InfoContext(ctx, "refreshed runtime config")
}

// updateDiscordBotStatus opens or closes the gateway connection, and
// updates the bot's presence, for changes between the two configs
func (d *DisMod) updateDiscordBotStatus(
	ctx context.Context,
	previous RuntimeConfig,
	current RuntimeConfig,
) {
	session := d.discord.session
	if session == nil {
		return
	}
	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		d.logger.InfoContext(ctx, "gateway disabled, closing discord connection")
		if err := session.Close(); err != nil {
			d.logger.ErrorContext(ctx, "error closing discord connection", tint.Err(err))
		}
	case previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		switch {
		case current.Paused && !previous.Paused:
			if err := session.UpdateStatusComplex(
				discordgo.UpdateStatusData{
					AFK:    true,
					Status: string(discordgo.StatusDoNotDisturb),
				},
			); err != nil {
				d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		case current.Paused:
			//
		case previous.Paused || current.DiscordCustomStatus != previous.DiscordCustomStatus:
			if err := session.UpdateCustomStatus(current.DiscordCustomStatus); err != nil {
				d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		}
	case current.DiscordGatewayEnabled:
		d.logger.InfoContext(ctx, "gateway enabled, opening discord connection")
		session.SetIdentify(
			discordgo.Identify{
				Intents:  d.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(current),
			},
		)
		if err := session.Open(); err != nil {
			d.logger.ErrorContext(ctx, "error opening discord connection", tint.Err(err))
		}
	}
}

// setRuntimeLevels sets each component's log level from the runtime config
func (d *DisMod) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	d.config.Moderation.LogLevel.Set(state.ModerationLogLevel.Level())
	d.config.Dedup.LogLevel.Set(state.DedupLogLevel.Level())
}

func (d *DisMod) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		d.logger.Warn("immediate shutdown")
		go func() {
			_ = d.api.httpServer.Close()
		}()
		return errors.New("did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight commands and events finish first, so their cases
		// are recorded
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
				for _, h := range d.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				d.discord.discordgoRemoveHandlerFuncs = nil
			}()
		}

		if closer, ok := d.dedup.(io.Closer); ok {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := closer.Close(); err != nil {
					d.logger.ErrorContext(ctx, "error closing dedup cache", tint.Err(err))
				}
			}()
		}

		go func() {
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("did not stop in time, forcing close")
			go func() {
				_ = d.api.httpServer.Close()
			}()
			return errors.New("did not stop in time")
		}
	}
}
