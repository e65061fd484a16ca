package dismod

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathGuildCases       = "/guilds/:guild_id/cases"
	apiPathGuildCase        = "/guilds/:guild_id/cases/:case_id"
	apiPathGuildNextCase    = "/guilds/:guild_id/next_case"
	apiPathGuildSettings    = "/guilds/:guild_id/settings"

	defaultCaseListLimit = 25
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the backend admin API. It serves setup and login, runtime
// config updates, and read access to each guild's case ledger and
// settings.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI configures the gin engine, session store, TLS and routes.
// In development mode, a self-signed certificate is generated when
// none is configured.
func newAPI(d *DisMod, config *APIConfig) (*API, error) {
	apiLogger := componentLogger(d.handlerOpts, defaultLogWriter, logNameAPI, config.LogLevel)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              apiLogger,
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	if config.SSL.Cert == "" && config.SSL.Key == "" && config.Development {
		certDir, err := os.MkdirTemp("", "dismod-cert-")
		if err != nil {
			return nil, fmt.Errorf("error creating cert directory: %w", err)
		}
		config.SSL.Cert = filepath.Join(certDir, "cert.pem")
		config.SSL.Key = filepath.Join(certDir, "key.pem")
		if _, err = generateSelfSignedCert(config.SSL.Cert, config.SSL.Key); err != nil {
			return nil, fmt.Errorf("error generating self-signed cert: %w", err)
		}
		apiLogger.Warn("generated self-signed certificate", "cert", config.SSL.Cert)
	}

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(apiLogger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(d))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	protected.GET(apiPathGuildCases, apiHandlers.getCases)
	protected.GET(apiPathGuildCase, apiHandlers.getCase)
	protected.GET(apiPathGuildNextCase, apiHandlers.getNextCaseID)
	protected.GET(apiPathGuildSettings, apiHandlers.getGuildSettings)
	protected.PUT(apiPathGuildSettings, apiHandlers.putGuildSettings)

	return api, nil
}

// Serve listens on the configured address, or on a listener that
// was already set, until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) closeListener(ctx context.Context) {
	if a == nil || a.listener == nil {
		return
	}
	go func() {
		if err := a.listener.Close(); err != nil {
			a.logger.ErrorContext(ctx, "error closing listener", tint.Err(err))
		}
	}()
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	d      *DisMod
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the cookie store used for admin sessions. If no
// secret is configured, a random one is generated, and sessions won't
// survive a restart.
func NewAPIHandlers(d *DisMod) *APIHandlers {
	logger := d.logger.With(loggerNameKey, logNameAPI)

	var secretKey []byte
	switch sk := d.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(d.config.API.SessionMaxAge.Seconds()),
			SameSite: sessionSameSite(d.config.API.Development),
		},
	)
	return &APIHandlers{d: d, logger: logger, store: store}
}

func sessionSameSite(development bool) http.SameSite {
	if development {
		return http.SameSiteNoneMode
	}
	return http.SameSiteStrictMode
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.d.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. It's only allowed while
// setup is pending.
//
// Responses:
//   - 201 Created: credentials were set
//   - 400 Bad Request: invalid payload
//   - 403 Forbidden: setup isn't pending
//   - 500 Internal Server Error: the credentials couldn't be saved
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if !h.d.pendingSetup.Load() || h.d.runtimeConfig == nil {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	password, err := HashPassword(payload.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}

	currentState := *h.d.runtimeConfig
	if _, err = h.d.writeDB.Updates(
		c.Request.Context(),
		&currentState,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.d.runtimeConfig = &currentState
	h.d.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the admin credentials and creates a session.
// Attempts are rate limited.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: wrong credentials, or none set
//   - 429 Too Many Requests: rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.d.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.d.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.d.api.config.SessionMaxAge.Seconds()),
		SameSite: sessionSameSite(h.d.api.config.Development),
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports gateway connectivity, pause state and uptime
func (h *APIHandlers) healthCheck(c *gin.Context) {
	rv := healthCheckResponse{
		Paused:                  h.d.RuntimeConfig().Paused,
		DiscordGatewayConnected: h.d.discord.connected.Load(),
		DiscordConnects:         h.d.discord.metricConnects.Load(),
		DiscordDisconnects:      h.d.discord.metricDisconnects.Load(),
		DedupBackend:            h.d.config.Dedup.Backend,
		Version:                 Version,
	}
	if !h.d.startedAt.IsZero() {
		rv.Uptime = time.Since(h.d.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, rv)
}

// logoutHandler clears the session username
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.d.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands overwrites the bot's slash commands
//
// Responses:
//   - 201 Created: returns the registered commands
//   - 500 Internal Server Error: registration failed
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.d.RegisterSlashCommands(
		discordgo.WithContext(c.Request.Context()),
	)
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config.
// Changes to the gateway, pause state or custom status take effect
// immediately, and other instances are notified to reload.
//
// Responses:
//   - 202 Accepted: returns the updated runtime config
//   - 400 Bad Request: invalid payload
//   - 500 Internal Server Error: the update couldn't be saved
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	d := h.d
	logger := ginContextLogger(c)
	ctx := c.Request.Context()

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Error("invalid update", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	d.cfgMu.Lock()
	if d.runtimeConfig == nil {
		d.cfgMu.Unlock()
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	rollbackConfig := *d.runtimeConfig
	updatedConfig := rollbackConfig

	updates := updateRequest.updates()
	logger.InfoContext(ctx, "applying updates", "updates", updates)

	var statusCode int
	updateErr := d.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if err := tx.Model(&updatedConfig).Updates(updates).Error; err != nil {
				statusCode = http.StatusInternalServerError
				return err
			}
			if err := structValidator.Struct(updatedConfig); err != nil {
				statusCode = http.StatusBadRequest
				return err
			}
			return nil
		},
	)
	if updateErr != nil {
		d.cfgMu.Unlock()
		logger.ErrorContext(ctx, "error updating config", tint.Err(updateErr))
		c.JSON(statusCode, httpError{Error: "error updating config"})
		return
	}

	d.updateDiscordBotStatus(ctx, rollbackConfig, updatedConfig)
	d.runtimeConfig = &updatedConfig
	d.setRuntimeLevels(updatedConfig)
	d.cfgMu.Unlock()

	switch {
	case rollbackConfig.Paused && !updatedConfig.Paused:
		logger.Info("unpaused bot")
	case updatedConfig.Paused && !rollbackConfig.Paused:
		logger.Warn("paused bot")
	}

	c.JSON(http.StatusAccepted, updatedConfig)

	if d.dbNotifier != nil && !d.dbNotifier.ReloadRuntimeConfig(ctx) {
		logger.Error("error sending config update notification")
	}
}

// botQuit sends a stop signal to all instances
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		if h.d.dbNotifier != nil {
			h.d.dbNotifier.Stop(ctx)
		} else {
			offer(h.d.signalStop, struct{}{})
		}
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// getCases lists a guild's cases, ordered by case ID
//
// Responses:
//   - 200 OK: returns the matching cases
//   - 400 Bad Request: invalid guild ID or query parameters
//   - 500 Internal Server Error: the cases couldn't be loaded
func (h *APIHandlers) getCases(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}

	var query CaseListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = defaultCaseListLimit
	}

	cases, err := h.d.ledger.List(
		c.Request.Context(),
		guildID,
		CaseQuery{
			Punishment:   PunishmentKind(query.Punishment),
			TargetUserID: query.TargetUserID,
			Limit:        query.Limit,
			Offset:       query.Offset,
			Descending:   query.Order == Descending,
		},
	)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error getting cases",
			tint.Err(err),
		)
		ginReplyError(c, "error getting cases")
		return
	}
	c.JSON(http.StatusOK, cases)
}

// getCase returns a single case
//
// Responses:
//   - 200 OK: returns the case
//   - 400 Bad Request: invalid guild ID or case ID
//   - 404 Not Found: no such case
func (h *APIHandlers) getCase(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	caseID, err := strconv.ParseInt(c.Param("case_id"), 10, 64)
	if err != nil || caseID < 1 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid case ID"})
		return
	}

	modCase, err := h.d.ledger.Get(c.Request.Context(), guildID, caseID)
	switch {
	case errors.Is(err, ErrCaseNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "case not found"})
	case err != nil:
		ginContextLogger(c).Error("error getting case", tint.Err(err))
		ginReplyError(c, "error getting case")
	default:
		c.JSON(http.StatusOK, modCase)
	}
}

// getNextCaseID returns the ID the guild's next case would get.
// Nothing is allocated.
func (h *APIHandlers) getNextCaseID(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	next, err := h.d.ledger.NextCaseID(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error getting next case ID", tint.Err(err))
		ginReplyError(c, "error getting next case ID")
		return
	}
	c.JSON(http.StatusOK, nextCaseResponse{GuildID: guildID, NextCaseID: next})
}

// getGuildSettings returns the guild's settings
//
// Responses:
//   - 200 OK: returns the settings
//   - 404 Not Found: the guild has no settings
func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	settings, err := h.d.settings.GuildSettings(c.Request.Context(), guildID)
	switch {
	case err != nil:
		ginContextLogger(c).Error("error getting guild settings", tint.Err(err))
		ginReplyError(c, "error getting guild settings")
	case settings == nil:
		c.JSON(http.StatusNotFound, httpError{Error: "guild settings not found"})
	default:
		c.JSON(http.StatusOK, settings)
	}
}

// putGuildSettings creates or replaces the guild's settings
//
// Responses:
//   - 200 OK: returns the saved settings
//   - 400 Bad Request: invalid payload
//   - 500 Internal Server Error: the settings couldn't be saved
func (h *APIHandlers) putGuildSettings(c *gin.Context) {
	guildID, ok := guildIDParam(c)
	if !ok {
		return
	}
	logger := ginContextLogger(c)

	var settings GuildSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	settings.GuildID = guildID
	if err := structValidator.Struct(settings); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if err := h.d.settings.Put(c.Request.Context(), &settings); err != nil {
		logger.Error("error saving guild settings", tint.Err(err))
		ginReplyError(c, "error saving guild settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

// guildIDParam returns the guild_id path parameter, replying with
// HTTP 400 if it isn't a snowflake
func guildIDParam(c *gin.Context) (string, bool) {
	guildID := c.Param("guild_id")
	if err := structValidator.Var(guildID, "required,numeric"); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid guild ID"})
		return "", false
	}
	return guildID, true
}

// CaseListQuery is the query string for listing a guild's cases
//
//nolint:lll // struct tags can't be split
type CaseListQuery struct {
	Pagination
	Punishment   string `form:"punishment" binding:"omitempty,oneof=ban kick mute voice_mute"`
	TargetUserID string `form:"target_user_id" binding:"omitempty,numeric"`
}

// Pagination represents the pagination parameters for API requests.
//
// Fields:
//   - Limit: The maximum number of records to return.
//   - Order: The order in which to return the records (ascending or descending).
//   - Offset: The number of records to skip before starting to return records.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort represents the sorting order for queries.
type Sort string

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordConnects         int64  `json:"discord_connects"`
	DiscordDisconnects      int64  `json:"discord_disconnects"`
	DedupBackend            string `json:"dedup_backend"`
	Uptime                  string `json:"uptime,omitempty"`
	Version                 string `json:"version"`
}

type nextCaseResponse struct {
	GuildID    string `json:"guild_id"`
	NextCaseID int64  `json:"next_case_id"`
}

// httpReply represents a standard HTTP response message
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload is the payload for the initial admin setup
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response for the setup status endpoint.
// Required is true until admin credentials have been set.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session. While
// setup is pending, every request is rejected. Before the database
// has been initialized, requests get HTTP 503.
func authMiddleware(d *DisMod) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !d.initialized.Load() {
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				httpError{Error: "not ready"},
			)
			return
		}
		if d.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := d.api.store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request,
// and returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and
// response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, path)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"DisMod"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)},
	); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateModerationConfig, ModerationConfig{})
	structValidator.RegisterStructValidation(validateDedupConfig, DedupConfig{})
}
