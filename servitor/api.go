package servitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
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
	"net"
	"net/http"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiPathSessions         = "/sessions"
	apiPathSession          = "/sessions/:kind/:guild_id"
	apiPathGuildSettings    = "/guilds/:guild_id/settings"
	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"
	apiDiscordInteractions  = "/discord/interactions"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	loginRateLimit    = rate.Every(time.Second)
	loginRateBurst    = 5
	apiNotifyTimeout  = 30 * time.Second
	apiResolveTimeout = 30 * time.Second
)

// API is the admin HTTP server
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(s *Servitor, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		logger:              logger,
		loginRequestLimiter: rate.NewLimiter(loginRateLimit, loginRateBurst),
	}
	apiHandlers := NewAPIHandlers(s, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	var tlsCfg *tls.Config
	if config.SSL.enabled() {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
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
	if len(corsConfig.AllowOrigins) == 0 {
		if s.config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !s.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler(api.loginRequestLimiter))
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiMetrics, gin.WrapH(s.metrics.Handler()))

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if s.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(s))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathSessions, apiHandlers.getSessions)
	protected.DELETE(apiPathSession, apiHandlers.closeSession)
	protected.GET(apiPathGuildSettings, apiHandlers.getGuildSettings)
	protected.PATCH(apiPathGuildSettings, apiHandlers.updateGuildSettings)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

// listen binds the API's listener, wrapping it in TLS when configured
func (a *API) listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return nil
}

// addr returns the bound address, or the configured one if the API
// isn't listening yet
func (a *API) addr() string {
	scheme := "http://"
	if a.httpServer.TLSConfig != nil {
		scheme = "https://"
	}
	if a.listener != nil {
		return scheme + a.listener.Addr().String()
	}
	return scheme + a.config.Listen
}

func (a *API) Serve(ctx context.Context) error {
	if err := a.listen(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.addr())
	return a.httpServer.Serve(a.listener)
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

// APIHandlers holds the admin API's request handlers
type APIHandlers struct {
	s      *Servitor
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(s *Servitor, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := s.config.API.Secret; {
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
	sameSite := http.SameSiteStrictMode
	if s.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(s.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{s: s, logger: logger, store: store}
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.s.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. Only allowed while setup is
// pending.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.s.cfgMu.Lock()
	defer h.s.cfgMu.Unlock()

	if !h.s.pendingSetup.Load() || h.s.runtimeConfig == nil {
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

	if _, err = h.s.writeDB.Updates(
		c.Request.Context(),
		h.s.runtimeConfig,
		map[string]any{
			columnRuntimeConfigAdminUsername: payload.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	h.s.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

func (h *APIHandlers) loginHandler(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if !limiter.Allow() {
			logger.Warn("login rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		var login userLogin
		if err := c.ShouldBindJSON(&login); err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}

		runtimeConfig := h.s.RuntimeConfig()
		if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if login.Username != runtimeConfig.AdminUsername {
			logger.Warn("admin username incorrect", "username", login.Username)
			c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
		if err != nil {
			logger.Error("error verifying password", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if !valid {
			logger.Warn("invalid login attempt", "username", login.Username)
			c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session := sessions.Default(c)
		session.Set(sessionVarField, login.Username)
		if err = session.Save(); err != nil {
			logger.Error("error saving session", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		logger.Info("saved user session", "username", login.Username)
		c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
	}
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var open int
	if h.s.sessions != nil {
		open = len(h.s.sessions.Snapshot())
	}
	c.JSON(
		http.StatusOK,
		healthCheckResponse{
			Paused:                  h.s.paused.Load(),
			OpenSessions:            open,
			DiscordGatewayConnected: h.s.discord.connected.Load(),
			Version:                 Version,
			Uptime:                  time.Since(h.s.startedAt).Round(time.Second).String(),
		},
	)
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := sessions.Default(c).Get(sessionVarField).(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getSessions lists the open sessions, with the time left in their
// current step
func (h *APIHandlers) getSessions(c *gin.Context) {
	if h.s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	open := h.s.sessions.Snapshot()
	rv := make([]openSessionResponse, 0, len(open))
	for _, sess := range open {
		item := openSessionResponse{Session: sess}
		if remaining, err := h.s.sessions.Remaining(sess.Key()); err == nil {
			item.Remaining = remaining.Round(time.Second).String()
		}
		rv = append(rv, item)
	}
	c.JSON(http.StatusOK, rv)
}

// closeSession force-resolves an open session as timed out
func (h *APIHandlers) closeSession(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}

	key := SessionKey{
		Kind:     SessionKind(c.Param("kind")),
		GuildID:  c.Param("guild_id"),
		TargetID: c.Query("target_id"),
	}
	if !key.Kind.Valid() {
		c.JSON(http.StatusBadRequest, httpError{Error: fmt.Sprintf("invalid session kind: %q", key.Kind)})
		return
	}
	if key.Kind == SessionKindPunishment && key.TargetID == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "target_id is required for punishment sessions"})
		return
	}

	ctx, cancel := context.WithTimeout(WithLogger(context.Background(), logger), apiResolveTimeout)
	defer cancel()

	err := h.s.sessions.Resolve(ctx, key, Outcome{Resolution: ResolutionTimeout})
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "session not found"})
	case err != nil:
		logger.Error("error closing session", "session_key", key, tint.Err(err))
		ginReplyError(c, "error closing session")
	default:
		logger.Warn("closed session", "session_key", key)
		ginReplyMessage(c, "session closed")
	}
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	if h.s.guildSettings == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	settings, err := h.s.guildSettings.Get(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		ginContextLogger(c).Error("error getting guild settings", tint.Err(err))
		ginReplyError(c, "error getting guild settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *APIHandlers) updateGuildSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.s.guildSettings == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}

	var upd GuildSettingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	settings, err := h.s.updateGuildSettings(c.Request.Context(), c.Param("guild_id"), upd)
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, httpError{Error: verrs.Error()})
	case err != nil:
		logger.Error("error updating guild settings", tint.Err(err))
		ginReplyError(c, "error updating guild settings")
	default:
		c.JSON(http.StatusOK, settings)
	}
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.s.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// persists it, and notifies other instances
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	s := h.s
	logger := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), logger)

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling update request", tint.Err(err))
		ginReplyError(c, "error marshaling update request")
		return
	}
	var updates map[string]any
	if err = json.Unmarshal(updateData, &updates); err != nil {
		logger.ErrorContext(ctx, "error unmarshalling update request", tint.Err(err))
		ginReplyError(c, "error unmarshalling update request")
		return
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no updates given"})
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if s.runtimeConfig == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	existingConfig := s.runtimeConfig
	rollbackConfig := *existingConfig
	logger.InfoContext(ctx, "applying updates", "updates", updates)

	var statusCode int
	updateErr := s.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Model(existingConfig).Updates(updates).Error; e != nil {
				statusCode = http.StatusInternalServerError
				return e
			}
			if e := structValidator.Struct(existingConfig); e != nil {
				statusCode = http.StatusBadRequest
				return e
			}
			return nil
		},
	)
	if updateErr != nil {
		*existingConfig = rollbackConfig
		logger.ErrorContext(ctx, "error updating config", tint.Err(updateErr))
		c.JSON(statusCode, httpError{Error: "error updating config"})
		return
	}

	s.unsafeRefreshRuntimeConfig(&rollbackConfig, existingConfig)
	c.JSON(http.StatusAccepted, existingConfig)

	notifyCtx, cancel := context.WithTimeout(context.Background(), apiNotifyTimeout)
	defer cancel()
	if s.dbNotifier != nil && !s.dbNotifier.ReloadRuntimeConfig(notifyCtx) {
		logger.Error("error sending config update notification")
	}
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if h.s.Pause(c.Request.Context()) {
		ginReplyMessage(c, "bot paused")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot already paused"})
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.s.Resume(c.Request.Context()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// botQuit sends the stop signal to every running instance
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	if h.s.dbNotifier == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), apiNotifyTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.s.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")
	if h.s.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "discord session not ready"})
		return
	}

	created, err := h.s.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	OpenSessions            int    `json:"open_sessions"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime"`
}

type openSessionResponse struct {
	Session
	Remaining string `json:"remaining,omitempty"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse reports whether admin credentials need to be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session, and
// every request while setup is pending
func authMiddleware(s *Servitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if s.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := sessions.Default(c).Get(sessionVarField).(string)
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(string(loggerContextKey), logger.With(sessionVarField, username))
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, returned in
// the X-Request-ID header
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

// ginContextLogger returns the request's logger, set by
// ginLoggingMiddleware
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware adds a request-scoped logger to the context, and
// logs each request when it finishes
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
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
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
