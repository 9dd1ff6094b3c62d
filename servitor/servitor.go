package servitor

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/baltarius/servitor/servitor.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	shutdownAnnouncementInterval = 10 * time.Second
	setupCheckInterval           = 5 * time.Second
	refreshTimeout               = 30 * time.Second
	cooldownPruneSchedule        = "@every 10m"
	anniversaryCheckSchedule     = "@every 1m"
)

// Servitor is the bot: it owns the discord connection, the session
// engine, the database, the admin API and the periodic jobs.
type Servitor struct {
	dbNotifier DBNotifier
	config     *Config

	// read connection
	db *gorm.DB

	// write wrapper for db. With sqlite, writes are serialized.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	// Receives interactions over HTTP, when the gateway isn't used
	discordWebhookServer      *DiscordWebhookServer
	webhookInteractionHandler func(c *gin.Context)

	sessions      *SessionManager
	ledger        *Ledger
	leveling      *Leveling
	guildSettings *GuildSettingsCache
	cooldowns     *Cooldowns
	trivia        *TriviaCatalog
	metrics       *Metrics
	cron          *cron.Cron

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown is done
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// While paused, commands which start sessions are refused. Open
	// sessions still resolve.
	paused atomic.Bool

	// Set until admin credentials exist. Run holds after starting the
	// API, until they're created.
	pendingSetup atomic.Bool

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received via the gateway
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildSettingsRefreshCh chan string
}

// New creates a Servitor from config. Errors are collected and returned
// together.
func New(config *Config) (*Servitor, error) {
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

	s := &Servitor{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildSettingsRefreshCh: make(chan string, 16),
		cooldowns:                     NewCooldowns(DefaultCooldownPolicies()),
		metrics:                       NewMetrics(),
	}

	s.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	s.logger = slog.New(s.logHandler)
	slog.SetDefault(s.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
		disc = &Discord{config: config.Discord}
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.sv = s
	s.discord = disc

	api, err := newAPI(s, config.API)
	errs = append(errs, err)
	s.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(s, config.Discord.WebhookServer)
		errs = append(errs, e)
		s.discordWebhookServer = webhookServer
	}

	return s, errors.Join(errs...)
}

func (s *Servitor) ValidateConfig() error {
	return structValidator.Struct(s.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (s *Servitor) RuntimeConfig() RuntimeConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if s.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *s.runtimeConfig
}

// RegisterSlashCommands overwrites the bot's slash commands
func (s *Servitor) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return s.discord.registerCommands(options...)
}

// Run starts the bot, and blocks until ctx is canceled or a stop signal
// is received, then shuts down gracefully.
func (s *Servitor) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.signalStop = make(chan struct{}, 1)
	s.startedAt = time.Now()
	logger := s.logger

	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(s)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	s.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	s.webhookInteractionHandler = webhookReceiveHandler(ctx, s)

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
		slog.Any("config", s.config),
	)

	// canceling this context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err = s.api.listen(ctx); err != nil {
		logger.ErrorContext(ctx, "error starting api listener", tint.Err(err))
		return err
	}
	go func() {
		httpErr := s.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- s.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		_ = s.api.httpServer.Close()
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			_ = s.api.httpServer.Close()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := s.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}
	if ctx.Err() != nil {
		return nil
	}

	runtimeCfg := s.RuntimeConfig()

	if s.discordWebhookServer != nil {
		s.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if discErr := s.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = s.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	if err = s.sessions.Bootstrap(ctx); err != nil {
		logger.ErrorContext(ctx, "error bootstrapping sessions", tint.Err(err))
	}

	if err = s.startCron(ctx); err != nil {
		logger.ErrorContext(ctx, "error starting periodic jobs", tint.Err(err))
		return err
	}

	s.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	s.startGuildSettingsRefresher(ctx, runtimeWG)

	select {
	case s.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	for _, channel := range []string{
		s.dbNotifier.RuntimeConfigChannelName(),
		s.dbNotifier.GuildSettingsChannelName(),
		s.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := s.dbNotifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(ctx, "error listening for notifications", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	// block until something cancels the runtime context, generally an
	// interrupt or the `/api/quit` endpoint
	<-ctx.Done()

	return s.shutdown(ctx, runtimeWG)
}

// waitOnSetup holds until admin credentials are created, when
// none existed at startup
func (s *Servitor) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !s.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", s.api.addr(), apiPathSetup),
	)

	ticker := time.NewTicker(setupCheckInterval)
	defer ticker.Stop()

	for s.pendingSetup.Load() {
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return s.shutdown(ctx, runtimeWG)
		case <-ticker.C:
			var cfg RuntimeConfig
			if err := s.db.WithContext(ctx).Last(&cfg).Error; err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
				continue
			}
			if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
				s.pendingSetup.Store(false)
			}
		}
	}
	return nil
}

// discordInit opens the discord websocket connection, if the gateway
// is enabled
func (s *Servitor) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := s.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (s *Servitor) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := s.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// startCron schedules the periodic jobs: session reconciliation,
// cooldown pruning and anniversary announcements
func (s *Servitor) startCron(ctx context.Context) error {
	logger := s.logger.With(loggerNameKey, "cron")
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if spec := s.config.Sessions.ReconcileSchedule; spec != "" {
		if _, err := c.AddFunc(
			spec,
			func() {
				if err := s.sessions.Reconcile(ctx); err != nil {
					logger.ErrorContext(ctx, "error reconciling sessions", tint.Err(err))
				}
			},
		); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
		}
	}

	if _, err := c.AddFunc(
		cooldownPruneSchedule,
		func() {
			if n := s.cooldowns.Prune(); n > 0 {
				logger.DebugContext(ctx, "pruned cooldowns", "count", n)
			}
		},
	); err != nil {
		return err
	}

	if s.config.Anniversary.Enabled {
		announcer, err := newAnniversaryAnnouncer(
			s.config.Anniversary.Schedule,
			s.writeDB,
			s.guildSettings,
			s.discord,
			s.logger,
		)
		if err != nil {
			return err
		}
		if _, err = c.AddFunc(
			anniversaryCheckSchedule,
			func() {
				announcer.check(ctx, time.Now())
			},
		); err != nil {
			return err
		}
	}

	c.Start()
	s.cron = c
	return nil
}

// cronLogger implements cron.Logger on top of slog
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(msg, append(keysAndValues, tint.Err(err))...)
}

// startRuntimeConfigRefresher reloads RuntimeConfig from the database
// every RuntimeConfigTTL, and when triggered by the db notifier
func (s *Servitor) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := s.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case s.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-s.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, refreshTimeout)
				s.refreshRuntimeConfig(refreshCtx, forceRefresh)
				refreshCancel()
			}
		}
	}()
}

func (s *Servitor) refreshRuntimeConfig(ctx context.Context, force bool) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	var refreshConfig RuntimeConfig
	if err := s.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		s.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if !force && s.runtimeConfig != nil && refreshConfig.UpdatedAt == s.runtimeConfig.UpdatedAt {
		s.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	s.logger.InfoContext(
		ctx,
		fmt.Sprintf("runtime config last updated: %s ago, refreshing", lastUpdated.Round(time.Second)),
	)
	previous := s.runtimeConfig
	if previous == nil {
		d := DefaultRuntimeConfig()
		previous = &d
	}
	s.unsafeRefreshRuntimeConfig(previous, &refreshConfig)
}

// unsafeRefreshRuntimeConfig applies a new runtime config without
// locking cfgMu. Gateway state and presence follow the new config.
func (s *Servitor) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	if s.discord.session != nil {
		switch {
		case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
			if discErr := s.discord.session.Close(); discErr != nil {
				s.logger.Error("error closing discord connection", tint.Err(discErr))
			}
		case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
			switch {
			case existingConfig.Paused != rollbackConfig.Paused,
				existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
				presence := getDiscordPresenceStatusUpdate(*existingConfig)
				if discErr := s.discord.updateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    presence.AFK,
						Status: presence.Status,
					},
				); discErr != nil {
					s.logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordGatewayEnabled:
			s.discord.session.SetIdentify(
				discordgo.Identify{
					Intents:  s.config.Discord.GatewayIntents,
					Presence: getDiscordPresenceStatusUpdate(*existingConfig),
				},
			)
			if discErr := s.discord.session.Open(); discErr != nil {
				s.logger.Error("error opening discord connection", tint.Err(discErr))
			}
		}
	}

	s.paused.Store(existingConfig.Paused)
	s.runtimeConfig = existingConfig
	s.setRuntimeLevels(*existingConfig)

	s.logger.Info("refreshed runtime config")
}

// startGuildSettingsRefresher drops cached guild settings when another
// instance reports an update
func (s *Servitor) startGuildSettingsRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-s.triggerGuildSettingsRefreshCh:
				s.guildSettings.Invalidate(guildID)
				s.logger.InfoContext(ctx, "invalidated guild settings", columnGuildID, guildID)
			}
		}
	}()
}

func (s *Servitor) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	s.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if s.eventShutdown != nil {
			go func() {
				s.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(s.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	s.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", s.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		s.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		if s.sessions != nil {
			s.sessions.Shutdown()
			s.logger.InfoContext(ctx, "session timers stopped")
		}

		g := new(errgroup.Group)

		if s.cron != nil {
			g.Go(
				func() error {
					select {
					case <-s.cron.Stop().Done():
						s.logger.InfoContext(ctx, "periodic jobs stopped")
						return nil
					case <-closeCtx.Done():
						return errors.New("timed out waiting on periodic jobs")
					}
				},
			)
		}

		if s.api != nil && s.api.httpServer != nil {
			g.Go(
				func() error {
					if err := s.api.httpServer.Shutdown(closeCtx); err != nil {
						return fmt.Errorf("error shutting down api server: %w", err)
					}
					s.logger.InfoContext(ctx, "http server stopped")
					return nil
				},
			)
		}

		if s.discordWebhookServer != nil {
			g.Go(
				func() error {
					if err := s.discordWebhookServer.httpServer.Shutdown(closeCtx); err != nil {
						return fmt.Errorf("error shutting down webhook server: %w", err)
					}
					s.logger.InfoContext(ctx, "webhook http server stopped")
					return nil
				},
			)
		}

		if s.discord.session != nil {
			g.Go(
				func() error {
					defer func() {
						for _, h := range s.discord.discordgoRemoveHandlerFuncs {
							h()
						}
					}()
					if err := s.discord.session.Close(); err != nil {
						return fmt.Errorf("error closing discord session: %w", err)
					}
					s.logger.InfoContext(ctx, "discord session closed")
					return nil
				},
			)
		}

		if err := g.Wait(); err != nil {
			s.logger.ErrorContext(ctx, "error during shutdown", tint.Err(err))
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			s.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			s.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			s.logger.Warn("graceful shutdown timed out, forcing close")
			if s.api != nil && s.api.httpServer != nil {
				go func() {
					_ = s.api.httpServer.Close()
				}()
			}
			if s.discordWebhookServer != nil {
				go func() {
					_ = s.discordWebhookServer.httpServer.Close()
				}()
			}
			return errors.New("shutdown did not finish in time")
		}
	}
}

// setRuntimeLevels applies the log levels from the runtime config
func (s *Servitor) setRuntimeLevels(state RuntimeConfig) {
	s.config.LogLevel.Set(state.LogLevel.Level())
	s.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	s.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	s.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	s.config.API.LogLevel.Set(state.APILogLevel.Level())
	s.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	s.config.Sessions.LogLevel.Set(state.SessionLogLevel.Level())
}

// initRun opens the database, loads (or creates) the runtime config and
// loads the trivia catalog
func (s *Servitor) initRun(ctx context.Context) error {
	if s.db == nil {
		s.logger.Debug("initializing DB...")
		if err := s.initDB(ctx); err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
	}

	// the persisted config decides whether the bot starts paused
	var botState RuntimeConfig
	err := s.db.WithContext(ctx).Last(&botState).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		botState = DefaultRuntimeConfig()
		if _, err = s.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	case err != nil:
		return fmt.Errorf("error getting config: %w", err)
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	s.pendingSetup.Store(botState.AdminUsername == "" || botState.AdminPassword == "")
	s.paused.Store(botState.Paused)
	s.cfgMu.Lock()
	s.runtimeConfig = &botState
	s.cfgMu.Unlock()
	s.setRuntimeLevels(botState)

	if s.trivia == nil && s.config.Trivia.CatalogFile != "" {
		catalog, catErr := LoadTriviaCatalog(s.config.Trivia.CatalogFile)
		if catErr != nil {
			s.logger.WarnContext(ctx, "trivia catalog unavailable, /trivia disabled", tint.Err(catErr))
		} else {
			s.trivia = catalog
			s.logger.InfoContext(ctx, "loaded trivia catalog", "movies", catalog.Len())
		}
	}
	return nil
}

func (s *Servitor) initDB(ctx context.Context) error {
	handler := newLogHandler(defaultLogWriter, s.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, s.config.DatabaseSlowThreshold)

	db, err := getDB(s.config.DatabaseType, s.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if s.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	s.logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		s.logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	s.setDB(db)
	return nil
}

// setDB builds every database-backed component on db
func (s *Servitor) setDB(db *gorm.DB) {
	s.db = db
	s.writeDB = NewDatabase(db, s.logger, s.config.DatabaseType == dbTypePostgres)
	s.ledger = NewLedger(s.writeDB, s.logger)
	s.guildSettings = NewGuildSettingsCache(s.writeDB, s.config.GuildSettingsTTL, s.logger)
	s.leveling = newLeveling(s.ledger, s.guildSettings, s.discord, s.logger)

	sessionLogger := slog.New(newLogHandler(defaultLogWriter, s.config.Sessions.LogLevel))
	s.sessions = NewSessionManager(
		NewSessionStore(s.writeDB),
		sessionLogger,
		WithSessionMetrics(s.metrics),
		WithBootstrapLimit(s.config.Sessions.BootstrapLimit),
	)
	s.sessions.RegisterHandler(
		SessionKindQuiz,
		&quizHandler{discord: s.discord, ledger: s.ledger, window: quizWindow},
	)
	s.sessions.RegisterHandler(
		SessionKindTrivia,
		&triviaHandler{discord: s.discord, ledger: s.ledger, interval: triviaHintInterval},
	)
	s.sessions.RegisterHandler(
		SessionKindPunishment,
		&punishmentHandler{
			discord: s.discord,
			logger:  sessionLogger.With(loggerNameKey, "punishment"),
			window:  punishWindow,
			now:     time.Now,
		},
	)
}

func (s *Servitor) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := s.logger.With(loggerNameKey, "discord_session")

	if s.discord.session == nil {
		disc, discErr := s.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		s.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range s.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	s.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  s.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(s.RuntimeConfig()),
		},
	)

	s.discord.discordgoRemoveHandlerFuncs = []func(){
		s.discord.session.AddHandler(s.discord.handlerConnect()),
		s.discord.session.AddHandler(s.discord.handlerDisconnect()),
		s.discord.session.AddHandler(s.discord.handlerReady()),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := s.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					s.handleInteraction(ctx, handler)
				}()
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					s.handleDiscordMessage(ctx, m)
				}()
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					s.handleReactionAdd(ctx, r)
				}()
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					s.handleReactionRemove(ctx, r)
				}()
			},
		),
	}

	if s.getInteractionHandlerFunc == nil {
		s.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     s.discord.session,
				interaction: i,
				config:      s.RuntimeConfig(),
				logger: s.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// Pause stops new sessions from being started. It returns false if the
// bot was already paused.
func (s *Servitor) Pause(ctx context.Context) bool {
	if s.paused.Swap(true) {
		return false
	}
	s.logger.WarnContext(ctx, "bot paused")

	if s.discord.session != nil {
		if err := s.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			s.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
		}
	}
	s.setPausedColumn(ctx, true)
	return true
}

// Resume lifts a pause. It returns false if the bot wasn't paused.
func (s *Servitor) Resume(ctx context.Context) bool {
	if !s.paused.Swap(false) {
		s.logger.Warn("bot not paused")
		return false
	}
	s.logger.InfoContext(ctx, "bot resumed")

	if s.discord.session != nil {
		if err := s.discord.updateCustomStatus(s.RuntimeConfig().DiscordCustomStatus); err != nil {
			s.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
		}
	}
	s.setPausedColumn(ctx, false)
	return true
}

func (s *Servitor) setPausedColumn(ctx context.Context, paused bool) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.runtimeConfig == nil || s.runtimeConfig.Paused == paused {
		return
	}
	if _, err := s.writeDB.Update(ctx, s.runtimeConfig, columnRuntimeConfigPaused, paused); err != nil {
		s.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		return
	}
	s.runtimeConfig.Paused = paused
}

func (s *Servitor) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, s.logger)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// handleInteraction logs the interaction, and dispatches application
// commands
func (s *Servitor) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		logger = s.logger
	}

	if handler.Config().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				s.handleRecover(ctx, rc)
			}
		}()
	}

	u := getDiscordUser(i)
	if u == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(slog.Group("user", "id", u.ID, "username", u.Username))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, u, handler.InteractionReceiveMethod())
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := s.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if u.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		respond(ctx, handler, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		s.handleCommand(ctx, handler, u)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// opensSession reports whether the command may start a new session
func opensSession(command string) bool {
	switch command {
	case commandQuizStart, commandTrivia, commandPunish:
		return true
	default:
		return false
	}
}

func (s *Servitor) handleCommand(ctx context.Context, handler InteractionHandler, u *discordgo.User) {
	i := handler.GetInteraction()
	name := i.ApplicationCommandData().Name
	s.metrics.commandReceived(name)

	if i.GuildID == "" {
		respond(ctx, handler, ephemeralResponse("This command can only be used in a server."))
		return
	}
	s.ledger.grant(ctx, i.GuildID, u.ID, AchievementApplication)

	if opensSession(name) && s.paused.Load() {
		respond(ctx, handler, ephemeralResponse(pausedMessage))
		return
	}

	if ok, wait := s.cooldowns.Allow(name, i.GuildID, u.ID); !ok {
		s.ledger.grant(ctx, i.GuildID, u.ID, AchievementCooldown)
		respond(
			ctx,
			handler,
			ephemeralResponse(
				fmt.Sprintf(
					"You're using /%s too fast. Try again in %s.",
					name,
					wait.Round(time.Second),
				),
			),
		)
		return
	}

	switch name {
	case commandQuizStart:
		s.runQuizStart(ctx, handler, u)
	case commandTrivia:
		s.runTrivia(ctx, handler, u)
	case commandPunish:
		s.runPunish(ctx, handler, u)
	case commandSetPunishReq:
		s.runSetPunishReq(ctx, handler, u)
	case commandSetPunishTime:
		s.runSetPunishTime(ctx, handler, u)
	case commandSetChan:
		s.runSetChan(ctx, handler, u)
	case commandSetTimezone:
		s.runSetTimezone(ctx, handler, u)
	case commandShowSetup:
		s.runShowSetup(ctx, handler, u)
	case commandAchievements:
		s.runAchievements(ctx, handler, u)
	case commandQuizboard:
		s.runQuizboard(ctx, handler, u)
	case commandAnniv:
		s.runAnniv(ctx, handler, u)
	case commandSuggest:
		s.runSuggest(ctx, handler, u)
	case commandDecision:
		s.runDecision(ctx, handler, u)
	case commandLevel:
		s.runLevel(ctx, handler, u)
	case commandLevelboard:
		s.runLevelboard(ctx, handler, u)
	case commandAddExp:
		s.runAddExp(ctx, handler, u)
	case commandResetLevel:
		s.runResetLevel(ctx, handler, u)
	default:
		contextLoggerOr(ctx, s.logger).WarnContext(ctx, "unknown command", "command", name)
		respond(ctx, handler, ephemeralResponse(handler.Config().DiscordErrorMessage))
	}
}

// handleDiscordMessage checks guild messages against the open trivia,
// then the open quiz, and awards the author experience
func (s *Servitor) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if s.RuntimeConfig().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				s.handleRecover(ctx, rc)
			}
		}()
	}

	logger := contextLoggerOr(ctx, s.logger).With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		columnGuildID, m.GuildID,
	)
	ctx = WithLogger(ctx, logger)

	switch {
	case s.answerTrivia(ctx, m.Message):
		logger.InfoContext(ctx, "trivia answered", "user_id", m.Author.ID)
	case s.answerQuiz(ctx, m.Message):
		logger.InfoContext(ctx, "quiz answered", "user_id", m.Author.ID)
	}
	s.leveling.awardMessage(ctx, m.Message)
}
