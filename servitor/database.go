package servitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dbTypeSQLite                              = "sqlite"
	dbTypePostgres                            = "postgres"
	postgresNotifyChannelRuntimeConfigUpdated = "servitor_reload_runtime_config"
	postgresNotifyChannelGuildSettings        = "servitor_reload_guild_settings"
	postgresNotifyChannelStop                 = "servitor_stop"
	recordSeparator                           = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
	dbListenRetryDelay    = 5 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (milliseconds)
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// allModels is every table managed by the bot, in migration order.
func allModels() []any {
	return []any{
		&RuntimeConfig{},
		&GuildSettings{},
		&Session{},
		&SessionParticipant{},
		&Achievement{},
		&AchievementCounter{},
		&Anniversary{},
		&Suggestion{},
		&SuggestionVote{},
		&InteractionLog{},
	}
}

// database wraps a gorm connection, serializing writes with a mutex
// unless concurrent writes are enabled (postgres).
// Write operations without a context deadline get dbOperationTimeout.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection. When
// enableConcurrentWrites is false, all writes are serialized.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout when ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database write operations.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// CreateDB opens the database of the given type ('sqlite' or 'postgres')
// and migrates every model.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(allModels()...)
		},
	)
}

// configureSQLite limits the pool to a single connection and applies
// sqliteExecPragma.
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

// getDB opens a gorm connection for the given database type, without
// migrating.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier notifies bot instances sharing a database of changes
// made by another instance.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig sends a notification to bot instances to
	// reload their runtime configuration from the DB
	ReloadRuntimeConfig(context.Context) bool

	GuildSettingsChannelName() string

	// GuildSettingsUpdated tells bot instances to drop their cached
	// settings for the given guild
	GuildSettingsUpdated(ctx context.Context, guildID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(s *Servitor) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(loggerNameKey, "db_notifier")
	switch s.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:         log,
			s:              s,
			sqliteNotifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			s:          s,
			logger:     log,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier delivers notifications in-process, as a sqlite
// database is never shared between running instances.
type sqliteNotifier struct {
	logger         *slog.Logger
	s              *Servitor
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.s.signalStop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.s.triggerRuntimeConfigRefreshCh <- true:
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
	return true
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (sqliteNotifier) GuildSettingsChannelName() string {
	return ""
}

// GuildSettingsUpdated is a no-op, the settings cache is only shared
// within this process and was already updated.
func (s *sqliteNotifier) GuildSettingsUpdated(ctx context.Context, guildID string) bool {
	s.logger.DebugContext(ctx, "guild settings updated", columnGuildID, guildID)
	return true
}

type postgresNotifier struct {
	s          *Servitor
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (postgresNotifier) GuildSettingsChannelName() string {
	return postgresNotifyChannelGuildSettings
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel, payload string) bool {
	err := p.s.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.Info("sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID())
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) GuildSettingsUpdated(ctx context.Context, guildID string) bool {
	return p.notify(
		ctx,
		p.GuildSettingsChannelName(),
		newGuildSettingsNotificationMessage(p.ID(), guildID),
	)
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.s.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbListenRetryDelay):
			}
			continue
		}
		if notification.Payload == p.ID() {
			logger.Debug("Received notification from self, ignoring")
			continue
		}

		switch channel {
		case p.RuntimeConfigChannelName():
			logger.InfoContext(ctx, "Received notification for runtime config update")
			select {
			case p.s.triggerRuntimeConfigRefreshCh <- true:
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending config refresh signal")
			}
		case p.GuildSettingsChannelName():
			notifierID, guildID := parseGuildSettingsNotification(notification.Payload)
			if notifierID == p.ID() {
				continue
			}
			select {
			case p.s.triggerGuildSettingsRefreshCh <- guildID:
				logger.Info("sent guild settings refresh", columnGuildID, guildID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending guild settings refresh", columnGuildID, guildID)
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.s.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseGuildSettingsNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildSettingsNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
