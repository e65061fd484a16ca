package dismod

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
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
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// migratedModels are the tables created by [CreateDB]
var migratedModels = []any{
	&ModCase{},
	&CaseSequence{},
	&GuildSettings{},
	&RuntimeConfig{},
	&InteractionLog{},
}

// DBI defines the interface for write operations. With SQLite,
// [database] serializes all writes behind a mutex.
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

// database wraps a gorm connection. When enableConcurrentWrites is false
// (SQLite), every write holds mu for its duration. Operations without a
// deadline get dbOperationTimeout.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps db. If log is nil, the default logger is used.
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

// begin acquires the write lock and applies the default operation
// timeout. The returned func must be called when the write completes.
func (d *database) begin(ctx context.Context) (*gorm.DB, func()) {
	d.Lock()
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return d.db.WithContext(ctx), func() {
		cancel()
		d.Unlock()
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	db, done := d.begin(ctx)
	defer done()

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
	db, done := d.begin(ctx)
	defer done()

	rv := db.Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	db, done := d.begin(ctx)
	defer done()

	return db.Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	db, done := d.begin(ctx)
	defer done()

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
	db, done := d.begin(ctx)
	defer done()

	rv := db.Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	db, done := d.begin(ctx)
	defer done()

	rv := db.Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	db, done := d.begin(ctx)
	defer done()

	rv := db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens the database and migrates all tables.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	return createDB(ctx, os.Stdout, databaseType, database)
}

func createDB(
	ctx context.Context,
	w io.Writer,
	databaseType string,
	database string,
) (*gorm.DB, error) {
	handler := tint.NewHandler(
		w,
		&tint.Options{Level: slog.LevelWarn, AddSource: true},
	)

	slog.New(handler).InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(
		databaseType,
		database,
		newGORMLogger(handler, DefaultDatabaseSlowThreshold),
	)
	if err != nil {
		return db, err
	}

	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Migrator().AutoMigrate(migratedModels...); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			return nil
		},
	)
}

// getDB opens a gorm connection for the given database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: logger for database operations
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
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

// configureSQLite applies connection limits and pragmas. SQLite gets a
// single open connection, so gorm never contends with itself for the
// write lock.
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}
	return nil
}
