// Package db stores accounts, proxies and the mailbox purge queue in
// PostgreSQL.
//
// Database implements the persistence collaborators of the synchronization
// core: the pool's account and proxy sources, the syncer's account store,
// the controller's account lister and purge sink.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/mailarchive/config"
	"github.com/migadu/mailarchive/logger"
	"github.com/migadu/mailarchive/pkg/metrics"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

type Database struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	QueryTimeout    time.Duration
	LogQueries      bool
	AutoMigrate     bool
}

// OptionsFromConfig converts the [database] section into pool options.
func OptionsFromConfig(cfg *config.DatabaseConfig) (Options, error) {
	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return Options{}, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	idle, err := cfg.GetMaxConnIdleTime()
	if err != nil {
		return Options{}, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid query_timeout: %w", err)
	}
	return Options{
		MaxConns:        int32(cfg.MaxConns),
		MinConns:        int32(cfg.MinConns),
		MaxConnLifetime: lifetime,
		MaxConnIdleTime: idle,
		QueryTimeout:    queryTimeout,
		LogQueries:      cfg.LogQueries,
		AutoMigrate:     cfg.AutoMigrate,
	}, nil
}

// NewDatabaseFromConfig connects using the [database] section.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewDatabase(ctx, cfg.ConnString(), opts)
}

// NewDatabase creates the connection pool, verifies connectivity and, when
// requested, applies pending migrations.
func NewDatabase(ctx context.Context, connString string, opts Options) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if opts.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	logger.Info("Connecting to database",
		"host", poolConfig.ConnConfig.Host,
		"port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database,
		"user", poolConfig.ConnConfig.User)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	if opts.AutoMigrate {
		if err := Migrate(ctx, connString); err != nil {
			pool.Close()
			return nil, err
		}
	}

	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Database{pool: pool, queryTimeout: queryTimeout}, nil
}

// Migrate applies all pending migrations embedded in MigrationsFS.
func Migrate(ctx context.Context, connString string) error {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info("Database schema is up to date", "version", version, "dirty", dirty)
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

func (db *Database) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping checks database connectivity.
func (db *Database) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	operation string
	start     time.Time
}

func (db *Database) beginTx(ctx context.Context, operation string) (*measuredTx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	return &measuredTx{Tx: tx, operation: operation, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	metrics.DBQueriesTotal.WithLabelValues(mtx.operation, metrics.Status(err)).Inc()
	metrics.ObserveSince(metrics.DBQueryDuration.WithLabelValues(mtx.operation), mtx.start)
	return err
}

// timedQueryRow wraps QueryRow with duration metrics. Errors surface on Scan.
func (db *Database) timedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.pool.QueryRow(ctx, sql, args...)
	metrics.ObserveSince(metrics.DBQueryDuration.WithLabelValues(operation), start)
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row
}

func (db *Database) timedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.pool.Query(ctx, sql, args...)
	metrics.ObserveSince(metrics.DBQueryDuration.WithLabelValues(operation), start)
	metrics.DBQueriesTotal.WithLabelValues(operation, metrics.Status(err)).Inc()
	return rows, err
}
