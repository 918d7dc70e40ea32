package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/geostory/internal/config"
	"horse.fit/geostory/internal/faults"
)

var ErrNoRows = sql.ErrNoRows

type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

type Row struct {
	row *sql.Row
}

func (r *Row) Scan(dest ...any) error {
	if r == nil || r.row == nil {
		return ErrNoRows
	}
	return r.row.Scan(dest...)
}

type Rows struct {
	rows *sql.Rows
}

func (r *Rows) Next() bool {
	if r == nil || r.rows == nil {
		return false
	}
	return r.rows.Next()
}

func (r *Rows) Scan(dest ...any) error {
	if r == nil || r.rows == nil {
		return ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func (r *Rows) Err() error {
	if r == nil || r.rows == nil {
		return nil
	}
	return r.rows.Err()
}

func (r *Rows) Close() {
	if r == nil || r.rows == nil {
		return
	}
	_ = r.rows.Close()
}

// Querier runs raw SQL with $n placeholders. Both *Pool and the transaction
// handed to withTx implement it.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *Row
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

// gormQuerier adapts a gorm handle, either the pool or an open transaction.
type gormQuerier struct {
	db *gorm.DB
}

func (q gormQuerier) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if q.db == nil {
		return &Row{}
	}
	return &Row{row: q.db.WithContext(ctx).Raw(query, args...).Row()}
}

func (q gormQuerier) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if q.db == nil {
		return nil, errPoolClosed
	}
	rows, err := q.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (q gormQuerier) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if q.db == nil {
		return CommandTag{}, errPoolClosed
	}
	res := q.db.WithContext(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

var errPoolClosed = errors.New("database pool is not initialized")

// Pool owns the gorm connection to the geo schema.
type Pool struct {
	gormQuerier
	sqlDB  *sql.DB
	logger zerolog.Logger
}

func NewPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: newGormLogger(log, resolveGormLogLevel(cfg.LogLevel, cfg.Environment)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen := int(cfg.DBMaxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.DBMinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool := &Pool{
		gormQuerier: gormQuerier{db: gdb},
		sqlDB:       sqlDB,
		logger:      log,
	}
	if err := pool.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}

	return pool, nil
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

// Ping verifies the database still answers.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return errPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

// withTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (p *Pool) withTx(ctx context.Context, fn func(tx Querier) error) error {
	if p == nil || p.db == nil {
		return errPoolClosed
	}
	tx := p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback().Error
		}
	}()

	if err := fn(gormQuerier{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// notFound maps a missing row onto faults.ErrNotFound.
func notFound(err error, what string, id int64) error {
	if IsNoRows(err) {
		return fmt.Errorf("%w: %s %d", faults.ErrNotFound, what, id)
	}
	return err
}

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	level := strings.ToLower(strings.TrimSpace(appLogLevel))
	switch level {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}

// gormWriter sends gorm's formatted log lines to zerolog.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Info().Str("component", "gorm").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func newGormLogger(log zerolog.Logger, level logger.LogLevel) logger.Interface {
	return logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
