package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// Store is the persistence boundary for ledger rows. A Store returned by
// Transaction is bound to that transaction.
type Store struct {
	db   *gorm.DB
	pool *pgxpool.Pool
}

// Open connects to Postgres (through a pgx pool) or SQLite depending on driver.
func Open(ctx context.Context, driver, source string, logger *zap.Logger) (*Store, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	}

	switch driver {
	case "postgres":
		config, err := pgxpool.ParseConfig(source)
		if err != nil {
			return nil, fmt.Errorf("unable to parse database config: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("unable to ping database: %w", err)
		}
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), gcfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("unable to open gorm: %w", err)
		}
		return &Store{db: db, pool: pool}, nil

	case "sqlite":
		dsn := source
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		db, err := gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("unable to open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection serialises statements
		// instead of surfacing SQLITE_BUSY to callers.
		sqlDB.SetMaxOpenConns(1)
		return &Store{db: db}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

// Pool exposes the pgx pool for bulk paths (nil on SQLite).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates tables and the partial index that keeps at most one open batch per payin.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&domain.PayoutRequest{},
		&domain.PayinRequest{},
		&domain.Batch{},
		&domain.IdempotencyRecord{},
		&domain.PaymentEvidence{},
		&domain.CallbackMessage{},
		&domain.ReconciliationFlag{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_open_payin
		ON batches (payin_id) WHERE state IN ('PENDING', 'SYS_CONFIRMED')`).Error
}

// Transaction runs fn inside a database transaction. Returning an error rolls back
// every row fn wrote.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx, pool: s.pool})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// IsUniqueViolation reports whether err is a unique-constraint failure on either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
