/*
Package postgres provides a PostgreSQL implementation of the billing ports
using gorm.

PURPOSE:
  Production persistence. Carries the same contract as store/sqlite:
  snapshots with embedded JSONB line documents, an append-only account
  ledger, discount instruments, masters, run audit and run locks.

RUN LOCKS:
  TryLock takes pg_try_advisory_lock(hashtext(key)) for every key on a
  connection pinned to the owner. Session-level advisory locks are tied
  to that connection, so Unlock releases on the same one and closes it.

TARGETED UPDATES:
  UpdateDiscounts uses Updates(map) naming exactly discounts,
  discount_total, total and updated_at. The export lock column is never
  part of an engine statement.

SEE ALSO:
  - store/sqlite: The reference behaviour for every port
  - billing/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/warp/tuition-billing/billing"
)

// Config holds connection settings.
type Config struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	Timezone string

	MaxIdleConns int
	MaxOpenConns int
	LogSQL       bool
}

func (c Config) DSN() string {
	tz := c.Timezone
	if tz == "" {
		tz = "Asia/Tokyo"
	}
	return "host=" + c.Host +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Name +
		" port=" + c.Port +
		" sslmode=" + c.SSLMode +
		" TimeZone=" + tz
}

// Store implements all storage interfaces on PostgreSQL.
type Store struct {
	repo

	sqlDB  *sql.DB
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*sql.Conn // run lock owner -> pinned session
}

// repo holds every statement. WithTx runs the same code on a gorm
// transaction handle.
type repo struct {
	db *gorm.DB
}

// Open connects and auto-migrates the schema.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	logLevel := logger.Silent
	if cfg.LogSQL {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db, cfg, log)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{
		repo:   repo{db: db},
		sqlDB:  sqlDB,
		logger: log,
		conns:  make(map[string]*sql.Conn),
	}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	log.Info("connected to PostgreSQL", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return s, nil
}

// AutoMigrate runs gorm auto-migration plus the partial unique index
// gorm tags cannot express.
func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&snapshotModel{},
		&entryModel{},
		&instrumentModel{},
		&productModel{},
		&courseModel{},
		&packModel{},
		&contractModel{},
		&guardianModel{},
		&studentModel{},
		&runModel{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_snapshots_live_key
		ON billing_snapshots (tenant_id, guardian_id, student_id, year, month)
		WHERE deleted_at IS NULL
	`).Error
}

func (s *Store) Close() error {
	s.mu.Lock()
	for owner, conn := range s.conns {
		conn.Close()
		delete(s.conns, owner)
	}
	s.mu.Unlock()
	return s.sqlDB.Close()
}

// =============================================================================
// TRANSACTIONS (billing.TxStore interface)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repo{db: tx})
	})
}

// Reset truncates every table. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec(`
		TRUNCATE billing_snapshots, account_entries, discount_instruments, products,
			courses, packs, contracts, guardians, students, billing_runs
	`).Error
}

// =============================================================================
// RUN LOCKS (billing.Locker interface)
// =============================================================================

func (s *Store) TryLock(ctx context.Context, owner string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[owner]
	if !ok {
		var err error
		conn, err = s.sqlDB.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to pin lock connection: %w", err)
		}
		s.conns[owner] = conn
	}

	var taken []string
	for _, key := range keys {
		var got bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&got); err != nil {
			s.releaseLocked(ctx, owner, taken)
			return fmt.Errorf("failed to take lock %s: %w", key, err)
		}
		if !got {
			s.releaseLocked(ctx, owner, taken)
			return fmt.Errorf("%w: %s", billing.ErrRunLocked, key)
		}
		taken = append(taken, key)
	}
	return nil
}

func (s *Store) Unlock(ctx context.Context, owner string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(ctx, owner, keys)
}

func (s *Store) releaseLocked(ctx context.Context, owner string, keys []string) error {
	conn, ok := s.conns[owner]
	if !ok {
		return nil
	}
	var firstErr error
	for _, key := range keys {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var held int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_locks WHERE locktype = 'advisory' AND pid = pg_backend_pid()`).Scan(&held); err == nil && held == 0 {
		conn.Close()
		delete(s.conns, owner)
	}
	if firstErr != nil {
		s.logger.Warn("advisory unlock failed", zap.String("owner", owner), zap.Error(firstErr))
	}
	return firstErr
}

// =============================================================================
// HELPERS
// =============================================================================

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func periodPtr(p *billing.Period) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}

func parsePeriodPtr(s *string) (*billing.Period, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	p, err := billing.ParsePeriod(*s)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t time.Time) time.Time { return t.UTC() }
