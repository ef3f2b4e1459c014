/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every billing persistence port (snapshots, account ledger,
  instrument usage, run audit, run locks) plus the master-data sources
  the engine reads once per run. The default backend for local use and
  tests; store/postgres carries the same contract for production.

INTERFACES IMPLEMENTED:
  billing.TxStore:   Snapshots, ledger, instrument usage, WithTx
  billing.Locker:    Advisory run locks (run_locks table)
  billing.RunStore:  Run audit (billing_runs table)
  catalog.Source, directory.Source, discount.Source: masters
  factory.MasterWriter: master upserts

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on account_entries
  - Snapshots are never hard-deleted (deleted_at)
  - The only snapshot UPDATE touches discounts_json, discount_total,
    total and updated_at

KEY TABLES:
  snapshots:            Confirmed billing, lines embedded as JSON documents
  account_entries:      Guardian account ledger (charges, payments, adjustments)
  discount_instruments: FS / shawari / family / manual grants
  products, courses, packs, contracts, guardians, students: masters
  billing_runs:         Audit of generate/recompute runs
  run_locks:            Single writer per (tenant, period)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so
  ":memory:" databases are shared by every statement.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). Schema migration tooling is out of
  scope for this repository.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - store/postgres: gorm implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/tuition-billing/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Snapshots (confirmed billing, one live row per natural key)
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		guardian_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		schema_version INTEGER NOT NULL DEFAULT 1,
		items_json TEXT NOT NULL,
		discounts_json TEXT NOT NULL,
		subtotal INTEGER NOT NULL,
		discount_total INTEGER NOT NULL,
		carry_over INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_live_key
		ON snapshots(tenant_id, guardian_id, student_id, year, month)
		WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_snapshots_period
		ON snapshots(year, month, tenant_id);

	-- Account ledger (append-only)
	CREATE TABLE IF NOT EXISTS account_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		guardian_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		snapshot_id TEXT,
		idempotency_key TEXT UNIQUE,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_guardian
		ON account_entries(tenant_id, guardian_id, year, month);

	-- Discount instruments
	CREATE TABLE IF NOT EXISTS discount_instruments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		guardian_id TEXT NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		valid_from TEXT,
		valid_until TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		calc TEXT NOT NULL DEFAULT 'fixed',
		value TEXT,
		used_period TEXT,
		product_code TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_instruments_tenant
		ON discount_instruments(tenant_id, guardian_id);

	-- Catalog masters
	CREATE TABLE IF NOT EXISTS products (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		item_type TEXT NOT NULL,
		price INTEGER NOT NULL,
		enrollment_price INTEGER,
		monthly_prices_json TEXT,
		mile INTEGER NOT NULL DEFAULT 0,
		discount_max INTEGER NOT NULL DEFAULT 0,
		available_months_json TEXT
	);

	CREATE TABLE IF NOT EXISTS courses (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		promotional BOOLEAN NOT NULL DEFAULT FALSE,
		items_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS packs (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		promotional BOOLEAN NOT NULL DEFAULT FALSE,
		items_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		course_code TEXT NOT NULL DEFAULT '',
		pack_code TEXT NOT NULL DEFAULT '',
		ticket_codes_json TEXT,
		textbook_codes_json TEXT,
		enrollment_month TEXT,
		start_month TEXT NOT NULL,
		end_month TEXT,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_tenant_student
		ON contracts(tenant_id, student_id);

	-- Directory
	CREATE TABLE IF NOT EXISTS guardians (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		guardian_id TEXT NOT NULL,
		name TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_students_guardian
		ON students(guardian_id);

	-- Runs (generate and recompute audit)
	CREATE TABLE IF NOT EXISTS billing_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		tenant_id TEXT,
		year INTEGER,
		month INTEGER,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		force_run BOOLEAN NOT NULL DEFAULT FALSE,
		kinds TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		previewed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		not_found INTEGER NOT NULL DEFAULT 0,
		malformed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_billing_runs_kind_period
		ON billing_runs(kind, year, month, status);

	-- Run locks
	CREATE TABLE IF NOT EXISTS run_locks (
		lock_key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. The parent's
// mutex is already held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateSnapshot(ctx context.Context, snap billing.Snapshot) error {
	return createSnapshot(ctx, ts.tx, snap)
}

func (ts *txStore) GetSnapshot(ctx context.Context, id string) (*billing.Snapshot, error) {
	return getSnapshot(ctx, ts.tx, id)
}

func (ts *txStore) FindSnapshot(ctx context.Context, key billing.Key) (*billing.Snapshot, error) {
	return findSnapshot(ctx, ts.tx, key)
}

func (ts *txStore) ListSnapshots(ctx context.Context, filter billing.SnapshotFilter) ([]billing.Snapshot, error) {
	return listSnapshots(ctx, ts.tx, filter)
}

func (ts *txStore) UpdateDiscounts(ctx context.Context, id string, patch billing.DiscountPatch) error {
	return updateDiscounts(ctx, ts.tx, id, patch)
}

func (ts *txStore) DeleteSnapshot(ctx context.Context, id string, at time.Time) error {
	return deleteSnapshot(ctx, ts.tx, id, at)
}

func (ts *txStore) AppendEntry(ctx context.Context, entry billing.AccountEntry) error {
	return appendEntry(ctx, ts.tx, entry)
}

func (ts *txStore) LoadEntries(ctx context.Context, tenantID uuid.UUID, guardianID billing.GuardianID) ([]billing.AccountEntry, error) {
	return loadEntries(ctx, ts.tx, tenantID, guardianID)
}

func (ts *txStore) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return entryExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) MarkInstrumentUsed(ctx context.Context, id string, period billing.Period) error {
	return markInstrumentUsed(ctx, ts.tx, id, period)
}

// Reset drops every row. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"snapshots", "account_entries", "discount_instruments",
		"products", "courses", "packs", "contracts",
		"guardians", "students", "billing_runs", "run_locks",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("reset %s: %w", t, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullPeriod(p *billing.Period) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: p.String(), Valid: true}
}

func parseNullPeriod(ns sql.NullString) (*billing.Period, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	p, err := billing.ParsePeriod(ns.String)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
