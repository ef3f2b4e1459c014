/*
store.go - Persistence ports for snapshots, the account ledger and runs

PURPOSE:
  Defines the interface between billing logic and the database. The
  engine needs exactly two kinds of write on a confirmed snapshot: create
  it, and replace its discount fields. Everything else is read-only.

KEY INTERFACES:
  Store:    Snapshot + ledger + instrument-usage persistence
  TxStore:  Store with WithTx for atomic per-record writes
  Locker:   Advisory run locks per (tenant, period)
  RunStore: Audit of generate/recompute runs

TARGETED UPDATES:
  UpdateDiscounts writes discounts, discount_total, total and updated_at
  and nothing else. Columns owned by other processes (the export lock
  flag) are never part of the statement.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and dev
  - store/sqlite: database/sql + go-sqlite3
  - store/postgres: gorm + pgx, advisory locks

SEE ALSO:
  - ledger.go: DefaultLedger built on LedgerStore
  - invoice/writer.go: The only writer of snapshots
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

type SnapshotStore interface {
	// CreateSnapshot inserts a new snapshot. Fails with ErrSnapshotExists if
	// a live snapshot with the same natural key exists.
	CreateSnapshot(ctx context.Context, snap Snapshot) error

	// GetSnapshot returns ErrSnapshotNotFound for unknown or deleted IDs.
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// FindSnapshot looks up the live snapshot for a natural key.
	FindSnapshot(ctx context.Context, key Key) (*Snapshot, error)

	// ListSnapshots returns matching snapshots in SortSnapshots order.
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error)

	// UpdateDiscounts applies a targeted discount patch.
	UpdateDiscounts(ctx context.Context, id string, patch DiscountPatch) error

	// DeleteSnapshot sets DeletedAt. Rows are never removed.
	DeleteSnapshot(ctx context.Context, id string, at time.Time) error
}

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

type LedgerStore interface {
	// AppendEntry persists an entry. Fails if the idempotency key exists.
	AppendEntry(ctx context.Context, entry AccountEntry) error

	// LoadEntries returns the guardian's entries ordered by period, then
	// creation time.
	LoadEntries(ctx context.Context, tenantID uuid.UUID, guardianID GuardianID) ([]AccountEntry, error)

	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// INSTRUMENT USAGE
// =============================================================================

// UsageStore records one-shot discount instruments as consumed.
type UsageStore interface {
	// MarkInstrumentUsed sets status=used and used_period. Marking an
	// instrument already used in the same period is a no-op.
	MarkInstrumentUsed(ctx context.Context, instrumentID string, period Period) error
}

// Store is what a single-record transaction can touch.
type Store interface {
	SnapshotStore
	LedgerStore
	UsageStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOCKS AND RUNS
// =============================================================================

// Locker grants advisory locks. TryLock acquires every key or none and
// fails with ErrRunLocked when any key is held by another owner.
type Locker interface {
	TryLock(ctx context.Context, owner string, keys []string) error
	Unlock(ctx context.Context, owner string, keys []string) error
}

type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)

	// HasCompletedRun reports whether a non-dry run of kind finished for
	// the tenant (nil = all tenants) and period.
	HasCompletedRun(ctx context.Context, kind RunKind, tenantID *uuid.UUID, period Period) (bool, error)
}
