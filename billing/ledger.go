/*
ledger.go - Guardian account ledger

PURPOSE:
  The account ledger is the append-only record of what a guardian owes.
  Every confirmed snapshot posts a charge, every received payment posts a
  payment, and every recompute that changes a discount posts an
  adjustment. Carry-over is never stored on its own: it is the replay of
  the ledger up to the previous month.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. IDEMPOTENT: same idempotency key = same entry, retries are no-ops
  3. PERIOD-KEYED: each entry belongs to exactly one billing period

CARRY-OVER:
  carry_over(P) = sum(delta for entries with period < P)

  Positive: unpaid amount carried forward
  Negative: overpaid credit

EXAMPLE FLOW:
  1. March snapshot confirmed:  charge      +12000  (2025-03)
  2. Guardian pays 10000:       payment     -10000  (2025-03)
  3. Recompute adds FS -500:    adjustment    -500  (2025-03)
  4. April carry-over:          12000 - 10000 - 500 = 1500

SEE ALSO:
  - balance.go: Per-type summary of a guardian's account
  - invoice/writer.go: Posts charges and adjustments inside the snapshot tx
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ACCOUNT ENTRY
// =============================================================================

type EntryType string

const (
	EntryCharge     EntryType = "charge"
	EntryPayment    EntryType = "payment"
	EntryAdjustment EntryType = "adjustment"
)

func (t EntryType) Valid() bool {
	return t == EntryCharge || t == EntryPayment || t == EntryAdjustment
}

// AccountEntry is one immutable movement on a guardian's account.
type AccountEntry struct {
	ID             string
	TenantID       uuid.UUID
	GuardianID     GuardianID
	Period         Period
	Type           EntryType
	Delta          Yen
	SnapshotID     string
	IdempotencyKey string
	Reason         string
	CreatedAt      time.Time
}

// ChargeKey is the idempotency key of a snapshot's charge entry.
func ChargeKey(snapshotID string) string {
	return "charge:" + snapshotID
}

// AdjustmentKey is the idempotency key of a discount change on a snapshot.
// The update timestamp makes each recompute apply a distinct adjustment.
func AdjustmentKey(snapshotID string, at time.Time) string {
	return fmt.Sprintf("adjust:%s:%d", snapshotID, at.UnixNano())
}

// ChargeEntry returns the ledger charge for a freshly written snapshot.
func ChargeEntry(s Snapshot) AccountEntry {
	return AccountEntry{
		ID:             uuid.NewString(),
		TenantID:       s.TenantID,
		GuardianID:     s.GuardianID,
		Period:         s.Period,
		Type:           EntryCharge,
		Delta:          s.Charge(),
		SnapshotID:     s.ID,
		IdempotencyKey: ChargeKey(s.ID),
		Reason:         fmt.Sprintf("billing %s student %s", s.Period, s.StudentID),
		CreatedAt:      s.CreatedAt,
	}
}

// AdjustmentEntry returns the ledger entry for a discount change from
// oldTotal to newTotal. The caller skips zero deltas.
func AdjustmentEntry(s Snapshot, oldTotal, newTotal Yen, at time.Time, reason string) AccountEntry {
	return AccountEntry{
		ID:             uuid.NewString(),
		TenantID:       s.TenantID,
		GuardianID:     s.GuardianID,
		Period:         s.Period,
		Type:           EntryAdjustment,
		Delta:          newTotal - oldTotal,
		SnapshotID:     s.ID,
		IdempotencyKey: AdjustmentKey(s.ID, at),
		Reason:         reason,
		CreatedAt:      at,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the guardian account, read and appended through a LedgerStore.
type Ledger interface {
	// Append adds an entry. Fails with ErrDuplicateIdempotencyKey on retry.
	Append(ctx context.Context, entry AccountEntry) error

	// Entries returns the guardian's entries ordered by period then creation.
	Entries(ctx context.Context, tenantID uuid.UUID, guardianID GuardianID) ([]AccountEntry, error)

	// CarryOver is the balance of every entry strictly before period.
	CarryOver(ctx context.Context, tenantID uuid.UUID, guardianID GuardianID, period Period) (Yen, error)
}

type DefaultLedger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, entry AccountEntry) error {
	if !entry.Type.Valid() {
		return fmt.Errorf("invalid entry type %q", entry.Type)
	}
	if !entry.Period.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, entry.Period)
	}
	if entry.IdempotencyKey != "" {
		exists, err := l.Store.EntryExists(ctx, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendEntry(ctx, entry)
}

func (l *DefaultLedger) Entries(ctx context.Context, tenantID uuid.UUID, guardianID GuardianID) ([]AccountEntry, error) {
	return l.Store.LoadEntries(ctx, tenantID, guardianID)
}

func (l *DefaultLedger) CarryOver(ctx context.Context, tenantID uuid.UUID, guardianID GuardianID, period Period) (Yen, error) {
	entries, err := l.Store.LoadEntries(ctx, tenantID, guardianID)
	if err != nil {
		return 0, err
	}
	return CarryOverFrom(entries, period), nil
}

// CarryOverFrom replays entries strictly before period.
func CarryOverFrom(entries []AccountEntry, period Period) Yen {
	var carry Yen
	for _, e := range entries {
		if e.Period.Before(period) {
			carry += e.Delta
		}
	}
	return carry
}
