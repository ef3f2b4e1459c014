package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// WRITER - The only path that persists snapshot changes
// =============================================================================

// Writer persists snapshots together with their ledger movements. Each
// call is one transaction: partial writes are never observable.
type Writer struct {
	store  billing.TxStore
	logger *zap.Logger
	now    func() time.Time
}

func NewWriter(store billing.TxStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the timestamp source.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Write creates snap, marks consumed one-shot instruments used for its
// period and posts the ledger charge.
func (w *Writer) Write(ctx context.Context, snap billing.Snapshot, consumed []string) (billing.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	at := w.now().UTC()
	snap.CreatedAt = at
	snap.UpdatedAt = at
	snap.SchemaVersion = billing.SchemaVersion

	if err := snap.CheckInvariants(); err != nil {
		return billing.Snapshot{}, err
	}

	err := w.store.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.CreateSnapshot(ctx, snap); err != nil {
			return err
		}
		for _, id := range consumed {
			if err := tx.MarkInstrumentUsed(ctx, id, snap.Period); err != nil {
				return fmt.Errorf("mark instrument %s used: %w", id, err)
			}
		}
		return billing.NewLedger(tx).Append(ctx, billing.ChargeEntry(snap))
	})
	if err != nil {
		return billing.Snapshot{}, err
	}

	w.logger.Debug("snapshot written",
		zap.String("snapshot_id", snap.ID),
		zap.String("tenant_id", snap.TenantID.String()),
		zap.String("guardian_id", string(snap.GuardianID)),
		zap.String("student_id", string(snap.StudentID)),
		zap.Int64("total", int64(snap.Total)))
	return snap, nil
}

// ReplaceDiscounts swaps the snapshot's discount lines. Only discounts,
// discount_total, total and updated_at change; the export lock flag and
// every other column are left alone. A changed total posts an adjustment.
func (w *Writer) ReplaceDiscounts(ctx context.Context, id string, lines []billing.DiscountLine, consumed []string, reason string) (billing.Snapshot, error) {
	var updated billing.Snapshot
	err := w.store.WithTx(ctx, func(tx billing.Store) error {
		current, err := tx.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}

		at := w.now().UTC()
		patch, err := billing.PatchDiscounts(*current, lines, at)
		if err != nil {
			return err
		}
		if err := tx.UpdateDiscounts(ctx, id, patch); err != nil {
			return err
		}
		for _, instrumentID := range consumed {
			if err := tx.MarkInstrumentUsed(ctx, instrumentID, current.Period); err != nil {
				return fmt.Errorf("mark instrument %s used: %w", instrumentID, err)
			}
		}
		if patch.Total != current.Total {
			entry := billing.AdjustmentEntry(*current, current.Total, patch.Total, at, reason)
			if err := billing.NewLedger(tx).Append(ctx, entry); err != nil {
				return err
			}
		}

		updated = patch.Apply(*current)
		return updated.CheckInvariants()
	})
	if err != nil {
		return billing.Snapshot{}, err
	}
	return updated, nil
}

// Delete logically deletes a snapshot and reverses its charge on the
// ledger. Snapshots locked by export are refused with ErrSnapshotLocked.
func (w *Writer) Delete(ctx context.Context, id string) error {
	return w.store.WithTx(ctx, func(tx billing.Store) error {
		current, err := tx.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if current.Locked {
			return fmt.Errorf("%w: %s", billing.ErrSnapshotLocked, id)
		}

		at := w.now().UTC()
		if err := tx.DeleteSnapshot(ctx, id, at); err != nil {
			return err
		}
		charge := current.Charge()
		if charge == 0 {
			return nil
		}
		entry := billing.AdjustmentEntry(*current, charge, 0, at, "snapshot deleted")
		entry.IdempotencyKey = "delete:" + id
		return billing.NewLedger(tx).Append(ctx, entry)
	})
}
