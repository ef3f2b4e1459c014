package invoice_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/invoice"
)

func writeOne(t *testing.T, w *invoice.Writer, consumed ...string) billing.Snapshot {
	t.Helper()
	snap, err := invoice.Assemble(
		[]billing.BillableItem{{ProductCode: "TUI", Type: billing.ItemTuition, Quantity: 1, BasePrice: 10000}},
		[]billing.DiscountLine{{Name: "FS", Amount: -1000, Kind: billing.KindFS, InstrumentID: "fs-1"}},
		0)
	require.NoError(t, err)
	snap.TenantID, snap.GuardianID, snap.StudentID, snap.Period = tenant, "g-1", "s-1", april

	written, err := w.Write(context.Background(), snap, consumed)
	require.NoError(t, err)
	return written
}

func TestWriter_Write_Atomic(t *testing.T) {
	// GIVEN: A consumed instrument that does not exist
	// WHEN: Writing
	// THEN: The whole write rolls back: no snapshot, no charge

	m := seed(t)
	ctx := context.Background()
	w := invoice.NewWriter(m, nil).WithClock(clock)

	snap, err := invoice.Assemble(
		[]billing.BillableItem{{ProductCode: "TUI", Type: billing.ItemTuition, Quantity: 1, BasePrice: 10000}}, nil, 0)
	require.NoError(t, err)
	snap.TenantID, snap.GuardianID, snap.StudentID, snap.Period = tenant, "g-1", "s-1", april

	_, err = w.Write(ctx, snap, []string{"missing"})
	assert.ErrorIs(t, err, billing.ErrInstrumentNotFound)

	assert.Empty(t, snapshotsOf(t, m))
	entries, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriter_Write_DuplicateKey(t *testing.T) {
	m := seed(t)
	w := invoice.NewWriter(m, nil).WithClock(clock)
	first := writeOne(t, w)

	dup := first
	dup.ID = ""
	_, err := w.Write(context.Background(), dup, nil)
	assert.ErrorIs(t, err, billing.ErrSnapshotExists)
}

func TestWriter_ReplaceDiscounts_PostsAdjustment(t *testing.T) {
	// GIVEN: A written snapshot with FS -1000
	// WHEN: Replacing discounts with FS -1000 and mile -500
	// THEN: Totals move by -500 and a -500 adjustment is posted

	m := seed(t)
	ctx := context.Background()
	w := invoice.NewWriter(m, nil).WithClock(clock)
	snap := writeOne(t, w, "fs-1")

	lines := append(append([]billing.DiscountLine(nil), snap.Discounts...),
		billing.DiscountLine{Name: "Mile", Amount: -500, Kind: billing.KindMile})
	updated, err := w.ReplaceDiscounts(ctx, snap.ID, lines, nil, "recompute mile")
	require.NoError(t, err)

	assert.Equal(t, snap.Total-500, updated.Total)
	assert.Equal(t, snap.Items, updated.Items)

	entries, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.EntryAdjustment, entries[1].Type)
	assert.Equal(t, billing.Yen(-500), entries[1].Delta)
	assert.Equal(t, "recompute mile", entries[1].Reason)
}

func TestWriter_ReplaceDiscounts_NoChangeNoEntry(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	w := invoice.NewWriter(m, nil).WithClock(clock)
	snap := writeOne(t, w)

	_, err := w.ReplaceDiscounts(ctx, snap.ID, snap.Discounts, nil, "noop")
	require.NoError(t, err)

	entries, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriter_Delete_ReversesCharge(t *testing.T) {
	// GIVEN: A written snapshot charging 9000
	// WHEN: Deleting it
	// THEN: It disappears from listings and the ledger nets to zero

	m := seed(t)
	ctx := context.Background()
	w := invoice.NewWriter(m, nil).WithClock(clock)
	snap := writeOne(t, w)

	require.NoError(t, w.Delete(ctx, snap.ID))

	assert.Empty(t, snapshotsOf(t, m))
	entries, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	var net billing.Yen
	for _, e := range entries {
		net += e.Delta
	}
	assert.Zero(t, net)

	assert.ErrorIs(t, w.Delete(ctx, snap.ID), billing.ErrSnapshotNotFound)
}

func TestWriter_Delete_RefusesExportLocked(t *testing.T) {
	m := seed(t)
	ctx := context.Background()
	w := invoice.NewWriter(m, nil).WithClock(clock)
	snap := writeOne(t, w)
	require.NoError(t, m.SetExportLock(ctx, snap.ID, true))

	err := w.Delete(ctx, snap.ID)
	assert.ErrorIs(t, err, billing.ErrSnapshotLocked)
	assert.Len(t, snapshotsOf(t, m), 1)
}
