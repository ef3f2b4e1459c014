package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/billing/store"
)

var (
	tenant = uuid.MustParse("00000000-0000-0000-0000-0000000000b8")
	april  = billing.MustPeriod(2025, 4)
)

func snapshot(id string) billing.Snapshot {
	return billing.Snapshot{
		ID: id, TenantID: tenant, GuardianID: "g-1", StudentID: "s-1", Period: april,
		SchemaVersion: billing.SchemaVersion,
		Items:         []billing.ItemLine{{ProductCode: "TUI", Type: billing.ItemTuition, Quantity: 1, UnitPrice: 5000, Amount: 5000}},
		Subtotal:      5000,
		Total:         5000,
	}
}

func TestMemory_WithTx_RollsBack(t *testing.T) {
	// GIVEN: A transaction that writes a snapshot and an entry, then fails
	// WHEN: WithTx returns
	// THEN: Neither write is visible

	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.CreateSnapshot(ctx, snapshot("snap-1")))
		require.NoError(t, tx.AppendEntry(ctx, billing.AccountEntry{
			ID: "e-1", TenantID: tenant, GuardianID: "g-1", Period: april,
			Type: billing.EntryCharge, Delta: 5000, IdempotencyKey: "charge:snap-1",
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetSnapshot(ctx, "snap-1")
	assert.ErrorIs(t, err, billing.ErrSnapshotNotFound)
	exists, err := m.EntryExists(ctx, "charge:snap-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_SnapshotsAreCopies(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateSnapshot(ctx, snapshot("snap-1")))

	got, err := m.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	got.Items[0].Amount = 1

	again, err := m.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, billing.Yen(5000), again.Items[0].Amount)
}

func TestMemory_DeleteFreesKey(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateSnapshot(ctx, snapshot("snap-1")))
	assert.ErrorIs(t, m.CreateSnapshot(ctx, snapshot("snap-2")), billing.ErrSnapshotExists)

	require.NoError(t, m.DeleteSnapshot(ctx, "snap-1", time.Now()))
	require.NoError(t, m.CreateSnapshot(ctx, snapshot("snap-2")))

	all, err := m.ListSnapshots(ctx, billing.SnapshotFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_Locks(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	key := billing.LockKey(tenant, april)

	require.NoError(t, m.TryLock(ctx, "run-a", []string{key}))
	assert.ErrorIs(t, m.TryLock(ctx, "run-b", []string{key}), billing.ErrRunLocked)

	require.NoError(t, m.Unlock(ctx, "run-b", []string{key}))
	assert.ErrorIs(t, m.TryLock(ctx, "run-b", []string{key}), billing.ErrRunLocked)

	require.NoError(t, m.Unlock(ctx, "run-a", []string{key}))
	assert.NoError(t, m.TryLock(ctx, "run-b", []string{key}))
}

func TestMemory_HasCompletedRun_IgnoresDryRuns(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	year, month := april.Year, int(april.Month)

	require.NoError(t, m.SaveRun(ctx, billing.RunRecord{ID: "run-1", Kind: billing.RunGenerate,
		TenantID: &tenant, Year: &year, Month: &month, DryRun: true, Status: billing.RunCompleted}))
	done, err := m.HasCompletedRun(ctx, billing.RunGenerate, &tenant, april)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, m.SaveRun(ctx, billing.RunRecord{ID: "run-2", Kind: billing.RunGenerate,
		TenantID: &tenant, Year: &year, Month: &month, Status: billing.RunCompleted}))
	done, err = m.HasCompletedRun(ctx, billing.RunGenerate, &tenant, april)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = m.HasCompletedRun(ctx, billing.RunGenerate, nil, april)
	require.NoError(t, err)
	assert.False(t, done, "an all-tenant check does not match a tenant run")
}
