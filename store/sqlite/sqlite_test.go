package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
)

var (
	tenant = uuid.MustParse("00000000-0000-0000-0000-0000000000a7")
	april  = billing.MustPeriod(2025, 4)
	stamp  = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testSnapshot(id string, student billing.StudentID) billing.Snapshot {
	return billing.Snapshot{
		ID:            id,
		TenantID:      tenant,
		GuardianID:    "g-1",
		StudentID:     student,
		Period:        april,
		SchemaVersion: billing.SchemaVersion,
		Items: []billing.ItemLine{
			{ProductCode: "TUI", Name: "Tuition", Type: billing.ItemTuition, Quantity: 1, UnitPrice: 10000, Amount: 10000, Mile: 2},
		},
		Discounts: []billing.DiscountLine{
			{Name: "Friend referral discount", Amount: -1000, Kind: billing.KindFS, InstrumentID: "fs-1"},
		},
		Subtotal:      10000,
		DiscountTotal: -1000,
		Total:         9000,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestSnapshots_RoundTrip(t *testing.T) {
	// GIVEN: A snapshot with items and discounts
	// WHEN: Creating it and reading it back by ID and by key
	// THEN: The stored document decodes to the same snapshot

	s := newStore(t)
	ctx := context.Background()
	want := testSnapshot("snap-1", "s-1")
	require.NoError(t, s.CreateSnapshot(ctx, want))

	got, err := s.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	byKey, err := s.FindSnapshot(ctx, want.Key())
	require.NoError(t, err)
	assert.Equal(t, "snap-1", byKey.ID)
}

func TestSnapshots_LiveKeyIsUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")))

	err := s.CreateSnapshot(ctx, testSnapshot("snap-2", "s-1"))
	assert.ErrorIs(t, err, billing.ErrSnapshotExists)

	// A deleted row frees its key.
	require.NoError(t, s.DeleteSnapshot(ctx, "snap-1", stamp))
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-2", "s-1")))
}

func TestSnapshots_DeleteHidesRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")))
	require.NoError(t, s.DeleteSnapshot(ctx, "snap-1", stamp))

	_, err := s.GetSnapshot(ctx, "snap-1")
	assert.ErrorIs(t, err, billing.ErrSnapshotNotFound)

	snaps, err := s.ListSnapshots(ctx, billing.SnapshotFilter{TenantID: &tenant})
	require.NoError(t, err)
	assert.Empty(t, snaps)

	assert.ErrorIs(t, s.DeleteSnapshot(ctx, "snap-1", stamp), billing.ErrSnapshotNotFound)
}

func TestSnapshots_UpdateDiscounts(t *testing.T) {
	// GIVEN: A stored snapshot with FS -1000
	// WHEN: Patching in a mile line
	// THEN: Only the discount columns and updated_at move

	s := newStore(t)
	ctx := context.Background()
	snap := testSnapshot("snap-1", "s-1")
	require.NoError(t, s.CreateSnapshot(ctx, snap))

	lines := append(append([]billing.DiscountLine(nil), snap.Discounts...),
		billing.DiscountLine{Name: "Mile discount (3 miles)", Amount: -500, Kind: billing.KindMile})
	later := stamp.Add(time.Hour)
	patch, err := billing.PatchDiscounts(snap, lines, later)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDiscounts(ctx, "snap-1", patch))

	got, err := s.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, lines, got.Discounts)
	assert.Equal(t, billing.Yen(-1500), got.DiscountTotal)
	assert.Equal(t, billing.Yen(8500), got.Total)
	assert.Equal(t, snap.Items, got.Items)
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(stamp))

	assert.ErrorIs(t, s.UpdateDiscounts(ctx, "missing", patch), billing.ErrSnapshotNotFound)
}

func TestSnapshots_ListFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")))
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-2", "s-2")))
	may := testSnapshot("snap-3", "s-1")
	may.Period = april.Next()
	require.NoError(t, s.CreateSnapshot(ctx, may))

	month := 4
	byMonth, err := s.ListSnapshots(ctx, billing.SnapshotFilter{TenantID: &tenant, Year: &april.Year, Month: &month})
	require.NoError(t, err)
	assert.Len(t, byMonth, 2)

	student := billing.StudentID("s-1")
	byStudent, err := s.ListSnapshots(ctx, billing.SnapshotFilter{StudentID: &student})
	require.NoError(t, err)
	assert.Len(t, byStudent, 2)

	other := uuid.New()
	none, err := s.ListSnapshots(ctx, billing.SnapshotFilter{TenantID: &other})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnapshots_ExportLock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")))

	require.NoError(t, s.SetExportLock(ctx, "snap-1", true))
	got, err := s.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.True(t, got.Locked)

	assert.ErrorIs(t, s.SetExportLock(ctx, "missing", true), billing.ErrSnapshotNotFound)
}

func TestSnapshots_LegacyRowDecodes(t *testing.T) {
	// GIVEN: A schema-0 row written as a flat JSON array
	// WHEN: Reading it
	// THEN: Items and discounts are recovered from the legacy shape

	s := newStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ('legacy-1', ?, 'g-1', 's-1', 2024, 3, 0,
			'[{"product_code": "TUI", "name": "Tuition", "item_type": "tuition", "price": 10000}]',
			'[{"name": "Old FS", "amount": "-1000.00", "type": "fs_discount"}]',
			10000, -1000, 0, 9000, 0, ?, ?, NULL)
	`, tenant.String(), formatTime(stamp), formatTime(stamp))
	require.NoError(t, err)

	got, err := s.GetSnapshot(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.SchemaVersion)
	require.Len(t, got.Items, 1)
	assert.Equal(t, billing.Yen(10000), got.Items[0].Amount)
	require.Len(t, got.Discounts, 1)
	assert.Equal(t, billing.KindFS, got.Discounts[0].Kind)
	assert.Equal(t, billing.Yen(-1000), got.Discounts[0].Amount)
}

// =============================================================================
// LEDGER AND INSTRUMENTS
// =============================================================================

func TestLedger_IdempotencyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	entry := billing.AccountEntry{
		ID: "e-1", TenantID: tenant, GuardianID: "g-1", Period: april,
		Type: billing.EntryCharge, Delta: 9000, SnapshotID: "snap-1",
		IdempotencyKey: billing.ChargeKey("snap-1"), CreatedAt: stamp,
	}
	require.NoError(t, s.AppendEntry(ctx, entry))

	dup := entry
	dup.ID = "e-2"
	assert.ErrorIs(t, s.AppendEntry(ctx, dup), billing.ErrDuplicateIdempotencyKey)

	exists, err := s.EntryExists(ctx, billing.ChargeKey("snap-1"))
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := s.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.Yen(9000), entries[0].Delta)
	assert.Equal(t, april, entries[0].Period)
}

func TestInstruments_MarkUsed(t *testing.T) {
	// GIVEN: An active one-shot FS instrument
	// WHEN: Marking it used in April, then again in April and in May
	// THEN: April is idempotent and May is refused

	s := newStore(t)
	ctx := context.Background()
	value := decimal.NewFromInt(15)
	require.NoError(t, s.SaveInstruments(ctx, []discount.Attrs{{
		ID: "fs-1", TenantID: tenant, Kind: billing.KindFS, GuardianID: "g-1",
		Status: discount.StatusActive, Calc: discount.CalcPercentage, Value: &value,
	}}))

	require.NoError(t, s.MarkInstrumentUsed(ctx, "fs-1", april))
	require.NoError(t, s.MarkInstrumentUsed(ctx, "fs-1", april))
	assert.ErrorIs(t, s.MarkInstrumentUsed(ctx, "fs-1", april.Next()), billing.ErrInstrumentConsumed)
	assert.ErrorIs(t, s.MarkInstrumentUsed(ctx, "missing", april), billing.ErrInstrumentNotFound)

	got, err := s.Instruments(ctx, &tenant)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, discount.StatusUsed, got[0].Status)
	require.NotNil(t, got[0].UsedPeriod)
	assert.Equal(t, april, *got[0].UsedPeriod)
	require.NotNil(t, got[0].Value)
	assert.True(t, got[0].Value.Equal(value))
}

func TestInstruments_UnparseableValueLeftNil(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discount_instruments (`+instrumentColumns+`)
		VALUES ('fs-9', ?, 'fs', 'g-1', '', '', NULL, NULL, 'active', 'fixed', 'abc', NULL, '')
	`, tenant.String())
	require.NoError(t, err)

	got, err := s.Instruments(ctx, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Value)
}

// =============================================================================
// MASTERS
// =============================================================================

func TestMasters_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	enrollment := billing.Yen(6000)

	products := []catalog.Product{{
		Code: "TUI", Name: "Tuition", Type: billing.ItemTuition, Price: 12000,
		EnrollmentPrice: &enrollment, MonthlyPrices: map[time.Month]billing.Yen{time.August: 0},
		Mile: 1, DiscountMax: 3000, AvailableMonths: []time.Month{time.April, time.May},
	}}
	require.NoError(t, s.SaveProducts(ctx, products))
	gotProducts, err := s.Products(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(products, gotProducts); diff != "" {
		t.Errorf("products mismatch (-want +got):\n%s", diff)
	}

	packs := []catalog.Pack{{Code: "DUO", Name: "Duo", Promotional: true,
		Items: []catalog.ItemRef{{ProductCode: "TUI", Quantity: 2}}}}
	require.NoError(t, s.SavePacks(ctx, packs))
	gotPacks, err := s.Packs(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(packs, gotPacks); diff != "" {
		t.Errorf("packs mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.SaveGuardians(ctx, []directory.Guardian{{ID: "g-1", TenantID: tenant, Name: "Sato"}}))
	require.NoError(t, s.SaveStudents(ctx, []directory.Student{{ID: "s-1", TenantID: tenant, GuardianID: "g-1", Name: "Mei"}}))
	guardians, err := s.Guardians(ctx, &tenant)
	require.NoError(t, err)
	assert.Len(t, guardians, 1)
	students, err := s.Students(ctx, &tenant)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, billing.GuardianID("g-1"), students[0].GuardianID)

	contracts := []catalog.Contract{{ID: "k-1", TenantID: tenant, StudentID: "s-1", PackCode: "DUO",
		StartMonth: april, Status: catalog.ContractActive}}
	require.NoError(t, s.SaveContracts(ctx, contracts))
	gotContracts, err := s.Contracts(ctx, &tenant)
	require.NoError(t, err)
	require.Len(t, gotContracts, 1)
	assert.Equal(t, "DUO", gotContracts[0].PackCode)
	assert.Equal(t, april, gotContracts[0].StartMonth)
}

// =============================================================================
// RUNS AND LOCKS
// =============================================================================

func TestRuns_SaveAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	year, month := april.Year, int(april.Month)

	older := billing.RunRecord{ID: "run-1", Kind: billing.RunGenerate, TenantID: &tenant,
		Year: &year, Month: &month, Status: billing.RunFailed, StartedAt: stamp}
	newer := older
	newer.ID, newer.Status = "run-2", billing.RunCompleted
	newer.StartedAt = stamp.Add(time.Minute)
	newer.Kinds = []billing.DiscountKind{billing.KindFS, billing.KindMile}
	require.NoError(t, s.SaveRun(ctx, older))
	require.NoError(t, s.SaveRun(ctx, newer))

	runs, err := s.ListRuns(ctx, billing.RunFilter{Kind: billing.RunGenerate})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Equal(t, newer.Kinds, runs[0].Kinds)

	done, err := s.HasCompletedRun(ctx, billing.RunGenerate, &tenant, april)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.HasCompletedRun(ctx, billing.RunGenerate, &tenant, april.Next())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestLocks_AllOrNothing(t *testing.T) {
	// GIVEN: run-a holding April
	// WHEN: run-b asks for March and April
	// THEN: run-b gets neither, and gets both once run-a releases

	s := newStore(t)
	ctx := context.Background()
	aprilKey := billing.LockKey(tenant, april)
	marchKey := billing.LockKey(tenant, april.Prev())

	require.NoError(t, s.TryLock(ctx, "run-a", []string{aprilKey}))
	require.NoError(t, s.TryLock(ctx, "run-a", []string{aprilKey}), "re-entrant for the same owner")

	err := s.TryLock(ctx, "run-b", []string{marchKey, aprilKey})
	assert.ErrorIs(t, err, billing.ErrRunLocked)

	// March was not taken by the failed attempt.
	require.NoError(t, s.TryLock(ctx, "run-c", []string{marchKey}))
	require.NoError(t, s.Unlock(ctx, "run-c", []string{marchKey}))

	// Unlock by a non-owner is a no-op.
	require.NoError(t, s.Unlock(ctx, "run-b", []string{aprilKey}))
	assert.ErrorIs(t, s.TryLock(ctx, "run-b", []string{aprilKey}), billing.ErrRunLocked)

	require.NoError(t, s.Unlock(ctx, "run-a", []string{aprilKey}))
	require.NoError(t, s.TryLock(ctx, "run-b", []string{marchKey, aprilKey}))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, billing.AccountEntry{
			ID: "e-1", TenantID: tenant, GuardianID: "g-1", Period: april,
			Type: billing.EntryCharge, Delta: 9000, IdempotencyKey: "charge:snap-1", CreatedAt: stamp,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSnapshot(ctx, "snap-1")
	assert.ErrorIs(t, err, billing.ErrSnapshotNotFound)
	entries, err := s.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWithTx_Commits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")); err != nil {
			return err
		}
		got, err := tx.GetSnapshot(ctx, "snap-1")
		if err != nil {
			return err
		}
		assert.Equal(t, billing.Yen(9000), got.Total)
		return nil
	})
	require.NoError(t, err)

	_, err = s.GetSnapshot(ctx, "snap-1")
	assert.NoError(t, err)
}

func TestReset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSnapshot(ctx, testSnapshot("snap-1", "s-1")))
	require.NoError(t, s.Reset(ctx))

	snaps, err := s.ListSnapshots(ctx, billing.SnapshotFilter{})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
