package recompute_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/billing/store"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
	"github.com/warp/tuition-billing/invoice"
	"github.com/warp/tuition-billing/recompute"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================
//
// April is generated first for g-1:
//   s-1  REG (TUI 10000, 2 miles + FEE 1000)  FS -1100, family -1000, mile -500
//   s-2  POKKIRI (POK 3000, 1 mile)           no discounts
// A corporate grant (sh-1, fixed 2000, guardian-owned) then arrives late.

var (
	tenant = uuid.MustParse("00000000-0000-0000-0000-0000000000e5")
	april  = billing.MustPeriod(2025, 4)
	fixed  = time.Date(2025, 5, 3, 9, 0, 0, 0, time.UTC)
)

func clock() time.Time { return fixed }

func value(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func generated(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveProducts(ctx, []catalog.Product{
		{Code: "TUI", Name: "Tuition", Type: billing.ItemTuition, Price: 10000, Mile: 2},
		{Code: "FEE", Name: "Monthly fee", Type: billing.ItemMonthlyFee, Price: 1000},
		{Code: "POK", Name: "Pokkiri", Type: billing.ItemTuition, Price: 3000, Mile: 1},
	}))
	require.NoError(t, m.SaveCourses(ctx, []catalog.Course{
		{Code: "REG", Items: []catalog.ItemRef{{ProductCode: "TUI"}, {ProductCode: "FEE"}}},
		{Code: "POKKIRI", Promotional: true, Items: []catalog.ItemRef{{ProductCode: "POK"}}},
	}))
	require.NoError(t, m.SaveContracts(ctx, []catalog.Contract{
		{ID: "k-1", TenantID: tenant, StudentID: "s-1", CourseCode: "REG", StartMonth: april, Status: catalog.ContractActive},
		{ID: "k-2", TenantID: tenant, StudentID: "s-2", CourseCode: "POKKIRI", StartMonth: april, Status: catalog.ContractActive},
	}))
	require.NoError(t, m.SaveGuardians(ctx, []directory.Guardian{{ID: "g-1", TenantID: tenant}}))
	require.NoError(t, m.SaveStudents(ctx, []directory.Student{
		{ID: "s-1", TenantID: tenant, GuardianID: "g-1"},
		{ID: "s-2", TenantID: tenant, GuardianID: "g-1"},
	}))
	require.NoError(t, m.SaveInstruments(ctx, []discount.Attrs{
		{ID: "fs-1", TenantID: tenant, Kind: billing.KindFS, GuardianID: "g-1", StudentID: "s-1",
			Status: discount.StatusActive, Calc: discount.CalcPercentage, Value: value("10")},
		{ID: "fam-1", TenantID: tenant, Kind: billing.KindFamily, GuardianID: "g-1",
			Status: discount.StatusActive, Calc: discount.CalcFixed, Value: value("1000")},
	}))

	report, err := invoice.NewGenerator(m, invoice.GeneratorConfig{Now: clock}).
		Run(ctx, invoice.RunInput{TenantID: &tenant, Period: april})
	require.NoError(t, err)
	require.Equal(t, 2, report.Created)
	return m
}

func grantShawari(t *testing.T, m *store.Memory) {
	t.Helper()
	from := april
	require.NoError(t, m.SaveInstruments(context.Background(), []discount.Attrs{
		{ID: "sh-1", TenantID: tenant, Kind: billing.KindShawari, GuardianID: "g-1", Name: "ACME corporate",
			Status: discount.StatusActive, Calc: discount.CalcFixed, Value: value("2000"), ValidFrom: &from},
	}))
}

func controller(m *store.Memory) *recompute.Controller {
	return recompute.NewController(m, recompute.Config{Now: clock})
}

func byStudent(t *testing.T, m *store.Memory) map[billing.StudentID]billing.Snapshot {
	t.Helper()
	snaps, err := m.ListSnapshots(context.Background(), billing.SnapshotFilter{TenantID: &tenant})
	require.NoError(t, err)
	out := make(map[billing.StudentID]billing.Snapshot)
	for _, s := range snaps {
		out[s.StudentID] = s
	}
	return out
}

func only(kinds ...billing.DiscountKind) []billing.DiscountKind { return kinds }

// =============================================================================
// LATE GRANT
// =============================================================================

func TestRecompute_LateGrant_AppliesToEveryStudent(t *testing.T) {
	// GIVEN: April generated, then a guardian-owned shawari granted
	// WHEN: Recomputing shawari
	// THEN: Both students get -2000, totals and ledger follow, other lines stay

	m := generated(t)
	grantShawari(t, m)
	ctx := context.Background()
	before := byStudent(t, m)

	report, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant, Kinds: only(billing.KindShawari)})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 2, report.Applied[billing.KindShawari])

	after := byStudent(t, m)
	assert.Equal(t, before["s-1"].Total-2000, after["s-1"].Total)
	assert.Equal(t, before["s-2"].Total-2000, after["s-2"].Total)
	assert.Equal(t, before["s-1"].Items, after["s-1"].Items)
	assert.Equal(t, before["s-1"].Subtotal, after["s-1"].Subtotal)

	kinds := make([]billing.DiscountKind, 0)
	for _, d := range after["s-1"].Discounts {
		kinds = append(kinds, d.Kind)
	}
	assert.Equal(t, []billing.DiscountKind{billing.KindFS, billing.KindShawari, billing.KindFamily, billing.KindMile}, kinds)

	for _, s := range after {
		require.NoError(t, s.CheckInvariants())
	}

	entries, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	var adjusted billing.Yen
	for _, e := range entries {
		if e.Type == billing.EntryAdjustment {
			adjusted += e.Delta
		}
	}
	assert.Equal(t, billing.Yen(-4000), adjusted)
}

func TestRecompute_Idempotent(t *testing.T) {
	// GIVEN: A late grant already recomputed
	// WHEN: Running the same recompute again
	// THEN: Every record is skipped and nothing changes

	m := generated(t)
	grantShawari(t, m)
	ctx := context.Background()
	ctrl := controller(m)
	opts := recompute.Options{TenantID: &tenant, Kinds: only(billing.KindShawari)}

	_, err := ctrl.Run(ctx, opts)
	require.NoError(t, err)
	before := byStudent(t, m)

	report, err := ctrl.Run(ctx, opts)
	require.NoError(t, err)

	assert.Zero(t, report.Updated)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Applied[billing.KindShawari])
	if diff := cmp.Diff(before, byStudent(t, m)); diff != "" {
		t.Errorf("second run changed snapshots (-before +after):\n%s", diff)
	}
}

func TestRecompute_ForceAll_NoDoubleApplication(t *testing.T) {
	// GIVEN: Snapshots already carrying every applicable kind
	// WHEN: Force-recomputing all kinds
	// THEN: Lines are rebuilt identically, so nothing is written and
	//       guardian-level kinds still appear once

	m := generated(t)
	grantShawari(t, m)
	ctx := context.Background()
	ctrl := controller(m)

	_, err := ctrl.Run(ctx, recompute.Options{TenantID: &tenant, Kinds: only(billing.KindShawari)})
	require.NoError(t, err)
	before := byStudent(t, m)

	report, err := ctrl.Run(ctx, recompute.Options{TenantID: &tenant, Force: true})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Zero(t, report.Updated)
	assert.Equal(t, 2, report.Skipped)
	if diff := cmp.Diff(before, byStudent(t, m)); diff != "" {
		t.Errorf("force rerun changed snapshots (-before +after):\n%s", diff)
	}

	var family, miles int
	for _, s := range byStudent(t, m) {
		for _, d := range s.Discounts {
			switch d.Kind {
			case billing.KindFamily:
				family++
			case billing.KindMile:
				miles++
			}
		}
	}
	assert.Equal(t, 1, family)
	assert.Equal(t, 1, miles)
}

func TestRecompute_ForceMile_AfterWeightFix(t *testing.T) {
	// GIVEN: TUI's mile weight corrected from 2 to 3
	// WHEN: Force-recomputing mile
	// THEN: s-1's mile line grows to -1000; s-2 stays without one

	m := generated(t)
	ctx := context.Background()
	require.NoError(t, m.SaveProducts(ctx, []catalog.Product{
		{Code: "TUI", Name: "Tuition", Type: billing.ItemTuition, Price: 10000, Mile: 3},
	}))

	report, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant, Force: true, Kinds: only(billing.KindMile)})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Applied[billing.KindMile])

	after := byStudent(t, m)
	var mileLine *billing.DiscountLine
	for i, d := range after["s-1"].Discounts {
		if d.Kind == billing.KindMile {
			mileLine = &after["s-1"].Discounts[i]
		}
	}
	require.NotNil(t, mileLine)
	assert.Equal(t, billing.Yen(-1000), mileLine.Amount)
	assert.False(t, after["s-2"].HasKind(billing.KindMile))
	assert.Equal(t, billing.Yen(7900), after["s-1"].Total)
}

// =============================================================================
// DRY RUN / SCOPE
// =============================================================================

func TestRecompute_DryRun_WritesNothing(t *testing.T) {
	// GIVEN: A late grant
	// WHEN: Recomputing as a dry run
	// THEN: Previews report the change, the store is untouched

	m := generated(t)
	grantShawari(t, m)
	ctx := context.Background()
	before := byStudent(t, m)
	entriesBefore, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)

	report, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant, DryRun: true, Kinds: only(billing.KindShawari)})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Previewed)
	assert.Zero(t, report.Updated)
	assert.Equal(t, 2, report.Applied[billing.KindShawari])
	for _, rec := range report.Records {
		assert.Equal(t, recompute.StatePreviewed, rec.State)
		assert.Equal(t, []billing.DiscountKind{billing.KindShawari}, rec.Changed)
		assert.Equal(t, billing.Yen(-2000), billing.SumDiscounts(rec.After)-billing.SumDiscounts(rec.Before))
	}

	if diff := cmp.Diff(before, byStudent(t, m)); diff != "" {
		t.Errorf("dry run mutated snapshots (-before +after):\n%s", diff)
	}
	entriesAfter, err := m.LoadEntries(ctx, tenant, "g-1")
	require.NoError(t, err)
	if diff := cmp.Diff(entriesBefore, entriesAfter); diff != "" {
		t.Errorf("dry run mutated ledger (-before +after):\n%s", diff)
	}
}

func TestRecompute_PeriodFilter(t *testing.T) {
	m := generated(t)
	grantShawari(t, m)
	march := 3

	report, err := controller(m).Run(context.Background(), recompute.Options{Month: &march, Kinds: only(billing.KindShawari)})
	require.NoError(t, err)
	assert.Zero(t, report.Total)
}

func TestRecompute_InvalidMonth(t *testing.T) {
	bad := 13
	_, err := controller(store.NewMemory()).Run(context.Background(), recompute.Options{Month: &bad})
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestRecompute_MissingGuardianSkipped(t *testing.T) {
	// GIVEN: A snapshot whose guardian is not in the directory
	// WHEN: Recomputing
	// THEN: It is counted as not found and skipped; the rest still run

	m := generated(t)
	grantShawari(t, m)
	ctx := context.Background()
	ghost := billing.Snapshot{
		ID: "ghost", TenantID: tenant, GuardianID: "g-ghost", StudentID: "s-ghost", Period: april,
		Items:    []billing.ItemLine{{ProductCode: "FEE", Quantity: 1, UnitPrice: 1000, Amount: 1000}},
		Subtotal: 1000, Total: 1000, SchemaVersion: billing.SchemaVersion,
	}
	require.NoError(t, m.CreateSnapshot(ctx, ghost))

	report, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant, Kinds: only(billing.KindShawari)})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, 2, report.Updated)
	for _, rec := range report.Records {
		if rec.SnapshotID == "ghost" {
			assert.Equal(t, recompute.StateSkipped, rec.State)
			assert.NotEmpty(t, rec.Error)
		}
	}
}

func TestRecompute_FailedRecordDoesNotStopRun(t *testing.T) {
	// GIVEN: A shawari with a negative value on s-1 and a valid one on s-2
	// WHEN: Recomputing shawari
	// THEN: s-1 fails and keeps its persisted row, s-2 is still applied

	m := generated(t)
	ctx := context.Background()
	from := april
	require.NoError(t, m.SaveInstruments(ctx, []discount.Attrs{
		{ID: "sh-bad", TenantID: tenant, Kind: billing.KindShawari, GuardianID: "g-1", StudentID: "s-1",
			Status: discount.StatusActive, Calc: discount.CalcFixed, Value: value("-500"), ValidFrom: &from},
		{ID: "sh-ok", TenantID: tenant, Kind: billing.KindShawari, GuardianID: "g-1", StudentID: "s-2",
			Status: discount.StatusActive, Calc: discount.CalcFixed, Value: value("700"), ValidFrom: &from},
	}))
	before := byStudent(t, m)

	report, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant, Kinds: only(billing.KindShawari)})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Applied[billing.KindShawari])
	assert.ErrorIs(t, report.Err(), billing.ErrInvalidDiscountSign)

	states := make(map[billing.StudentID]recompute.State)
	for _, rec := range report.Records {
		states[rec.StudentID] = rec.State
	}
	assert.Equal(t, recompute.StateFailed, states["s-1"])
	assert.Equal(t, recompute.StateApplied, states["s-2"])

	after := byStudent(t, m)
	if diff := cmp.Diff(before["s-1"], after["s-1"]); diff != "" {
		t.Errorf("failed record was modified (-before +after):\n%s", diff)
	}
	assert.Equal(t, before["s-2"].Total-700, after["s-2"].Total)
}

func TestRecompute_RunLockedAndRecorded(t *testing.T) {
	m := generated(t)
	ctx := context.Background()
	require.NoError(t, m.TryLock(ctx, "generate-run", []string{billing.LockKey(tenant, april)}))

	_, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant})
	assert.ErrorIs(t, err, billing.ErrRunLocked)

	require.NoError(t, m.Unlock(ctx, "generate-run", []string{billing.LockKey(tenant, april)}))
	report, err := controller(m).Run(ctx, recompute.Options{TenantID: &tenant, Kinds: only(billing.KindFS, billing.KindMile)})
	require.NoError(t, err)

	runs, err := m.ListRuns(ctx, billing.RunFilter{Kind: billing.RunRecompute})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, billing.RunCompleted, runs[0].Status)
	assert.Equal(t, []billing.DiscountKind{billing.KindFS, billing.KindMile}, runs[0].Kinds)
}
