/*
scenarios_test.go - Unit tests for demo scenarios and the scheduler

PURPOSE:
	Tests that each scenario sets up the expected masters, that loading
	a scenario replaces the previous one, and that the scheduler bills a
	period once.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/discount"
)

func TestScenario_SingleStudent(t *testing.T) {
	// GIVEN: The single-student scenario
	// WHEN: Loading it and billing April
	// THEN: Enrollment pricing, the textbook and FS 15% are all on the snapshot

	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.handler.loadSingleStudentScenario(ctx))

	students, err := ts.store.Students(ctx, &demoTenantID)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, billing.GuardianID("g-tanaka"), students[0].GuardianID)

	ts.generateApril(t)
	snaps := ts.snapshotsOf(t, "s-haruto")
	require.Len(t, snaps, 1)
	s := snaps[0]

	codes := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		codes = append(codes, item.ProductCode)
	}
	assert.Equal(t, []string{"TUITION-REG", "MONTHLY-FEE", "FACILITY", "TICKET-10", "TEXTBOOK-A"}, codes)
	assert.Equal(t, int64(6000), s.Items[0].UnitPrice)
	assert.Equal(t, int64(20099), s.Subtotal)

	require.Len(t, s.Discounts, 1)
	assert.Equal(t, "fs", s.Discounts[0].Type)
	assert.Equal(t, int64(-3015), s.Discounts[0].Amount)
	assert.Equal(t, int64(17084), s.Total)
}

func TestScenario_LateGrantLeavesShawariPending(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.handler.loadLateGrantScenario(ctx))

	instruments, err := ts.store.Instruments(ctx, &demoTenantID)
	require.NoError(t, err)
	byID := make(map[string]discount.Attrs)
	for _, a := range instruments {
		byID[a.ID] = a
	}
	assert.Equal(t, discount.StatusUsed, byID["fs-tanaka"].Status)
	assert.Equal(t, billing.KindShawari, byID["shawari-acme"].Kind)

	snaps := ts.snapshotsOf(t, "s-haruto")
	require.Len(t, snaps, 1)
	for _, d := range snaps[0].Discounts {
		assert.NotEqual(t, "shawari", d.Type)
	}
}

func TestLoadScenario_ReplacesPrevious(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")
	ts.loadScenario(t, "single-student")

	students, err := ts.store.Students(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, students, 1)

	rec := ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "single-student", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetDatabase(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")

	rec := ts.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	guardians, err := ts.store.Guardians(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, guardians)

	rec = ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestScheduler_BillsPeriodOnce(t *testing.T) {
	// GIVEN: The siblings scenario and a scheduler clocked in April
	// WHEN: Checking twice
	// THEN: The first check bills April, the second sees the completed run

	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")
	ctx := context.Background()

	bs := NewBillingScheduler(ts.store, ts.handler.Generator, nil)
	bs.now = func() time.Time { return fixedNow }

	assert.True(t, bs.CheckAndGenerate(ctx))
	assert.False(t, bs.CheckAndGenerate(ctx))

	assert.Len(t, ts.snapshotsOf(t, "s-mei"), 1)
	assert.Len(t, ts.snapshotsOf(t, "s-ren"), 1)
}

func TestScheduler_RetriesWhenLocked(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")
	ctx := context.Background()
	require.NoError(t, ts.store.TryLock(ctx, "manual-run",
		[]string{billing.LockKey(demoTenantID, billing.PeriodOf(fixedNow))}))

	bs := NewBillingScheduler(ts.store, ts.handler.Generator, nil)
	bs.now = func() time.Time { return fixedNow }
	assert.False(t, bs.CheckAndGenerate(ctx))

	require.NoError(t, ts.store.Unlock(ctx, "manual-run",
		[]string{billing.LockKey(demoTenantID, billing.PeriodOf(fixedNow))}))
	assert.True(t, bs.CheckAndGenerate(ctx))
}
