/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Billing runs and snapshot listing
- Recompute through the API
- Snapshot delete and the export lock
- Mile preview, payments and balance
- Error status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/store/sqlite"
)

var (
	fixedNow     = time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)
	demoTenantID = uuid.MustParse(DemoTenant)
)

type testServer struct {
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, Config{Now: func() time.Time { return fixedNow }})
	return &testServer{store: store, handler: h, router: NewRouter(h, nil)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) generateApril(t *testing.T) GenerateReportDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/billing/runs", GenerateRequest{TenantID: DemoTenant, Period: "2025-04"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[GenerateReportDTO](t, rec)
}

func (ts *testServer) snapshotsOf(t *testing.T, student string) []SnapshotDTO {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/snapshots?tenant_id="+DemoTenant+"&student_id="+student, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[struct {
		Snapshots []SnapshotDTO `json:"snapshots"`
	}](t, rec).Snapshots
}

// =============================================================================
// RUNS AND SNAPSHOTS
// =============================================================================

func TestGenerateBilling_Siblings(t *testing.T) {
	// GIVEN: The siblings scenario
	// WHEN: Generating April through the API
	// THEN: Family and mile discounts land once, on the first student

	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")

	report := ts.generateApril(t)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.Failed)

	mei := ts.snapshotsOf(t, "s-mei")
	require.Len(t, mei, 1)
	assert.Equal(t, int64(27000), mei[0].Subtotal)
	assert.Equal(t, int64(25500), mei[0].Total)
	require.Len(t, mei[0].Discounts, 2)
	assert.Equal(t, "family", mei[0].Discounts[0].Type)
	assert.Equal(t, "mile", mei[0].Discounts[1].Type)
	assert.Equal(t, int64(-500), mei[0].Discounts[1].Amount)

	ren := ts.snapshotsOf(t, "s-ren")
	require.Len(t, ren, 1)
	assert.Equal(t, int64(16900), ren[0].Total)
	assert.Empty(t, ren[0].Discounts)

	rec := ts.do(t, http.MethodGet, "/api/billing/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []RunDTO `json:"runs"`
	}](t, rec).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestGenerateBilling_DryRun(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")

	rec := ts.do(t, http.MethodPost, "/api/billing/runs", GenerateRequest{Period: "2025-04", DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[GenerateReportDTO](t, rec)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Previewed)

	assert.Empty(t, ts.snapshotsOf(t, "s-mei"))
}

func TestGenerateBilling_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"bad period", GenerateRequest{Period: "2025-13"}},
		{"bad tenant", GenerateRequest{Period: "2025-04", TenantID: "acme"}},
		{"bad body", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/billing/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGenerateBilling_RunLocked(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")
	require.NoError(t, ts.store.TryLock(context.Background(), "other-run",
		[]string{billing.LockKey(demoTenantID, billing.MustPeriod(2025, 4))}))

	rec := ts.do(t, http.MethodPost, "/api/billing/runs", GenerateRequest{TenantID: DemoTenant, Period: "2025-04"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunRecompute_LateGrant(t *testing.T) {
	// GIVEN: April billed before a corporate discount was granted
	// WHEN: Recomputing the shawari kind
	// THEN: The snapshot gains the line and its total drops by 2000

	ts := newTestServer(t)
	ts.loadScenario(t, "late-grant")

	before := ts.snapshotsOf(t, "s-haruto")
	require.Len(t, before, 1)
	assert.Equal(t, int64(17084), before[0].Total)

	rec := ts.do(t, http.MethodPost, "/api/recompute", RecomputeRequest{TenantID: DemoTenant, Kinds: []string{"shawari"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[RecomputeReportDTO](t, rec)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Applied["shawari"])

	after := ts.snapshotsOf(t, "s-haruto")
	require.Len(t, after, 1)
	assert.Equal(t, int64(15084), after[0].Total)

	rec = ts.do(t, http.MethodGet, "/api/recompute/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []RunDTO `json:"runs"`
	}](t, rec).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"shawari"}, runs[0].Kinds)
}

func TestRunRecompute_UnknownKind(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/recompute", RecomputeRequest{Kinds: []string{"coupon"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSnapshot(t *testing.T) {
	// GIVEN: Two billed snapshots, one locked by export
	// WHEN: Deleting each
	// THEN: The locked one is refused with 409, the other is removed

	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")
	ts.generateApril(t)
	ctx := context.Background()

	mei := ts.snapshotsOf(t, "s-mei")[0]
	ren := ts.snapshotsOf(t, "s-ren")[0]
	require.NoError(t, ts.store.SetExportLock(ctx, mei.ID, true))

	rec := ts.do(t, http.MethodDelete, "/api/snapshots/"+mei.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/snapshots/"+ren.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, ts.snapshotsOf(t, "s-ren"))

	rec = ts.do(t, http.MethodGet, "/api/snapshots/"+ren.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// GUARDIANS AND PAYMENTS
// =============================================================================

func TestMilePreview(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "single-student")

	tests := []struct {
		name     string
		query    string
		miles    int
		discount int64
	}{
		{"current enrollment", "", 1, 0},
		{"with a regular course", "&course=COURSE-ADV", 2, 0},
		{"with a pack", "&pack=PACK-DUO", 3, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet,
				"/api/guardians/g-tanaka/mile-preview?period=2025-04&tenant_id="+DemoTenant+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			dto := decode[MilePreviewDTO](t, rec)
			assert.Equal(t, tt.miles, dto.TotalMiles)
			assert.Equal(t, tt.discount, dto.Discount)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/guardians/g-nobody/mile-preview?period=2025-04", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentAndBalance(t *testing.T) {
	// GIVEN: April billed for the siblings (42400 charged)
	// WHEN: Recording a 10000 payment
	// THEN: The balance shows the charge, the payment and a 32400 closing

	ts := newTestServer(t)
	ts.loadScenario(t, "siblings")
	ts.generateApril(t)

	payment := PaymentRequest{TenantID: DemoTenant, GuardianID: "g-sato", Period: "2025-04",
		Amount: 10000, IdempotencyKey: "bank:0001"}
	rec := ts.do(t, http.MethodPost, "/api/payments", payment)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[EntryDTO](t, rec)
	assert.Equal(t, int64(-10000), entry.Delta)

	rec = ts.do(t, http.MethodPost, "/api/payments", payment)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/guardians/g-sato/balance?tenant_id="+DemoTenant+"&as_of=2025-04", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance := decode[BalanceDTO](t, rec)
	assert.Zero(t, balance.CarryOver)
	assert.Equal(t, int64(42400), balance.Charged)
	assert.Equal(t, int64(-10000), balance.Paid)
	assert.Equal(t, int64(32400), balance.Closing)
	assert.Len(t, balance.Entries, 3)

	// May opens with the unpaid remainder.
	rec = ts.do(t, http.MethodGet, "/api/guardians/g-sato/balance?tenant_id="+DemoTenant+"&as_of=2025-05", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(32400), decode[BalanceDTO](t, rec).CarryOver)
}

func TestRecordPayment_Rejects(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  PaymentRequest
	}{
		{"missing tenant", PaymentRequest{GuardianID: "g-1", Period: "2025-04", Amount: 100}},
		{"missing guardian", PaymentRequest{TenantID: DemoTenant, Period: "2025-04", Amount: 100}},
		{"non-positive amount", PaymentRequest{TenantID: DemoTenant, GuardianID: "g-1", Period: "2025-04"}},
		{"bad period", PaymentRequest{TenantID: DemoTenant, GuardianID: "g-1", Period: "April", Amount: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/payments", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// =============================================================================
// ERRORS
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{billing.ErrSnapshotNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", billing.ErrGuardianNotFound), http.StatusNotFound},
		{billing.ErrRunLocked, http.StatusConflict},
		{billing.ErrSnapshotLocked, http.StatusConflict},
		{billing.ErrDuplicateIdempotencyKey, http.StatusConflict},
		{billing.ErrInvalidPeriod, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
