package invoice_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/billing/store"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================
//
// g-1 has two children:
//   s-1  REG course    TUI 10000 (2 miles) + FEE 1000       subtotal 11000
//   s-2  POKKIRI promo POK 3000 (1 mile)                    subtotal  3000
// Miles: 3 with a regular course over 2 products -> 500 yen.
//
// Instruments:
//   fs-1   FS 10% owned by s-1 (one-shot)
//   fam-1  family fixed 1000 owned by g-1

var (
	tenant = uuid.MustParse("00000000-0000-0000-0000-0000000000d4")
	april  = billing.MustPeriod(2025, 4)
	fixed  = time.Date(2025, 4, 25, 10, 0, 0, 0, time.UTC)
)

func clock() time.Time { return fixed }

func value(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func seed(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SaveProducts(ctx, []catalog.Product{
		{Code: "TUI", Name: "Tuition", Type: billing.ItemTuition, Price: 10000, Mile: 2},
		{Code: "FEE", Name: "Monthly fee", Type: billing.ItemMonthlyFee, Price: 1000},
		{Code: "POK", Name: "Pokkiri", Type: billing.ItemTuition, Price: 3000, Mile: 1},
	}))
	require.NoError(t, m.SaveCourses(ctx, []catalog.Course{
		{Code: "REG", Name: "Regular", Items: []catalog.ItemRef{{ProductCode: "TUI"}, {ProductCode: "FEE"}}},
		{Code: "POKKIRI", Name: "Pokkiri", Promotional: true, Items: []catalog.ItemRef{{ProductCode: "POK"}}},
	}))
	require.NoError(t, m.SaveContracts(ctx, []catalog.Contract{
		{ID: "k-1", TenantID: tenant, StudentID: "s-1", CourseCode: "REG", StartMonth: april, Status: catalog.ContractActive},
		{ID: "k-2", TenantID: tenant, StudentID: "s-2", CourseCode: "POKKIRI", StartMonth: april, Status: catalog.ContractActive},
	}))
	require.NoError(t, m.SaveGuardians(ctx, []directory.Guardian{
		{ID: "g-1", TenantID: tenant, Name: "Tanaka"},
	}))
	require.NoError(t, m.SaveStudents(ctx, []directory.Student{
		{ID: "s-1", TenantID: tenant, GuardianID: "g-1", Name: "Haruto"},
		{ID: "s-2", TenantID: tenant, GuardianID: "g-1", Name: "Yui"},
	}))
	require.NoError(t, m.SaveInstruments(ctx, []discount.Attrs{
		{ID: "fs-1", TenantID: tenant, Kind: billing.KindFS, GuardianID: "g-1", StudentID: "s-1",
			Status: discount.StatusActive, Calc: discount.CalcPercentage, Value: value("10")},
		{ID: "fam-1", TenantID: tenant, Kind: billing.KindFamily, GuardianID: "g-1",
			Status: discount.StatusActive, Calc: discount.CalcFixed, Value: value("1000")},
	}))
	return m
}

func snapshotsOf(t *testing.T, m *store.Memory) map[billing.StudentID]billing.Snapshot {
	t.Helper()
	snaps, err := m.ListSnapshots(context.Background(), billing.SnapshotFilter{TenantID: &tenant})
	require.NoError(t, err)
	out := make(map[billing.StudentID]billing.Snapshot, len(snaps))
	for _, s := range snaps {
		out[s.StudentID] = s
	}
	return out
}
