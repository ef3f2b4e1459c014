package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/warp/tuition-billing/billing"
)

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", Name: "billing", User: "app", Password: "pw", SSLMode: "disable"}
	assert.Equal(t,
		"host=db user=app password=pw dbname=billing port=5432 sslmode=disable TimeZone=Asia/Tokyo",
		cfg.DSN())

	cfg.Timezone = "UTC"
	assert.Contains(t, cfg.DSN(), "TimeZone=UTC")
}

func TestSnapshotModel_ToDomain(t *testing.T) {
	// GIVEN: A row as it would come back from the billing_snapshots table
	// WHEN: Converting it
	// THEN: Lines decode and amounts map onto Yen

	stamp := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	items, err := billing.EncodeItems([]billing.ItemLine{
		{ProductCode: "TUI", Type: billing.ItemTuition, Quantity: 1, UnitPrice: 10000, Amount: 10000},
	})
	require.NoError(t, err)
	discounts, err := billing.EncodeDiscounts([]billing.DiscountLine{
		{Name: "FS", Amount: -1000, Kind: billing.KindFS, InstrumentID: "fs-1"},
	})
	require.NoError(t, err)

	m := snapshotModel{
		ID: "snap-1", TenantID: uuid.MustParse("00000000-0000-0000-0000-0000000000c1"),
		GuardianID: "g-1", StudentID: "s-1", Year: 2025, Month: 4,
		SchemaVersion: billing.SchemaVersion,
		Items:         datatypes.JSON(items),
		Discounts:     datatypes.JSON(discounts),
		Subtotal:      10000, DiscountTotal: -1000, Total: 9000,
		CreatedAt: stamp, UpdatedAt: stamp,
	}

	got, err := m.toDomain()
	require.NoError(t, err)
	assert.Equal(t, billing.MustPeriod(2025, 4), got.Period)
	assert.Equal(t, billing.Yen(9000), got.Total)
	if diff := cmp.Diff([]billing.DiscountLine{{Name: "FS", Amount: -1000, Kind: billing.KindFS, InstrumentID: "fs-1"}}, got.Discounts); diff != "" {
		t.Errorf("discounts mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, got.Items, 1)
	assert.Equal(t, "TUI", got.Items[0].ProductCode)
}

func TestSnapshotModel_ToDomain_BadPeriod(t *testing.T) {
	_, err := snapshotModel{ID: "snap-x", Year: 2025, Month: 13}.toDomain()
	assert.Error(t, err)
}

func TestPeriodPointers(t *testing.T) {
	assert.Nil(t, periodPtr(nil))

	p := billing.MustPeriod(2025, 4)
	s := periodPtr(&p)
	require.NotNil(t, s)

	back, err := parsePeriodPtr(s)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, p, *back)

	empty := ""
	back, err = parsePeriodPtr(&empty)
	require.NoError(t, err)
	assert.Nil(t, back)

	bad := "2025-13"
	_, err = parsePeriodPtr(&bad)
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	// GIVEN: Errors as gorm returns them with TranslateError enabled
	// WHEN: Classifying them, wrapped or not
	// THEN: Duplicate keys and missing rows are recognised, others are not

	tests := []struct {
		name      string
		err       error
		duplicate bool
		notFound  bool
	}{
		{"duplicated key", gorm.ErrDuplicatedKey, true, false},
		{"wrapped duplicated key", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true, false},
		{"record not found", gorm.ErrRecordNotFound, false, true},
		{"wrapped record not found", fmt.Errorf("select: %w", gorm.ErrRecordNotFound), false, true},
		{"foreign key", gorm.ErrForeignKeyViolated, false, false},
		{"other", errors.New("connection reset"), false, false},
		{"nil", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.duplicate, isDuplicate(tt.err))
			assert.Equal(t, tt.notFound, isNotFound(tt.err))
		})
	}
}

func TestJSONColumn(t *testing.T) {
	got, err := jsonColumn([]string{"TICKET-10"}, true)
	require.NoError(t, err)
	assert.JSONEq(t, `["TICKET-10"]`, string(got))

	got, err = jsonColumn([]string{"TICKET-10"}, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = jsonColumn(make(chan int), true)
	assert.Error(t, err)
}

func TestStringPointers(t *testing.T) {
	assert.Nil(t, strPtr(""))
	require.NotNil(t, strPtr("PACK-DUO"))
	assert.Equal(t, "PACK-DUO", derefStr(strPtr("PACK-DUO")))
	assert.Equal(t, "", derefStr(nil))
}
