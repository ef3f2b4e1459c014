package billing_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
)

func TestPeriod_ParseAndFormat(t *testing.T) {
	p, err := billing.ParsePeriod("2025-04")
	require.NoError(t, err)
	assert.Equal(t, billing.Period{Year: 2025, Month: time.April}, p)
	assert.Equal(t, "2025-04", p.String())

	_, err = billing.ParsePeriod("2025-13")
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)

	_, err = billing.NewPeriod(2025, 0)
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestPeriod_Arithmetic(t *testing.T) {
	dec := billing.MustPeriod(2024, 12)
	jan := billing.MustPeriod(2025, 1)

	assert.Equal(t, jan, dec.Next())
	assert.Equal(t, dec, jan.Prev())
	assert.True(t, dec.Before(jan))
	assert.True(t, jan.BeforeOrEqual(jan))
	assert.False(t, jan.Before(dec))
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), dec.End())
}

func TestPeriod_Within(t *testing.T) {
	from := billing.MustPeriod(2025, 4)
	until := billing.MustPeriod(2025, 6)

	tests := []struct {
		name string
		p    billing.Period
		want bool
	}{
		{"before start", billing.MustPeriod(2025, 3), false},
		{"start month", from, true},
		{"inside", billing.MustPeriod(2025, 5), true},
		{"end month", until, true},
		{"after end", billing.MustPeriod(2025, 7), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Within(&from, &until))
		})
	}

	assert.True(t, billing.MustPeriod(2030, 1).Within(&from, nil), "open-ended")
}

func TestPeriod_JSONText(t *testing.T) {
	type wrapper struct {
		Period billing.Period `json:"period"`
	}

	data, err := json.Marshal(wrapper{Period: billing.MustPeriod(2025, 9)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"period":"2025-09"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"period":"2026-01"}`), &w))
	assert.Equal(t, billing.MustPeriod(2026, 1), w.Period)
}

func TestParseKinds(t *testing.T) {
	all, err := billing.ParseKinds("all")
	require.NoError(t, err)
	assert.Equal(t, billing.AllKinds, all)

	kinds, err := billing.ParseKinds("mile_discount, FS,mile")
	require.NoError(t, err)
	assert.Equal(t, []billing.DiscountKind{billing.KindMile, billing.KindFS}, kinds)

	_, err = billing.ParseKinds("fs,coupon")
	assert.Error(t, err)
}

func TestLockKeys_DedupedAndSorted(t *testing.T) {
	keys := []billing.Key{
		{TenantID: tenantB, GuardianID: "g-1", StudentID: "s-1", Period: billing.MustPeriod(2025, 4)},
		{TenantID: tenantA, GuardianID: "g-2", StudentID: "s-2", Period: billing.MustPeriod(2025, 4)},
		{TenantID: tenantA, GuardianID: "g-3", StudentID: "s-3", Period: billing.MustPeriod(2025, 4)},
	}

	locks := billing.LockKeys(keys)
	require.Len(t, locks, 2)
	assert.Equal(t, billing.LockKey(tenantA, billing.MustPeriod(2025, 4)), locks[0])
}
