package directory_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/directory"
)

var (
	tenantA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	tenantB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func fixture() *directory.Directory {
	return directory.New(
		[]directory.Guardian{
			{ID: "g-2", TenantID: tenantA},
			{ID: "g-9", TenantID: tenantB},
			{ID: "g-1", TenantID: tenantA},
		},
		[]directory.Student{
			{ID: "s-3", TenantID: tenantA, GuardianID: "g-1"},
			{ID: "s-1", TenantID: tenantA, GuardianID: "g-1"},
			{ID: "s-2", TenantID: tenantA, GuardianID: "g-2"},
			{ID: "s-7", TenantID: tenantA, GuardianID: "g-gone"},
		},
	)
}

func TestDirectory_Ordering(t *testing.T) {
	d := fixture()

	var guardians []billing.GuardianID
	for _, g := range d.Guardians() {
		guardians = append(guardians, g.ID)
	}
	assert.Equal(t, []billing.GuardianID{"g-1", "g-2", "g-9"}, guardians)

	var children []billing.StudentID
	for _, s := range d.StudentsOf("g-1") {
		children = append(children, s.ID)
	}
	assert.Equal(t, []billing.StudentID{"s-1", "s-3"}, children)
}

func TestDirectory_Lookups(t *testing.T) {
	d := fixture()

	g, err := d.GuardianOf("s-2")
	require.NoError(t, err)
	assert.Equal(t, billing.GuardianID("g-2"), g.ID)

	_, err = d.Student("s-404")
	assert.ErrorIs(t, err, billing.ErrStudentNotFound)

	_, err = d.GuardianOf("s-7")
	assert.ErrorIs(t, err, billing.ErrGuardianNotFound)
	assert.True(t, billing.IsNotFound(err))
}

func TestDirectory_Orphans(t *testing.T) {
	orphans := fixture().Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, billing.StudentID("s-7"), orphans[0].ID)
}
