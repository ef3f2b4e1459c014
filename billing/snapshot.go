/*
snapshot.go - Immutable billing snapshot (confirmed billing)

PURPOSE:
  A Snapshot is the priced, point-in-time record of one student's month
  for a guardian. It embeds its item and discount lines so that later
  catalog changes never alter what was billed.

LIFECYCLE:
  1. Created once per (tenant, guardian, student, period) by a billing run
  2. Updated only by recompute/backfill, and only the discount fields:
     discounts, discount_total, total, updated_at
  3. Logically deleted (DeletedAt), never hard-deleted

INVARIANTS:
  - Total == Subtotal + DiscountTotal + CarryOver, in integer yen
  - Every discount Amount <= 0, so DiscountTotal <= 0
  - Subtotal == sum of item amounts

LOCKING:
  Locked is owned by the export process. The engine reads it but never
  writes it; discount updates are targeted so the flag survives.

SEE ALSO:
  - lines.go: Persisted encoding of Items and Discounts
  - invoice/assembler.go: Builds snapshots
  - recompute/controller.go: Rewrites discount fields
*/
package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

type Snapshot struct {
	ID            string
	TenantID      uuid.UUID
	GuardianID    GuardianID
	StudentID     StudentID
	Period        Period
	SchemaVersion int

	Items     []ItemLine
	Discounts []DiscountLine

	Subtotal      Yen
	DiscountTotal Yen
	CarryOver     Yen
	Total         Yen

	Locked    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Key is the natural key of a snapshot.
type Key struct {
	TenantID   uuid.UUID
	GuardianID GuardianID
	StudentID  StudentID
	Period     Period
}

func (s Snapshot) Key() Key {
	return Key{TenantID: s.TenantID, GuardianID: s.GuardianID, StudentID: s.StudentID, Period: s.Period}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.GuardianID, k.StudentID, k.Period)
}

func (s Snapshot) IsDeleted() bool { return s.DeletedAt != nil }

// HasKind reports whether any discount line is tagged with kind.
func (s Snapshot) HasKind(kind DiscountKind) bool {
	for _, d := range s.Discounts {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// WithoutKind returns the discount lines not tagged with kind, in order.
func (s Snapshot) WithoutKind(kind DiscountKind) []DiscountLine {
	out := make([]DiscountLine, 0, len(s.Discounts))
	for _, d := range s.Discounts {
		if d.Kind != kind {
			out = append(out, d)
		}
	}
	return out
}

// Kinds returns the distinct discount kinds present.
func (s Snapshot) Kinds() []DiscountKind {
	seen := make(map[DiscountKind]bool)
	var kinds []DiscountKind
	for _, d := range s.Discounts {
		if !seen[d.Kind] {
			seen[d.Kind] = true
			kinds = append(kinds, d.Kind)
		}
	}
	return kinds
}

// SumDiscounts adds up discount amounts.
func SumDiscounts(lines []DiscountLine) Yen {
	var total Yen
	for _, d := range lines {
		total += d.Amount
	}
	return total
}

// SumItems adds up item line amounts.
func SumItems(items []ItemLine) Yen {
	var total Yen
	for _, i := range items {
		total += i.Amount
	}
	return total
}

// CheckInvariants validates sign and total consistency.
func (s Snapshot) CheckInvariants() error {
	for _, d := range s.Discounts {
		if d.Amount > 0 {
			return &InvalidDiscountSignError{Name: d.Name, Kind: d.Kind, Amount: d.Amount}
		}
	}
	if got := SumItems(s.Items); got != s.Subtotal {
		return &InvariantError{SnapshotID: s.ID, Detail: fmt.Sprintf("subtotal %d != item sum %d", s.Subtotal, got)}
	}
	if got := SumDiscounts(s.Discounts); got != s.DiscountTotal {
		return &InvariantError{SnapshotID: s.ID, Detail: fmt.Sprintf("discount_total %d != discount sum %d", s.DiscountTotal, got)}
	}
	if want := s.Subtotal + s.DiscountTotal + s.CarryOver; want != s.Total {
		return &InvariantError{SnapshotID: s.ID, Detail: fmt.Sprintf("total %d != %d", s.Total, want)}
	}
	return nil
}

// Charge is the amount this snapshot adds to the guardian's account.
// Carry-over is excluded: it is already on the ledger.
func (s Snapshot) Charge() Yen {
	return s.Subtotal + s.DiscountTotal
}

// =============================================================================
// DISCOUNT PATCH - Targeted update written by recompute
// =============================================================================

// DiscountPatch is the only mutation a confirmed snapshot accepts.
type DiscountPatch struct {
	Discounts     []DiscountLine
	DiscountTotal Yen
	Total         Yen
	UpdatedAt     time.Time
}

// PatchDiscounts builds the patch that replaces s's discounts with lines.
func PatchDiscounts(s Snapshot, lines []DiscountLine, at time.Time) (DiscountPatch, error) {
	for _, d := range lines {
		if d.Amount > 0 {
			return DiscountPatch{}, &InvalidDiscountSignError{Name: d.Name, Kind: d.Kind, Amount: d.Amount}
		}
	}
	total := SumDiscounts(lines)
	return DiscountPatch{
		Discounts:     lines,
		DiscountTotal: total,
		Total:         s.Subtotal + total + s.CarryOver,
		UpdatedAt:     at,
	}, nil
}

// Apply returns a copy of s with the patch applied.
func (p DiscountPatch) Apply(s Snapshot) Snapshot {
	s.Discounts = append([]DiscountLine(nil), p.Discounts...)
	s.DiscountTotal = p.DiscountTotal
	s.Total = p.Total
	s.UpdatedAt = p.UpdatedAt
	return s
}

// =============================================================================
// FILTER
// =============================================================================

// SnapshotFilter selects snapshots for listing and recompute. Nil fields
// match everything.
type SnapshotFilter struct {
	TenantID       *uuid.UUID
	GuardianID     *GuardianID
	StudentID      *StudentID
	Year           *int
	Month          *int
	IncludeDeleted bool
}

func (f SnapshotFilter) Matches(s Snapshot) bool {
	if s.IsDeleted() && !f.IncludeDeleted {
		return false
	}
	if f.TenantID != nil && s.TenantID != *f.TenantID {
		return false
	}
	if f.GuardianID != nil && s.GuardianID != *f.GuardianID {
		return false
	}
	if f.StudentID != nil && s.StudentID != *f.StudentID {
		return false
	}
	if f.Year != nil && s.Period.Year != *f.Year {
		return false
	}
	if f.Month != nil && int(s.Period.Month) != *f.Month {
		return false
	}
	return true
}

// SortSnapshots orders by period, tenant, guardian, then student.
// Every store returns snapshots in this order.
func SortSnapshots(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i], snaps[j]
		if a.Period != b.Period {
			return a.Period.Before(b.Period)
		}
		if a.TenantID != b.TenantID {
			return a.TenantID.String() < b.TenantID.String()
		}
		if a.GuardianID != b.GuardianID {
			return a.GuardianID < b.GuardianID
		}
		return a.StudentID < b.StudentID
	})
}
