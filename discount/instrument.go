/*
Package discount resolves discount instruments into discount lines.

PURPOSE:
  A discount instrument is a persisted grant (friend referral, corporate,
  family, manual override) owned by a guardian or a student. The resolver
  evaluates every applicable instrument against a student's month and
  returns tagged, non-positive discount lines.

KEY CONCEPTS:
  - Instrument: interface implemented by one type per kind
  - Attrs: fields shared by every kind, as persisted
  - RunContext: per-run "already applied" guards, threaded explicitly
  - Book: read-only per-run index of instruments

PRECEDENCE (each against the ORIGINAL subtotal, never a running total):
  1. FS       fixed value, or percentage of the subtotal
  2. Shawari  one line per corporate instrument, zero lines dropped
  3. Family   once per guardian and period
  4. Manual   per-item override, capped by the product's discount_max

  Mile discounts are computed by the mile package, last.

SEE ALSO:
  - registry.go: Kind -> Instrument constructor
  - resolver.go: Precedence and guards
  - mile/engine.go: Guardian-level mile aggregation
*/
package discount

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// ATTRIBUTES
// =============================================================================

type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

type Calc string

const (
	CalcFixed      Calc = "fixed"
	CalcPercentage Calc = "percentage"
)

var hundred = decimal.NewFromInt(100)

// Attrs is the persisted form of every instrument.
type Attrs struct {
	ID         string
	TenantID   uuid.UUID
	Kind       billing.DiscountKind
	GuardianID billing.GuardianID
	StudentID  billing.StudentID
	Name       string

	ValidFrom  *billing.Period
	ValidUntil *billing.Period
	Status     Status
	Calc       Calc
	Value      *decimal.Decimal
	UsedPeriod *billing.Period

	// ProductCode targets a manual discount at one product's lines.
	ProductCode string
}

// Owner identifies who an instrument belongs to. An empty StudentID means
// the instrument belongs to the guardian as a whole.
type Owner struct {
	GuardianID billing.GuardianID
	StudentID  billing.StudentID
}

func (o Owner) GuardianScoped() bool { return o.StudentID == "" }

// Input is what an instrument computes against.
type Input struct {
	Subtotal billing.Yen
	Items    []billing.ItemLine
	Period   billing.Period
}

// =============================================================================
// INSTRUMENT
// =============================================================================

// Instrument is implemented by each discount kind.
type Instrument interface {
	ID() string
	Kind() billing.DiscountKind
	Owner() Owner
	Attributes() Attrs

	// Applicable reports whether the instrument may contribute in period.
	Applicable(period billing.Period) bool

	// OneShot instruments are consumed by the first period they apply to.
	OneShot() bool

	// Compute returns the unrounded discount magnitude. A positive result
	// is a discount. Malformed records return *billing.MalformedInstrumentError.
	Compute(in Input) (decimal.Decimal, error)
}

// base implements the parts every kind shares.
type base struct {
	Attrs
}

func (b base) ID() string                 { return b.Attrs.ID }
func (b base) Kind() billing.DiscountKind { return b.Attrs.Kind }
func (b base) Attributes() Attrs          { return b.Attrs }
func (b base) OneShot() bool              { return false }
func (b base) Owner() Owner {
	return Owner{GuardianID: b.GuardianID, StudentID: b.StudentID}
}

func (b base) Applicable(period billing.Period) bool {
	if !period.Within(b.ValidFrom, b.ValidUntil) {
		return false
	}
	switch b.Status {
	case StatusActive:
		return true
	case StatusUsed:
		return b.UsedPeriod != nil && *b.UsedPeriod == period
	default:
		return false
	}
}

func (b base) malformed(reason string) error {
	return &billing.MalformedInstrumentError{ID: b.Attrs.ID, Kind: b.Attrs.Kind, Reason: reason}
}

// amountOf applies the calculation kind to baseAmount.
func (b base) amountOf(baseAmount billing.Yen) (decimal.Decimal, error) {
	if b.Value == nil {
		return decimal.Zero, b.malformed("missing value")
	}
	switch b.Calc {
	case CalcFixed:
		return *b.Value, nil
	case CalcPercentage:
		if b.Value.GreaterThan(hundred) {
			return decimal.Zero, b.malformed("percentage above 100")
		}
		return billing.Percent(baseAmount, *b.Value), nil
	default:
		return decimal.Zero, b.malformed("unknown calculation kind " + string(b.Calc))
	}
}

// =============================================================================
// VARIANTS
// =============================================================================

// FSDiscount is a friend-referral grant, consumed by one period.
type FSDiscount struct{ base }

func (d FSDiscount) OneShot() bool { return true }

func (d FSDiscount) Compute(in Input) (decimal.Decimal, error) {
	return d.amountOf(in.Subtotal)
}

// ShawariDiscount is a corporate discount, recurring every month.
type ShawariDiscount struct{ base }

func (d ShawariDiscount) Compute(in Input) (decimal.Decimal, error) {
	return d.amountOf(in.Subtotal)
}

// FamilyDiscount is recurring and guardian-level.
type FamilyDiscount struct{ base }

func (d FamilyDiscount) Compute(in Input) (decimal.Decimal, error) {
	return d.amountOf(in.Subtotal)
}

// ManualDiscount is an administrative override. With a ProductCode it
// computes against that product's line total and is capped by the
// product's discount_max; without one it computes against the subtotal.
type ManualDiscount struct{ base }

func (d ManualDiscount) OneShot() bool { return true }

func (d ManualDiscount) Compute(in Input) (decimal.Decimal, error) {
	if d.ProductCode == "" {
		return d.amountOf(in.Subtotal)
	}

	var lineTotal, limit billing.Yen
	found := false
	for _, item := range in.Items {
		if item.ProductCode != d.ProductCode {
			continue
		}
		found = true
		lineTotal += item.Amount
		if item.DiscountMax > limit {
			limit = item.DiscountMax
		}
	}
	if !found {
		return decimal.Zero, nil
	}

	amount, err := d.amountOf(lineTotal)
	if err != nil {
		return decimal.Zero, err
	}
	if limit > 0 && amount.GreaterThan(limit.Decimal()) {
		return limit.Decimal(), nil
	}
	return amount, nil
}
