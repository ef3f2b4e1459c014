/*
Package billing provides the core types of the monthly tuition billing engine.

PURPOSE:
  This package holds the domain vocabulary shared by every component:
  money, billing periods, billable items, discount lines, and the immutable
  billing snapshot written once per guardian/student/month. It has no
  knowledge of where catalog prices or discount instruments come from.

KEY CONCEPTS IN THIS FILE (types.go):
  - Yen: whole-yen integer money, no fractional minor units
  - ItemType: tuition, monthly fee, facility, ticket, textbook, other
  - BillableItem: one priced catalog line for a contract and month
  - DiscountKind / DiscountLine: a tagged, always non-positive discount

DESIGN PRINCIPLES:
  1. Integer money: stored amounts are Yen; decimal.Decimal is used only
     while computing percentages, then rounded half-up with RoundYen
  2. Auditability: every discount line carries its kind and instrument ID
  3. Snapshots own their lines: catalog changes never reach a confirmed month

SEE ALSO:
  - period.go: Year/month billing period
  - snapshot.go: BillingSnapshot and its invariants
  - lines.go: Versioned, tagged encoding of snapshot lines
  - ledger.go: Guardian account ledger and carry-over
*/
package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// YEN - Whole-yen money
// =============================================================================

// Yen is an amount of money in whole yen.
type Yen int64

func (y Yen) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(y)) }
func (y Yen) Neg() Yen                 { return -y }
func (y Yen) IsZero() bool             { return y == 0 }
func (y Yen) IsPositive() bool         { return y > 0 }
func (y Yen) IsNegative() bool         { return y < 0 }
func (y Yen) String() string           { return fmt.Sprintf("%d", int64(y)) }

// RoundYen rounds a decimal amount to whole yen, half away from zero.
// For the non-negative values the engine feeds it this is plain half-up.
func RoundYen(d decimal.Decimal) Yen {
	return Yen(d.Round(0).IntPart())
}

// Percent returns base*rate/100 without rounding.
func Percent(base Yen, rate decimal.Decimal) decimal.Decimal {
	return base.Decimal().Mul(rate).Div(decimal.NewFromInt(100))
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GuardianID string
type StudentID string

// =============================================================================
// ITEM TYPE - What a billable line is for
// =============================================================================

type ItemType string

const (
	ItemTuition    ItemType = "tuition"
	ItemMonthlyFee ItemType = "monthly_fee"
	ItemFacility   ItemType = "facility"
	ItemTicket     ItemType = "ticket"
	ItemTextbook   ItemType = "textbook"
	ItemOther      ItemType = "other"
)

var itemRank = map[ItemType]int{
	ItemTuition:    0,
	ItemMonthlyFee: 1,
	ItemFacility:   2,
	ItemTicket:     3,
	ItemTextbook:   4,
	ItemOther:      5,
}

// Rank orders item types on an invoice: tuition first, other last.
func (t ItemType) Rank() int {
	if r, ok := itemRank[t]; ok {
		return r
	}
	return itemRank[ItemOther]
}

func (t ItemType) Valid() bool {
	_, ok := itemRank[t]
	return ok
}

func ParseItemType(s string) (ItemType, error) {
	t := ItemType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown item type %q", s)
	}
	return t, nil
}

// =============================================================================
// BILLABLE ITEM - One priced catalog line
// =============================================================================

// BillableItem is produced by the catalog resolver for one contract and
// month. Once included in a confirmed snapshot it is copied into an
// ItemLine and never re-read from the catalog.
type BillableItem struct {
	ProductCode string
	Name        string
	Type        ItemType
	Quantity    int
	BasePrice   Yen
	ContractID  string
	Period      Period

	// Mile is the loyalty weight of the product; DiscountMax caps manual
	// per-item discounts when positive.
	Mile        int
	DiscountMax Yen
}

func (i BillableItem) LineTotal() Yen {
	return i.BasePrice * Yen(i.Quantity)
}

// =============================================================================
// DISCOUNT KIND - Discriminator for discount lines
// =============================================================================

type DiscountKind string

const (
	KindFS      DiscountKind = "fs"      // Friend referral
	KindShawari DiscountKind = "shawari" // Corporate / employer
	KindFamily  DiscountKind = "family"  // Guardian-level family discount
	KindManual  DiscountKind = "manual"  // Administrative per-item override
	KindMile    DiscountKind = "mile"    // Guardian-level mile aggregation
)

// AllKinds lists discount kinds in resolution precedence, mile last.
var AllKinds = []DiscountKind{KindFS, KindShawari, KindFamily, KindManual, KindMile}

var kindAliases = map[string]DiscountKind{
	"fs":               KindFS,
	"fs_discount":      KindFS,
	"friend":           KindFS,
	"shawari":          KindShawari,
	"shawari_discount": KindShawari,
	"corporate":        KindShawari,
	"family":           KindFamily,
	"family_discount":  KindFamily,
	"manual":           KindManual,
	"manual_discount":  KindManual,
	"discount":         KindManual,
	"mile":             KindMile,
	"mile_discount":    KindMile,
}

// ParseKind accepts the canonical kind names and the legacy type tags
// found in schema-0 snapshots.
func ParseKind(s string) (DiscountKind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown discount kind %q", s)
}

// GuardianLevel reports whether the kind is always applied once per
// guardian and period regardless of how many students are billed.
func (k DiscountKind) GuardianLevel() bool {
	return k == KindFamily || k == KindMile
}

// =============================================================================
// DISCOUNT LINE - One entry of discounts_snapshot
// =============================================================================

// DiscountLine is a single discount effect. Amount is always <= 0.
type DiscountLine struct {
	Name         string       `json:"name"`
	Amount       Yen          `json:"amount"`
	Kind         DiscountKind `json:"type"`
	InstrumentID string       `json:"instrument_id,omitempty"`
}

// ItemLine is a priced line frozen into a snapshot.
type ItemLine struct {
	ProductCode string   `json:"product_code"`
	Name        string   `json:"name"`
	Type        ItemType `json:"item_type"`
	Quantity    int      `json:"quantity"`
	UnitPrice   Yen      `json:"unit_price"`
	Amount      Yen      `json:"amount"`
	ContractID  string   `json:"contract_id,omitempty"`
	Mile        int      `json:"mile,omitempty"`
	DiscountMax Yen      `json:"discount_max,omitempty"`
}

// ItemLineFrom freezes a billable item.
func ItemLineFrom(item BillableItem) ItemLine {
	return ItemLine{
		ProductCode: item.ProductCode,
		Name:        item.Name,
		Type:        item.Type,
		Quantity:    item.Quantity,
		UnitPrice:   item.BasePrice,
		Amount:      item.LineTotal(),
		ContractID:  item.ContractID,
		Mile:        item.Mile,
		DiscountMax: item.DiscountMax,
	}
}

// ItemLinesFrom freezes items in order.
func ItemLinesFrom(items []BillableItem) []ItemLine {
	lines := make([]ItemLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, ItemLineFrom(item))
	}
	return lines
}
