/*
Package invoice assembles and writes billing snapshots.

PURPOSE:
  Assemble is the pure step: items + discount lines + carry-over become a
  priced snapshot. Writer is the only component that persists snapshots,
  and Generator drives a monthly billing run over every guardian.

TOTALS (integer yen, no drift):
  subtotal       = sum(unit_price * quantity)
  discount_total = sum(discount amounts)          (<= 0)
  total          = subtotal + discount_total + carry_over

  A positive discount amount is a data-integrity violation and fails
  with *billing.InvalidDiscountSignError. It is never coerced.

SEE ALSO:
  - writer.go: Atomic snapshot + ledger writes
  - generator.go: Monthly billing run
*/
package invoice

import (
	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
)

// Assemble prices items and discounts into a snapshot. The caller sets
// the natural key and ID. Items are ordered by type; discounts keep the
// order given.
func Assemble(items []billing.BillableItem, discounts []billing.DiscountLine, carryOver billing.Yen) (billing.Snapshot, error) {
	for _, d := range discounts {
		if d.Amount > 0 {
			return billing.Snapshot{}, &billing.InvalidDiscountSignError{Name: d.Name, Kind: d.Kind, Amount: d.Amount}
		}
	}

	sorted := append([]billing.BillableItem(nil), items...)
	catalog.SortItems(sorted)
	lines := billing.ItemLinesFrom(sorted)

	subtotal := Subtotal(sorted)
	discountTotal := billing.SumDiscounts(discounts)

	return billing.Snapshot{
		SchemaVersion: billing.SchemaVersion,
		Items:         lines,
		Discounts:     append([]billing.DiscountLine(nil), discounts...),
		Subtotal:      subtotal,
		DiscountTotal: discountTotal,
		CarryOver:     carryOver,
		Total:         subtotal + discountTotal + carryOver,
	}, nil
}

// Subtotal sums line totals.
func Subtotal(items []billing.BillableItem) billing.Yen {
	var total billing.Yen
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}
