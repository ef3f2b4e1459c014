package billing

import "github.com/google/uuid"

// =============================================================================
// ACCOUNT BALANCE - Summary of a guardian's ledger up to a period
// =============================================================================

// AccountBalance is computed, never stored. It answers "what does this
// guardian owe going into AsOf, and what does AsOf itself add?"
type AccountBalance struct {
	TenantID   uuid.UUID
	GuardianID GuardianID
	AsOf       Period

	// CarryOver is everything before AsOf; it is what the next snapshot
	// of AsOf carries.
	CarryOver Yen

	// Movements within AsOf, by type.
	Charged  Yen
	Paid     Yen
	Adjusted Yen

	// Closing = CarryOver + Charged + Paid + Adjusted
	Closing Yen
}

// SummarizeEntries builds the balance for asOf from a guardian's entries.
// Entries after asOf are ignored.
func SummarizeEntries(tenantID uuid.UUID, guardianID GuardianID, entries []AccountEntry, asOf Period) AccountBalance {
	b := AccountBalance{TenantID: tenantID, GuardianID: guardianID, AsOf: asOf}
	for _, e := range entries {
		switch {
		case e.Period.Before(asOf):
			b.CarryOver += e.Delta
		case e.Period == asOf:
			switch e.Type {
			case EntryCharge:
				b.Charged += e.Delta
			case EntryPayment:
				b.Paid += e.Delta
			case EntryAdjustment:
				b.Adjusted += e.Delta
			}
		}
	}
	b.Closing = b.CarryOver + b.Charged + b.Paid + b.Adjusted
	return b
}
