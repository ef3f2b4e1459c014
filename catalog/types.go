/*
Package catalog resolves contracts into priced billable items.

PURPOSE:
  The catalog holds the product, course and pack masters plus student
  contracts. Given a contract and a billing month it returns the flat,
  ordered list of items to bill.

KEY CONCEPTS:
  - Product: priced master with item type, mile weight and discount cap
  - Course / Pack: bundles of product references; their mile weight is
    the sum of their products' miles
  - Contract: a student's enrollment in a course and/or pack, plus
    ticket and textbook add-ons, over a range of months

PRICING:
  PriceFor selects, in order:
    1. EnrollmentPrice when the period is the contract's enrollment month
    2. MonthlyPrices[period.Month] when set
    3. Price

SEE ALSO:
  - cache.go: Read-only per-run cache of masters and contracts
  - resolver.go: Contract -> []billing.BillableItem
*/
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	Code            string
	Name            string
	Type            billing.ItemType
	Price           billing.Yen
	EnrollmentPrice *billing.Yen
	MonthlyPrices   map[time.Month]billing.Yen
	Mile            int
	DiscountMax     billing.Yen

	// AvailableMonths limits billing to these months. Empty means every
	// month.
	AvailableMonths []time.Month
}

// PriceFor returns the unit price for period. enrollment is the contract's
// enrollment month, or nil when it has none.
func (p Product) PriceFor(period billing.Period, enrollment *billing.Period) billing.Yen {
	if enrollment != nil && *enrollment == period && p.EnrollmentPrice != nil {
		return *p.EnrollmentPrice
	}
	if price, ok := p.MonthlyPrices[period.Month]; ok {
		return price
	}
	return p.Price
}

func (p Product) AvailableIn(period billing.Period) bool {
	if len(p.AvailableMonths) == 0 {
		return true
	}
	for _, m := range p.AvailableMonths {
		if m == period.Month {
			return true
		}
	}
	return false
}

// =============================================================================
// COURSE / PACK
// =============================================================================

type ItemRef struct {
	ProductCode string
	Quantity    int
}

func (r ItemRef) quantity() int {
	if r.Quantity <= 0 {
		return 1
	}
	return r.Quantity
}

// Course is a regular or promotional ("pokkiri") class offering.
type Course struct {
	Code        string
	Name        string
	Promotional bool
	Items       []ItemRef
}

// Pack bundles several courses' worth of products under one code.
type Pack struct {
	Code        string
	Name        string
	Promotional bool
	Items       []ItemRef
}

// =============================================================================
// CONTRACT
// =============================================================================

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractSuspended ContractStatus = "suspended"
	ContractCancelled ContractStatus = "cancelled"
)

type Contract struct {
	ID            string
	TenantID      uuid.UUID
	StudentID     billing.StudentID
	CourseCode    string
	PackCode      string
	TicketCodes   []string
	TextbookCodes []string

	// EnrollmentMonth selects enrollment pricing; nil for transfers.
	EnrollmentMonth *billing.Period
	StartMonth      billing.Period
	EndMonth        *billing.Period
	Status          ContractStatus
}

// ActiveIn reports whether the contract bills in period.
func (c Contract) ActiveIn(period billing.Period) bool {
	if c.Status != ContractActive {
		return false
	}
	return period.Within(&c.StartMonth, c.EndMonth)
}

// FirstMonth is the month textbooks are billed in.
func (c Contract) FirstMonth() billing.Period {
	if c.EnrollmentMonth != nil {
		return *c.EnrollmentMonth
	}
	return c.StartMonth
}

// =============================================================================
// SOURCE - Where masters come from
// =============================================================================

// Source is implemented by every store. It is read once per run.
type Source interface {
	Products(ctx context.Context) ([]Product, error)
	Courses(ctx context.Context) ([]Course, error)
	Packs(ctx context.Context) ([]Pack, error)

	// Contracts returns contracts for one tenant, or all when tenantID is nil.
	Contracts(ctx context.Context, tenantID *uuid.UUID) ([]Contract, error)
}
