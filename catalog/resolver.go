package catalog

import (
	"sort"

	"github.com/warp/tuition-billing/billing"
)

// Resolver turns contracts into billable items using a Cache.
type Resolver struct {
	cache *Cache
}

func NewResolver(cache *Cache) *Resolver {
	return &Resolver{cache: cache}
}

func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve returns the contract's items for period, ordered tuition,
// monthly fee, facility, ticket, textbook, other. Ties keep declaration
// order: course items, pack items, tickets, textbooks.
//
// An inactive contract yields no items. A code with no master entry fails
// with *billing.CatalogResolutionError.
func (r *Resolver) Resolve(contract Contract, period billing.Period) ([]billing.BillableItem, error) {
	if !contract.ActiveIn(period) {
		return nil, nil
	}

	var items []billing.BillableItem

	if contract.CourseCode != "" {
		course, ok := r.cache.Course(contract.CourseCode)
		if !ok {
			return nil, &billing.CatalogResolutionError{Code: contract.CourseCode, Kind: "course", ContractID: contract.ID}
		}
		resolved, err := r.resolveRefs(contract, course.Items, period)
		if err != nil {
			return nil, err
		}
		items = append(items, resolved...)
	}

	if contract.PackCode != "" {
		pack, ok := r.cache.Pack(contract.PackCode)
		if !ok {
			return nil, &billing.CatalogResolutionError{Code: contract.PackCode, Kind: "pack", ContractID: contract.ID}
		}
		resolved, err := r.resolveRefs(contract, pack.Items, period)
		if err != nil {
			return nil, err
		}
		items = append(items, resolved...)
	}

	tickets := make([]ItemRef, 0, len(contract.TicketCodes))
	for _, code := range contract.TicketCodes {
		tickets = append(tickets, ItemRef{ProductCode: code, Quantity: 1})
	}
	resolved, err := r.resolveRefs(contract, tickets, period)
	if err != nil {
		return nil, err
	}
	items = append(items, resolved...)

	if contract.FirstMonth() == period {
		books := make([]ItemRef, 0, len(contract.TextbookCodes))
		for _, code := range contract.TextbookCodes {
			books = append(books, ItemRef{ProductCode: code, Quantity: 1})
		}
		resolved, err := r.resolveRefs(contract, books, period)
		if err != nil {
			return nil, err
		}
		items = append(items, resolved...)
	}

	SortItems(items)
	return items, nil
}

// ResolveStudent resolves every active contract of a student.
func (r *Resolver) ResolveStudent(studentID billing.StudentID, period billing.Period) ([]billing.BillableItem, error) {
	var items []billing.BillableItem
	for _, contract := range r.cache.ActiveContracts(studentID, period) {
		resolved, err := r.Resolve(contract, period)
		if err != nil {
			return nil, err
		}
		items = append(items, resolved...)
	}
	SortItems(items)
	return items, nil
}

func (r *Resolver) resolveRefs(contract Contract, refs []ItemRef, period billing.Period) ([]billing.BillableItem, error) {
	items := make([]billing.BillableItem, 0, len(refs))
	for _, ref := range refs {
		product, ok := r.cache.Product(ref.ProductCode)
		if !ok {
			return nil, &billing.CatalogResolutionError{Code: ref.ProductCode, Kind: "product", ContractID: contract.ID}
		}
		if !product.AvailableIn(period) {
			continue
		}
		items = append(items, billing.BillableItem{
			ProductCode: product.Code,
			Name:        product.Name,
			Type:        product.Type,
			Quantity:    ref.quantity(),
			BasePrice:   product.PriceFor(period, contract.EnrollmentMonth),
			ContractID:  contract.ID,
			Period:      period,
			Mile:        product.Mile,
			DiscountMax: product.DiscountMax,
		})
	}
	return items, nil
}

// SortItems orders items by type rank, stable.
func SortItems(items []billing.BillableItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Type.Rank() < items[j].Type.Rank()
	})
}
