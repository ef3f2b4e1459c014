package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
)

// Cache is a read-only view of the masters and contracts, loaded once per
// run. It is never refreshed: a run must not overlap master updates.
type Cache struct {
	products  map[string]Product
	courses   map[string]Course
	packs     map[string]Pack
	contracts map[billing.StudentID][]Contract
}

// Load reads every master and the contracts in scope.
func Load(ctx context.Context, src Source, tenantID *uuid.UUID) (*Cache, error) {
	products, err := src.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	courses, err := src.Courses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load courses: %w", err)
	}
	packs, err := src.Packs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load packs: %w", err)
	}
	contracts, err := src.Contracts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	return NewCache(products, courses, packs, contracts), nil
}

func NewCache(products []Product, courses []Course, packs []Pack, contracts []Contract) *Cache {
	c := &Cache{
		products:  make(map[string]Product, len(products)),
		courses:   make(map[string]Course, len(courses)),
		packs:     make(map[string]Pack, len(packs)),
		contracts: make(map[billing.StudentID][]Contract),
	}
	for _, p := range products {
		c.products[p.Code] = p
	}
	for _, co := range courses {
		c.courses[co.Code] = co
	}
	for _, pk := range packs {
		c.packs[pk.Code] = pk
	}
	for _, ct := range contracts {
		c.contracts[ct.StudentID] = append(c.contracts[ct.StudentID], ct)
	}
	for sid := range c.contracts {
		list := c.contracts[sid]
		sort.SliceStable(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return c
}

func (c *Cache) Product(code string) (Product, bool) {
	p, ok := c.products[code]
	return p, ok
}

func (c *Cache) Course(code string) (Course, bool) {
	co, ok := c.courses[code]
	return co, ok
}

func (c *Cache) Pack(code string) (Pack, bool) {
	p, ok := c.packs[code]
	return p, ok
}

// ContractsOf returns the student's contracts ordered by ID.
func (c *Cache) ContractsOf(studentID billing.StudentID) []Contract {
	return c.contracts[studentID]
}

// ActiveContracts returns the student's contracts billing in period.
func (c *Cache) ActiveContracts(studentID billing.StudentID, period billing.Period) []Contract {
	var out []Contract
	for _, ct := range c.contracts[studentID] {
		if ct.ActiveIn(period) {
			out = append(out, ct)
		}
	}
	return out
}

// StudentIDs returns every student with a contract, sorted.
func (c *Cache) StudentIDs() []billing.StudentID {
	ids := make([]billing.StudentID, 0, len(c.contracts))
	for id := range c.contracts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// MILE WEIGHTS
// =============================================================================

// CourseMile sums the mile weight of a course's products.
func (c *Cache) CourseMile(code string) (int, error) {
	co, ok := c.courses[code]
	if !ok {
		return 0, &billing.CatalogResolutionError{Code: code, Kind: "course"}
	}
	return c.sumMiles(co.Items)
}

// PackMile sums the mile weight of a pack's products.
func (c *Cache) PackMile(code string) (int, error) {
	pk, ok := c.packs[code]
	if !ok {
		return 0, &billing.CatalogResolutionError{Code: code, Kind: "pack"}
	}
	return c.sumMiles(pk.Items)
}

func (c *Cache) sumMiles(refs []ItemRef) (int, error) {
	total := 0
	for _, ref := range refs {
		p, ok := c.products[ref.ProductCode]
		if !ok {
			return 0, &billing.CatalogResolutionError{Code: ref.ProductCode, Kind: "product"}
		}
		total += p.Mile
	}
	return total, nil
}
