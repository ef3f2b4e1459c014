/*
Package factory provides JSON to Go master-data conversion.

PURPOSE:
  Converts JSON master definitions (catalog, directory, discount
  instruments) into the typed records the billing engine reads. Demo
  scenarios, fixtures and the admin API all load masters this way.

JSON SCHEMA:
  {
    "products": [
      {"code": "T-REG", "name": "Tuition", "type": "tuition", "price": 12000,
       "enrollment_price": 6000, "monthly_prices": {"8": 0}, "mile": 1,
       "discount_max": 3000, "available_months": [4, 5]}
    ],
    "courses":   [{"code": "C-REG", "name": "Regular", "items": [{"product_code": "T-REG"}]}],
    "packs":     [{"code": "P-1", "name": "Pack", "promotional": true, "items": [...]}],
    "guardians": [{"id": "g-1", "tenant_id": "...", "name": "..."}],
    "students":  [{"id": "s-1", "tenant_id": "...", "guardian_id": "g-1"}],
    "contracts": [
      {"id": "k-1", "tenant_id": "...", "student_id": "s-1", "course_code": "C-REG",
       "start_month": "2025-04", "enrollment_month": "2025-04"}
    ],
    "instruments": [
      {"id": "fs-1", "tenant_id": "...", "kind": "fs", "guardian_id": "g-1",
       "calc": "percentage", "value": "15"}
    ]
  }

DEFAULTS:
  - contract status: active
  - instrument status: active, calc: fixed
  - instrument kind accepts legacy tags (fs_discount, discount, ...)

USAGE:
  f := NewMasterFactory()
  masters, err := f.ParseMasters(jsonString)
  err = masters.Apply(ctx, store)

SEE ALSO:
  - catalog/types.go: Product, Course, Pack, Contract
  - directory/directory.go: Guardian, Student
  - discount/instrument.go: Attrs
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type MastersJSON struct {
	Products    []ProductJSON    `json:"products,omitempty"`
	Courses     []BundleJSON     `json:"courses,omitempty"`
	Packs       []BundleJSON     `json:"packs,omitempty"`
	Guardians   []GuardianJSON   `json:"guardians,omitempty"`
	Students    []StudentJSON    `json:"students,omitempty"`
	Contracts   []ContractJSON   `json:"contracts,omitempty"`
	Instruments []InstrumentJSON `json:"instruments,omitempty"`
}

type ProductJSON struct {
	Code            string           `json:"code"`
	Name            string           `json:"name"`
	Type            string           `json:"type"`
	Price           int64            `json:"price"`
	EnrollmentPrice *int64           `json:"enrollment_price,omitempty"`
	MonthlyPrices   map[string]int64 `json:"monthly_prices,omitempty"` // "1".."12"
	Mile            int              `json:"mile,omitempty"`
	DiscountMax     int64            `json:"discount_max,omitempty"`
	AvailableMonths []int            `json:"available_months,omitempty"`
}

// BundleJSON is shared by courses and packs.
type BundleJSON struct {
	Code        string        `json:"code"`
	Name        string        `json:"name"`
	Promotional bool          `json:"promotional,omitempty"`
	Items       []ItemRefJSON `json:"items"`
}

type ItemRefJSON struct {
	ProductCode string `json:"product_code"`
	Quantity    int    `json:"quantity,omitempty"`
}

type GuardianJSON struct {
	ID       string    `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
}

type StudentJSON struct {
	ID         string    `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	GuardianID string    `json:"guardian_id"`
	Name       string    `json:"name"`
}

type ContractJSON struct {
	ID              string          `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	StudentID       string          `json:"student_id"`
	CourseCode      string          `json:"course_code,omitempty"`
	PackCode        string          `json:"pack_code,omitempty"`
	TicketCodes     []string        `json:"ticket_codes,omitempty"`
	TextbookCodes   []string        `json:"textbook_codes,omitempty"`
	EnrollmentMonth *billing.Period `json:"enrollment_month,omitempty"`
	StartMonth      billing.Period  `json:"start_month"`
	EndMonth        *billing.Period `json:"end_month,omitempty"`
	Status          string          `json:"status,omitempty"`
}

type InstrumentJSON struct {
	ID          string           `json:"id"`
	TenantID    uuid.UUID        `json:"tenant_id"`
	Kind        string           `json:"kind"`
	GuardianID  string           `json:"guardian_id"`
	StudentID   string           `json:"student_id,omitempty"`
	Name        string           `json:"name,omitempty"`
	ValidFrom   *billing.Period  `json:"valid_from,omitempty"`
	ValidUntil  *billing.Period  `json:"valid_until,omitempty"`
	Status      string           `json:"status,omitempty"`
	Calc        string           `json:"calc,omitempty"`
	Value       *decimal.Decimal `json:"value"`
	UsedPeriod  *billing.Period  `json:"used_period,omitempty"`
	ProductCode string           `json:"product_code,omitempty"`
}

// =============================================================================
// MASTERS
// =============================================================================

// Masters is the typed result of parsing.
type Masters struct {
	Products    []catalog.Product
	Courses     []catalog.Course
	Packs       []catalog.Pack
	Contracts   []catalog.Contract
	Guardians   []directory.Guardian
	Students    []directory.Student
	Instruments []discount.Attrs
}

// MasterWriter is implemented by stores that accept master data.
type MasterWriter interface {
	SaveProducts(ctx context.Context, products []catalog.Product) error
	SaveCourses(ctx context.Context, courses []catalog.Course) error
	SavePacks(ctx context.Context, packs []catalog.Pack) error
	SaveContracts(ctx context.Context, contracts []catalog.Contract) error
	SaveGuardians(ctx context.Context, guardians []directory.Guardian) error
	SaveStudents(ctx context.Context, students []directory.Student) error
	SaveInstruments(ctx context.Context, records []discount.Attrs) error
}

// Apply writes every master to w. Masters are written parents first so
// stores with foreign keys accept them.
func (m *Masters) Apply(ctx context.Context, w MasterWriter) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"products", func() error { return w.SaveProducts(ctx, m.Products) }},
		{"courses", func() error { return w.SaveCourses(ctx, m.Courses) }},
		{"packs", func() error { return w.SavePacks(ctx, m.Packs) }},
		{"guardians", func() error { return w.SaveGuardians(ctx, m.Guardians) }},
		{"students", func() error { return w.SaveStudents(ctx, m.Students) }},
		{"contracts", func() error { return w.SaveContracts(ctx, m.Contracts) }},
		{"instruments", func() error { return w.SaveInstruments(ctx, m.Instruments) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("save %s: %w", s.name, err)
		}
	}
	return nil
}

// =============================================================================
// MASTER FACTORY
// =============================================================================

// MasterFactory converts JSON masters to Go structs.
type MasterFactory struct{}

func NewMasterFactory() *MasterFactory {
	return &MasterFactory{}
}

// ParseMasters parses a JSON string into Masters.
func (f *MasterFactory) ParseMasters(jsonStr string) (*Masters, error) {
	var mj MastersJSON
	if err := json.Unmarshal([]byte(jsonStr), &mj); err != nil {
		return nil, fmt.Errorf("failed to parse masters JSON: %w", err)
	}
	return f.FromJSON(mj)
}

// FromJSON validates and converts every section.
func (f *MasterFactory) FromJSON(mj MastersJSON) (*Masters, error) {
	m := &Masters{}

	for _, pj := range mj.Products {
		p, err := parseProduct(pj)
		if err != nil {
			return nil, err
		}
		m.Products = append(m.Products, p)
	}
	for _, cj := range mj.Courses {
		m.Courses = append(m.Courses, catalog.Course{
			Code: cj.Code, Name: cj.Name, Promotional: cj.Promotional, Items: parseRefs(cj.Items),
		})
	}
	for _, pj := range mj.Packs {
		m.Packs = append(m.Packs, catalog.Pack{
			Code: pj.Code, Name: pj.Name, Promotional: pj.Promotional, Items: parseRefs(pj.Items),
		})
	}
	for _, gj := range mj.Guardians {
		if gj.ID == "" {
			return nil, fmt.Errorf("guardian without id")
		}
		m.Guardians = append(m.Guardians, directory.Guardian{
			ID: billing.GuardianID(gj.ID), TenantID: gj.TenantID, Name: gj.Name, Email: gj.Email,
		})
	}
	for _, sj := range mj.Students {
		if sj.ID == "" {
			return nil, fmt.Errorf("student without id")
		}
		m.Students = append(m.Students, directory.Student{
			ID: billing.StudentID(sj.ID), TenantID: sj.TenantID,
			GuardianID: billing.GuardianID(sj.GuardianID), Name: sj.Name,
		})
	}
	for _, cj := range mj.Contracts {
		c, err := parseContract(cj)
		if err != nil {
			return nil, err
		}
		m.Contracts = append(m.Contracts, c)
	}
	for _, ij := range mj.Instruments {
		a, err := parseInstrument(ij)
		if err != nil {
			return nil, err
		}
		m.Instruments = append(m.Instruments, a)
	}

	return m, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseProduct(pj ProductJSON) (catalog.Product, error) {
	if pj.Code == "" {
		return catalog.Product{}, fmt.Errorf("product without code")
	}
	itemType := billing.ItemOther
	if pj.Type != "" {
		t, err := billing.ParseItemType(pj.Type)
		if err != nil {
			return catalog.Product{}, fmt.Errorf("product %s: %w", pj.Code, err)
		}
		itemType = t
	}

	p := catalog.Product{
		Code:        pj.Code,
		Name:        pj.Name,
		Type:        itemType,
		Price:       billing.Yen(pj.Price),
		Mile:        pj.Mile,
		DiscountMax: billing.Yen(pj.DiscountMax),
	}
	if pj.EnrollmentPrice != nil {
		ep := billing.Yen(*pj.EnrollmentPrice)
		p.EnrollmentPrice = &ep
	}
	if len(pj.MonthlyPrices) > 0 {
		p.MonthlyPrices = make(map[time.Month]billing.Yen, len(pj.MonthlyPrices))
		for k, v := range pj.MonthlyPrices {
			month, err := parseMonth(k)
			if err != nil {
				return catalog.Product{}, fmt.Errorf("product %s: %w", pj.Code, err)
			}
			p.MonthlyPrices[month] = billing.Yen(v)
		}
	}
	for _, n := range pj.AvailableMonths {
		month, err := parseMonth(strconv.Itoa(n))
		if err != nil {
			return catalog.Product{}, fmt.Errorf("product %s: %w", pj.Code, err)
		}
		p.AvailableMonths = append(p.AvailableMonths, month)
	}
	return p, nil
}

func parseMonth(s string) (time.Month, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 12 {
		return 0, fmt.Errorf("invalid month %q", s)
	}
	return time.Month(n), nil
}

func parseRefs(refs []ItemRefJSON) []catalog.ItemRef {
	out := make([]catalog.ItemRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, catalog.ItemRef{ProductCode: r.ProductCode, Quantity: r.Quantity})
	}
	return out
}

func parseContract(cj ContractJSON) (catalog.Contract, error) {
	if cj.ID == "" {
		return catalog.Contract{}, fmt.Errorf("contract without id")
	}
	if !cj.StartMonth.Valid() {
		return catalog.Contract{}, fmt.Errorf("contract %s: %w: missing start_month", cj.ID, billing.ErrInvalidPeriod)
	}
	status, err := parseContractStatus(cj.Status)
	if err != nil {
		return catalog.Contract{}, fmt.Errorf("contract %s: %w", cj.ID, err)
	}
	return catalog.Contract{
		ID:              cj.ID,
		TenantID:        cj.TenantID,
		StudentID:       billing.StudentID(cj.StudentID),
		CourseCode:      cj.CourseCode,
		PackCode:        cj.PackCode,
		TicketCodes:     cj.TicketCodes,
		TextbookCodes:   cj.TextbookCodes,
		EnrollmentMonth: cj.EnrollmentMonth,
		StartMonth:      cj.StartMonth,
		EndMonth:        cj.EndMonth,
		Status:          status,
	}, nil
}

func parseContractStatus(s string) (catalog.ContractStatus, error) {
	switch s {
	case "", "active":
		return catalog.ContractActive, nil
	case "suspended":
		return catalog.ContractSuspended, nil
	case "cancelled", "canceled":
		return catalog.ContractCancelled, nil
	default:
		return "", fmt.Errorf("unknown contract status %q", s)
	}
}

// parseInstrument only checks the shape. Value problems (missing value,
// percentage above 100) are left for the resolver to count as malformed.
func parseInstrument(ij InstrumentJSON) (discount.Attrs, error) {
	if ij.ID == "" {
		return discount.Attrs{}, fmt.Errorf("instrument without id")
	}
	kind, err := billing.ParseKind(ij.Kind)
	if err != nil {
		return discount.Attrs{}, fmt.Errorf("instrument %s: %w", ij.ID, err)
	}
	if kind == billing.KindMile {
		return discount.Attrs{}, fmt.Errorf("instrument %s: mile discounts are computed, not granted", ij.ID)
	}

	status := discount.Status(ij.Status)
	switch status {
	case "":
		status = discount.StatusActive
	case discount.StatusActive, discount.StatusUsed, discount.StatusExpired:
	default:
		return discount.Attrs{}, fmt.Errorf("instrument %s: unknown status %q", ij.ID, ij.Status)
	}

	calc := discount.Calc(ij.Calc)
	if calc == "" {
		calc = discount.CalcFixed
	}

	return discount.Attrs{
		ID:          ij.ID,
		TenantID:    ij.TenantID,
		Kind:        kind,
		GuardianID:  billing.GuardianID(ij.GuardianID),
		StudentID:   billing.StudentID(ij.StudentID),
		Name:        ij.Name,
		ValidFrom:   ij.ValidFrom,
		ValidUntil:  ij.ValidUntil,
		Status:      status,
		Calc:        calc,
		Value:       ij.Value,
		UsedPeriod:  ij.UsedPeriod,
		ProductCode: ij.ProductCode,
	}, nil
}
