/*
Package mile computes the guardian-level mile discount.

PURPOSE:
  Every product carries an administratively assigned mile weight. A
  guardian's miles are the sum over every active course and pack of all
  their students in the month. Crossing a threshold unlocks a fixed yen
  amount per extra mile.

FORMULA (defaults):
  regular course present:  (miles - 2) * 500  when miles > 2
  promotional only:        (miles - 1) * 500  when miles > 1
  fewer than 2 mile-bearing courses/packs: 0

  The constants live in Rule and come from configuration. They are
  global, not per tenant.

GUARDIAN SCOPE:
  At most one mile line per guardian and period. Line() checks the run's
  RunContext before computing and returns the claim to commit.

SEE ALSO:
  - discount/context.go: RunContext guards
  - catalog/cache.go: CourseMile / PackMile
*/
package mile

import (
	"fmt"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
)

// Rule holds the mile discount constants.
type Rule struct {
	YenPerMile       billing.Yen
	RegularThreshold int
	PromoThreshold   int
	MinProducts      int
}

func DefaultRule() Rule {
	return Rule{YenPerMile: 500, RegularThreshold: 2, PromoThreshold: 1, MinProducts: 2}
}

// Apply is the pure discount formula.
func (r Rule) Apply(totalMiles int, hasRegular bool, products int) billing.Yen {
	if products < r.MinProducts {
		return 0
	}
	threshold := r.PromoThreshold
	if hasRegular {
		threshold = r.RegularThreshold
	}
	if totalMiles <= threshold {
		return 0
	}
	return billing.Yen(totalMiles-threshold) * r.YenPerMile
}

// Formula applies the default rule.
func Formula(totalMiles int, hasRegular bool, products int) billing.Yen {
	return DefaultRule().Apply(totalMiles, hasRegular, products)
}

// Result is a guardian's mile computation for one period.
type Result struct {
	Discount   billing.Yen
	TotalMiles int
	Name       string
	Products   int
	HasRegular bool
}

// Engine aggregates miles from the run's catalog cache and directory.
type Engine struct {
	rule  Rule
	cache *catalog.Cache
	dir   *directory.Directory
}

func NewEngine(rule Rule, cache *catalog.Cache, dir *directory.Directory) *Engine {
	return &Engine{rule: rule, cache: cache, dir: dir}
}

func (e *Engine) Rule() Rule { return e.rule }

// Calculate sums the guardian's miles for period. newCourse and newPack
// add a hypothetical enrollment for previews; empty means none.
func (e *Engine) Calculate(guardianID billing.GuardianID, newCourse, newPack string, period billing.Period) (Result, error) {
	if _, err := e.dir.Guardian(guardianID); err != nil {
		return Result{}, err
	}

	var res Result
	// A regular course decides the threshold even when it carries no miles.
	add := func(miles int, promotional bool) {
		if !promotional {
			res.HasRegular = true
		}
		if miles <= 0 {
			return
		}
		res.TotalMiles += miles
		res.Products++
	}

	for _, student := range e.dir.StudentsOf(guardianID) {
		for _, contract := range e.cache.ActiveContracts(student.ID, period) {
			if contract.CourseCode != "" {
				miles, promo, err := e.course(contract.CourseCode, contract.ID)
				if err != nil {
					return Result{}, err
				}
				add(miles, promo)
			}
			if contract.PackCode != "" {
				miles, promo, err := e.pack(contract.PackCode, contract.ID)
				if err != nil {
					return Result{}, err
				}
				add(miles, promo)
			}
		}
	}

	if newCourse != "" {
		miles, promo, err := e.course(newCourse, "")
		if err != nil {
			return Result{}, err
		}
		add(miles, promo)
	}
	if newPack != "" {
		miles, promo, err := e.pack(newPack, "")
		if err != nil {
			return Result{}, err
		}
		add(miles, promo)
	}

	res.Discount = e.rule.Apply(res.TotalMiles, res.HasRegular, res.Products)
	res.Name = fmt.Sprintf("Mile discount (%d miles)", res.TotalMiles)
	return res, nil
}

// Line returns the guardian's mile line for period unless the RunContext
// shows one was already applied. A zero discount yields no line.
func (e *Engine) Line(rc *discount.RunContext, guardianID billing.GuardianID, period billing.Period) (*billing.DiscountLine, *discount.Claim, Result, error) {
	if rc.Applied(billing.KindMile, guardianID, period) {
		return nil, nil, Result{}, nil
	}
	res, err := e.Calculate(guardianID, "", "", period)
	if err != nil {
		return nil, nil, Result{}, err
	}
	if res.Discount == 0 {
		return nil, nil, res, nil
	}
	line := &billing.DiscountLine{Name: res.Name, Amount: -res.Discount, Kind: billing.KindMile}
	claim := &discount.Claim{Kind: billing.KindMile, GuardianID: guardianID, Period: period}
	return line, claim, res, nil
}

func (e *Engine) course(code, contractID string) (int, bool, error) {
	course, ok := e.cache.Course(code)
	if !ok {
		return 0, false, &billing.CatalogResolutionError{Code: code, Kind: "course", ContractID: contractID}
	}
	miles, err := e.cache.CourseMile(code)
	if err != nil {
		return 0, false, err
	}
	return miles, course.Promotional, nil
}

func (e *Engine) pack(code, contractID string) (int, bool, error) {
	pack, ok := e.cache.Pack(code)
	if !ok {
		return 0, false, &billing.CatalogResolutionError{Code: code, Kind: "pack", ContractID: contractID}
	}
	miles, err := e.cache.PackMile(code)
	if err != nil {
		return 0, false, err
	}
	return miles, pack.Promotional, nil
}
