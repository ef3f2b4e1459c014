/*
registry.go - Instrument kind registration and construction

PURPOSE:
  Instruments are persisted as flat Attrs rows with a kind tag. The
  registry maps each kind to the constructor of its variant so stores and
  the JSON factory can rebuild typed instruments without a type switch
  spread across packages.

HOW IT WORKS:
  1. Each variant registers a constructor in init()
  2. New(attrs) looks up attrs.Kind and builds the variant
  3. Unknown kinds fail; callers log, count and skip the record

  Mile discounts are never persisted as instruments: they are derived
  from the catalog at run time, so KindMile has no constructor.

SEE ALSO:
  - instrument.go: Variant definitions
  - book.go: Builds the per-run index through New
*/
package discount

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warp/tuition-billing/billing"
)

// Constructor builds a variant from its persisted attributes.
type Constructor func(Attrs) Instrument

var (
	registry   = make(map[billing.DiscountKind]Constructor)
	registryMu sync.RWMutex
)

func init() {
	Register(billing.KindFS, func(a Attrs) Instrument { return FSDiscount{base{a}} })
	Register(billing.KindShawari, func(a Attrs) Instrument { return ShawariDiscount{base{a}} })
	Register(billing.KindFamily, func(a Attrs) Instrument { return FamilyDiscount{base{a}} })
	Register(billing.KindManual, func(a Attrs) Instrument { return ManualDiscount{base{a}} })
}

// Register adds or replaces the constructor for kind.
func Register(kind billing.DiscountKind, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = ctor
}

// Lookup returns nil when kind is not registered.
func Lookup(kind billing.DiscountKind) Constructor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[kind]
}

// RegisteredKinds returns the kinds with a constructor, in precedence order.
func RegisteredKinds() []billing.DiscountKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]billing.DiscountKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return KindRank(kinds[i]) < KindRank(kinds[j]) })
	return kinds
}

// New builds the instrument for attrs.
func New(attrs Attrs) (Instrument, error) {
	ctor := Lookup(attrs.Kind)
	if ctor == nil {
		return nil, &billing.MalformedInstrumentError{
			ID:     attrs.ID,
			Kind:   attrs.Kind,
			Reason: fmt.Sprintf("no instrument type registered for kind %q", attrs.Kind),
		}
	}
	return ctor(attrs), nil
}

// MustNew is for tests and fixtures.
func MustNew(attrs Attrs) Instrument {
	inst, err := New(attrs)
	if err != nil {
		panic(err)
	}
	return inst
}

// KindRank is the precedence of a kind on a snapshot, mile last.
func KindRank(kind billing.DiscountKind) int {
	for i, k := range billing.AllKinds {
		if k == kind {
			return i
		}
	}
	return len(billing.AllKinds)
}

// SortLines orders discount lines by kind precedence, stable.
func SortLines(lines []billing.DiscountLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		return KindRank(lines[i].Kind) < KindRank(lines[j].Kind)
	})
}
