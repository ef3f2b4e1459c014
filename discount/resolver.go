package discount

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
)

// resolveOrder is the fixed precedence. Mile is not resolved here.
var resolveOrder = []billing.DiscountKind{
	billing.KindFS,
	billing.KindShawari,
	billing.KindFamily,
	billing.KindManual,
}

var defaultNames = map[billing.DiscountKind]string{
	billing.KindFS:      "Friend referral discount",
	billing.KindShawari: "Corporate discount",
	billing.KindFamily:  "Family discount",
	billing.KindManual:  "Manual discount",
}

// Request describes one student's month.
type Request struct {
	TenantID   uuid.UUID
	GuardianID billing.GuardianID
	StudentID  billing.StudentID
	Period     billing.Period

	// Subtotal is the pre-discount subtotal. Every instrument computes
	// against it, never against a running total.
	Subtotal billing.Yen
	Items    []billing.ItemLine
}

// Outcome reports side effects the caller must persist or record.
type Outcome struct {
	// Malformed counts instruments skipped as malformed.
	Malformed int

	// Consumed lists one-shot instruments to mark used for the period.
	Consumed []string

	// Claims are guards to commit to the RunContext after the lines are
	// persisted or previewed.
	Claims []Claim
}

func (o *Outcome) Merge(other Outcome) {
	o.Malformed += other.Malformed
	o.Consumed = append(o.Consumed, other.Consumed...)
	o.Claims = append(o.Claims, other.Claims...)
}

// Resolver evaluates instruments from a Book.
type Resolver struct {
	book   *Book
	logger *zap.Logger
}

func NewResolver(book *Book, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{book: book, logger: logger}
}

// Resolve returns the FS, shawari, family and manual lines for req in
// precedence order.
func (r *Resolver) Resolve(rc *RunContext, req Request) ([]billing.DiscountLine, Outcome) {
	var lines []billing.DiscountLine
	var out Outcome
	for _, kind := range resolveOrder {
		kindLines, kindOut := r.ResolveKind(rc, kind, req)
		lines = append(lines, kindLines...)
		out.Merge(kindOut)
	}
	return lines, out
}

// ResolveKind evaluates one kind. KindMile yields nothing here.
func (r *Resolver) ResolveKind(rc *RunContext, kind billing.DiscountKind, req Request) ([]billing.DiscountLine, Outcome) {
	var out Outcome
	if kind == billing.KindMile {
		return nil, out
	}

	// Family is guardian-level: check the guard before any student work.
	if kind == billing.KindFamily && rc.Applied(billing.KindFamily, req.GuardianID, req.Period) {
		return nil, out
	}

	input := Input{Subtotal: req.Subtotal, Items: req.Items, Period: req.Period}
	var lines []billing.DiscountLine

	for _, inst := range r.book.For(kind, req.GuardianID, req.StudentID) {
		if !inst.Applicable(req.Period) {
			continue
		}
		if inst.OneShot() && rc.InstrumentUsedElsewhere(inst.ID(), req.Period) {
			continue
		}
		if onceForGuardian(inst) && rc.InstrumentApplied(inst.ID(), req.Period) {
			continue
		}

		effect, err := inst.Compute(input)
		if err != nil {
			if !rc.MarkMalformed(inst.ID(), req.Period) {
				continue
			}
			out.Malformed++
			r.logger.Warn("skipping malformed discount instrument",
				zap.String("instrument_id", inst.ID()),
				zap.String("kind", string(kind)),
				zap.String("guardian_id", string(req.GuardianID)),
				zap.String("student_id", string(req.StudentID)),
				zap.Int("year", req.Period.Year),
				zap.Int("month", int(req.Period.Month)),
				zap.Error(err))
			continue
		}

		amount := LineAmount(effect)
		if amount == 0 {
			continue
		}

		lines = append(lines, billing.DiscountLine{
			Name:         lineName(inst),
			Amount:       amount,
			Kind:         kind,
			InstrumentID: inst.ID(),
		})
		out.Claims = append(out.Claims, Claim{Kind: kind, GuardianID: req.GuardianID, Period: req.Period, InstrumentID: inst.ID()})
		if inst.OneShot() {
			out.Consumed = append(out.Consumed, inst.ID())
		}
	}

	if kind == billing.KindFamily && len(lines) > 0 {
		out.Claims = append(out.Claims, Claim{Kind: kind, GuardianID: req.GuardianID, Period: req.Period})
	}
	out.Consumed = lo.Uniq(out.Consumed)
	return lines, out
}

// LineAmount turns a discount magnitude into a stored line amount:
// rounded half-up to whole yen and negated. A negative magnitude yields a
// positive amount, which the assembler rejects.
func LineAmount(effect decimal.Decimal) billing.Yen {
	return -billing.RoundYen(effect)
}

// onceForGuardian is true for guardian-owned instruments that must not
// repeat across the guardian's students. Corporate discounts owned by a
// guardian apply to every student.
func onceForGuardian(inst Instrument) bool {
	return inst.Owner().GuardianScoped() && inst.Kind() != billing.KindShawari
}

func lineName(inst Instrument) string {
	if name := inst.Attributes().Name; name != "" {
		return name
	}
	if name, ok := defaultNames[inst.Kind()]; ok {
		return name
	}
	return fmt.Sprintf("%s discount", inst.Kind())
}
