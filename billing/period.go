package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A calendar billing month
// =============================================================================

// Period is the billing month. Every snapshot, ledger entry and discount
// guard is keyed by it. The zero value is invalid.
type Period struct {
	Year  int
	Month time.Month
}

const periodLayout = "2006-01"

func NewPeriod(year int, month int) (Period, error) {
	p := Period{Year: year, Month: time.Month(month)}
	if !p.Valid() {
		return Period{}, fmt.Errorf("%w: %04d-%02d", ErrInvalidPeriod, year, month)
	}
	return p, nil
}

// MustPeriod is for tests and fixtures.
func MustPeriod(year int, month int) Period {
	p, err := NewPeriod(year, month)
	if err != nil {
		panic(err)
	}
	return p
}

// PeriodOf returns the billing month containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return PeriodOf(t), nil
}

func (p Period) Valid() bool {
	return p.Year >= 1900 && p.Year <= 9999 && p.Month >= time.January && p.Month <= time.December
}

func (p Period) IsZero() bool { return p == Period{} }

func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

func (p Period) AddMonths(n int) Period { return PeriodOf(p.Start().AddDate(0, n, 0)) }
func (p Period) Next() Period           { return p.AddMonths(1) }
func (p Period) Prev() Period           { return p.AddMonths(-1) }

// Index is a monotonic month number, handy for ordering and SQL columns.
func (p Period) Index() int { return p.Year*12 + int(p.Month) - 1 }

func (p Period) Before(o Period) bool        { return p.Index() < o.Index() }
func (p Period) After(o Period) bool         { return p.Index() > o.Index() }
func (p Period) BeforeOrEqual(o Period) bool { return p.Index() <= o.Index() }
func (p Period) AfterOrEqual(o Period) bool  { return p.Index() >= o.Index() }

// Within reports whether p lies in [from, until]; nil bounds are open.
func (p Period) Within(from, until *Period) bool {
	if from != nil && p.Before(*from) {
		return false
	}
	if until != nil && p.After(*until) {
		return false
	}
	return true
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
