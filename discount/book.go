package discount

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
)

// Source is implemented by every store.
type Source interface {
	// Instruments returns instrument rows for one tenant, or all when nil.
	Instruments(ctx context.Context, tenantID *uuid.UUID) ([]Attrs, error)
}

// Book is the read-only, per-run index of instruments.
type Book struct {
	byGuardian map[billing.GuardianID][]Instrument
	byStudent  map[billing.StudentID][]Instrument
	rejected   int
}

func LoadBook(ctx context.Context, src Source, tenantID *uuid.UUID, logger *zap.Logger) (*Book, error) {
	records, err := src.Instruments(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load discount instruments: %w", err)
	}
	return NewBook(records, logger), nil
}

// NewBook indexes records. Records whose kind has no registered type are
// logged and counted, never fatal.
func NewBook(records []Attrs, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Book{
		byGuardian: make(map[billing.GuardianID][]Instrument),
		byStudent:  make(map[billing.StudentID][]Instrument),
	}
	for _, rec := range records {
		inst, err := New(rec)
		if err != nil {
			b.rejected++
			logger.Warn("skipping discount instrument",
				zap.String("instrument_id", rec.ID),
				zap.String("kind", string(rec.Kind)),
				zap.Error(err))
			continue
		}
		if rec.StudentID != "" {
			b.byStudent[rec.StudentID] = append(b.byStudent[rec.StudentID], inst)
		} else {
			b.byGuardian[rec.GuardianID] = append(b.byGuardian[rec.GuardianID], inst)
		}
	}
	for id := range b.byGuardian {
		sortInstruments(b.byGuardian[id])
	}
	for id := range b.byStudent {
		sortInstruments(b.byStudent[id])
	}
	return b
}

func sortInstruments(list []Instrument) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
}

// For returns the instruments of kind that can reach a student: the
// guardian's own first, then the student's, each ordered by ID.
func (b *Book) For(kind billing.DiscountKind, guardianID billing.GuardianID, studentID billing.StudentID) []Instrument {
	var out []Instrument
	for _, inst := range b.byGuardian[guardianID] {
		if inst.Kind() == kind {
			out = append(out, inst)
		}
	}
	for _, inst := range b.byStudent[studentID] {
		if inst.Kind() == kind {
			out = append(out, inst)
		}
	}
	return out
}

// Rejected is the number of records that could not become instruments.
func (b *Book) Rejected() int { return b.rejected }
