package discount

import (
	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// RUN CONTEXT - "Already applied" guards for one run
// =============================================================================

// RunContext records which guardian-level kinds and which instruments have
// contributed to which period during a run. It replaces process-wide
// state: every run creates its own and threads it through resolution.
//
// A RunContext is not safe for concurrent use; runs are sequential.
type RunContext struct {
	applied     map[guardKey]bool
	instruments map[string]map[billing.Period]bool
	malformed   map[instrumentKey]bool
}

type instrumentKey struct {
	ID     string
	Period billing.Period
}

type guardKey struct {
	Kind       billing.DiscountKind
	GuardianID billing.GuardianID
	Period     billing.Period
}

// Claim is a guard to record once the line that produced it is persisted
// (or previewed). Guards are not taken during resolution so a failed
// record does not block its siblings.
type Claim struct {
	Kind         billing.DiscountKind
	GuardianID   billing.GuardianID
	Period       billing.Period
	InstrumentID string
}

func NewRunContext() *RunContext {
	return &RunContext{
		applied:     make(map[guardKey]bool),
		instruments: make(map[string]map[billing.Period]bool),
		malformed:   make(map[instrumentKey]bool),
	}
}

// MarkMalformed records a malformed instrument for the period. It returns
// false when the instrument was already reported, so a guardian-owned
// record is counted once however many students it is evaluated for.
func (rc *RunContext) MarkMalformed(id string, period billing.Period) bool {
	k := instrumentKey{ID: id, Period: period}
	if rc.malformed[k] {
		return false
	}
	rc.malformed[k] = true
	return true
}

// MarkApplied records a guardian-level kind for the period. It returns
// false when the kind was already applied.
func (rc *RunContext) MarkApplied(kind billing.DiscountKind, guardianID billing.GuardianID, period billing.Period) bool {
	k := guardKey{Kind: kind, GuardianID: guardianID, Period: period}
	if rc.applied[k] {
		return false
	}
	rc.applied[k] = true
	return true
}

func (rc *RunContext) Applied(kind billing.DiscountKind, guardianID billing.GuardianID, period billing.Period) bool {
	return rc.applied[guardKey{Kind: kind, GuardianID: guardianID, Period: period}]
}

// Release forgets a guardian-level kind. Force recomputes use it after
// clearing the kind from every sibling snapshot.
func (rc *RunContext) Release(kind billing.DiscountKind, guardianID billing.GuardianID, period billing.Period) {
	delete(rc.applied, guardKey{Kind: kind, GuardianID: guardianID, Period: period})
}

// MarkInstrument records that an instrument contributed to period.
func (rc *RunContext) MarkInstrument(id string, period billing.Period) {
	if rc.instruments[id] == nil {
		rc.instruments[id] = make(map[billing.Period]bool)
	}
	rc.instruments[id][period] = true
}

// InstrumentApplied reports whether the instrument contributed to period.
func (rc *RunContext) InstrumentApplied(id string, period billing.Period) bool {
	return rc.instruments[id][period]
}

// InstrumentUsedElsewhere reports whether the instrument contributed to
// any period other than period.
func (rc *RunContext) InstrumentUsedElsewhere(id string, period billing.Period) bool {
	for p := range rc.instruments[id] {
		if p != period {
			return true
		}
	}
	return false
}

// ReleaseInstrument forgets an instrument's contribution to period.
func (rc *RunContext) ReleaseInstrument(id string, period billing.Period) {
	delete(rc.instruments[id], period)
}

// Commit records claims.
func (rc *RunContext) Commit(claims []Claim) {
	for _, c := range claims {
		if c.InstrumentID != "" {
			rc.MarkInstrument(c.InstrumentID, c.Period)
			continue
		}
		rc.MarkApplied(c.Kind, c.GuardianID, c.Period)
	}
}

// Seed records the guards implied by persisted snapshots.
func (rc *RunContext) Seed(snaps ...billing.Snapshot) {
	for _, s := range snaps {
		if s.IsDeleted() {
			continue
		}
		for _, d := range s.Discounts {
			if d.Kind.GuardianLevel() {
				rc.MarkApplied(d.Kind, s.GuardianID, s.Period)
			}
			if d.InstrumentID != "" {
				rc.MarkInstrument(d.InstrumentID, s.Period)
			}
		}
	}
}
