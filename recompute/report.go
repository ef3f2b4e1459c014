package recompute

import (
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/warp/tuition-billing/billing"
)

// RecordResult is the outcome for one snapshot.
type RecordResult struct {
	SnapshotID string
	TenantID   uuid.UUID
	GuardianID billing.GuardianID
	StudentID  billing.StudentID
	Period     billing.Period
	State      State

	// Before and After are the discount lines before and after the run.
	// In dry-run After is the preview.
	Before []billing.DiscountLine
	After  []billing.DiscountLine

	// Changed lists kinds whose lines changed.
	Changed []billing.DiscountKind
	Error   string
}

// Report is the audit summary every run produces.
type Report struct {
	RunID  string
	DryRun bool
	Force  bool
	Kinds  []billing.DiscountKind

	Total     int
	Updated   int
	Skipped   int
	Previewed int
	Failed    int
	NotFound  int
	Malformed int

	// Applied counts, per kind, the records whose lines of that kind
	// changed (or would change, in dry-run).
	Applied map[billing.DiscountKind]int

	Records []RecordResult

	errs *multierror.Error
}

func newReport(runID string, opts Options) *Report {
	return &Report{
		RunID:   runID,
		DryRun:  opts.DryRun,
		Force:   opts.Force,
		Kinds:   opts.Kinds,
		Applied: make(map[billing.DiscountKind]int),
	}
}

// Err returns every per-record failure, or nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

func (r *Report) count(state State) {
	switch state {
	case StateApplied:
		r.Updated++
	case StatePreviewed:
		r.Previewed++
	case StateSkipped:
		r.Skipped++
	case StateFailed:
		r.Failed++
	}
}

func (r *Report) toRun(run *billing.RunRecord) {
	run.Total = r.Total
	run.Updated = r.Updated
	run.Skipped = r.Skipped
	run.Previewed = r.Previewed
	run.Failed = r.Failed
	run.NotFound = r.NotFound
	run.Malformed = r.Malformed
}
