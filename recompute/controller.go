/*
Package recompute re-applies discount kinds to confirmed snapshots.

PURPOSE:
  Administrative corrections and backfills: after an instrument is
  granted late, or a mile weight is fixed, operators re-run discount
  resolution over existing snapshots. Only the discount fields change.

STATE MACHINE (per snapshot):
  pending -> previewed   dry-run, nothing written
  pending -> applied     discounts replaced in one transaction
  pending -> skipped     kind already present, nothing to change, or
                         guardian/student not found
  pending -> failed      logged, run continues

IDEMPOTENCE:
  Without force, a kind already tagged on the snapshot (or, for
  guardian-level kinds, on a sibling snapshot of the same guardian and
  period) is left alone, so a second run is a no-op. With force, lines of
  the targeted kinds are dropped from every snapshot of the guardian and
  period before recomputing, so nothing is applied twice.

  Dry-run and real runs share the computation path; they differ only in
  the final write.

CONCURRENCY:
  Records are processed sequentially. The run takes advisory locks on
  every (tenant, period) it will touch before writing, so two runs over
  the same slice cannot interleave.

SEE ALSO:
  - machine.go: Transitions
  - invoice/writer.go: ReplaceDiscounts
  - discount/context.go: RunContext guards
*/
package recompute

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
	"github.com/warp/tuition-billing/invoice"
	"github.com/warp/tuition-billing/mile"
)

// Options selects what to recompute. Nil filters match everything.
type Options struct {
	DryRun   bool
	Force    bool
	Year     *int
	Month    *int
	TenantID *uuid.UUID

	// Kinds to recompute; empty means every kind.
	Kinds []billing.DiscountKind
}

func (o Options) validate() error {
	if o.Month != nil && (*o.Month < 1 || *o.Month > 12) {
		return fmt.Errorf("%w: month %d", billing.ErrInvalidPeriod, *o.Month)
	}
	if o.Year != nil && (*o.Year < 1900 || *o.Year > 9999) {
		return fmt.Errorf("%w: year %d", billing.ErrInvalidPeriod, *o.Year)
	}
	return nil
}

type Config struct {
	Rule   mile.Rule
	Logger *zap.Logger
	Now    func() time.Time
}

type Controller struct {
	backend invoice.Backend
	writer  *invoice.Writer
	rule    mile.Rule
	logger  *zap.Logger
	now     func() time.Time
}

func NewController(backend invoice.Backend, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rule == (mile.Rule{}) {
		cfg.Rule = mile.DefaultRule()
	}
	return &Controller{
		backend: backend,
		writer:  invoice.NewWriter(backend, cfg.Logger).WithClock(cfg.Now),
		rule:    cfg.Rule,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// Run recomputes every snapshot matching opts. Per-record failures are
// collected in the report and never returned; the error is reserved for
// setup failures such as a held run lock.
func (c *Controller) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Kinds = normalizeKinds(opts.Kinds)

	run := billing.RunRecord{
		ID:        uuid.NewString(),
		Kind:      billing.RunRecompute,
		TenantID:  opts.TenantID,
		Year:      opts.Year,
		Month:     opts.Month,
		DryRun:    opts.DryRun,
		Force:     opts.Force,
		Kinds:     opts.Kinds,
		Status:    billing.RunRunning,
		StartedAt: c.now().UTC(),
	}
	report := newReport(run.ID, opts)
	log := c.logger.With(zap.String("run_id", run.ID), zap.String("scope", run.Scope()))

	snaps, err := c.backend.ListSnapshots(ctx, billing.SnapshotFilter{TenantID: opts.TenantID, Year: opts.Year, Month: opts.Month})
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	dir, err := directory.Load(ctx, c.backend, opts.TenantID)
	if err != nil {
		return nil, err
	}
	cache, err := catalog.Load(ctx, c.backend, opts.TenantID)
	if err != nil {
		return nil, err
	}
	book, err := discount.LoadBook(ctx, c.backend, opts.TenantID, log)
	if err != nil {
		return nil, err
	}
	report.Malformed += book.Rejected()

	lockKeys := billing.LockKeys(lo.Map(snaps, func(s billing.Snapshot, _ int) billing.Key { return s.Key() }))
	if !opts.DryRun {
		if err := c.backend.TryLock(ctx, run.ID, lockKeys); err != nil {
			return nil, err
		}
		defer func() {
			if err := c.backend.Unlock(context.WithoutCancel(ctx), run.ID, lockKeys); err != nil {
				log.Error("failed to release run lock", zap.Error(err))
			}
		}()
	}
	if err := c.backend.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	job := &recomputeJob{
		Controller: c,
		log:        log,
		opts:       opts,
		rc:         discount.NewRunContext(),
		dir:        dir,
		discounts:  discount.NewResolver(book, log),
		miles:      mile.NewEngine(c.rule, cache, dir),
		report:     report,
	}

	var runErr error
	for _, group := range groupSnapshots(snaps) {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		job.processGroup(ctx, group)
	}

	done := c.now().UTC()
	run.CompletedAt = &done
	run.Status = billing.RunCompleted
	if runErr != nil {
		run.Status = billing.RunFailed
		run.Error = runErr.Error()
	}
	report.toRun(&run)
	if err := c.backend.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("failed to save run record", zap.Error(err))
	}

	fields := []zap.Field{
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("force", opts.Force),
		zap.Int("total", report.Total),
		zap.Int("updated", report.Updated),
		zap.Int("previewed", report.Previewed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("not_found", report.NotFound),
		zap.Int("malformed", report.Malformed),
	}
	for _, kind := range opts.Kinds {
		fields = append(fields, zap.Int("applied_"+string(kind), report.Applied[kind]))
	}
	log.Info("recompute run finished", fields...)
	return report, runErr
}

// normalizeKinds dedupes kinds and orders them by precedence.
func normalizeKinds(kinds []billing.DiscountKind) []billing.DiscountKind {
	if len(kinds) == 0 {
		return append([]billing.DiscountKind(nil), billing.AllKinds...)
	}
	out := lo.Uniq(kinds)
	slices.SortStableFunc(out, func(a, b billing.DiscountKind) int {
		return discount.KindRank(a) - discount.KindRank(b)
	})
	return out
}

// groupSnapshots splits sorted snapshots by (tenant, guardian, period).
func groupSnapshots(snaps []billing.Snapshot) [][]billing.Snapshot {
	sorted := append([]billing.Snapshot(nil), snaps...)
	billing.SortSnapshots(sorted)

	var groups [][]billing.Snapshot
	for i, s := range sorted {
		if i == 0 || !sameGroup(sorted[i-1], s) {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], s)
	}
	return groups
}

func sameGroup(a, b billing.Snapshot) bool {
	return a.TenantID == b.TenantID && a.GuardianID == b.GuardianID && a.Period == b.Period
}

// =============================================================================
// RECOMPUTE JOB - Per-run state
// =============================================================================

type recomputeJob struct {
	*Controller
	log       *zap.Logger
	opts      Options
	rc        *discount.RunContext
	dir       *directory.Directory
	discounts *discount.Resolver
	miles     *mile.Engine
	report    *Report
}

// processGroup handles every snapshot of one guardian and period. Under
// force the targeted kinds are stripped from the whole group first, so
// guardian-level kinds are rebuilt from scratch on the first student.
func (j *recomputeJob) processGroup(ctx context.Context, group []billing.Snapshot) {
	bases := make([][]billing.DiscountLine, len(group))
	for i, s := range group {
		bases[i] = s.Discounts
		if j.opts.Force {
			bases[i] = lo.Filter(s.Discounts, func(d billing.DiscountLine, _ int) bool {
				return !lo.Contains(j.opts.Kinds, d.Kind)
			})
		}
		seeded := s
		seeded.Discounts = bases[i]
		j.rc.Seed(seeded)
	}

	for i, s := range group {
		j.processRecord(ctx, s, bases[i])
	}
}

func (j *recomputeJob) processRecord(ctx context.Context, snap billing.Snapshot, base []billing.DiscountLine) {
	j.report.Total++
	result := RecordResult{
		SnapshotID: snap.ID,
		TenantID:   snap.TenantID,
		GuardianID: snap.GuardianID,
		StudentID:  snap.StudentID,
		Period:     snap.Period,
		Before:     snap.Discounts,
		After:      snap.Discounts,
	}
	machine := newRecordMachine(j.report.count)
	log := j.log.With(
		zap.String("snapshot_id", snap.ID),
		zap.String("tenant_id", snap.TenantID.String()),
		zap.String("guardian_id", string(snap.GuardianID)),
		zap.String("student_id", string(snap.StudentID)),
		zap.Int("year", snap.Period.Year),
		zap.Int("month", int(snap.Period.Month)))

	finish := func(trigger string, err error) {
		if ferr := machine.Fire(trigger); ferr != nil {
			log.Error("invalid recompute transition", zap.String("trigger", trigger), zap.Error(ferr))
		}
		result.State = currentState(machine)
		if err != nil {
			result.Error = err.Error()
		}
		j.report.Records = append(j.report.Records, result)
	}

	if err := j.checkDirectory(snap); err != nil {
		j.report.NotFound++
		log.Warn("guardian or student not found, skipping", zap.Error(err))
		finish(triggerSkip, err)
		return
	}

	lines, changed, outcome, err := j.compute(snap, base)
	j.report.Malformed += outcome.Malformed
	if err != nil {
		j.report.errs = multierror.Append(j.report.errs, fmt.Errorf("%s: %w", snap.Key(), err))
		log.Error("recompute record failed", zap.Error(err))
		finish(triggerFail, err)
		return
	}

	if len(changed) == 0 {
		// Lines of the targeted kinds are already what they would be.
		j.rc.Commit(outcome.Claims)
		finish(triggerSkip, nil)
		return
	}

	if j.opts.DryRun {
		j.rc.Commit(outcome.Claims)
		j.countChanged(changed)
		result.After = lines
		result.Changed = changed
		log.Info("recompute preview", zap.Int64("discount_total", int64(billing.SumDiscounts(lines))))
		finish(triggerPreview, nil)
		return
	}

	reason := fmt.Sprintf("recompute %v", changed)
	updated, err := j.writer.ReplaceDiscounts(ctx, snap.ID, lines, outcome.Consumed, reason)
	if err != nil {
		j.report.errs = multierror.Append(j.report.errs, fmt.Errorf("%s: %w", snap.Key(), err))
		log.Error("recompute apply failed", zap.Error(err))
		finish(triggerFail, err)
		return
	}
	j.rc.Commit(outcome.Claims)
	j.countChanged(changed)
	result.After = updated.Discounts
	result.Changed = changed
	log.Info("recompute applied",
		zap.Int64("discount_total", int64(updated.DiscountTotal)),
		zap.Int64("total", int64(updated.Total)))
	finish(triggerApply, nil)
}

func (j *recomputeJob) checkDirectory(snap billing.Snapshot) error {
	if _, err := j.dir.Guardian(snap.GuardianID); err != nil {
		return err
	}
	_, err := j.dir.Student(snap.StudentID)
	return err
}

// compute returns the snapshot's full new discount list, the kinds whose
// lines changed, and the resolution outcome. It never writes.
func (j *recomputeJob) compute(snap billing.Snapshot, base []billing.DiscountLine) ([]billing.DiscountLine, []billing.DiscountKind, discount.Outcome, error) {
	var outcome discount.Outcome
	lines := append([]billing.DiscountLine(nil), base...)
	req := discount.Request{
		TenantID:   snap.TenantID,
		GuardianID: snap.GuardianID,
		StudentID:  snap.StudentID,
		Period:     snap.Period,
		Subtotal:   snap.Subtotal,
		Items:      snap.Items,
	}

	for _, kind := range j.opts.Kinds {
		if !j.opts.Force && snap.HasKind(kind) {
			continue
		}
		if !j.opts.Force && kind.GuardianLevel() && j.rc.Applied(kind, snap.GuardianID, snap.Period) {
			continue
		}

		if kind == billing.KindMile {
			line, claim, _, err := j.miles.Line(j.rc, snap.GuardianID, snap.Period)
			if err != nil {
				return nil, nil, outcome, err
			}
			if line != nil {
				lines = append(lines, *line)
				outcome.Claims = append(outcome.Claims, *claim)
			}
			continue
		}

		kindLines, kindOut := j.discounts.ResolveKind(j.rc, kind, req)
		lines = append(lines, kindLines...)
		outcome.Merge(kindOut)
	}

	discount.SortLines(lines)
	for _, d := range lines {
		if d.Amount > 0 {
			return nil, nil, outcome, &billing.InvalidDiscountSignError{Name: d.Name, Kind: d.Kind, Amount: d.Amount}
		}
	}
	return lines, changedKinds(snap.Discounts, lines), outcome, nil
}

func (j *recomputeJob) countChanged(kinds []billing.DiscountKind) {
	for _, k := range kinds {
		j.report.Applied[k]++
	}
}

// changedKinds lists kinds whose lines differ between before and after,
// in precedence order.
func changedKinds(before, after []billing.DiscountLine) []billing.DiscountKind {
	var out []billing.DiscountKind
	for _, kind := range billing.AllKinds {
		b := lo.Filter(before, func(d billing.DiscountLine, _ int) bool { return d.Kind == kind })
		a := lo.Filter(after, func(d billing.DiscountLine, _ int) bool { return d.Kind == kind })
		if !slices.Equal(a, b) {
			out = append(out, kind)
		}
	}
	return out
}
