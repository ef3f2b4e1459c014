package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
	"github.com/warp/tuition-billing/mile"
)

// =============================================================================
// BACKEND - Everything a run reads and writes
// =============================================================================

// Backend is implemented by every store.
type Backend interface {
	billing.TxStore
	billing.Locker
	billing.RunStore
	catalog.Source
	directory.Source
	discount.Source
}

// =============================================================================
// GENERATOR - Monthly billing run
// =============================================================================

type RunInput struct {
	TenantID *uuid.UUID
	Period   billing.Period
	DryRun   bool
}

type RecordStatus string

const (
	StatusCreated   RecordStatus = "created"
	StatusPreviewed RecordStatus = "previewed"
	StatusExisting  RecordStatus = "existing"
	StatusEmpty     RecordStatus = "empty"
	StatusNotFound  RecordStatus = "not_found"
	StatusFailed    RecordStatus = "failed"
)

type GenerateRecord struct {
	GuardianID billing.GuardianID
	StudentID  billing.StudentID
	SnapshotID string
	Status     RecordStatus
	Total      billing.Yen
	Error      string
}

// GenerateReport summarizes a billing run.
type GenerateReport struct {
	RunID     string
	Period    billing.Period
	DryRun    bool
	Total     int
	Created   int
	Previewed int
	Skipped   int
	Empty     int
	NotFound  int
	Failed    int
	Malformed int
	Records   []GenerateRecord

	errs *multierror.Error
}

// Err returns every per-record failure, or nil.
func (r *GenerateReport) Err() error {
	return r.errs.ErrorOrNil()
}

type GeneratorConfig struct {
	Rule   mile.Rule
	Logger *zap.Logger
	Now    func() time.Time
}

type Generator struct {
	backend Backend
	writer  *Writer
	rule    mile.Rule
	logger  *zap.Logger
	now     func() time.Time
}

func NewGenerator(backend Backend, cfg GeneratorConfig) *Generator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rule == (mile.Rule{}) {
		cfg.Rule = mile.DefaultRule()
	}
	return &Generator{
		backend: backend,
		writer:  NewWriter(backend, cfg.Logger).WithClock(cfg.Now),
		rule:    cfg.Rule,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// Run bills every guardian's students for in.Period. Students that already
// have a snapshot are skipped, so re-running is safe. Per-record failures
// are logged and collected in the report; only setup failures (loading
// masters, taking the run lock) return an error.
func (g *Generator) Run(ctx context.Context, in RunInput) (*GenerateReport, error) {
	if !in.Period.Valid() {
		return nil, fmt.Errorf("%w: %s", billing.ErrInvalidPeriod, in.Period)
	}

	report := &GenerateReport{RunID: uuid.NewString(), Period: in.Period, DryRun: in.DryRun}
	year, month := in.Period.Year, int(in.Period.Month)
	run := billing.RunRecord{
		ID:        report.RunID,
		Kind:      billing.RunGenerate,
		TenantID:  in.TenantID,
		Year:      &year,
		Month:     &month,
		DryRun:    in.DryRun,
		Status:    billing.RunRunning,
		StartedAt: g.now().UTC(),
	}
	log := g.logger.With(zap.String("run_id", run.ID), zap.String("scope", run.Scope()))

	dir, err := directory.Load(ctx, g.backend, in.TenantID)
	if err != nil {
		return nil, err
	}
	cache, err := catalog.Load(ctx, g.backend, in.TenantID)
	if err != nil {
		return nil, err
	}
	book, err := discount.LoadBook(ctx, g.backend, in.TenantID, log)
	if err != nil {
		return nil, err
	}
	existing, err := g.backend.ListSnapshots(ctx, billing.SnapshotFilter{TenantID: in.TenantID, Year: &year, Month: &month})
	if err != nil {
		return nil, fmt.Errorf("load existing snapshots: %w", err)
	}

	keys := make([]billing.Key, 0, len(dir.Guardians()))
	for _, guardian := range dir.Guardians() {
		keys = append(keys, billing.Key{TenantID: guardian.TenantID, Period: in.Period})
	}
	lockKeys := billing.LockKeys(keys)
	if !in.DryRun {
		if err := g.backend.TryLock(ctx, run.ID, lockKeys); err != nil {
			return nil, err
		}
		defer func() {
			if err := g.backend.Unlock(context.WithoutCancel(ctx), run.ID, lockKeys); err != nil {
				log.Error("failed to release run lock", zap.Error(err))
			}
		}()
	}
	if err := g.backend.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	byKey := make(map[billing.Key]billing.Snapshot, len(existing))
	billedGuardians := make(map[billing.GuardianID]bool)
	for _, s := range existing {
		byKey[s.Key()] = s
		billedGuardians[s.GuardianID] = true
	}

	rc := discount.NewRunContext()
	rc.Seed(existing...)

	job := &generateJob{
		Generator: g,
		log:       log,
		period:    in.Period,
		dryRun:    in.DryRun,
		rc:        rc,
		items:     catalog.NewResolver(cache),
		discounts: discount.NewResolver(book, log),
		miles:     mile.NewEngine(g.rule, cache, dir),
		existing:  byKey,
		billed:    billedGuardians,
		report:    report,
	}
	report.Malformed += book.Rejected()

	var runErr error
	for _, guardian := range dir.Guardians() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		for _, student := range dir.StudentsOf(guardian.ID) {
			job.bill(ctx, guardian, student)
		}
	}
	if runErr == nil {
		job.countOrphans(dir, cache)
	}

	g.finish(ctx, &run, report, runErr)
	log.Info("billing run finished",
		zap.Int("year", year),
		zap.Int("month", month),
		zap.Bool("dry_run", in.DryRun),
		zap.Int("total", report.Total),
		zap.Int("created", report.Created),
		zap.Int("previewed", report.Previewed),
		zap.Int("skipped", report.Skipped),
		zap.Int("not_found", report.NotFound),
		zap.Int("failed", report.Failed))
	return report, runErr
}

func (g *Generator) finish(ctx context.Context, run *billing.RunRecord, report *GenerateReport, runErr error) {
	done := g.now().UTC()
	run.CompletedAt = &done
	run.Status = billing.RunCompleted
	if runErr != nil {
		run.Status = billing.RunFailed
		run.Error = runErr.Error()
	}
	run.Total = report.Total
	run.Updated = report.Created
	run.Previewed = report.Previewed
	run.Skipped = report.Skipped + report.Empty
	run.Failed = report.Failed
	run.NotFound = report.NotFound
	run.Malformed = report.Malformed
	if err := g.backend.SaveRun(context.WithoutCancel(ctx), *run); err != nil {
		g.logger.Error("failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// generateJob is the per-run state of a billing run.
type generateJob struct {
	*Generator
	log       *zap.Logger
	period    billing.Period
	dryRun    bool
	rc        *discount.RunContext
	items     *catalog.Resolver
	discounts *discount.Resolver
	miles     *mile.Engine
	existing  map[billing.Key]billing.Snapshot
	billed    map[billing.GuardianID]bool
	report    *GenerateReport
}

func (j *generateJob) bill(ctx context.Context, guardian directory.Guardian, student directory.Student) {
	key := billing.Key{TenantID: student.TenantID, GuardianID: guardian.ID, StudentID: student.ID, Period: j.period}
	rec := GenerateRecord{GuardianID: guardian.ID, StudentID: student.ID}
	log := j.log.With(
		zap.String("tenant_id", key.TenantID.String()),
		zap.String("guardian_id", string(guardian.ID)),
		zap.String("student_id", string(student.ID)),
		zap.Int("year", j.period.Year),
		zap.Int("month", int(j.period.Month)))

	j.report.Total++

	if snap, ok := j.existing[key]; ok {
		rec.Status = StatusExisting
		rec.SnapshotID = snap.ID
		rec.Total = snap.Total
		j.report.Skipped++
		j.report.Records = append(j.report.Records, rec)
		return
	}

	snap, outcome, err := j.price(ctx, key)
	j.report.Malformed += outcome.Malformed
	if err != nil {
		j.fail(log, &rec, key, err)
		return
	}
	if len(snap.Items) == 0 {
		rec.Status = StatusEmpty
		j.report.Empty++
		j.report.Records = append(j.report.Records, rec)
		return
	}

	if j.dryRun {
		j.rc.Commit(outcome.Claims)
		j.billed[guardian.ID] = true
		rec.Status = StatusPreviewed
		rec.Total = snap.Total
		j.report.Previewed++
		j.report.Records = append(j.report.Records, rec)
		return
	}

	written, err := j.writer.Write(ctx, snap, outcome.Consumed)
	if err != nil {
		j.fail(log, &rec, key, err)
		return
	}
	j.rc.Commit(outcome.Claims)
	j.billed[guardian.ID] = true

	rec.Status = StatusCreated
	rec.SnapshotID = written.ID
	rec.Total = written.Total
	j.report.Created++
	j.report.Records = append(j.report.Records, rec)
	log.Info("snapshot created", zap.String("snapshot_id", written.ID), zap.Int64("total", int64(written.Total)))
}

// price computes the snapshot for key without writing it.
func (j *generateJob) price(ctx context.Context, key billing.Key) (billing.Snapshot, discount.Outcome, error) {
	var outcome discount.Outcome

	items, err := j.items.ResolveStudent(key.StudentID, key.Period)
	if err != nil {
		return billing.Snapshot{}, outcome, err
	}
	if len(items) == 0 {
		return billing.Snapshot{}, outcome, nil
	}

	req := discount.Request{
		TenantID:   key.TenantID,
		GuardianID: key.GuardianID,
		StudentID:  key.StudentID,
		Period:     key.Period,
		Subtotal:   Subtotal(items),
		Items:      billing.ItemLinesFrom(items),
	}
	lines, outcome := j.discounts.Resolve(j.rc, req)

	mileLine, claim, _, err := j.miles.Line(j.rc, key.GuardianID, key.Period)
	if err != nil {
		return billing.Snapshot{}, outcome, err
	}
	if mileLine != nil {
		lines = append(lines, *mileLine)
		outcome.Claims = append(outcome.Claims, *claim)
	}

	var carry billing.Yen
	if !j.billed[key.GuardianID] {
		carry, err = billing.NewLedger(j.backend).CarryOver(ctx, key.TenantID, key.GuardianID, key.Period)
		if err != nil {
			return billing.Snapshot{}, outcome, fmt.Errorf("carry-over: %w", err)
		}
	}

	snap, err := Assemble(items, lines, carry)
	if err != nil {
		return billing.Snapshot{}, outcome, err
	}
	snap.TenantID = key.TenantID
	snap.GuardianID = key.GuardianID
	snap.StudentID = key.StudentID
	snap.Period = key.Period
	return snap, outcome, nil
}

func (j *generateJob) fail(log *zap.Logger, rec *GenerateRecord, key billing.Key, err error) {
	if errors.Is(err, billing.ErrSnapshotExists) {
		rec.Status = StatusExisting
		j.report.Skipped++
		j.report.Records = append(j.report.Records, *rec)
		return
	}
	rec.Status = StatusFailed
	rec.Error = err.Error()
	j.report.Failed++
	j.report.Records = append(j.report.Records, *rec)
	j.report.errs = multierror.Append(j.report.errs, fmt.Errorf("%s: %w", key, err))
	log.Error("billing record failed", zap.Error(err))
}

// countOrphans reports contracts whose student or guardian is unknown.
func (j *generateJob) countOrphans(dir *directory.Directory, cache *catalog.Cache) {
	for _, studentID := range cache.StudentIDs() {
		if len(cache.ActiveContracts(studentID, j.period)) == 0 {
			continue
		}
		_, err := dir.GuardianOf(studentID)
		if err == nil {
			continue
		}
		j.report.NotFound++
		j.report.Records = append(j.report.Records, GenerateRecord{StudentID: studentID, Status: StatusNotFound, Error: err.Error()})
		j.log.Warn("student or guardian not found, skipping",
			zap.String("student_id", string(studentID)),
			zap.Error(err))
	}
}
