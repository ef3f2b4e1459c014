package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
)

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (r *repo) CreateSnapshot(ctx context.Context, snap billing.Snapshot) error {
	items, err := billing.EncodeItems(snap.Items)
	if err != nil {
		return err
	}
	discounts, err := billing.EncodeDiscounts(snap.Discounts)
	if err != nil {
		return err
	}
	m := snapshotModel{
		ID:            snap.ID,
		TenantID:      snap.TenantID,
		GuardianID:    string(snap.GuardianID),
		StudentID:     string(snap.StudentID),
		Year:          snap.Period.Year,
		Month:         int(snap.Period.Month),
		SchemaVersion: snap.SchemaVersion,
		Items:         datatypes.JSON(items),
		Discounts:     datatypes.JSON(discounts),
		Subtotal:      int64(snap.Subtotal),
		DiscountTotal: int64(snap.DiscountTotal),
		CarryOver:     int64(snap.CarryOver),
		Total:         int64(snap.Total),
		Locked:        snap.Locked,
		CreatedAt:     utc(snap.CreatedAt),
		UpdatedAt:     utc(snap.UpdatedAt),
		DeletedAt:     snap.DeletedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicate(err) {
			return billing.ErrSnapshotExists
		}
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (r *repo) GetSnapshot(ctx context.Context, id string) (*billing.Snapshot, error) {
	var m snapshotModel
	err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&m).Error
	if isNotFound(err) {
		return nil, billing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	snap, err := m.toDomain()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *repo) FindSnapshot(ctx context.Context, key billing.Key) (*billing.Snapshot, error) {
	var m snapshotModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND guardian_id = ? AND student_id = ? AND year = ? AND month = ? AND deleted_at IS NULL",
			key.TenantID, string(key.GuardianID), string(key.StudentID), key.Period.Year, int(key.Period.Month)).
		First(&m).Error
	if isNotFound(err) {
		return nil, billing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	snap, err := m.toDomain()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *repo) ListSnapshots(ctx context.Context, filter billing.SnapshotFilter) ([]billing.Snapshot, error) {
	q := r.db.WithContext(ctx).Model(&snapshotModel{})
	if !filter.IncludeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if filter.TenantID != nil {
		q = q.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.GuardianID != nil {
		q = q.Where("guardian_id = ?", string(*filter.GuardianID))
	}
	if filter.StudentID != nil {
		q = q.Where("student_id = ?", string(*filter.StudentID))
	}
	if filter.Year != nil {
		q = q.Where("year = ?", *filter.Year)
	}
	if filter.Month != nil {
		q = q.Where("month = ?", *filter.Month)
	}

	var rows []snapshotModel
	if err := q.Order("year, month, tenant_id, guardian_id, student_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	out := make([]billing.Snapshot, 0, len(rows))
	for _, m := range rows {
		snap, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	billing.SortSnapshots(out)
	return out, nil
}

func (r *repo) UpdateDiscounts(ctx context.Context, id string, patch billing.DiscountPatch) error {
	discounts, err := billing.EncodeDiscounts(patch.Discounts)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&snapshotModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{
			"discounts":      datatypes.JSON(discounts),
			"discount_total": int64(patch.DiscountTotal),
			"total":          int64(patch.Total),
			"updated_at":     utc(patch.UpdatedAt),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update discounts: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return billing.ErrSnapshotNotFound
	}
	return nil
}

func (r *repo) DeleteSnapshot(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&snapshotModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", utc(at))
	if res.Error != nil {
		return fmt.Errorf("failed to delete snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return billing.ErrSnapshotNotFound
	}
	return nil
}

// SetExportLock sets the lock flag owned by the export process.
func (r *repo) SetExportLock(ctx context.Context, id string, locked bool) error {
	res := r.db.WithContext(ctx).Model(&snapshotModel{}).Where("id = ?", id).Update("locked", locked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return billing.ErrSnapshotNotFound
	}
	return nil
}

func (m snapshotModel) toDomain() (billing.Snapshot, error) {
	period, err := billing.NewPeriod(m.Year, m.Month)
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s: %w", m.ID, err)
	}
	items, _, _, err := billing.DecodeLines(m.Items)
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s items: %w", m.ID, err)
	}
	_, discounts, _, err := billing.DecodeLines(m.Discounts)
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s discounts: %w", m.ID, err)
	}
	return billing.Snapshot{
		ID:            m.ID,
		TenantID:      m.TenantID,
		GuardianID:    billing.GuardianID(m.GuardianID),
		StudentID:     billing.StudentID(m.StudentID),
		Period:        period,
		SchemaVersion: m.SchemaVersion,
		Items:         items,
		Discounts:     discounts,
		Subtotal:      billing.Yen(m.Subtotal),
		DiscountTotal: billing.Yen(m.DiscountTotal),
		CarryOver:     billing.Yen(m.CarryOver),
		Total:         billing.Yen(m.Total),
		Locked:        m.Locked,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		DeletedAt:     m.DeletedAt,
	}, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (r *repo) AppendEntry(ctx context.Context, e billing.AccountEntry) error {
	m := entryModel{
		ID:             e.ID,
		TenantID:       e.TenantID,
		GuardianID:     string(e.GuardianID),
		Year:           e.Period.Year,
		Month:          int(e.Period.Month),
		EntryType:      string(e.Type),
		Delta:          int64(e.Delta),
		SnapshotID:     strPtr(e.SnapshotID),
		IdempotencyKey: strPtr(e.IdempotencyKey),
		Reason:         e.Reason,
		CreatedAt:      utc(e.CreatedAt),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicate(err) {
			return billing.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (r *repo) LoadEntries(ctx context.Context, tenantID uuid.UUID, guardianID billing.GuardianID) ([]billing.AccountEntry, error) {
	var rows []entryModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND guardian_id = ?", tenantID, string(guardianID)).
		Order("year, month, created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	out := make([]billing.AccountEntry, 0, len(rows))
	for _, m := range rows {
		period, err := billing.NewPeriod(m.Year, m.Month)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", m.ID, err)
		}
		out = append(out, billing.AccountEntry{
			ID:             m.ID,
			TenantID:       m.TenantID,
			GuardianID:     billing.GuardianID(m.GuardianID),
			Period:         period,
			Type:           billing.EntryType(m.EntryType),
			Delta:          billing.Yen(m.Delta),
			SnapshotID:     derefStr(m.SnapshotID),
			IdempotencyKey: derefStr(m.IdempotencyKey),
			Reason:         m.Reason,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}

func (r *repo) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entryModel{}).
		Where("idempotency_key = ?", idempotencyKey).Count(&count).Error
	return count > 0, err
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

func (r *repo) MarkInstrumentUsed(ctx context.Context, id string, period billing.Period) error {
	var m instrumentModel
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&m).Error
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", billing.ErrInstrumentNotFound, id)
	}
	if err != nil {
		return err
	}
	if discount.Status(m.Status) == discount.StatusUsed && m.UsedPeriod != nil {
		if *m.UsedPeriod == period.String() {
			return nil
		}
		return fmt.Errorf("%w: %s used in %s", billing.ErrInstrumentConsumed, id, *m.UsedPeriod)
	}
	return r.db.WithContext(ctx).Model(&instrumentModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":      string(discount.StatusUsed),
			"used_period": period.String(),
		}).Error
}

func (r *repo) SaveInstruments(ctx context.Context, records []discount.Attrs) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]instrumentModel, 0, len(records))
	for _, a := range records {
		var value *string
		if a.Value != nil {
			v := a.Value.String()
			value = &v
		}
		rows = append(rows, instrumentModel{
			ID:          a.ID,
			TenantID:    a.TenantID,
			Kind:        string(a.Kind),
			GuardianID:  string(a.GuardianID),
			StudentID:   string(a.StudentID),
			Name:        a.Name,
			ValidFrom:   periodPtr(a.ValidFrom),
			ValidUntil:  periodPtr(a.ValidUntil),
			Status:      string(a.Status),
			Calc:        string(a.Calc),
			Value:       value,
			UsedPeriod:  periodPtr(a.UsedPeriod),
			ProductCode: a.ProductCode,
		})
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Instruments(ctx context.Context, tenantID *uuid.UUID) ([]discount.Attrs, error) {
	var rows []instrumentModel
	if err := tenantScope(r.db.WithContext(ctx), tenantID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}
	out := make([]discount.Attrs, 0, len(rows))
	for _, m := range rows {
		a := discount.Attrs{
			ID:          m.ID,
			TenantID:    m.TenantID,
			Kind:        billing.DiscountKind(m.Kind),
			GuardianID:  billing.GuardianID(m.GuardianID),
			StudentID:   billing.StudentID(m.StudentID),
			Name:        m.Name,
			Status:      discount.Status(m.Status),
			Calc:        discount.Calc(m.Calc),
			ProductCode: m.ProductCode,
		}
		if k, err := billing.ParseKind(m.Kind); err == nil {
			a.Kind = k
		}
		if m.Value != nil {
			if v, err := decimal.NewFromString(*m.Value); err == nil {
				a.Value = &v
			}
		}
		var err error
		if a.ValidFrom, err = parsePeriodPtr(m.ValidFrom); err != nil {
			return nil, err
		}
		if a.ValidUntil, err = parsePeriodPtr(m.ValidUntil); err != nil {
			return nil, err
		}
		if a.UsedPeriod, err = parsePeriodPtr(m.UsedPeriod); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// =============================================================================
// MASTERS
// =============================================================================

func (r *repo) SaveProducts(ctx context.Context, products []catalog.Product) error {
	if len(products) == 0 {
		return nil
	}
	rows := make([]productModel, 0, len(products))
	for _, p := range products {
		m := productModel{
			Code:        p.Code,
			Name:        p.Name,
			ItemType:    string(p.Type),
			Price:       int64(p.Price),
			Mile:        p.Mile,
			DiscountMax: int64(p.DiscountMax),
		}
		if p.EnrollmentPrice != nil {
			ep := int64(*p.EnrollmentPrice)
			m.EnrollmentPrice = &ep
		}
		var err error
		if m.MonthlyPrices, err = jsonColumn(p.MonthlyPrices, len(p.MonthlyPrices) > 0); err != nil {
			return err
		}
		if m.AvailableMonths, err = jsonColumn(p.AvailableMonths, len(p.AvailableMonths) > 0); err != nil {
			return err
		}
		rows = append(rows, m)
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Products(ctx context.Context) ([]catalog.Product, error) {
	var rows []productModel
	if err := r.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	out := make([]catalog.Product, 0, len(rows))
	for _, m := range rows {
		p := catalog.Product{
			Code:        m.Code,
			Name:        m.Name,
			Type:        billing.ItemType(m.ItemType),
			Price:       billing.Yen(m.Price),
			Mile:        m.Mile,
			DiscountMax: billing.Yen(m.DiscountMax),
		}
		if m.EnrollmentPrice != nil {
			ep := billing.Yen(*m.EnrollmentPrice)
			p.EnrollmentPrice = &ep
		}
		if len(m.MonthlyPrices) > 0 {
			if err := json.Unmarshal(m.MonthlyPrices, &p.MonthlyPrices); err != nil {
				return nil, fmt.Errorf("product %s monthly prices: %w", m.Code, err)
			}
		}
		if len(m.AvailableMonths) > 0 {
			if err := json.Unmarshal(m.AvailableMonths, &p.AvailableMonths); err != nil {
				return nil, fmt.Errorf("product %s available months: %w", m.Code, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *repo) SaveCourses(ctx context.Context, courses []catalog.Course) error {
	if len(courses) == 0 {
		return nil
	}
	rows := make([]courseModel, 0, len(courses))
	for _, c := range courses {
		items, err := json.Marshal(c.Items)
		if err != nil {
			return err
		}
		rows = append(rows, courseModel{Code: c.Code, Name: c.Name, Promotional: c.Promotional, Items: items})
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Courses(ctx context.Context) ([]catalog.Course, error) {
	var rows []courseModel
	if err := r.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load courses: %w", err)
	}
	out := make([]catalog.Course, 0, len(rows))
	for _, m := range rows {
		c := catalog.Course{Code: m.Code, Name: m.Name, Promotional: m.Promotional}
		if err := json.Unmarshal(m.Items, &c.Items); err != nil {
			return nil, fmt.Errorf("course %s items: %w", m.Code, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *repo) SavePacks(ctx context.Context, packs []catalog.Pack) error {
	if len(packs) == 0 {
		return nil
	}
	rows := make([]packModel, 0, len(packs))
	for _, p := range packs {
		items, err := json.Marshal(p.Items)
		if err != nil {
			return err
		}
		rows = append(rows, packModel{Code: p.Code, Name: p.Name, Promotional: p.Promotional, Items: items})
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Packs(ctx context.Context) ([]catalog.Pack, error) {
	var rows []packModel
	if err := r.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load packs: %w", err)
	}
	out := make([]catalog.Pack, 0, len(rows))
	for _, m := range rows {
		p := catalog.Pack{Code: m.Code, Name: m.Name, Promotional: m.Promotional}
		if err := json.Unmarshal(m.Items, &p.Items); err != nil {
			return nil, fmt.Errorf("pack %s items: %w", m.Code, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *repo) SaveContracts(ctx context.Context, contracts []catalog.Contract) error {
	if len(contracts) == 0 {
		return nil
	}
	rows := make([]contractModel, 0, len(contracts))
	for _, c := range contracts {
		m := contractModel{
			ID:              c.ID,
			TenantID:        c.TenantID,
			StudentID:       string(c.StudentID),
			CourseCode:      c.CourseCode,
			PackCode:        c.PackCode,
			EnrollmentMonth: periodPtr(c.EnrollmentMonth),
			StartMonth:      c.StartMonth.String(),
			EndMonth:        periodPtr(c.EndMonth),
			Status:          string(c.Status),
		}
		var err error
		if m.TicketCodes, err = jsonColumn(c.TicketCodes, len(c.TicketCodes) > 0); err != nil {
			return err
		}
		if m.TextbookCodes, err = jsonColumn(c.TextbookCodes, len(c.TextbookCodes) > 0); err != nil {
			return err
		}
		rows = append(rows, m)
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Contracts(ctx context.Context, tenantID *uuid.UUID) ([]catalog.Contract, error) {
	var rows []contractModel
	if err := tenantScope(r.db.WithContext(ctx), tenantID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}
	out := make([]catalog.Contract, 0, len(rows))
	for _, m := range rows {
		c := catalog.Contract{
			ID:         m.ID,
			TenantID:   m.TenantID,
			StudentID:  billing.StudentID(m.StudentID),
			CourseCode: m.CourseCode,
			PackCode:   m.PackCode,
			Status:     catalog.ContractStatus(m.Status),
		}
		var err error
		if c.StartMonth, err = billing.ParsePeriod(m.StartMonth); err != nil {
			return nil, fmt.Errorf("contract %s: %w", m.ID, err)
		}
		if c.EnrollmentMonth, err = parsePeriodPtr(m.EnrollmentMonth); err != nil {
			return nil, fmt.Errorf("contract %s: %w", m.ID, err)
		}
		if c.EndMonth, err = parsePeriodPtr(m.EndMonth); err != nil {
			return nil, fmt.Errorf("contract %s: %w", m.ID, err)
		}
		if len(m.TicketCodes) > 0 {
			if err := json.Unmarshal(m.TicketCodes, &c.TicketCodes); err != nil {
				return nil, fmt.Errorf("contract %s tickets: %w", m.ID, err)
			}
		}
		if len(m.TextbookCodes) > 0 {
			if err := json.Unmarshal(m.TextbookCodes, &c.TextbookCodes); err != nil {
				return nil, fmt.Errorf("contract %s textbooks: %w", m.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *repo) SaveGuardians(ctx context.Context, guardians []directory.Guardian) error {
	if len(guardians) == 0 {
		return nil
	}
	rows := make([]guardianModel, 0, len(guardians))
	for _, g := range guardians {
		rows = append(rows, guardianModel{ID: string(g.ID), TenantID: g.TenantID, Name: g.Name, Email: g.Email})
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Guardians(ctx context.Context, tenantID *uuid.UUID) ([]directory.Guardian, error) {
	var rows []guardianModel
	if err := tenantScope(r.db.WithContext(ctx), tenantID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load guardians: %w", err)
	}
	out := make([]directory.Guardian, 0, len(rows))
	for _, m := range rows {
		out = append(out, directory.Guardian{
			ID: billing.GuardianID(m.ID), TenantID: m.TenantID, Name: m.Name, Email: m.Email,
		})
	}
	return out, nil
}

func (r *repo) SaveStudents(ctx context.Context, students []directory.Student) error {
	if len(students) == 0 {
		return nil
	}
	rows := make([]studentModel, 0, len(students))
	for _, s := range students {
		rows = append(rows, studentModel{
			ID: string(s.ID), TenantID: s.TenantID, GuardianID: string(s.GuardianID), Name: s.Name,
		})
	}
	return upsert(ctx, r.db, &rows)
}

func (r *repo) Students(ctx context.Context, tenantID *uuid.UUID) ([]directory.Student, error) {
	var rows []studentModel
	if err := tenantScope(r.db.WithContext(ctx), tenantID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load students: %w", err)
	}
	out := make([]directory.Student, 0, len(rows))
	for _, m := range rows {
		out = append(out, directory.Student{
			ID: billing.StudentID(m.ID), TenantID: m.TenantID, GuardianID: billing.GuardianID(m.GuardianID), Name: m.Name,
		})
	}
	return out, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (r *repo) SaveRun(ctx context.Context, run billing.RunRecord) error {
	kinds := make([]string, 0, len(run.Kinds))
	for _, k := range run.Kinds {
		kinds = append(kinds, string(k))
	}
	m := runModel{
		ID:          run.ID,
		Kind:        string(run.Kind),
		TenantID:    run.TenantID,
		Year:        run.Year,
		Month:       run.Month,
		DryRun:      run.DryRun,
		ForceRun:    run.Force,
		Kinds:       strings.Join(kinds, ","),
		Status:      string(run.Status),
		Total:       run.Total,
		Updated:     run.Updated,
		Skipped:     run.Skipped,
		Previewed:   run.Previewed,
		Failed:      run.Failed,
		NotFound:    run.NotFound,
		Malformed:   run.Malformed,
		Error:       run.Error,
		StartedAt:   utc(run.StartedAt),
		CompletedAt: run.CompletedAt,
	}
	return upsert(ctx, r.db, &m)
}

func (r *repo) ListRuns(ctx context.Context, filter billing.RunFilter) ([]billing.RunRecord, error) {
	q := r.db.WithContext(ctx).Model(&runModel{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.TenantID != nil {
		q = q.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []runModel
	if err := q.Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]billing.RunRecord, 0, len(rows))
	for _, m := range rows {
		run := billing.RunRecord{
			ID:          m.ID,
			Kind:        billing.RunKind(m.Kind),
			TenantID:    m.TenantID,
			Year:        m.Year,
			Month:       m.Month,
			DryRun:      m.DryRun,
			Force:       m.ForceRun,
			Status:      billing.RunStatus(m.Status),
			Total:       m.Total,
			Updated:     m.Updated,
			Skipped:     m.Skipped,
			Previewed:   m.Previewed,
			Failed:      m.Failed,
			NotFound:    m.NotFound,
			Malformed:   m.Malformed,
			Error:       m.Error,
			StartedAt:   m.StartedAt,
			CompletedAt: m.CompletedAt,
		}
		if m.Kinds != "" {
			for _, k := range strings.Split(m.Kinds, ",") {
				run.Kinds = append(run.Kinds, billing.DiscountKind(k))
			}
		}
		out = append(out, run)
	}
	return out, nil
}

func (r *repo) HasCompletedRun(ctx context.Context, kind billing.RunKind, tenantID *uuid.UUID, period billing.Period) (bool, error) {
	q := r.db.WithContext(ctx).Model(&runModel{}).
		Where("kind = ? AND year = ? AND month = ? AND status = ? AND dry_run = ?",
			string(kind), period.Year, int(period.Month), string(billing.RunCompleted), false)
	if tenantID != nil {
		q = q.Where("tenant_id = ?", *tenantID)
	} else {
		q = q.Where("tenant_id IS NULL")
	}
	var count int64
	err := q.Count(&count).Error
	return count > 0, err
}

// =============================================================================
// HELPERS
// =============================================================================

func tenantScope(db *gorm.DB, tenantID *uuid.UUID) *gorm.DB {
	if tenantID == nil {
		return db
	}
	return db.Where("tenant_id = ?", *tenantID)
}

func upsert(ctx context.Context, db *gorm.DB, rows any) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rows).Error
}

func jsonColumn(v any, present bool) (datatypes.JSON, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
