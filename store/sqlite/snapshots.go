package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// SNAPSHOT STORE (billing.SnapshotStore interface)
// =============================================================================

const snapshotColumns = `id, tenant_id, guardian_id, student_id, year, month, schema_version,
	items_json, discounts_json, subtotal, discount_total, carry_over, total,
	locked, created_at, updated_at, deleted_at`

func (s *Store) CreateSnapshot(ctx context.Context, snap billing.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSnapshot(ctx, s.db, snap)
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*billing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSnapshot(ctx, s.db, id)
}

func (s *Store) FindSnapshot(ctx context.Context, key billing.Key) (*billing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findSnapshot(ctx, s.db, key)
}

func (s *Store) ListSnapshots(ctx context.Context, filter billing.SnapshotFilter) ([]billing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSnapshots(ctx, s.db, filter)
}

func (s *Store) UpdateDiscounts(ctx context.Context, id string, patch billing.DiscountPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateDiscounts(ctx, s.db, id, patch)
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteSnapshot(ctx, s.db, id, at)
}

// SetExportLock sets the lock flag owned by the export process.
func (s *Store) SetExportLock(ctx context.Context, id string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE snapshots SET locked = ? WHERE id = ?`, locked, id)
	if err != nil {
		return fmt.Errorf("failed to set export lock: %w", err)
	}
	return requireAffected(res, billing.ErrSnapshotNotFound)
}

func createSnapshot(ctx context.Context, db querier, snap billing.Snapshot) error {
	itemsJSON, err := billing.EncodeItems(snap.Items)
	if err != nil {
		return err
	}
	discountsJSON, err := billing.EncodeDiscounts(snap.Discounts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		snap.ID,
		snap.TenantID.String(),
		string(snap.GuardianID),
		string(snap.StudentID),
		snap.Period.Year,
		int(snap.Period.Month),
		snap.SchemaVersion,
		string(itemsJSON),
		string(discountsJSON),
		int64(snap.Subtotal),
		int64(snap.DiscountTotal),
		int64(snap.CarryOver),
		int64(snap.Total),
		snap.Locked,
		formatTime(snap.CreatedAt),
		formatTime(snap.UpdatedAt),
		nullTime(snap.DeletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrSnapshotExists
		}
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func getSnapshot(ctx context.Context, db querier, id string) (*billing.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE id = ? AND deleted_at IS NULL`
	snap, err := scanSnapshot(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func findSnapshot(ctx context.Context, db querier, key billing.Key) (*billing.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots
		WHERE tenant_id = ? AND guardian_id = ? AND student_id = ? AND year = ? AND month = ?
		AND deleted_at IS NULL`
	snap, err := scanSnapshot(db.QueryRowContext(ctx, query,
		key.TenantID.String(), string(key.GuardianID), string(key.StudentID),
		key.Period.Year, int(key.Period.Month)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func listSnapshots(ctx context.Context, db querier, filter billing.SnapshotFilter) ([]billing.Snapshot, error) {
	var where []string
	var args []any
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.TenantID != nil {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID.String())
	}
	if filter.GuardianID != nil {
		where = append(where, "guardian_id = ?")
		args = append(args, string(*filter.GuardianID))
	}
	if filter.StudentID != nil {
		where = append(where, "student_id = ?")
		args = append(args, string(*filter.StudentID))
	}
	if filter.Year != nil {
		where = append(where, "year = ?")
		args = append(args, *filter.Year)
	}
	if filter.Month != nil {
		where = append(where, "month = ?")
		args = append(args, *filter.Month)
	}

	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY year, month, tenant_id, guardian_id, student_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []billing.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	billing.SortSnapshots(snaps)
	return snaps, nil
}

// updateDiscounts is the only UPDATE the engine issues on a snapshot.
func updateDiscounts(ctx context.Context, db querier, id string, patch billing.DiscountPatch) error {
	discountsJSON, err := billing.EncodeDiscounts(patch.Discounts)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE snapshots
		SET discounts_json = ?, discount_total = ?, total = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, string(discountsJSON), int64(patch.DiscountTotal), int64(patch.Total), formatTime(patch.UpdatedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update discounts: %w", err)
	}
	return requireAffected(res, billing.ErrSnapshotNotFound)
}

func deleteSnapshot(ctx context.Context, db querier, id string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE snapshots SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return requireAffected(res, billing.ErrSnapshotNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (billing.Snapshot, error) {
	var snap billing.Snapshot
	var tenantID, guardianID, studentID, itemsJSON, discountsJSON, createdAt, updatedAt string
	var year, month, schemaVersion int
	var subtotal, discountTotal, carryOver, total int64
	var deletedAt sql.NullString

	if err := row.Scan(
		&snap.ID, &tenantID, &guardianID, &studentID, &year, &month, &schemaVersion,
		&itemsJSON, &discountsJSON, &subtotal, &discountTotal, &carryOver, &total,
		&snap.Locked, &createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return billing.Snapshot{}, err
	}

	tid, err := uuid.Parse(tenantID)
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s: invalid tenant id: %w", snap.ID, err)
	}
	period, err := billing.NewPeriod(year, month)
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	items, _, _, err := billing.DecodeLines([]byte(itemsJSON))
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s items: %w", snap.ID, err)
	}
	_, discounts, _, err := billing.DecodeLines([]byte(discountsJSON))
	if err != nil {
		return billing.Snapshot{}, fmt.Errorf("snapshot %s discounts: %w", snap.ID, err)
	}

	snap.TenantID = tid
	snap.GuardianID = billing.GuardianID(guardianID)
	snap.StudentID = billing.StudentID(studentID)
	snap.Period = period
	snap.SchemaVersion = schemaVersion
	snap.Items = items
	snap.Discounts = discounts
	snap.Subtotal = billing.Yen(subtotal)
	snap.DiscountTotal = billing.Yen(discountTotal)
	snap.CarryOver = billing.Yen(carryOver)
	snap.Total = billing.Yen(total)
	snap.CreatedAt = parseTime(createdAt)
	snap.UpdatedAt = parseTime(updatedAt)
	snap.DeletedAt = parseNullTime(deletedAt)
	return snap, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
