package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// RUN STORE (billing.RunStore interface)
// =============================================================================

// SaveRun inserts or updates a run record.
func (s *Store) SaveRun(ctx context.Context, r billing.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO billing_runs (id, kind, tenant_id, year, month, dry_run, force_run, kinds,
			status, total, updated, skipped, previewed, failed, not_found, malformed,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			updated = excluded.updated,
			skipped = excluded.skipped,
			previewed = excluded.previewed,
			failed = excluded.failed,
			not_found = excluded.not_found,
			malformed = excluded.malformed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var tenantID sql.NullString
	if r.TenantID != nil {
		tenantID = sql.NullString{String: r.TenantID.String(), Valid: true}
	}
	kinds := make([]string, 0, len(r.Kinds))
	for _, k := range r.Kinds {
		kinds = append(kinds, string(k))
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, string(r.Kind), tenantID, nullInt(r.Year), nullInt(r.Month),
		r.DryRun, r.Force, strings.Join(kinds, ","), string(r.Status),
		r.Total, r.Updated, r.Skipped, r.Previewed, r.Failed, r.NotFound, r.Malformed,
		nullString(r.Error), formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter billing.RunFilter) ([]billing.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, tenant_id, year, month, dry_run, force_run, kinds, status,
			total, updated, skipped, previewed, failed, not_found, malformed,
			error, started_at, completed_at
		FROM billing_runs`
	var where []string
	var args []any
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.TenantID != nil {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID.String())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []billing.RunRecord
	for rows.Next() {
		var r billing.RunRecord
		var kind, kinds, status, startedAt string
		var tenantID, errText, completedAt sql.NullString
		var year, month sql.NullInt64
		if err := rows.Scan(&r.ID, &kind, &tenantID, &year, &month, &r.DryRun, &r.Force,
			&kinds, &status, &r.Total, &r.Updated, &r.Skipped, &r.Previewed, &r.Failed,
			&r.NotFound, &r.Malformed, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}

		r.Kind = billing.RunKind(kind)
		r.Status = billing.RunStatus(status)
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		if tenantID.Valid {
			tid, err := uuid.Parse(tenantID.String)
			if err != nil {
				return nil, fmt.Errorf("run %s: invalid tenant id: %w", r.ID, err)
			}
			r.TenantID = &tid
		}
		if year.Valid {
			y := int(year.Int64)
			r.Year = &y
		}
		if month.Valid {
			m := int(month.Int64)
			r.Month = &m
		}
		if kinds != "" {
			for _, k := range strings.Split(kinds, ",") {
				r.Kinds = append(r.Kinds, billing.DiscountKind(k))
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// HasCompletedRun checks if a non-dry run already finished for the period.
func (s *Store) HasCompletedRun(ctx context.Context, kind billing.RunKind, tenantID *uuid.UUID, period billing.Period) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT COUNT(*) FROM billing_runs
		WHERE kind = ? AND year = ? AND month = ? AND status = ? AND dry_run = FALSE`
	args := []any{string(kind), period.Year, int(period.Month), string(billing.RunCompleted)}
	if tenantID != nil {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID.String())
	} else {
		query += ` AND tenant_id IS NULL`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// =============================================================================
// RUN LOCKS (billing.Locker interface)
// =============================================================================

// TryLock takes every key for owner or none.
func (s *Store) TryLock(ctx context.Context, owner string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM run_locks WHERE lock_key = ?`, key).Scan(&holder)
		if err == nil && holder != owner {
			return fmt.Errorf("%w: %s", billing.ErrRunLocked, key)
		}
		if err != nil && err != sql.ErrNoRows {
			return err
		}
	}

	now := formatTime(time.Now())
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_locks (lock_key, owner, acquired_at) VALUES (?, ?, ?)`,
			key, owner, now); err != nil {
			return fmt.Errorf("failed to take lock %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Unlock releases the keys held by owner.
func (s *Store) Unlock(ctx context.Context, owner string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM run_locks WHERE lock_key = ? AND owner = ?`, key, owner); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
