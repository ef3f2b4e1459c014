package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/discount"
)

// =============================================================================
// LEDGER STORE (billing.LedgerStore interface)
// =============================================================================

// AppendEntry adds an entry to the account ledger.
func (s *Store) AppendEntry(ctx context.Context, entry billing.AccountEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, entry)
}

// LoadEntries returns a guardian's entries ordered by period.
func (s *Store) LoadEntries(ctx context.Context, tenantID uuid.UUID, guardianID billing.GuardianID) ([]billing.AccountEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntries(ctx, s.db, tenantID, guardianID)
}

// EntryExists checks if an entry with the idempotency key exists.
func (s *Store) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryExists(ctx, s.db, idempotencyKey)
}

func appendEntry(ctx context.Context, db querier, e billing.AccountEntry) error {
	query := `
		INSERT INTO account_entries
		(id, tenant_id, guardian_id, year, month, entry_type, delta,
		 snapshot_id, idempotency_key, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.TenantID.String(),
		string(e.GuardianID),
		e.Period.Year,
		int(e.Period.Month),
		string(e.Type),
		int64(e.Delta),
		nullString(e.SnapshotID),
		nullString(e.IdempotencyKey),
		e.Reason,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func loadEntries(ctx context.Context, db querier, tenantID uuid.UUID, guardianID billing.GuardianID) ([]billing.AccountEntry, error) {
	query := `
		SELECT id, tenant_id, guardian_id, year, month, entry_type, delta,
			snapshot_id, idempotency_key, reason, created_at
		FROM account_entries
		WHERE tenant_id = ? AND guardian_id = ?
		ORDER BY year, month, created_at, rowid
	`
	rows, err := db.QueryContext(ctx, query, tenantID.String(), string(guardianID))
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.AccountEntry
	for rows.Next() {
		var e billing.AccountEntry
		var tid, gid, entryType, createdAt string
		var year, month int
		var delta int64
		var snapshotID, idempotencyKey, reason sql.NullString
		if err := rows.Scan(&e.ID, &tid, &gid, &year, &month, &entryType, &delta,
			&snapshotID, &idempotencyKey, &reason, &createdAt); err != nil {
			return nil, err
		}
		e.TenantID, err = uuid.Parse(tid)
		if err != nil {
			return nil, fmt.Errorf("entry %s: invalid tenant id: %w", e.ID, err)
		}
		e.Period, err = billing.NewPeriod(year, month)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.GuardianID = billing.GuardianID(gid)
		e.Type = billing.EntryType(entryType)
		e.Delta = billing.Yen(delta)
		e.SnapshotID = snapshotID.String
		e.IdempotencyKey = idempotencyKey.String
		e.Reason = reason.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func entryExists(ctx context.Context, db querier, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM account_entries WHERE idempotency_key = ?`, idempotencyKey).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// =============================================================================
// INSTRUMENTS (discount.Source, billing.UsageStore)
// =============================================================================

const instrumentColumns = `id, tenant_id, kind, guardian_id, student_id, name, valid_from,
	valid_until, status, calc, value, used_period, product_code`

// SaveInstruments upserts discount instruments.
func (s *Store) SaveInstruments(ctx context.Context, records []discount.Attrs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO discount_instruments (` + instrumentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			kind = excluded.kind,
			guardian_id = excluded.guardian_id,
			student_id = excluded.student_id,
			name = excluded.name,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			status = excluded.status,
			calc = excluded.calc,
			value = excluded.value,
			used_period = excluded.used_period,
			product_code = excluded.product_code
	`
	for _, a := range records {
		var value sql.NullString
		if a.Value != nil {
			value = sql.NullString{String: a.Value.String(), Valid: true}
		}
		_, err := s.db.ExecContext(ctx, query,
			a.ID, a.TenantID.String(), string(a.Kind), string(a.GuardianID), string(a.StudentID),
			a.Name, nullPeriod(a.ValidFrom), nullPeriod(a.ValidUntil), string(a.Status),
			string(a.Calc), value, nullPeriod(a.UsedPeriod), a.ProductCode,
		)
		if err != nil {
			return fmt.Errorf("failed to save instrument %s: %w", a.ID, err)
		}
	}
	return nil
}

// Instruments returns every instrument of the tenant, or all tenants.
// Rows whose kind no longer parses are returned with the raw tag so the
// book can count them.
func (s *Store) Instruments(ctx context.Context, tenantID *uuid.UUID) ([]discount.Attrs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + instrumentColumns + ` FROM discount_instruments`
	var args []any
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID.String())
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}
	defer rows.Close()

	var out []discount.Attrs
	for rows.Next() {
		a, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkInstrumentUsed consumes a one-shot instrument for period.
func (s *Store) MarkInstrumentUsed(ctx context.Context, id string, period billing.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markInstrumentUsed(ctx, s.db, id, period)
}

func markInstrumentUsed(ctx context.Context, db querier, id string, period billing.Period) error {
	var status string
	var used sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT status, used_period FROM discount_instruments WHERE id = ?`, id).Scan(&status, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", billing.ErrInstrumentNotFound, id)
	}
	if err != nil {
		return err
	}
	if discount.Status(status) == discount.StatusUsed && used.Valid {
		if used.String == period.String() {
			return nil
		}
		return fmt.Errorf("%w: %s used in %s", billing.ErrInstrumentConsumed, id, used.String)
	}

	_, err = db.ExecContext(ctx,
		`UPDATE discount_instruments SET status = ?, used_period = ? WHERE id = ?`,
		string(discount.StatusUsed), period.String(), id)
	if err != nil {
		return fmt.Errorf("failed to mark instrument used: %w", err)
	}
	return nil
}

func scanInstrument(row rowScanner) (discount.Attrs, error) {
	var a discount.Attrs
	var tenantID, kind, guardianID, studentID, status, calc string
	var validFrom, validUntil, value, usedPeriod sql.NullString

	if err := row.Scan(&a.ID, &tenantID, &kind, &guardianID, &studentID, &a.Name,
		&validFrom, &validUntil, &status, &calc, &value, &usedPeriod, &a.ProductCode); err != nil {
		return discount.Attrs{}, err
	}

	var err error
	if a.TenantID, err = uuid.Parse(tenantID); err != nil {
		return discount.Attrs{}, fmt.Errorf("instrument %s: invalid tenant id: %w", a.ID, err)
	}
	a.Kind = billing.DiscountKind(kind)
	if k, perr := billing.ParseKind(kind); perr == nil {
		a.Kind = k
	}
	a.GuardianID = billing.GuardianID(guardianID)
	a.StudentID = billing.StudentID(studentID)
	a.Status = discount.Status(status)
	a.Calc = discount.Calc(calc)
	// An unparseable value is left nil; the resolver counts it as malformed.
	if value.Valid {
		if v, err := decimal.NewFromString(value.String); err == nil {
			a.Value = &v
		}
	}
	if a.ValidFrom, err = parseNullPeriod(validFrom); err != nil {
		return discount.Attrs{}, err
	}
	if a.ValidUntil, err = parseNullPeriod(validUntil); err != nil {
		return discount.Attrs{}, err
	}
	if a.UsedPeriod, err = parseNullPeriod(usedPeriod); err != nil {
		return discount.Attrs{}, err
	}
	return a, nil
}
