package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
)

// =============================================================================
// CATALOG (catalog.Source)
// =============================================================================

// SaveProducts upserts product masters.
func (s *Store) SaveProducts(ctx context.Context, products []catalog.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO products (code, name, item_type, price, enrollment_price,
			monthly_prices_json, mile, discount_max, available_months_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			item_type = excluded.item_type,
			price = excluded.price,
			enrollment_price = excluded.enrollment_price,
			monthly_prices_json = excluded.monthly_prices_json,
			mile = excluded.mile,
			discount_max = excluded.discount_max,
			available_months_json = excluded.available_months_json
	`
	for _, p := range products {
		var enrollment sql.NullInt64
		if p.EnrollmentPrice != nil {
			enrollment = sql.NullInt64{Int64: int64(*p.EnrollmentPrice), Valid: true}
		}
		monthly, err := marshalOptional(p.MonthlyPrices, len(p.MonthlyPrices) > 0)
		if err != nil {
			return err
		}
		months, err := marshalOptional(p.AvailableMonths, len(p.AvailableMonths) > 0)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query,
			p.Code, p.Name, string(p.Type), int64(p.Price), enrollment,
			monthly, p.Mile, int64(p.DiscountMax), months,
		); err != nil {
			return fmt.Errorf("failed to save product %s: %w", p.Code, err)
		}
	}
	return nil
}

func (s *Store) Products(ctx context.Context) ([]catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, item_type, price, enrollment_price, monthly_prices_json,
			mile, discount_max, available_months_json
		FROM products ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	defer rows.Close()

	var out []catalog.Product
	for rows.Next() {
		var p catalog.Product
		var itemType string
		var price, discountMax int64
		var enrollment sql.NullInt64
		var monthly, months sql.NullString
		if err := rows.Scan(&p.Code, &p.Name, &itemType, &price, &enrollment, &monthly,
			&p.Mile, &discountMax, &months); err != nil {
			return nil, err
		}
		p.Type = billing.ItemType(itemType)
		p.Price = billing.Yen(price)
		p.DiscountMax = billing.Yen(discountMax)
		if enrollment.Valid {
			ep := billing.Yen(enrollment.Int64)
			p.EnrollmentPrice = &ep
		}
		if monthly.Valid {
			p.MonthlyPrices = make(map[time.Month]billing.Yen)
			if err := json.Unmarshal([]byte(monthly.String), &p.MonthlyPrices); err != nil {
				return nil, fmt.Errorf("product %s monthly prices: %w", p.Code, err)
			}
		}
		if months.Valid {
			if err := json.Unmarshal([]byte(months.String), &p.AvailableMonths); err != nil {
				return nil, fmt.Errorf("product %s available months: %w", p.Code, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SaveCourses(ctx context.Context, courses []catalog.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range courses {
		if err := saveBundle(ctx, s.db, "courses", c.Code, c.Name, c.Promotional, c.Items); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SavePacks(ctx context.Context, packs []catalog.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range packs {
		if err := saveBundle(ctx, s.db, "packs", p.Code, p.Name, p.Promotional, p.Items); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Courses(ctx context.Context) ([]catalog.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundles, err := loadBundles(ctx, s.db, "courses")
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Course, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, catalog.Course(b))
	}
	return out, nil
}

func (s *Store) Packs(ctx context.Context) ([]catalog.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundles, err := loadBundles(ctx, s.db, "packs")
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Pack, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, catalog.Pack(b))
	}
	return out, nil
}

// bundle has the shape shared by courses and packs.
type bundle struct {
	Code        string
	Name        string
	Promotional bool
	Items       []catalog.ItemRef
}

func saveBundle(ctx context.Context, db querier, table, code, name string, promotional bool, items []catalog.ItemRef) error {
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return err
	}
	query := `INSERT INTO ` + table + ` (code, name, promotional, items_json) VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name, promotional = excluded.promotional, items_json = excluded.items_json`
	if _, err := db.ExecContext(ctx, query, code, name, promotional, string(itemsJSON)); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", table, code, err)
	}
	return nil
}

func loadBundles(ctx context.Context, db querier, table string) ([]bundle, error) {
	rows, err := db.QueryContext(ctx, `SELECT code, name, promotional, items_json FROM `+table+` ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", table, err)
	}
	defer rows.Close()

	var out []bundle
	for rows.Next() {
		var b bundle
		var itemsJSON string
		if err := rows.Scan(&b.Code, &b.Name, &b.Promotional, &itemsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(itemsJSON), &b.Items); err != nil {
			return nil, fmt.Errorf("%s %s items: %w", table, b.Code, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (s *Store) SaveContracts(ctx context.Context, contracts []catalog.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO contracts (id, tenant_id, student_id, course_code, pack_code,
			ticket_codes_json, textbook_codes_json, enrollment_month, start_month, end_month, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			student_id = excluded.student_id,
			course_code = excluded.course_code,
			pack_code = excluded.pack_code,
			ticket_codes_json = excluded.ticket_codes_json,
			textbook_codes_json = excluded.textbook_codes_json,
			enrollment_month = excluded.enrollment_month,
			start_month = excluded.start_month,
			end_month = excluded.end_month,
			status = excluded.status
	`
	for _, c := range contracts {
		tickets, err := marshalOptional(c.TicketCodes, len(c.TicketCodes) > 0)
		if err != nil {
			return err
		}
		textbooks, err := marshalOptional(c.TextbookCodes, len(c.TextbookCodes) > 0)
		if err != nil {
			return err
		}
		start := c.StartMonth
		if _, err := s.db.ExecContext(ctx, query,
			c.ID, c.TenantID.String(), string(c.StudentID), c.CourseCode, c.PackCode,
			tickets, textbooks, nullPeriod(c.EnrollmentMonth), start.String(),
			nullPeriod(c.EndMonth), string(c.Status),
		); err != nil {
			return fmt.Errorf("failed to save contract %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *Store) Contracts(ctx context.Context, tenantID *uuid.UUID) ([]catalog.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant_id, student_id, course_code, pack_code, ticket_codes_json,
			textbook_codes_json, enrollment_month, start_month, end_month, status
		FROM contracts`
	var args []any
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID.String())
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}
	defer rows.Close()

	var out []catalog.Contract
	for rows.Next() {
		var c catalog.Contract
		var tid, studentID, startMonth, status string
		var tickets, textbooks, enrollment, endMonth sql.NullString
		if err := rows.Scan(&c.ID, &tid, &studentID, &c.CourseCode, &c.PackCode,
			&tickets, &textbooks, &enrollment, &startMonth, &endMonth, &status); err != nil {
			return nil, err
		}
		if c.TenantID, err = uuid.Parse(tid); err != nil {
			return nil, fmt.Errorf("contract %s: invalid tenant id: %w", c.ID, err)
		}
		if c.StartMonth, err = billing.ParsePeriod(startMonth); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID, err)
		}
		if c.EnrollmentMonth, err = parseNullPeriod(enrollment); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID, err)
		}
		if c.EndMonth, err = parseNullPeriod(endMonth); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID, err)
		}
		if tickets.Valid {
			if err := json.Unmarshal([]byte(tickets.String), &c.TicketCodes); err != nil {
				return nil, fmt.Errorf("contract %s tickets: %w", c.ID, err)
			}
		}
		if textbooks.Valid {
			if err := json.Unmarshal([]byte(textbooks.String), &c.TextbookCodes); err != nil {
				return nil, fmt.Errorf("contract %s textbooks: %w", c.ID, err)
			}
		}
		c.StudentID = billing.StudentID(studentID)
		c.Status = catalog.ContractStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// DIRECTORY (directory.Source)
// =============================================================================

func (s *Store) SaveGuardians(ctx context.Context, guardians []directory.Guardian) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO guardians (id, tenant_id, name, email) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id, name = excluded.name, email = excluded.email
	`
	for _, g := range guardians {
		if _, err := s.db.ExecContext(ctx, query,
			string(g.ID), g.TenantID.String(), g.Name, nullString(g.Email)); err != nil {
			return fmt.Errorf("failed to save guardian %s: %w", g.ID, err)
		}
	}
	return nil
}

func (s *Store) SaveStudents(ctx context.Context, students []directory.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO students (id, tenant_id, guardian_id, name) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id, guardian_id = excluded.guardian_id, name = excluded.name
	`
	for _, st := range students {
		if _, err := s.db.ExecContext(ctx, query,
			string(st.ID), st.TenantID.String(), string(st.GuardianID), st.Name); err != nil {
			return fmt.Errorf("failed to save student %s: %w", st.ID, err)
		}
	}
	return nil
}

func (s *Store) Guardians(ctx context.Context, tenantID *uuid.UUID) ([]directory.Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, tenant_id, name, email FROM guardians`
	var args []any
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID.String())
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load guardians: %w", err)
	}
	defer rows.Close()

	var out []directory.Guardian
	for rows.Next() {
		var g directory.Guardian
		var id, tid string
		var email sql.NullString
		if err := rows.Scan(&id, &tid, &g.Name, &email); err != nil {
			return nil, err
		}
		if g.TenantID, err = uuid.Parse(tid); err != nil {
			return nil, fmt.Errorf("guardian %s: invalid tenant id: %w", id, err)
		}
		g.ID = billing.GuardianID(id)
		g.Email = email.String
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) Students(ctx context.Context, tenantID *uuid.UUID) ([]directory.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, tenant_id, guardian_id, name FROM students`
	var args []any
	if tenantID != nil {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID.String())
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load students: %w", err)
	}
	defer rows.Close()

	var out []directory.Student
	for rows.Next() {
		var st directory.Student
		var id, tid, gid string
		if err := rows.Scan(&id, &tid, &gid, &st.Name); err != nil {
			return nil, err
		}
		if st.TenantID, err = uuid.Parse(tid); err != nil {
			return nil, fmt.Errorf("student %s: invalid tenant id: %w", id, err)
		}
		st.ID = billing.StudentID(id)
		st.GuardianID = billing.GuardianID(gid)
		out = append(out, st)
	}
	return out, rows.Err()
}

func marshalOptional(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
