/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types carry
  no JSON tags of their own (except persisted line documents), so the
  wire contract lives here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Snapshots:   SnapshotDTO, ItemLineDTO, DiscountLineDTO
  Runs:        GenerateRequest, GenerateReportDTO, RecomputeRequest,
               RecomputeReportDTO, RunDTO
  Guardians:   MilePreviewDTO, BalanceDTO
  Payments:    PaymentRequest, EntryDTO
  Scenarios:   ScenarioDTO

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/invoice"
	"github.com/warp/tuition-billing/recompute"
)

// =============================================================================
// SNAPSHOTS
// =============================================================================

type SnapshotDTO struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	GuardianID    string            `json:"guardian_id"`
	StudentID     string            `json:"student_id"`
	Period        string            `json:"period"`
	SchemaVersion int               `json:"schema_version"`
	Items         []ItemLineDTO     `json:"items"`
	Discounts     []DiscountLineDTO `json:"discounts"`
	Subtotal      int64             `json:"subtotal"`
	DiscountTotal int64             `json:"discount_total"`
	CarryOver     int64             `json:"carry_over"`
	Total         int64             `json:"total"`
	Locked        bool              `json:"locked"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

type ItemLineDTO struct {
	ProductCode string `json:"product_code"`
	Name        string `json:"name"`
	ItemType    string `json:"item_type"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
}

type DiscountLineDTO struct {
	Name         string `json:"name"`
	Amount       int64  `json:"amount"`
	Type         string `json:"type"`
	InstrumentID string `json:"instrument_id,omitempty"`
}

func toSnapshotDTO(s billing.Snapshot) SnapshotDTO {
	dto := SnapshotDTO{
		ID:            s.ID,
		TenantID:      s.TenantID.String(),
		GuardianID:    string(s.GuardianID),
		StudentID:     string(s.StudentID),
		Period:        s.Period.String(),
		SchemaVersion: s.SchemaVersion,
		Items:         make([]ItemLineDTO, 0, len(s.Items)),
		Discounts:     toDiscountDTOs(s.Discounts),
		Subtotal:      int64(s.Subtotal),
		DiscountTotal: int64(s.DiscountTotal),
		CarryOver:     int64(s.CarryOver),
		Total:         int64(s.Total),
		Locked:        s.Locked,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
	for _, item := range s.Items {
		dto.Items = append(dto.Items, ItemLineDTO{
			ProductCode: item.ProductCode,
			Name:        item.Name,
			ItemType:    string(item.Type),
			Quantity:    item.Quantity,
			UnitPrice:   int64(item.UnitPrice),
			Amount:      int64(item.Amount),
		})
	}
	return dto
}

func toDiscountDTOs(lines []billing.DiscountLine) []DiscountLineDTO {
	out := make([]DiscountLineDTO, 0, len(lines))
	for _, d := range lines {
		out = append(out, DiscountLineDTO{
			Name:         d.Name,
			Amount:       int64(d.Amount),
			Type:         string(d.Kind),
			InstrumentID: d.InstrumentID,
		})
	}
	return out
}

// =============================================================================
// RUNS
// =============================================================================

// GenerateRequest starts a billing run. Period is "YYYY-MM".
type GenerateRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Period   string `json:"period"`
	DryRun   bool   `json:"dry_run"`
}

type GenerateReportDTO struct {
	RunID     string              `json:"run_id"`
	Period    string              `json:"period"`
	DryRun    bool                `json:"dry_run"`
	Total     int                 `json:"total"`
	Created   int                 `json:"created"`
	Previewed int                 `json:"previewed"`
	Skipped   int                 `json:"skipped"`
	Empty     int                 `json:"empty"`
	NotFound  int                 `json:"not_found"`
	Failed    int                 `json:"failed"`
	Malformed int                 `json:"malformed"`
	Records   []GenerateRecordDTO `json:"records"`
}

type GenerateRecordDTO struct {
	GuardianID string `json:"guardian_id"`
	StudentID  string `json:"student_id"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Status     string `json:"status"`
	Total      int64  `json:"total"`
	Error      string `json:"error,omitempty"`
}

func toGenerateReportDTO(r *invoice.GenerateReport) GenerateReportDTO {
	dto := GenerateReportDTO{
		RunID:     r.RunID,
		Period:    r.Period.String(),
		DryRun:    r.DryRun,
		Total:     r.Total,
		Created:   r.Created,
		Previewed: r.Previewed,
		Skipped:   r.Skipped,
		Empty:     r.Empty,
		NotFound:  r.NotFound,
		Failed:    r.Failed,
		Malformed: r.Malformed,
		Records:   make([]GenerateRecordDTO, 0, len(r.Records)),
	}
	for _, rec := range r.Records {
		dto.Records = append(dto.Records, GenerateRecordDTO{
			GuardianID: string(rec.GuardianID),
			StudentID:  string(rec.StudentID),
			SnapshotID: rec.SnapshotID,
			Status:     string(rec.Status),
			Total:      int64(rec.Total),
			Error:      rec.Error,
		})
	}
	return dto
}

// RecomputeRequest mirrors the recompute CLI flags. Kinds accepts
// canonical names and legacy tags; empty means every kind.
type RecomputeRequest struct {
	DryRun   bool     `json:"dry_run"`
	Force    bool     `json:"force"`
	Year     *int     `json:"year,omitempty"`
	Month    *int     `json:"month,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
}

type RecomputeReportDTO struct {
	RunID     string               `json:"run_id"`
	DryRun    bool                 `json:"dry_run"`
	Force     bool                 `json:"force"`
	Kinds     []string             `json:"kinds"`
	Total     int                  `json:"total"`
	Updated   int                  `json:"updated"`
	Skipped   int                  `json:"skipped"`
	Previewed int                  `json:"previewed"`
	Failed    int                  `json:"failed"`
	NotFound  int                  `json:"not_found"`
	Malformed int                  `json:"malformed"`
	Applied   map[string]int       `json:"applied"`
	Records   []RecomputeRecordDTO `json:"records"`
}

type RecomputeRecordDTO struct {
	SnapshotID string            `json:"snapshot_id"`
	GuardianID string            `json:"guardian_id"`
	StudentID  string            `json:"student_id"`
	Period     string            `json:"period"`
	State      string            `json:"state"`
	Before     []DiscountLineDTO `json:"before"`
	After      []DiscountLineDTO `json:"after"`
	Changed    []string          `json:"changed,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func toRecomputeReportDTO(r *recompute.Report) RecomputeReportDTO {
	dto := RecomputeReportDTO{
		RunID:     r.RunID,
		DryRun:    r.DryRun,
		Force:     r.Force,
		Kinds:     kindStrings(r.Kinds),
		Total:     r.Total,
		Updated:   r.Updated,
		Skipped:   r.Skipped,
		Previewed: r.Previewed,
		Failed:    r.Failed,
		NotFound:  r.NotFound,
		Malformed: r.Malformed,
		Applied:   make(map[string]int, len(r.Applied)),
		Records:   make([]RecomputeRecordDTO, 0, len(r.Records)),
	}
	for kind, n := range r.Applied {
		dto.Applied[string(kind)] = n
	}
	for _, rec := range r.Records {
		dto.Records = append(dto.Records, RecomputeRecordDTO{
			SnapshotID: rec.SnapshotID,
			GuardianID: string(rec.GuardianID),
			StudentID:  string(rec.StudentID),
			Period:     rec.Period.String(),
			State:      string(rec.State),
			Before:     toDiscountDTOs(rec.Before),
			After:      toDiscountDTOs(rec.After),
			Changed:    kindStrings(rec.Changed),
			Error:      rec.Error,
		})
	}
	return dto
}

// RunDTO is one persisted run record.
type RunDTO struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Scope       string   `json:"scope"`
	DryRun      bool     `json:"dry_run"`
	Force       bool     `json:"force"`
	Kinds       []string `json:"kinds,omitempty"`
	Status      string   `json:"status"`
	Total       int      `json:"total"`
	Updated     int      `json:"updated"`
	Skipped     int      `json:"skipped"`
	Previewed   int      `json:"previewed"`
	Failed      int      `json:"failed"`
	NotFound    int      `json:"not_found"`
	Malformed   int      `json:"malformed"`
	Error       string   `json:"error,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

func toRunDTO(r billing.RunRecord) RunDTO {
	dto := RunDTO{
		ID:        r.ID,
		Kind:      string(r.Kind),
		Scope:     r.Scope(),
		DryRun:    r.DryRun,
		Force:     r.Force,
		Kinds:     kindStrings(r.Kinds),
		Status:    string(r.Status),
		Total:     r.Total,
		Updated:   r.Updated,
		Skipped:   r.Skipped,
		Previewed: r.Previewed,
		Failed:    r.Failed,
		NotFound:  r.NotFound,
		Malformed: r.Malformed,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func kindStrings(kinds []billing.DiscountKind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// =============================================================================
// GUARDIANS
// =============================================================================

type MilePreviewDTO struct {
	GuardianID string `json:"guardian_id"`
	Period     string `json:"period"`
	TotalMiles int    `json:"total_miles"`
	Products   int    `json:"products"`
	HasRegular bool   `json:"has_regular"`
	Discount   int64  `json:"discount"`
	Name       string `json:"name,omitempty"`
}

type BalanceDTO struct {
	TenantID   string     `json:"tenant_id"`
	GuardianID string     `json:"guardian_id"`
	AsOf       string     `json:"as_of"`
	CarryOver  int64      `json:"carry_over"`
	Charged    int64      `json:"charged"`
	Paid       int64      `json:"paid"`
	Adjusted   int64      `json:"adjusted"`
	Closing    int64      `json:"closing"`
	Entries    []EntryDTO `json:"entries"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentRequest records money received. Amount is positive; it is stored
// as a negative ledger delta.
type PaymentRequest struct {
	TenantID       string `json:"tenant_id"`
	GuardianID     string `json:"guardian_id"`
	Period         string `json:"period"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type EntryDTO struct {
	ID             string `json:"id"`
	Period         string `json:"period"`
	Type           string `json:"type"`
	Delta          int64  `json:"delta"`
	SnapshotID     string `json:"snapshot_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toEntryDTO(e billing.AccountEntry) EntryDTO {
	return EntryDTO{
		ID:             e.ID,
		Period:         e.Period.String(),
		Type:           string(e.Type),
		Delta:          int64(e.Delta),
		SnapshotID:     e.SnapshotID,
		IdempotencyKey: e.IdempotencyKey,
		Reason:         e.Reason,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Period      string `json:"period"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
