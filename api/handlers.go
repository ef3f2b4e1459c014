/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes billing runs, recompute, snapshots and guardian accounts via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the invoice and recompute packages.

ENDPOINTS:
  Snapshots:
    GET    /api/snapshots                    List (tenant_id, guardian_id, student_id, year, month)
    GET    /api/snapshots/{id}               Get one snapshot
    DELETE /api/snapshots/{id}               Logical delete; 409 when export-locked

  Runs:
    POST   /api/billing/runs                 Generate snapshots for a period
    GET    /api/billing/runs                 Generate run history
    POST   /api/recompute                    Recompute discounts
    GET    /api/recompute/runs               Recompute run history

  Guardians:
    GET    /api/guardians/{id}/mile-preview  Mile discount with an optional new course/pack
    GET    /api/guardians/{id}/balance       Account balance and ledger entries

  Payments:
    POST   /api/payments                     Record a received payment

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario
    POST   /api/scenarios/reset              Clear all data

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Snapshot, guardian or student not found
  - 409: Run lock held, snapshot locked by export, duplicate idempotency key
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the admin gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/factory"
	"github.com/warp/tuition-billing/invoice"
	"github.com/warp/tuition-billing/mile"
	"github.com/warp/tuition-billing/recompute"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs from persistence. Every store implements it.
type Store interface {
	invoice.Backend
	factory.MasterWriter
	Reset(ctx context.Context) error
}

type Config struct {
	Rule   mile.Rule
	Logger *zap.Logger
	Now    func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Masters   *factory.MasterFactory
	Generator *invoice.Generator
	Recompute *recompute.Controller
	Writer    *invoice.Writer

	rule   mile.Rule
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store Store, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rule == (mile.Rule{}) {
		cfg.Rule = mile.DefaultRule()
	}
	return &Handler{
		Store:     store,
		Masters:   factory.NewMasterFactory(),
		Generator: invoice.NewGenerator(store, invoice.GeneratorConfig{Rule: cfg.Rule, Logger: cfg.Logger, Now: cfg.Now}),
		Recompute: recompute.NewController(store, recompute.Config{Rule: cfg.Rule, Logger: cfg.Logger, Now: cfg.Now}),
		Writer:    invoice.NewWriter(store, cfg.Logger).WithClock(cfg.Now),
		rule:      cfg.Rule,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

// ListSnapshots returns live snapshots matching the query filters.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter billing.SnapshotFilter

	tenantID, err := optionalUUID(q.Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant_id", err)
		return
	}
	filter.TenantID = tenantID
	if v := q.Get("guardian_id"); v != "" {
		gid := billing.GuardianID(v)
		filter.GuardianID = &gid
	}
	if v := q.Get("student_id"); v != "" {
		sid := billing.StudentID(v)
		filter.StudentID = &sid
	}
	if filter.Year, err = optionalInt(q.Get("year")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	if filter.Month, err = optionalInt(q.Get("month")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	snaps, err := h.Store.ListSnapshots(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list snapshots", err)
		return
	}
	dtos := make([]SnapshotDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toSnapshotDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": dtos})
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(*snap))
}

// DeleteSnapshot logically deletes a snapshot and reverses its charge.
func (h *Handler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Writer.Delete(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to delete snapshot", err)
		return
	}
	h.logger.Info("snapshot deleted", zap.String("snapshot_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// GenerateBilling runs monthly billing for a period.
// POST /api/billing/runs
func (h *Handler) GenerateBilling(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := billing.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}
	tenantID, err := optionalUUID(req.TenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant_id", err)
		return
	}

	report, err := h.Generator.Run(r.Context(), invoice.RunInput{TenantID: tenantID, Period: period, DryRun: req.DryRun})
	if err != nil {
		writeDomainError(w, "Billing run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toGenerateReportDTO(report))
}

// RunRecompute re-applies discount kinds to existing snapshots.
// POST /api/recompute
func (h *Handler) RunRecompute(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tenantID, err := optionalUUID(req.TenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant_id", err)
		return
	}
	var kinds []billing.DiscountKind
	for _, s := range req.Kinds {
		parsed, err := billing.ParseKinds(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid discount kind", err)
			return
		}
		kinds = append(kinds, parsed...)
	}

	report, err := h.Recompute.Run(r.Context(), recompute.Options{
		DryRun:   req.DryRun,
		Force:    req.Force,
		Year:     req.Year,
		Month:    req.Month,
		TenantID: tenantID,
		Kinds:    kinds,
	})
	if err != nil {
		writeDomainError(w, "Recompute failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecomputeReportDTO(report))
}

func (h *Handler) ListGenerateRuns(w http.ResponseWriter, r *http.Request) {
	h.listRuns(w, r, billing.RunGenerate)
}

func (h *Handler) ListRecomputeRuns(w http.ResponseWriter, r *http.Request) {
	h.listRuns(w, r, billing.RunRecompute)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request, kind billing.RunKind) {
	tenantID, err := optionalUUID(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant_id", err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
	}

	runs, err := h.Store.ListRuns(r.Context(), billing.RunFilter{Kind: kind, TenantID: tenantID, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// GUARDIAN HANDLERS
// =============================================================================

// MilePreview computes a guardian's mile discount for a period, optionally
// adding a course or pack they are about to enroll in. Nothing is written.
// GET /api/guardians/{id}/mile-preview?period=2025-04&course=C1&pack=P1
func (h *Handler) MilePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	guardianID := billing.GuardianID(chi.URLParam(r, "id"))

	period, err := h.periodParam(q.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}
	tenantID, err := optionalUUID(q.Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant_id", err)
		return
	}

	dir, err := directory.Load(ctx, h.Store, tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load directory", err)
		return
	}
	cache, err := catalog.Load(ctx, h.Store, tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load catalog", err)
		return
	}

	res, err := mile.NewEngine(h.rule, cache, dir).Calculate(guardianID, q.Get("course"), q.Get("pack"), period)
	if err != nil {
		writeDomainError(w, "Failed to compute miles", err)
		return
	}
	writeJSON(w, http.StatusOK, MilePreviewDTO{
		GuardianID: string(guardianID),
		Period:     period.String(),
		TotalMiles: res.TotalMiles,
		Products:   res.Products,
		HasRegular: res.HasRegular,
		Discount:   int64(res.Discount),
		Name:       res.Name,
	})
}

// GetBalance summarizes a guardian's account as of a period.
// GET /api/guardians/{id}/balance?tenant_id=...&as_of=2025-04
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	guardianID := billing.GuardianID(chi.URLParam(r, "id"))

	tenantID, err := uuid.Parse(q.Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id is required", err)
		return
	}
	asOf, err := h.periodParam(q.Get("as_of"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM)", err)
		return
	}

	entries, err := billing.NewLedger(h.Store).Entries(r.Context(), tenantID, guardianID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load ledger", err)
		return
	}
	b := billing.SummarizeEntries(tenantID, guardianID, entries, asOf)

	dto := BalanceDTO{
		TenantID:   tenantID.String(),
		GuardianID: string(guardianID),
		AsOf:       asOf.String(),
		CarryOver:  int64(b.CarryOver),
		Charged:    int64(b.Charged),
		Paid:       int64(b.Paid),
		Adjusted:   int64(b.Adjusted),
		Closing:    int64(b.Closing),
		Entries:    make([]EntryDTO, 0, len(entries)),
	}
	for _, e := range entries {
		if e.Period.BeforeOrEqual(asOf) {
			dto.Entries = append(dto.Entries, toEntryDTO(e))
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment appends a payment entry to the guardian's account.
// POST /api/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id is required", err)
		return
	}
	if req.GuardianID == "" {
		writeError(w, http.StatusBadRequest, "guardian_id is required", nil)
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}
	period, err := billing.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use YYYY-MM)", err)
		return
	}

	entry := billing.AccountEntry{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		GuardianID:     billing.GuardianID(req.GuardianID),
		Period:         period,
		Type:           billing.EntryPayment,
		Delta:          -billing.Yen(req.Amount),
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		CreatedAt:      h.now().UTC(),
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = "payment:" + entry.ID
	}
	if err := billing.NewLedger(h.Store).Append(r.Context(), entry); err != nil {
		writeDomainError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) periodParam(s string) (billing.Period, error) {
	if s == "" {
		return billing.PeriodOf(h.now()), nil
	}
	return billing.ParsePeriod(s)
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func optionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrRunLocked),
		errors.Is(err, billing.ErrSnapshotLocked),
		errors.Is(err, billing.ErrSnapshotExists),
		errors.Is(err, billing.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidPeriod):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
