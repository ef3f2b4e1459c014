/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	masters for demos: products, courses, guardians, students, contracts
	and discount instruments. Each scenario demonstrates specific billing
	behaviour.

AVAILABLE SCENARIOS:

	single-student:   One student, enrollment pricing, textbook, FS 15%
	siblings:         Two students, family discount, mile discount
	late-grant:       April already billed, corporate discount granted late

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Parse masters JSON via factory.MasterFactory
 3. Write masters to the store
 4. Optionally run billing or add instruments afterwards

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "siblings"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - factory/masters.go: Masters JSON schema
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/invoice"
)

// DemoTenant is the tenant every scenario loads into.
const DemoTenant = "6f1c2a54-3d1e-4b7a-9c55-0c1d7e9b2a10"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-student",
		Name:        "Single Student",
		Description: "Enrollment month pricing, textbook in the first month, friend referral 15%",
		Period:      "2025-04",
	},
	{
		ID:          "siblings",
		Name:        "Siblings",
		Description: "Two students under one guardian: family discount once, mile discount once",
		Period:      "2025-04",
	},
	{
		ID:          "late-grant",
		Name:        "Late Grant",
		Description: "April already billed; a corporate discount granted afterwards awaits recompute",
		Period:      "2025-04",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "single-student":
		load = h.loadSingleStudentScenario
	case "siblings":
		load = h.loadSiblingsScenario
	case "late-grant":
		load = h.loadLateGrantScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// catalogJSON is shared by every scenario. Regular tuition carries one
// mile, the promotional course none.
const catalogJSON = `
  "products": [
    {"code": "TUITION-REG", "name": "Regular tuition", "type": "tuition", "price": 12000,
     "enrollment_price": 6000, "mile": 1, "discount_max": 3000},
    {"code": "TUITION-ADV", "name": "Advanced tuition", "type": "tuition", "price": 15000, "mile": 1},
    {"code": "MONTHLY-FEE", "name": "Monthly fee", "type": "monthly_fee", "price": 1100},
    {"code": "FACILITY", "name": "Facility fee", "type": "facility", "price": 800,
     "monthly_prices": {"8": 0}},
    {"code": "TEXTBOOK-A", "name": "Textbook A", "type": "textbook", "price": 2200},
    {"code": "TICKET-10", "name": "10 lesson tickets", "type": "ticket", "price": 9999},
    {"code": "TUITION-POKKIRI", "name": "Trial tuition", "type": "tuition", "price": 3000}
  ],
  "courses": [
    {"code": "COURSE-REG", "name": "Regular course", "items": [
      {"product_code": "TUITION-REG"}, {"product_code": "MONTHLY-FEE"}, {"product_code": "FACILITY"}]},
    {"code": "COURSE-ADV", "name": "Advanced course", "items": [
      {"product_code": "TUITION-ADV"}, {"product_code": "MONTHLY-FEE"}]},
    {"code": "COURSE-POKKIRI", "name": "Trial course", "promotional": true, "items": [
      {"product_code": "TUITION-POKKIRI"}]}
  ],
  "packs": [
    {"code": "PACK-DUO", "name": "Regular + advanced", "items": [
      {"product_code": "TUITION-REG"}, {"product_code": "TUITION-ADV"}]}
  ]`

func (h *Handler) applyMasters(ctx context.Context, body string) error {
	masters, err := h.Masters.ParseMasters("{" + catalogJSON + "," + body + "}")
	if err != nil {
		return err
	}
	return masters.Apply(ctx, h.Store)
}

// loadSingleStudentScenario: one student enrolling in April with a
// textbook, and a 15% friend referral on the guardian.
func (h *Handler) loadSingleStudentScenario(ctx context.Context) error {
	return h.applyMasters(ctx, fmt.Sprintf(`
  "guardians": [{"id": "g-tanaka", "tenant_id": %[1]q, "name": "Tanaka Yui", "email": "yui@example.jp"}],
  "students":  [{"id": "s-haruto", "tenant_id": %[1]q, "guardian_id": "g-tanaka", "name": "Tanaka Haruto"}],
  "contracts": [
    {"id": "k-haruto", "tenant_id": %[1]q, "student_id": "s-haruto", "course_code": "COURSE-REG",
     "textbook_codes": ["TEXTBOOK-A"], "ticket_codes": ["TICKET-10"],
     "enrollment_month": "2025-04", "start_month": "2025-04"}
  ],
  "instruments": [
    {"id": "fs-tanaka", "tenant_id": %[1]q, "kind": "fs", "guardian_id": "g-tanaka",
     "name": "Friend referral", "calc": "percentage", "value": "15"}
  ]`, DemoTenant))
}

// loadSiblingsScenario: two students, three mile-bearing enrollments.
func (h *Handler) loadSiblingsScenario(ctx context.Context) error {
	return h.applyMasters(ctx, fmt.Sprintf(`
  "guardians": [{"id": "g-sato", "tenant_id": %[1]q, "name": "Sato Aiko"}],
  "students": [
    {"id": "s-mei", "tenant_id": %[1]q, "guardian_id": "g-sato", "name": "Sato Mei"},
    {"id": "s-ren", "tenant_id": %[1]q, "guardian_id": "g-sato", "name": "Sato Ren"}
  ],
  "contracts": [
    {"id": "k-mei", "tenant_id": %[1]q, "student_id": "s-mei", "pack_code": "PACK-DUO", "start_month": "2025-01"},
    {"id": "k-ren", "tenant_id": %[1]q, "student_id": "s-ren", "course_code": "COURSE-REG", "start_month": "2025-01"},
    {"id": "k-ren-trial", "tenant_id": %[1]q, "student_id": "s-ren", "course_code": "COURSE-POKKIRI",
     "start_month": "2025-04", "end_month": "2025-04"}
  ],
  "instruments": [
    {"id": "fam-sato", "tenant_id": %[1]q, "kind": "family", "guardian_id": "g-sato",
     "name": "Sibling discount", "value": "1000"}
  ]`, DemoTenant))
}

// loadLateGrantScenario bills April, then grants a corporate discount
// effective from April. A recompute with kind shawari picks it up.
func (h *Handler) loadLateGrantScenario(ctx context.Context) error {
	if err := h.loadSingleStudentScenario(ctx); err != nil {
		return err
	}
	period := billing.MustPeriod(2025, 4)
	report, err := h.Generator.Run(ctx, invoice.RunInput{Period: period})
	if err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		return err
	}

	masters, err := h.Masters.ParseMasters(fmt.Sprintf(`{
  "instruments": [
    {"id": "shawari-acme", "tenant_id": %q, "kind": "shawari", "guardian_id": "g-tanaka",
     "name": "ACME employee benefit", "calc": "fixed", "value": "2000", "valid_from": "2025-04"}
  ]}`, DemoTenant))
	if err != nil {
		return err
	}
	return h.Store.SaveInstruments(ctx, masters.Instruments)
}
