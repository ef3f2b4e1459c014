package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// RUN RECORD - Audit of billing and recompute runs
// =============================================================================

type RunKind string

const (
	RunGenerate  RunKind = "generate"
	RunRecompute RunKind = "recompute"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is persisted for every run, dry runs included.
type RunRecord struct {
	ID       string
	Kind     RunKind
	TenantID *uuid.UUID
	Year     *int
	Month    *int
	DryRun   bool
	Force    bool
	Kinds    []DiscountKind
	Status   RunStatus

	Total     int
	Updated   int
	Skipped   int
	Previewed int
	Failed    int
	NotFound  int
	Malformed int

	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Scope renders the run's target slice for logs.
func (r RunRecord) Scope() string {
	tenant, year, month := "*", "*", "*"
	if r.TenantID != nil {
		tenant = r.TenantID.String()
	}
	if r.Year != nil {
		year = fmt.Sprintf("%04d", *r.Year)
	}
	if r.Month != nil {
		month = fmt.Sprintf("%02d", *r.Month)
	}
	return tenant + "/" + year + "-" + month
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Kind     RunKind
	TenantID *uuid.UUID
	Limit    int
}

// =============================================================================
// RUN LOCKS - Single writer per tenant and period
// =============================================================================

// LockKey is the advisory lock name for one tenant's period. A run takes
// the keys of every slice it will touch before writing anything.
func LockKey(tenantID uuid.UUID, period Period) string {
	return "billing:" + tenantID.String() + ":" + period.String()
}

// LockKeys returns the distinct, sorted lock keys for a set of snapshots.
// Sorting keeps acquisition order stable across processes.
func LockKeys(keys []Key) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		lk := LockKey(k.TenantID, k.Period)
		if !seen[lk] {
			seen[lk] = true
			out = append(out, lk)
		}
	}
	sort.Strings(out)
	return out
}

// ParseKinds parses a comma separated kind list. "all" or "" means every kind.
func ParseKinds(s string) ([]DiscountKind, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return append([]DiscountKind(nil), AllKinds...), nil
	}
	var kinds []DiscountKind
	seen := make(map[DiscountKind]bool)
	for _, part := range strings.Split(s, ",") {
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}
