// Package store provides the in-memory implementation of every billing
// persistence port, for tests and local development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/catalog"
	"github.com/warp/tuition-billing/directory"
	"github.com/warp/tuition-billing/discount"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

// state is everything WithTx snapshots and restores.
type state struct {
	snapshots   map[string]billing.Snapshot
	entries     []billing.AccountEntry
	idempotency map[string]bool
	instruments map[string]discount.Attrs
	products    map[string]catalog.Product
	courses     map[string]catalog.Course
	packs       map[string]catalog.Pack
	contracts   map[string]catalog.Contract
	guardians   map[billing.GuardianID]directory.Guardian
	students    map[billing.StudentID]directory.Student
	runs        map[string]billing.RunRecord
	locks       map[string]string
}

func newState() state {
	return state{
		snapshots:   make(map[string]billing.Snapshot),
		idempotency: make(map[string]bool),
		instruments: make(map[string]discount.Attrs),
		products:    make(map[string]catalog.Product),
		courses:     make(map[string]catalog.Course),
		packs:       make(map[string]catalog.Pack),
		contracts:   make(map[string]catalog.Contract),
		guardians:   make(map[billing.GuardianID]directory.Guardian),
		students:    make(map[billing.StudentID]directory.Student),
		runs:        make(map[string]billing.RunRecord),
		locks:       make(map[string]string),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// Reset drops every row.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) CreateSnapshot(_ context.Context, snap billing.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSnapshotLocked(snap)
}

func (m *Memory) GetSnapshot(_ context.Context, id string) (*billing.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSnapshotLocked(id)
}

func (m *Memory) FindSnapshot(_ context.Context, key billing.Key) (*billing.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findSnapshotLocked(key)
}

func (m *Memory) ListSnapshots(_ context.Context, filter billing.SnapshotFilter) ([]billing.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSnapshotsLocked(filter), nil
}

func (m *Memory) UpdateDiscounts(_ context.Context, id string, patch billing.DiscountPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDiscountsLocked(id, patch)
}

func (m *Memory) DeleteSnapshot(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	if !ok || snap.IsDeleted() {
		return billing.ErrSnapshotNotFound
	}
	snap.DeletedAt = &at
	m.snapshots[id] = snap
	return nil
}

// SetExportLock sets the lock flag owned by the export process.
func (m *Memory) SetExportLock(_ context.Context, id string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return billing.ErrSnapshotNotFound
	}
	snap.Locked = locked
	m.snapshots[id] = snap
	return nil
}

func (s *state) createSnapshotLocked(snap billing.Snapshot) error {
	if _, ok := s.snapshots[snap.ID]; ok {
		return billing.ErrSnapshotExists
	}
	if _, err := s.findSnapshotLocked(snap.Key()); err == nil {
		return billing.ErrSnapshotExists
	}
	s.snapshots[snap.ID] = cloneSnapshot(snap)
	return nil
}

func (s *state) getSnapshotLocked(id string) (*billing.Snapshot, error) {
	snap, ok := s.snapshots[id]
	if !ok || snap.IsDeleted() {
		return nil, billing.ErrSnapshotNotFound
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (s *state) findSnapshotLocked(key billing.Key) (*billing.Snapshot, error) {
	for _, snap := range s.snapshots {
		if !snap.IsDeleted() && snap.Key() == key {
			out := cloneSnapshot(snap)
			return &out, nil
		}
	}
	return nil, billing.ErrSnapshotNotFound
}

func (s *state) listSnapshotsLocked(filter billing.SnapshotFilter) []billing.Snapshot {
	var out []billing.Snapshot
	for _, snap := range s.snapshots {
		if filter.Matches(snap) {
			out = append(out, cloneSnapshot(snap))
		}
	}
	billing.SortSnapshots(out)
	return out
}

func (s *state) updateDiscountsLocked(id string, patch billing.DiscountPatch) error {
	snap, ok := s.snapshots[id]
	if !ok || snap.IsDeleted() {
		return billing.ErrSnapshotNotFound
	}
	s.snapshots[id] = patch.Apply(snap)
	return nil
}

func cloneSnapshot(s billing.Snapshot) billing.Snapshot {
	s.Items = append([]billing.ItemLine(nil), s.Items...)
	s.Discounts = append([]billing.DiscountLine(nil), s.Discounts...)
	return s
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, entry billing.AccountEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(entry)
}

func (m *Memory) LoadEntries(_ context.Context, tenantID uuid.UUID, guardianID billing.GuardianID) ([]billing.AccountEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEntriesLocked(tenantID, guardianID), nil
}

func (m *Memory) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (s *state) appendEntryLocked(entry billing.AccountEntry) error {
	if entry.IdempotencyKey != "" && s.idempotency[entry.IdempotencyKey] {
		return billing.ErrDuplicateIdempotencyKey
	}
	s.entries = append(s.entries, entry)
	if entry.IdempotencyKey != "" {
		s.idempotency[entry.IdempotencyKey] = true
	}
	return nil
}

func (s *state) loadEntriesLocked(tenantID uuid.UUID, guardianID billing.GuardianID) []billing.AccountEntry {
	var out []billing.AccountEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.GuardianID == guardianID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

func (m *Memory) MarkInstrumentUsed(_ context.Context, id string, period billing.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markUsedLocked(id, period)
}

func (s *state) markUsedLocked(id string, period billing.Period) error {
	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("%w: %s", billing.ErrInstrumentNotFound, id)
	}
	if inst.Status == discount.StatusUsed && inst.UsedPeriod != nil {
		if *inst.UsedPeriod == period {
			return nil
		}
		return fmt.Errorf("%w: %s used in %s", billing.ErrInstrumentConsumed, id, inst.UsedPeriod)
	}
	p := period
	inst.Status = discount.StatusUsed
	inst.UsedPeriod = &p
	s.instruments[id] = inst
	return nil
}

func (m *Memory) Instruments(_ context.Context, tenantID *uuid.UUID) ([]discount.Attrs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []discount.Attrs
	for _, a := range m.instruments {
		if tenantID == nil || a.TenantID == *tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveInstruments(_ context.Context, records []discount.Attrs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.instruments[r.ID] = r
	}
	return nil
}

// =============================================================================
// CATALOG AND DIRECTORY SOURCES
// =============================================================================

func (m *Memory) Products(_ context.Context) ([]catalog.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]catalog.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) Courses(_ context.Context) ([]catalog.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]catalog.Course, 0, len(m.courses))
	for _, c := range m.courses {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) Packs(_ context.Context) ([]catalog.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]catalog.Pack, 0, len(m.packs))
	for _, p := range m.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) Contracts(_ context.Context, tenantID *uuid.UUID) ([]catalog.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []catalog.Contract
	for _, c := range m.contracts {
		if tenantID == nil || c.TenantID == *tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Guardians(_ context.Context, tenantID *uuid.UUID) ([]directory.Guardian, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []directory.Guardian
	for _, g := range m.guardians {
		if tenantID == nil || g.TenantID == *tenantID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Students(_ context.Context, tenantID *uuid.UUID) ([]directory.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []directory.Student
	for _, s := range m.students {
		if tenantID == nil || s.TenantID == *tenantID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveProducts(_ context.Context, products []catalog.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range products {
		m.products[p.Code] = p
	}
	return nil
}

func (m *Memory) SaveCourses(_ context.Context, courses []catalog.Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range courses {
		m.courses[c.Code] = c
	}
	return nil
}

func (m *Memory) SavePacks(_ context.Context, packs []catalog.Pack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range packs {
		m.packs[p.Code] = p
	}
	return nil
}

func (m *Memory) SaveContracts(_ context.Context, contracts []catalog.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range contracts {
		m.contracts[c.ID] = c
	}
	return nil
}

func (m *Memory) SaveGuardians(_ context.Context, guardians []directory.Guardian) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range guardians {
		m.guardians[g.ID] = g
	}
	return nil
}

func (m *Memory) SaveStudents(_ context.Context, students []directory.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range students {
		m.students[s.ID] = s
	}
	return nil
}

// =============================================================================
// LOCKS AND RUNS
// =============================================================================

func (m *Memory) TryLock(_ context.Context, owner string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if holder, ok := m.locks[k]; ok && holder != owner {
			return fmt.Errorf("%w: %s", billing.ErrRunLocked, k)
		}
	}
	for _, k := range keys {
		m.locks[k] = owner
	}
	return nil
}

func (m *Memory) Unlock(_ context.Context, owner string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if m.locks[k] == owner {
			delete(m.locks, k)
		}
	}
	return nil
}

func (m *Memory) SaveRun(_ context.Context, run billing.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListRuns(_ context.Context, filter billing.RunFilter) ([]billing.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.RunRecord
	for _, r := range m.runs {
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.TenantID != nil && (r.TenantID == nil || *r.TenantID != *filter.TenantID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) HasCompletedRun(_ context.Context, kind billing.RunKind, tenantID *uuid.UUID, period billing.Period) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.Kind != kind || r.DryRun || r.Status != billing.RunCompleted {
			continue
		}
		if r.Year == nil || r.Month == nil || *r.Year != period.Year || *r.Month != int(period.Month) {
			continue
		}
		if (tenantID == nil) != (r.TenantID == nil) {
			continue
		}
		if tenantID != nil && *tenantID != *r.TenantID {
			continue
		}
		return true, nil
	}
	return false, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.state.clone()
	if err := fn(&txView{state: &m.state}); err != nil {
		m.state = saved
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := newState()
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	c.entries = append([]billing.AccountEntry(nil), s.entries...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.instruments {
		c.instruments[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.courses {
		c.courses[k] = v
	}
	for k, v := range s.packs {
		c.packs[k] = v
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.guardians {
		c.guardians[k] = v
	}
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	return c
}

// txView runs against the locked parent state.
type txView struct {
	state *state
}

func (tv *txView) CreateSnapshot(_ context.Context, snap billing.Snapshot) error {
	return tv.state.createSnapshotLocked(snap)
}

func (tv *txView) GetSnapshot(_ context.Context, id string) (*billing.Snapshot, error) {
	return tv.state.getSnapshotLocked(id)
}

func (tv *txView) FindSnapshot(_ context.Context, key billing.Key) (*billing.Snapshot, error) {
	return tv.state.findSnapshotLocked(key)
}

func (tv *txView) ListSnapshots(_ context.Context, filter billing.SnapshotFilter) ([]billing.Snapshot, error) {
	return tv.state.listSnapshotsLocked(filter), nil
}

func (tv *txView) UpdateDiscounts(_ context.Context, id string, patch billing.DiscountPatch) error {
	return tv.state.updateDiscountsLocked(id, patch)
}

func (tv *txView) DeleteSnapshot(_ context.Context, id string, at time.Time) error {
	snap, ok := tv.state.snapshots[id]
	if !ok || snap.IsDeleted() {
		return billing.ErrSnapshotNotFound
	}
	snap.DeletedAt = &at
	tv.state.snapshots[id] = snap
	return nil
}

func (tv *txView) AppendEntry(_ context.Context, entry billing.AccountEntry) error {
	return tv.state.appendEntryLocked(entry)
}

func (tv *txView) LoadEntries(_ context.Context, tenantID uuid.UUID, guardianID billing.GuardianID) ([]billing.AccountEntry, error) {
	return tv.state.loadEntriesLocked(tenantID, guardianID), nil
}

func (tv *txView) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.state.idempotency[idempotencyKey], nil
}

func (tv *txView) MarkInstrumentUsed(_ context.Context, id string, period billing.Period) error {
	return tv.state.markUsedLocked(id, period)
}
