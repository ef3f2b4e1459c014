// Package directory provides guardian and student lookups for a run.
package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/warp/tuition-billing/billing"
)

type Guardian struct {
	ID       billing.GuardianID
	TenantID uuid.UUID
	Name     string
	Email    string
}

type Student struct {
	ID         billing.StudentID
	TenantID   uuid.UUID
	GuardianID billing.GuardianID
	Name       string
}

// Source is implemented by every store.
type Source interface {
	Guardians(ctx context.Context, tenantID *uuid.UUID) ([]Guardian, error)
	Students(ctx context.Context, tenantID *uuid.UUID) ([]Student, error)
}

// Directory is a read-only, per-run index of guardians and students.
type Directory struct {
	guardians map[billing.GuardianID]Guardian
	students  map[billing.StudentID]Student
	children  map[billing.GuardianID][]Student
}

func Load(ctx context.Context, src Source, tenantID *uuid.UUID) (*Directory, error) {
	guardians, err := src.Guardians(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load guardians: %w", err)
	}
	students, err := src.Students(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	return New(guardians, students), nil
}

func New(guardians []Guardian, students []Student) *Directory {
	d := &Directory{
		guardians: make(map[billing.GuardianID]Guardian, len(guardians)),
		students:  make(map[billing.StudentID]Student, len(students)),
		children:  make(map[billing.GuardianID][]Student),
	}
	for _, g := range guardians {
		d.guardians[g.ID] = g
	}
	for _, s := range students {
		d.students[s.ID] = s
		d.children[s.GuardianID] = append(d.children[s.GuardianID], s)
	}
	for gid := range d.children {
		list := d.children[gid]
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return d
}

func (d *Directory) Guardian(id billing.GuardianID) (Guardian, error) {
	g, ok := d.guardians[id]
	if !ok {
		return Guardian{}, fmt.Errorf("%w: %s", billing.ErrGuardianNotFound, id)
	}
	return g, nil
}

func (d *Directory) Student(id billing.StudentID) (Student, error) {
	s, ok := d.students[id]
	if !ok {
		return Student{}, fmt.Errorf("%w: %s", billing.ErrStudentNotFound, id)
	}
	return s, nil
}

// StudentsOf returns the guardian's students ordered by ID.
func (d *Directory) StudentsOf(id billing.GuardianID) []Student {
	return d.children[id]
}

// GuardianOf resolves a student's guardian. Either lookup may miss.
func (d *Directory) GuardianOf(id billing.StudentID) (Guardian, error) {
	s, err := d.Student(id)
	if err != nil {
		return Guardian{}, err
	}
	return d.Guardian(s.GuardianID)
}

// Guardians returns every guardian ordered by tenant then ID.
func (d *Directory) Guardians() []Guardian {
	out := make([]Guardian, 0, len(d.guardians))
	for _, g := range d.guardians {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID.String() < out[j].TenantID.String()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Orphans returns students whose guardian is not in the directory,
// ordered by ID.
func (d *Directory) Orphans() []Student {
	var out []Student
	for _, s := range d.students {
		if _, ok := d.guardians[s.GuardianID]; !ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
