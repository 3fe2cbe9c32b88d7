package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// Employee is a directory entry used to expand broadcast targets.
type Employee struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	BranchID       uuid.UUID
	Roles          []string
	Contact        model.Contact
}

// Directory is an in-memory employee directory.
type Directory struct {
	mu        sync.RWMutex
	employees map[uuid.UUID]Employee
}

func NewDirectory(employees ...Employee) *Directory {
	d := &Directory{employees: make(map[uuid.UUID]Employee)}
	for _, e := range employees {
		d.Put(e)
	}
	return d
}

func (d *Directory) Put(e Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Contact.UserID = e.UserID
	d.employees[e.UserID] = e
}

func (d *Directory) UsersByRole(_ context.Context, orgID uuid.UUID, role string, branchID *uuid.UUID) ([]uuid.UUID, error) {
	return d.filter(func(e Employee) bool {
		if e.OrganizationID != orgID {
			return false
		}
		if branchID != nil && e.BranchID != *branchID {
			return false
		}
		for _, r := range e.Roles {
			if r == role {
				return true
			}
		}
		return false
	}), nil
}

func (d *Directory) AllUsers(_ context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	return d.filter(func(e Employee) bool { return e.OrganizationID == orgID }), nil
}

func (d *Directory) Contact(_ context.Context, userID uuid.UUID) (*model.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.employees[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := e.Contact
	return &c, nil
}

func (d *Directory) filter(match func(Employee) bool) []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []uuid.UUID
	for id, e := range d.employees {
		if match(e) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
