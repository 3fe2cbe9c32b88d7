package model

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionSession exists only while a transport connection is open. It is
// never persisted.
type ConnectionSession struct {
	ConnectionID   string
	UserID         uuid.UUID
	EmployeeID     uuid.UUID
	BranchID       uuid.UUID
	OrganizationID uuid.UUID
	Roles          map[string]struct{}
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
}

func (s *ConnectionSession) HasRole(role string) bool {
	_, ok := s.Roles[role]
	return ok
}

func RoleSet(roles ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Identity is the authenticated caller as issued by the platform's auth service.
type Identity struct {
	UserID         uuid.UUID
	EmployeeID     uuid.UUID
	BranchID       uuid.UUID
	OrganizationID uuid.UUID
	Roles          []string
	Permissions    []string
}

func (i *Identity) Can(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

const (
	PermissionNotify      = "notifications:send"
	PermissionViewFailed  = "notifications:failed:read"
	PermissionRetryFailed = "notifications:failed:retry"
	PermissionViewOthers  = "notifications:status:read"
	PermissionManagePrefs = "notifications:preferences:manage"
)
