package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationType is the closed set of events the platform raises notifications for.
type NotificationType string

const (
	TypeLeave        NotificationType = "leave"
	TypeAttendance   NotificationType = "attendance"
	TypePayroll      NotificationType = "payroll"
	TypeTicket       NotificationType = "ticket"
	TypeTraining     NotificationType = "training"
	TypeBirthday     NotificationType = "birthday"
	TypeProductivity NotificationType = "productivity"
	TypeProject      NotificationType = "project"
	TypeSystem       NotificationType = "system"
)

// AllNotificationTypes returns every known notification type.
func AllNotificationTypes() []NotificationType {
	return []NotificationType{
		TypeLeave,
		TypeAttendance,
		TypePayroll,
		TypeTicket,
		TypeTraining,
		TypeBirthday,
		TypeProductivity,
		TypeProject,
		TypeSystem,
	}
}

func (t NotificationType) Valid() bool {
	switch t {
	case TypeLeave, TypeAttendance, TypePayroll, TypeTicket, TypeTraining,
		TypeBirthday, TypeProductivity, TypeProject, TypeSystem:
		return true
	}
	return false
}

func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown notification type %q", s)
	}
	return t, nil
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities so that a higher rank dequeues first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func PriorityFromRank(rank int) Priority {
	switch rank {
	case 3:
		return PriorityCritical
	case 2:
		return PriorityHigh
	case 1:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

type TargetKind string

const (
	TargetUser   TargetKind = "user"
	TargetUsers  TargetKind = "users"
	TargetRole   TargetKind = "role"
	TargetGlobal TargetKind = "global"
)

// Target describes who a notification is for. Role and global targets are
// expanded into concrete users when the notification is enqueued.
type Target struct {
	Kind     TargetKind  `json:"kind"`
	UserIDs  []uuid.UUID `json:"user_ids,omitempty"`
	Role     string      `json:"role,omitempty"`
	BranchID *uuid.UUID  `json:"branch_id,omitempty"`
}

func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser:
		if len(t.UserIDs) != 1 {
			return fmt.Errorf("user target requires exactly one user id")
		}
	case TargetUsers:
		if len(t.UserIDs) == 0 {
			return fmt.Errorf("users target requires at least one user id")
		}
	case TargetRole:
		if t.Role == "" {
			return fmt.Errorf("role target requires a role")
		}
	case TargetGlobal:
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// Notification content is immutable once created. FannedOutAt is set once every
// delivery record for it has been enqueued.
type Notification struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	OrganizationID uuid.UUID              `db:"organization_id" json:"organization_id"`
	Title          string                 `db:"title" json:"title"`
	Message        string                 `db:"message" json:"message"`
	Type           NotificationType       `db:"type" json:"type"`
	Priority       Priority               `db:"priority" json:"priority"`
	Target         Target                 `db:"-" json:"target"`
	Channels       []Channel              `db:"-" json:"channels"`
	ActionURL      string                 `db:"action_url" json:"action_url,omitempty"`
	Metadata       map[string]interface{} `db:"-" json:"metadata,omitempty"`
	SourceEventID  string                 `db:"source_event_id" json:"source_event_id,omitempty"`
	IsGlobal       bool                   `db:"is_global" json:"is_global"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
	ExpiresAt      *time.Time             `db:"expires_at" json:"expires_at,omitempty"`
	FannedOutAt    *time.Time             `db:"fanned_out_at" json:"-"`
}

func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}
