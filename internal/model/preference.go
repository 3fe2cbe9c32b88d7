package model

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
)

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// QuietHours is a local-time window [Start, End). Start > End wraps midnight.
type QuietHours struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// Contains reports whether the local wall-clock time t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	m := ClockTime(t.Hour()*60 + t.Minute())
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}
	return m >= q.Start || m < q.End
}

// EndAfter returns the first instant at or after t (in t's location) where the window closes.
func (q QuietHours) EndAfter(t time.Time) time.Time {
	y, mo, d := t.Date()
	end := time.Date(y, mo, d, int(q.End)/60, int(q.End)%60, 0, 0, t.Location())
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// NotificationPreference is keyed by (UserID, Type, Channel).
type NotificationPreference struct {
	UserID               uuid.UUID        `db:"user_id" json:"user_id"`
	Type                 NotificationType `db:"type" json:"type"`
	Channel              Channel          `db:"channel" json:"channel"`
	IsEnabled            bool             `db:"is_enabled" json:"is_enabled"`
	QuietHours           *QuietHours      `db:"-" json:"quiet_hours,omitempty"`
	WeekendNotifications bool             `db:"weekend_notifications" json:"weekend_notifications"`
	Timezone             string           `db:"timezone" json:"timezone"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// Location resolves the preference's IANA zone, falling back to UTC.
func (p *NotificationPreference) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
