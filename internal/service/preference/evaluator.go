package preference

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

// Request is a single delivery question for one user, type and channel.
type Request struct {
	UserID   uuid.UUID
	Type     model.NotificationType
	Channel  model.Channel
	Priority model.Priority
	At       time.Time
}

// Decision is the outcome of ShouldDeliver. A denial with DeferUntil set is a
// hold, not a suppression.
type Decision struct {
	Allow      bool
	Reason     string
	DeferUntil *time.Time
}

func allow() Decision { return Decision{Allow: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

func hold(reason string, until time.Time) Decision {
	return Decision{Reason: reason, DeferUntil: &until}
}

// Evaluator decides whether a notification may be delivered now. It has no side
// effects and is safe for concurrent use.
type Evaluator struct {
	prefs repository.PreferenceRepository
}

func NewEvaluator(prefs repository.PreferenceRepository) *Evaluator {
	return &Evaluator{prefs: prefs}
}

// Enabled reports whether the user has not switched the (type, channel) pair off.
func (e *Evaluator) Enabled(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) (bool, error) {
	p, err := e.prefs.Get(ctx, userID, t, channel)
	if errors.Is(err, model.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return p.IsEnabled, nil
}

func (e *Evaluator) ShouldDeliver(ctx context.Context, req Request) (Decision, error) {
	if !req.Type.Valid() {
		return deny(model.ReasonUnknownType), nil
	}

	p, err := e.prefs.Get(ctx, req.UserID, req.Type, req.Channel)
	if errors.Is(err, model.ErrNotFound) {
		return allow(), nil
	}
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(p, req), nil
}

// Evaluate applies a stored preference to req.
func Evaluate(p *model.NotificationPreference, req Request) Decision {
	if !p.IsEnabled {
		return deny(model.ReasonDisabled)
	}
	if req.Priority == model.PriorityCritical {
		return allow()
	}

	local := req.At.In(p.Location())
	reason := ""
	// Quiet windows and weekends can chain (Friday night quiet hours into a
	// weekend), so advance until neither rule holds.
	for i := 0; i < 4; i++ {
		switch {
		case !p.WeekendNotifications && isWeekend(local):
			if reason == "" {
				reason = model.ReasonWeekend
			}
			local = nextMonday(local)
		case p.QuietHours != nil && p.QuietHours.Contains(local):
			if reason == "" {
				reason = model.ReasonQuietHours
			}
			local = p.QuietHours.EndAfter(local)
		default:
			if reason == "" {
				return allow()
			}
			return hold(reason, local)
		}
	}
	return hold(reason, local)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func nextMonday(t time.Time) time.Time {
	days := (int(time.Monday) - int(t.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	y, m, d := t.Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, t.Location())
}
