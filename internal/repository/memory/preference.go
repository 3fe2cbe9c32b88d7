package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

type prefKey struct {
	userID  uuid.UUID
	typ     model.NotificationType
	channel model.Channel
}

type preferenceRepository struct {
	mu    sync.RWMutex
	prefs map[prefKey]*model.NotificationPreference
}

func NewPreferenceRepository() repository.PreferenceRepository {
	return &preferenceRepository{prefs: make(map[prefKey]*model.NotificationPreference)}
}

func (r *preferenceRepository) Get(_ context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) (*model.NotificationPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.prefs[prefKey{userID, t, channel}]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *preferenceRepository) ListForUser(_ context.Context, userID uuid.UUID) ([]*model.NotificationPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.NotificationPreference
	for k, p := range r.prefs {
		if k.userID == userID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func (r *preferenceRepository) Upsert(_ context.Context, p *model.NotificationPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *p
	r.prefs[prefKey{p.UserID, p.Type, p.Channel}] = &c
	return nil
}

func (r *preferenceRepository) Delete(_ context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.prefs, prefKey{userID, t, channel})
	return nil
}
