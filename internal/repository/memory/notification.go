package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

type notificationRepository struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*model.Notification
	bySource map[string]uuid.UUID
}

func NewNotificationRepository() repository.NotificationRepository {
	return &notificationRepository{
		byID:     make(map[uuid.UUID]*model.Notification),
		bySource: make(map[string]uuid.UUID),
	}
}

func (r *notificationRepository) Create(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[n.ID]; exists {
		return model.ErrConflict
	}
	if n.SourceEventID != "" {
		if _, exists := r.bySource[n.SourceEventID]; exists {
			return model.ErrConflict
		}
		r.bySource[n.SourceEventID] = n.ID
	}
	c := *n
	r.byID[n.ID] = &c
	return nil
}

func (r *notificationRepository) Get(_ context.Context, id uuid.UUID) (*model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *n
	return &c, nil
}

func (r *notificationRepository) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uuid.UUID]*model.Notification, len(ids))
	for _, id := range ids {
		if n, ok := r.byID[id]; ok {
			c := *n
			out[id] = &c
		}
	}
	return out, nil
}

func (r *notificationRepository) GetBySourceEvent(_ context.Context, sourceEventID string) (*model.Notification, error) {
	r.mu.RLock()
	id, ok := r.bySource[sourceEventID]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.Get(context.Background(), id)
}

func (r *notificationRepository) MarkFannedOut(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	if n.FannedOutAt == nil {
		n.FannedOutAt = &at
	}
	return nil
}
