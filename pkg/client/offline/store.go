package offline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("offline action not found")

// Store persists queued actions and the reconciliation cursor across client
// restarts.
type Store interface {
	Append(ctx context.Context, a *Action) error
	// List returns actions in enqueue order.
	List(ctx context.Context) ([]*Action, error)
	Update(ctx context.Context, a *Action) error
	Delete(ctx context.Context, id uuid.UUID) error

	Cursor(ctx context.Context) (time.Time, error)
	SetCursor(ctx context.Context, t time.Time) error

	Close() error
}

type memoryStore struct {
	mu      sync.Mutex
	seq     int64
	actions map[uuid.UUID]*Action
	cursor  time.Time
}

func NewMemoryStore() Store {
	return &memoryStore{actions: make(map[uuid.UUID]*Action)}
}

func (s *memoryStore) Append(_ context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	a.Seq = s.seq
	c := *a
	s.actions[a.ID] = &c
	return nil
}

func (s *memoryStore) List(_ context.Context) ([]*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Action, 0, len(s.actions))
	for _, a := range s.actions {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memoryStore) Update(_ context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		return ErrNotFound
	}
	c := *a
	s.actions[a.ID] = &c
	return nil
}

func (s *memoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *memoryStore) Cursor(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *memoryStore) SetCursor(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.cursor) {
		s.cursor = t
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }
