package offline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// Item is the client's view of one in-app delivery.
type Item struct {
	DeliveryRecordID uuid.UUID
	Notification     *model.Notification
	ReadAt           *time.Time
	ConfirmedAt      *time.Time
	// PendingReads and PendingConfirms count changes made on this device that
	// the server has not yet acknowledged.
	PendingReads    int
	PendingConfirms int
}

// Local reports whether any change to the item is still waiting on the server.
func (it Item) Local() bool {
	return it.PendingReads > 0 || it.PendingConfirms > 0
}

// LocalState is the optimistic notification list shown to the user.
type LocalState struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Item
}

func NewLocalState() *LocalState {
	return &LocalState{items: make(map[uuid.UUID]*Item)}
}

// Add records a pushed notification. It reports false if the record was
// already known.
func (s *LocalState) Add(event *model.PushEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[event.DeliveryRecordID]; ok {
		return false
	}
	s.items[event.DeliveryRecordID] = &Item{
		DeliveryRecordID: event.DeliveryRecordID,
		Notification:     event.Notification,
	}
	return true
}

// MarkRead applies a read made on this device before the server knows of it.
func (s *LocalState) MarkRead(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.item(id)
	if it.ReadAt == nil {
		it.ReadAt = &at
	}
	it.PendingReads++
}

func (s *LocalState) MarkConfirmed(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.item(id)
	if it.ConfirmedAt == nil {
		it.ConfirmedAt = &at
	}
	if it.ReadAt == nil {
		it.ReadAt = &at
	}
	it.PendingConfirms++
}

// Settle retires one pending change of the given operation once the server
// has accepted or rejected it. Other pending changes keep their hold.
func (s *LocalState) Settle(id uuid.UUID, op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return
	}
	switch op {
	case OpMarkRead:
		if it.PendingReads > 0 {
			it.PendingReads--
		}
	case OpConfirm:
		if it.PendingConfirms > 0 {
			it.PendingConfirms--
		}
	}
}

// Merge folds server results into the local view. A server row never undoes a
// change still pending on this device.
func (s *LocalState) Merge(pending []*model.PendingNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pending {
		it := s.item(p.DeliveryRecordID)
		if p.Notification != nil {
			it.Notification = p.Notification
		}
		// a pending confirm implies the read
		if it.Local() {
			continue
		}
		it.ReadAt = nil
		if p.ReadAt != nil {
			at := *p.ReadAt
			it.ReadAt = &at
		}
	}
}

// Items returns a snapshot, newest first.
func (s *LocalState) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		return createdAt(out[i]).After(createdAt(out[j]))
	})
	return out
}

func (s *LocalState) Get(id uuid.UUID) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

func (s *LocalState) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if it.ReadAt == nil {
			n++
		}
	}
	return n
}

func (s *LocalState) item(id uuid.UUID) *Item {
	it, ok := s.items[id]
	if !ok {
		it = &Item{DeliveryRecordID: id}
		s.items[id] = it
	}
	return it
}

func createdAt(it Item) time.Time {
	if it.Notification == nil {
		return time.Time{}
	}
	return it.Notification.CreatedAt
}
