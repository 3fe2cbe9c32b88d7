package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

type deliveryQueue struct {
	mu      sync.Mutex
	records map[uuid.UUID]*model.DeliveryRecord
	seq     int64
	lease   time.Duration
}

// NewDeliveryQueue returns a process-local queue with the same claim semantics as
// the postgres store.
func NewDeliveryQueue(lease time.Duration) repository.DeliveryQueue {
	return &deliveryQueue{
		records: make(map[uuid.UUID]*model.DeliveryRecord),
		lease:   lease,
	}
}

func (q *deliveryQueue) Enqueue(_ context.Context, records ...*model.DeliveryRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range records {
		if existing, ok := q.records[r.ID]; ok {
			r.Seq = existing.Seq
			continue
		}
		q.seq++
		r.Seq = q.seq
		q.records[r.ID] = r.Clone()
	}
	return nil
}

func (q *deliveryQueue) DequeueBatch(_ context.Context, owner string, limit int, now time.Time) ([]*model.DeliveryRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.claim(owner, limit, now, func(r *model.DeliveryRecord) bool {
		return r.Due(now)
	}), nil
}

func (q *deliveryQueue) ClaimPendingForUser(_ context.Context, owner string, userID uuid.UUID, channel model.Channel, now time.Time) ([]*model.DeliveryRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.claim(owner, 0, now, func(r *model.DeliveryRecord) bool {
		if r.UserID != userID || r.Channel != channel {
			return false
		}
		if r.State != model.DeliveryPending && r.State != model.DeliveryRetrying {
			return false
		}
		return !r.NextRetryAt.After(now) && !r.PastExpiry(now)
	}), nil
}

func (q *deliveryQueue) claim(owner string, limit int, now time.Time, match func(*model.DeliveryRecord) bool) []*model.DeliveryRecord {
	var due []*model.DeliveryRecord
	for _, r := range q.records {
		if r.Leased(now) || !match(r) {
			continue
		}
		due = append(due, r)
	}
	model.SortForDequeue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(q.lease)
	out := make([]*model.DeliveryRecord, 0, len(due))
	for _, r := range due {
		o := owner
		until := leaseUntil
		r.LeaseOwner = &o
		r.LeaseExpiresAt = &until
		r.AwaitingSession = false
		out = append(out, r.Clone())
	}
	return out
}

// mutate applies fn to a non-terminal record still held by owner and clears its lease.
func (q *deliveryQueue) mutate(id uuid.UUID, owner string, fn func(r *model.DeliveryRecord)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return model.ErrNotFound
	}
	if r.State.Terminal() {
		return model.ErrTerminal
	}
	if owner != "" && r.LeaseOwner != nil && *r.LeaseOwner != owner {
		return model.ErrLeaseLost
	}
	fn(r)
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil
	r.UpdatedAt = time.Now()
	return nil
}

func (q *deliveryQueue) MarkDelivered(_ context.Context, id uuid.UUID, owner string, at time.Time) error {
	return q.mutate(id, owner, func(r *model.DeliveryRecord) {
		r.State = model.DeliveryDelivered
		r.AttemptCount++
		r.DeliveredAt = &at
		r.AwaitingSession = false
	})
}

func (q *deliveryQueue) MarkRetrying(_ context.Context, id uuid.UUID, owner, lastError string, nextRetryAt time.Time) error {
	return q.mutate(id, owner, func(r *model.DeliveryRecord) {
		r.State = model.DeliveryRetrying
		r.AttemptCount++
		r.LastError = &lastError
		r.NextRetryAt = nextRetryAt
	})
}

func (q *deliveryQueue) MarkFailed(_ context.Context, id uuid.UUID, owner, lastError string) error {
	return q.mutate(id, owner, func(r *model.DeliveryRecord) {
		r.State = model.DeliveryFailed
		r.AttemptCount++
		r.LastError = &lastError
	})
}

func (q *deliveryQueue) MarkExpired(_ context.Context, id uuid.UUID, owner, reason string) error {
	return q.mutate(id, owner, func(r *model.DeliveryRecord) {
		r.State = model.DeliveryExpired
		r.SuppressReason = &reason
		r.AwaitingSession = false
	})
}

func (q *deliveryQueue) Defer(_ context.Context, id uuid.UUID, owner string, until time.Time, reason string) error {
	return q.mutate(id, owner, func(r *model.DeliveryRecord) {
		r.NextRetryAt = until
		r.SuppressReason = &reason
	})
}

func (q *deliveryQueue) Park(_ context.Context, id uuid.UUID, owner string) error {
	return q.mutate(id, owner, func(r *model.DeliveryRecord) {
		r.AwaitingSession = true
	})
}

func (q *deliveryQueue) Release(_ context.Context, id uuid.UUID, owner string) error {
	return q.mutate(id, owner, func(*model.DeliveryRecord) {})
}

func (q *deliveryQueue) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reason := model.ReasonExpired
	var n int64
	for _, r := range q.records {
		if r.State.Terminal() || !r.PastExpiry(now) {
			continue
		}
		r.State = model.DeliveryExpired
		r.SuppressReason = &reason
		r.AwaitingSession = false
		r.LeaseOwner = nil
		r.LeaseExpiresAt = nil
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (q *deliveryQueue) Requeue(_ context.Context, id uuid.UUID, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return model.ErrNotFound
	}
	if r.State != model.DeliveryFailed {
		return model.ErrConflict
	}
	r.State = model.DeliveryPending
	r.AttemptCount = 0
	r.NextRetryAt = now
	r.LastError = nil
	r.UpdatedAt = now
	return nil
}

func (q *deliveryQueue) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for id, r := range q.records {
		if r.State.Terminal() && r.UpdatedAt.Before(before) {
			delete(q.records, id)
			n++
		}
	}
	return n, nil
}

// MarkRead and MarkConfirmed are allowed on terminal records.
func (q *deliveryQueue) MarkRead(_ context.Context, id, userID uuid.UUID, at time.Time) error {
	return q.touch(id, userID, func(r *model.DeliveryRecord) {
		if r.ReadAt == nil {
			r.ReadAt = &at
		}
	})
}

func (q *deliveryQueue) MarkConfirmed(_ context.Context, id, userID uuid.UUID, at time.Time) error {
	return q.touch(id, userID, func(r *model.DeliveryRecord) {
		if r.ConfirmedAt == nil {
			r.ConfirmedAt = &at
		}
	})
}

func (q *deliveryQueue) touch(id, userID uuid.UUID, fn func(*model.DeliveryRecord)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok || r.UserID != userID {
		return model.ErrNotFound
	}
	fn(r)
	return nil
}

func (q *deliveryQueue) Get(_ context.Context, id uuid.UUID) (*model.DeliveryRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return r.Clone(), nil
}

func (q *deliveryQueue) ListForNotification(_ context.Context, notificationID, userID uuid.UUID) ([]*model.DeliveryRecord, error) {
	return q.list(func(r *model.DeliveryRecord) bool {
		return r.NotificationID == notificationID && r.UserID == userID
	}, 0), nil
}

func (q *deliveryQueue) ListInAppSince(_ context.Context, userID uuid.UUID, since time.Time, limit int) ([]*model.DeliveryRecord, error) {
	return q.list(func(r *model.DeliveryRecord) bool {
		if r.UserID != userID || r.Channel != model.ChannelInApp || !r.EnqueuedAt.After(since) {
			return false
		}
		return r.State == model.DeliveryPending || r.State == model.DeliveryRetrying || r.State == model.DeliveryDelivered
	}, limit), nil
}

func (q *deliveryQueue) ListFailed(_ context.Context, f model.FailedFilter) ([]*model.DeliveryRecord, error) {
	out := q.list(func(r *model.DeliveryRecord) bool {
		if r.State != model.DeliveryFailed {
			return false
		}
		if f.OrganizationID != nil && r.OrganizationID != *f.OrganizationID {
			return false
		}
		if f.Channel != nil && r.Channel != *f.Channel {
			return false
		}
		if f.Type != nil && r.Type != *f.Type {
			return false
		}
		return f.Since == nil || !r.UpdatedAt.Before(*f.Since)
	}, 0)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (q *deliveryQueue) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	return len(q.list(func(r *model.DeliveryRecord) bool {
		return r.UserID == userID && r.Channel == model.ChannelInApp &&
			r.ReadAt == nil && r.State != model.DeliveryExpired && r.State != model.DeliveryFailed
	}, 0)), nil
}

// list returns clones ordered by enqueue sequence.
func (q *deliveryQueue) list(match func(*model.DeliveryRecord) bool, limit int) []*model.DeliveryRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.DeliveryRecord
	for _, r := range q.records {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
