package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// cursorOverlap re-reads a short window before the cursor. Records enqueued in
// the same instant as the last one seen would otherwise be skipped; merging is
// idempotent so the overlap costs nothing but bandwidth.
const cursorOverlap = 30 * time.Second

// PendingFetcher asks the server what was missed since a point in time.
type PendingFetcher interface {
	GetPendingSince(ctx context.Context, since time.Time, limit int) ([]*model.PendingNotification, error)
}

type ReconcileResult struct {
	ReplayResult
	Fetched int
	Cursor  time.Time
}

// Reconciler brings the client back in step with the server after a period
// offline: queued actions first, then missed notifications.
type Reconciler struct {
	queue   *Queue
	fetcher PendingFetcher
	store   Store
	state   *LocalState
	logger  *logger.Logger
	limit   int

	mu sync.Mutex
}

func NewReconciler(queue *Queue, fetcher PendingFetcher, store Store, state *LocalState, log *logger.Logger) *Reconciler {
	return &Reconciler{
		queue:   queue,
		fetcher: fetcher,
		store:   store,
		state:   state,
		logger:  log,
		limit:   1000,
	}
}

// Reconcile is called on every offline to online transition. Concurrent calls
// run one after another.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReconcileResult
	replay, err := r.queue.Replay(ctx)
	res.ReplayResult = replay
	for _, a := range replay.Replayed {
		if p, perr := a.Record(); perr == nil {
			r.state.Settle(p.DeliveryRecordID, a.Operation)
		}
	}
	// the server state wins for anything we gave up on
	for _, d := range replay.Dropped {
		if p, perr := d.Action.Record(); perr == nil {
			r.state.Settle(p.DeliveryRecordID, d.Action.Operation)
		}
	}
	if err != nil {
		return res, fmt.Errorf("failed to replay offline actions: %w", err)
	}

	cursor, err := r.store.Cursor(ctx)
	if err != nil {
		return res, err
	}
	since := cursor
	if !since.IsZero() {
		since = since.Add(-cursorOverlap)
	}

	pending, err := r.fetcher.GetPendingSince(ctx, since, r.limit)
	if err != nil {
		return res, fmt.Errorf("failed to fetch missed notifications: %w", err)
	}
	r.state.Merge(pending)
	res.Fetched = len(pending)

	latest := cursor
	for _, p := range pending {
		if p.Notification != nil && p.Notification.CreatedAt.After(latest) {
			latest = p.Notification.CreatedAt
		}
	}
	if latest.After(cursor) {
		if err := r.store.SetCursor(ctx, latest); err != nil {
			return res, err
		}
	}
	res.Cursor = latest

	r.logger.Info("Reconciled with server",
		"replayed", len(replay.Replayed),
		"dropped", len(replay.Dropped),
		"queued", replay.Remaining,
		"fetched", res.Fetched,
	)
	return res, nil
}

// Observe advances the cursor for a notification received live.
func (r *Reconciler) Observe(ctx context.Context, event *model.PushEvent) error {
	if event.Notification == nil {
		return nil
	}
	return r.store.SetCursor(ctx, event.Notification.CreatedAt)
}
