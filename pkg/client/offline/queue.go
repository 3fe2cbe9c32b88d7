package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor performs a queued action against the server.
type Executor interface {
	Execute(ctx context.Context, a *Action) error
}

type ExecutorFunc func(ctx context.Context, a *Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a *Action) error { return f(ctx, a) }

type QueueConfig struct {
	MaxRetries int
	// RetryDelay is multiplied by the action's retry count.
	RetryDelay time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// ReplayResult summarises one pass over the queue.
type ReplayResult struct {
	Replayed []*Action
	Dropped  []DroppedAction
	// Remaining is how many actions are still queued.
	Remaining int
}

// Queue buffers actions taken while the server was unreachable and replays them
// in the order the user issued them.
type Queue struct {
	store    Store
	executor Executor
	config   QueueConfig
	onDrop   func(DroppedAction)
	now      func() time.Time

	// replay is serialised so two reconnects cannot reorder actions
	mu sync.Mutex
}

func NewQueue(store Store, executor Executor, cfg QueueConfig, onDrop func(DroppedAction)) *Queue {
	def := DefaultQueueConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if onDrop == nil {
		onDrop = func(DroppedAction) {}
	}
	return &Queue{
		store:    store,
		executor: executor,
		config:   cfg,
		onDrop:   onDrop,
		now:      time.Now,
	}
}

// Enqueue stores an action for later replay.
func (q *Queue) Enqueue(ctx context.Context, op Operation, payload interface{}) (*Action, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action payload: %w", err)
	}
	now := q.now()
	a := &Action{
		ID:          uuid.New(),
		Operation:   op,
		Payload:     raw,
		QueuedAt:    now,
		NextRetryAt: now,
	}
	if err := q.store.Append(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (q *Queue) Pending(ctx context.Context) ([]*Action, error) {
	return q.store.List(ctx)
}

// Replay executes queued actions in FIFO order. It stops at the first action
// that still cannot reach the server, or that is waiting out its backoff, so
// later actions never overtake earlier ones. Actions the server rejects, and
// actions that exhaust their retries, are dropped and reported.
func (q *Queue) Replay(ctx context.Context) (ReplayResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res ReplayResult
	actions, err := q.store.List(ctx)
	if err != nil {
		return res, err
	}

	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(actions) - i
			return res, err
		}
		if a.NextRetryAt.After(q.now()) {
			res.Remaining = len(actions) - i
			return res, nil
		}

		execErr := q.executor.Execute(ctx, a)
		switch {
		case execErr == nil:
			if err := q.store.Delete(ctx, a.ID); err != nil {
				res.Remaining = len(actions) - i
				return res, err
			}
			res.Replayed = append(res.Replayed, a)

		case !IsConnectivityError(execErr):
			if err := q.drop(ctx, a, fmt.Errorf("rejected by server: %w", execErr), &res); err != nil {
				res.Remaining = len(actions) - i
				return res, err
			}

		default:
			a.RetryCount++
			a.LastError = execErr.Error()
			if a.RetryCount >= q.config.MaxRetries {
				err := q.drop(ctx, a, fmt.Errorf("gave up after %d attempts: %w", a.RetryCount, execErr), &res)
				res.Remaining = len(actions) - i - 1
				return res, err
			}
			a.NextRetryAt = q.now().Add(time.Duration(a.RetryCount) * q.config.RetryDelay)
			if err := q.store.Update(ctx, a); err != nil {
				return res, err
			}
			res.Remaining = len(actions) - i
			return res, nil
		}
	}
	return res, nil
}

// NextAttempt is when the head of the queue may be retried, or zero when the
// queue is empty.
func (q *Queue) NextAttempt(ctx context.Context) (time.Time, error) {
	actions, err := q.store.List(ctx)
	if err != nil || len(actions) == 0 {
		return time.Time{}, err
	}
	return actions[0].NextRetryAt, nil
}

func (q *Queue) drop(ctx context.Context, a *Action, reason error, res *ReplayResult) error {
	if err := q.store.Delete(ctx, a.ID); err != nil {
		return err
	}
	d := DroppedAction{Action: a, Reason: reason}
	res.Dropped = append(res.Dropped, d)
	q.onDrop(d)
	return nil
}
