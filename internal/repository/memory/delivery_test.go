package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
)

func newRecord(n *model.Notification, user uuid.UUID, ch model.Channel, now time.Time) *model.DeliveryRecord {
	return model.NewDeliveryRecord(n, user, ch, now)
}

func testNotification(p model.Priority) *model.Notification {
	return &model.Notification{ID: uuid.New(), Type: model.TypeLeave, Priority: p}
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	user := uuid.New()

	low := newRecord(testNotification(model.PriorityLow), user, model.ChannelEmail, now)
	normal1 := newRecord(testNotification(model.PriorityNormal), user, model.ChannelEmail, now)
	critical := newRecord(testNotification(model.PriorityCritical), user, model.ChannelEmail, now)
	normal2 := newRecord(testNotification(model.PriorityNormal), user, model.ChannelEmail, now)
	earlier := newRecord(testNotification(model.PriorityLow), user, model.ChannelEmail, now.Add(-time.Minute))
	earlier.NextRetryAt = now.Add(-time.Minute)

	require.NoError(t, q.Enqueue(ctx, low, normal1, critical, normal2, earlier))

	got, err := q.DequeueBatch(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, earlier.ID, got[0].ID)
	assert.Equal(t, critical.ID, got[1].ID)
	assert.Equal(t, normal1.ID, got[2].ID)
	assert.Equal(t, normal2.ID, got[3].ID)
	assert.Equal(t, low.ID, got[4].ID)
}

func TestDequeueRespectsLimitAndNextRetry(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	n := testNotification(model.PriorityNormal)

	due := newRecord(n, uuid.New(), model.ChannelEmail, now)
	later := newRecord(n, uuid.New(), model.ChannelEmail, now)
	later.NextRetryAt = now.Add(time.Minute)
	require.NoError(t, q.Enqueue(ctx, due, later))

	got, err := q.DequeueBatch(ctx, "w1", 1, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	got, err = q.DequeueBatch(ctx, "w1", 10, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLeaseHidesClaimedRecordsUntilExpiry(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	r := newRecord(testNotification(model.PriorityNormal), uuid.New(), model.ChannelSMS, now)
	require.NoError(t, q.Enqueue(ctx, r))

	first, err := q.DequeueBatch(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.DequeueBatch(ctx, "w2", 10, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, second)

	third, err := q.DequeueBatch(ctx, "w2", 10, now.Add(31*time.Second))
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "w2", *third[0].LeaseOwner)
}

func TestConcurrentDequeueNeverDoubleClaims(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	n := testNotification(model.PriorityNormal)
	for i := 0; i < 200; i++ {
		require.NoError(t, q.Enqueue(ctx, newRecord(n, uuid.New(), model.ChannelEmail, now)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				batch, err := q.DequeueBatch(ctx, owner, 7, now)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, r := range batch {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, count := range seen {
		assert.Equal(t, 1, count, "record %s claimed more than once", id)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	user := uuid.New()
	r := newRecord(testNotification(model.PriorityNormal), user, model.ChannelEmail, now)
	require.NoError(t, q.Enqueue(ctx, r))

	require.NoError(t, q.MarkDelivered(ctx, r.ID, "", now))

	assert.ErrorIs(t, q.MarkRetrying(ctx, r.ID, "", "boom", now), model.ErrTerminal)
	assert.ErrorIs(t, q.MarkFailed(ctx, r.ID, "", "boom"), model.ErrTerminal)
	assert.ErrorIs(t, q.MarkExpired(ctx, r.ID, "", "x"), model.ErrTerminal)
	assert.ErrorIs(t, q.MarkDelivered(ctx, r.ID, "", now), model.ErrTerminal)

	require.NoError(t, q.MarkRead(ctx, r.ID, user, now))
	require.NoError(t, q.MarkConfirmed(ctx, r.ID, user, now))

	got, err := q.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotNil(t, got.ReadAt)
	assert.NotNil(t, got.ConfirmedAt)
}

func TestSweepExpiredIgnoresAttemptCount(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	n := testNotification(model.PriorityHigh)
	exp := now.Add(time.Minute)
	n.ExpiresAt = &exp

	r := newRecord(n, uuid.New(), model.ChannelEmail, now)
	require.NoError(t, q.Enqueue(ctx, r))
	require.NoError(t, q.MarkRetrying(ctx, r.ID, "", "timeout", now))

	swept, err := q.SweepExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	got, err := q.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryExpired, got.State)

	batch, err := q.DequeueBatch(ctx, "w1", 10, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestParkedRecordsOnlyClaimedForUser(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	user := uuid.New()
	r := newRecord(testNotification(model.PriorityNormal), user, model.ChannelInApp, now)
	require.NoError(t, q.Enqueue(ctx, r))
	require.NoError(t, q.Park(ctx, r.ID, ""))

	batch, err := q.DequeueBatch(ctx, "w1", 10, now)
	require.NoError(t, err)
	assert.Empty(t, batch)

	claimed, err := q.ClaimPendingForUser(ctx, "replay", user, model.ChannelInApp, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.False(t, claimed[0].AwaitingSession)

	again, err := q.ClaimPendingForUser(ctx, "replay", user, model.ChannelInApp, now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRequeueOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	r := newRecord(testNotification(model.PriorityNormal), uuid.New(), model.ChannelEmail, now)
	require.NoError(t, q.Enqueue(ctx, r))

	assert.ErrorIs(t, q.Requeue(ctx, r.ID, now), model.ErrConflict)

	require.NoError(t, q.MarkFailed(ctx, r.ID, "", "invalid address"))
	require.NoError(t, q.Requeue(ctx, r.ID, now))

	got, err := q.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, got.State)
	assert.Zero(t, got.AttemptCount)
}

func TestStaleLeaseHolderCannotOverwriteNewClaim(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	r := newRecord(testNotification(model.PriorityNormal), uuid.New(), model.ChannelEmail, now)
	require.NoError(t, q.Enqueue(ctx, r))

	first, err := q.DequeueBatch(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// w1 stalls past its lease and w2 claims the record
	second, err := q.DequeueBatch(ctx, "w2", 10, now.Add(31*time.Second))
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.ErrorIs(t, q.MarkRetrying(ctx, r.ID, "w1", "timeout", now.Add(time.Minute)), model.ErrLeaseLost)
	assert.ErrorIs(t, q.Park(ctx, r.ID, "w1"), model.ErrLeaseLost)
	require.NoError(t, q.MarkDelivered(ctx, r.ID, "w2", now.Add(32*time.Second)))

	got, err := q.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.LastError)

	assert.ErrorIs(t, q.MarkFailed(ctx, r.ID, "w1", "timeout"), model.ErrTerminal)
}

func TestOwnerlessTransitionSkipsLeaseCheck(t *testing.T) {
	ctx := context.Background()
	q := NewDeliveryQueue(30 * time.Second)
	now := time.Now()
	r := newRecord(testNotification(model.PriorityNormal), uuid.New(), model.ChannelInApp, now)
	require.NoError(t, q.Enqueue(ctx, r))

	_, err := q.DequeueBatch(ctx, "w1", 10, now)
	require.NoError(t, err)
	require.NoError(t, q.MarkDelivered(ctx, r.ID, "", now))

	got, err := q.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, got.State)
	assert.Nil(t, got.LeaseOwner)
}
