package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository/memory"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

func TestMaintenanceSweepAndPurge(t *testing.T) {
	ctx := context.Background()
	queue := memory.NewDeliveryQueue(30 * time.Second)
	now := time.Now()

	exp := now.Add(time.Minute)
	expiring := &model.Notification{ID: uuid.New(), Type: model.TypeLeave, Priority: model.PriorityNormal, ExpiresAt: &exp}
	lasting := &model.Notification{ID: uuid.New(), Type: model.TypeLeave, Priority: model.PriorityNormal}

	stale := model.NewDeliveryRecord(expiring, uuid.New(), model.ChannelEmail, now)
	done := model.NewDeliveryRecord(lasting, uuid.New(), model.ChannelEmail, now)
	open := model.NewDeliveryRecord(lasting, uuid.New(), model.ChannelEmail, now)
	require.NoError(t, queue.Enqueue(ctx, stale, done, open))
	require.NoError(t, queue.MarkDelivered(ctx, done.ID, "", now))

	m := NewMaintenance(queue, DefaultMaintenanceConfig(), logger.Nop(), metrics.NewNop())
	m.now = func() time.Time { return now.Add(2 * time.Minute) }

	require.NoError(t, m.SweepExpired(ctx))
	got, err := queue.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryExpired, got.State)
	assert.Equal(t, model.ReasonExpired, *got.SuppressReason)

	// inside the retention window nothing is purged
	require.NoError(t, m.Purge(ctx))
	_, err = queue.Get(ctx, done.ID)
	require.NoError(t, err)

	m.now = func() time.Time { return now.AddDate(0, 0, 31) }
	require.NoError(t, m.Purge(ctx))

	_, err = queue.Get(ctx, done.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = queue.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = queue.Get(ctx, open.ID)
	assert.NoError(t, err)
}

func TestSchedulerRejectsInvalidSpecs(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{}, logger.Nop())
	require.NoError(t, err)

	noop := func(context.Context) error { return nil }
	assert.Error(t, s.Add("bad", "not a spec", noop))
	assert.Error(t, s.Every("zero", 0, noop))
	assert.Error(t, s.Add("nil", "@every 1s", nil))
	assert.NoError(t, s.Add("nightly", "0 3 * * *", noop))

	_, err = NewScheduler(SchedulerConfig{Timezone: "Mars/Olympus"}, logger.Nop())
	assert.Error(t, err)
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{JobTimeout: time.Second}, logger.Nop())
	require.NoError(t, err)

	var runs atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
