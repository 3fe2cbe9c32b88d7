package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type fakeConn struct {
	mu     sync.Mutex
	events []*model.PushEvent
	closed bool
	fail   bool
}

func (c *fakeConn) Send(_ context.Context, ev *model.PushEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []*model.PushEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.PushEvent(nil), c.events...)
}

func newTestRegistry(cfg Config) *Registry {
	return NewRegistry(cfg, logger.Nop(), metrics.NewNop())
}

func identity(user uuid.UUID, branch uuid.UUID, roles ...string) model.ConnectionSession {
	return model.ConnectionSession{UserID: user, BranchID: branch, Roles: model.RoleSet(roles...)}
}

func TestRegisterSupportsMultipleSessionsPerUser(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(DefaultConfig())
	defer r.Close(ctx)
	user := uuid.New()

	s1 := r.Register(ctx, identity(user, uuid.Nil), &fakeConn{})
	s2 := r.Register(ctx, identity(user, uuid.Nil), &fakeConn{})

	assert.NotEqual(t, s1.ConnectionID, s2.ConnectionID)
	assert.Len(t, r.SessionsFor(user), 2)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []uuid.UUID{user}, r.Users())
}

func TestUnregisterIsIdempotentAndFiresLifecycleOnce(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(DefaultConfig())
	user := uuid.New()

	var connects, disconnects int
	r.OnConnect(func(context.Context, uuid.UUID) { connects++ })
	r.OnDisconnect(func(context.Context, uuid.UUID) { disconnects++ })

	c1 := &fakeConn{}
	s1 := r.Register(ctx, identity(user, uuid.Nil), c1)
	s2 := r.Register(ctx, identity(user, uuid.Nil), &fakeConn{})
	assert.Equal(t, 1, connects)

	assert.True(t, r.Unregister(ctx, s1.ConnectionID))
	assert.False(t, r.Unregister(ctx, s1.ConnectionID))
	assert.True(t, c1.closed)
	assert.Equal(t, 0, disconnects)

	assert.True(t, r.Unregister(ctx, s2.ConnectionID))
	assert.Equal(t, 1, disconnects)
	assert.Empty(t, r.SessionsFor(user))
	assert.Zero(t, r.Count())
}

func TestSessionsForRoleFiltersByBranch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(DefaultConfig())
	defer r.Close(ctx)
	branchA, branchB := uuid.New(), uuid.New()

	r.Register(ctx, identity(uuid.New(), branchA, "manager"), &fakeConn{})
	r.Register(ctx, identity(uuid.New(), branchB, "manager", "hr"), &fakeConn{})
	r.Register(ctx, identity(uuid.New(), branchA, "employee"), &fakeConn{})

	assert.Len(t, r.SessionsForRole("manager", nil), 2)
	assert.Len(t, r.SessionsForRole("manager", &branchA), 1)
	assert.Len(t, r.SessionsForRole("hr", &branchA), 0)
	assert.Len(t, r.SessionsForRole("hr", nil), 1)
}

func TestSweepRemovesStaleSessions(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(Config{HeartbeatTimeout: time.Minute})
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	stale := r.Register(ctx, identity(uuid.New(), uuid.Nil), &fakeConn{})
	fresh := r.Register(ctx, identity(uuid.New(), uuid.Nil), &fakeConn{})

	now = now.Add(50 * time.Second)
	require.NoError(t, r.Heartbeat(fresh.ConnectionID))

	removed := r.Sweep(ctx, now.Add(20*time.Second))
	assert.Equal(t, []string{stale.ConnectionID}, removed)
	assert.Equal(t, 1, r.Count())

	assert.ErrorIs(t, r.Heartbeat(stale.ConnectionID), ErrUnknownConnection)
	assert.Empty(t, r.Sweep(ctx, now.Add(20*time.Second)))
}

func TestRegisterReplayIsDebounced(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(Config{ReplayDebounce: 2 * time.Second})
	defer r.Close(ctx)
	now := time.Now()
	r.now = func() time.Time { return now }

	var mu sync.Mutex
	replays := map[uuid.UUID]int{}
	r.SetReplay(func(_ context.Context, user uuid.UUID) {
		mu.Lock()
		replays[user]++
		mu.Unlock()
	})

	user, other := uuid.New(), uuid.New()
	s := r.Register(ctx, identity(user, uuid.Nil), &fakeConn{})
	r.Unregister(ctx, s.ConnectionID)
	r.Register(ctx, identity(user, uuid.Nil), &fakeConn{})
	r.Register(ctx, identity(other, uuid.Nil), &fakeConn{})

	mu.Lock()
	assert.Equal(t, 1, replays[user])
	assert.Equal(t, 1, replays[other])
	mu.Unlock()

	now = now.Add(3 * time.Second)
	r.Register(ctx, identity(user, uuid.Nil), &fakeConn{})
	mu.Lock()
	assert.Equal(t, 2, replays[user])
	mu.Unlock()
}

func TestPushToUserDropsBrokenSessions(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(DefaultConfig())
	defer r.Close(ctx)
	user := uuid.New()

	good := &fakeConn{}
	broken := &fakeConn{fail: true}
	r.Register(ctx, identity(user, uuid.Nil), good)
	r.Register(ctx, identity(user, uuid.Nil), broken)

	n := r.PushToUser(ctx, user, &model.PushEvent{Type: model.FrameNotification, DeliveryRecordID: uuid.New()})
	assert.Equal(t, 1, n)
	assert.Len(t, good.received(), 1)
	assert.True(t, broken.closed)
	assert.Len(t, r.SessionsFor(user), 1)
}

type slowConn struct {
	fakeConn
	delay time.Duration
}

func (c *slowConn) Send(ctx context.Context, ev *model.PushEvent) error {
	select {
	case <-time.After(c.delay):
		return c.fakeConn.Send(ctx, ev)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPushToUserFansOutConcurrently(t *testing.T) {
	r := newTestRegistry(DefaultConfig())
	defer r.Close(context.Background())
	user := uuid.New()

	conns := make([]*slowConn, 5)
	for i := range conns {
		conns[i] = &slowConn{delay: 100 * time.Millisecond}
		r.Register(context.Background(), identity(user, uuid.Nil), conns[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	n := r.PushToUser(ctx, user, &model.PushEvent{Type: model.FrameNotification, DeliveryRecordID: uuid.New()})

	assert.Equal(t, 5, n)
	for _, c := range conns {
		assert.Len(t, c.received(), 1)
	}
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(DefaultConfig())
	users := make([]uuid.UUID, 10)
	for i := range users {
		users[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := users[i%len(users)]
			s := r.Register(ctx, identity(user, uuid.Nil, "employee"), &fakeConn{})
			_ = r.SessionsFor(user)
			_ = r.SessionsForRole("employee", nil)
			if i%2 == 0 {
				r.Unregister(ctx, s.ConnectionID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Count())
}
