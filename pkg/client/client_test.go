package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/handler"
	notificationHandler "github.com/jwalitptl/notification-hub/internal/handler/notification"
	"github.com/jwalitptl/notification-hub/internal/handler/ws"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/internal/repository/memory"
	"github.com/jwalitptl/notification-hub/internal/router"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/pkg/auth"
	"github.com/jwalitptl/notification-hub/pkg/client/offline"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type serverEnv struct {
	server   *httptest.Server
	down     atomic.Bool
	svc      notificationService.Service
	queue    repository.DeliveryQueue
	registry *presence.Registry
	org      uuid.UUID
	user     *model.Identity
	token    string
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	env := &serverEnv{org: uuid.New()}
	env.user = &model.Identity{UserID: uuid.New(), OrganizationID: env.org, Roles: []string{"employee"}}

	m := metrics.NewNop()
	env.queue = memory.NewDeliveryQueue(30 * time.Second)
	env.svc = notificationService.NewService(
		memory.NewNotificationRepository(),
		env.queue,
		memory.NewDirectory(memory.Employee{UserID: env.user.UserID, OrganizationID: env.org, Roles: env.user.Roles}),
		preference.NewEvaluator(memory.NewPreferenceRepository()),
		logger.Nop(),
		m,
	)
	env.registry = presence.NewRegistry(presence.DefaultConfig(), logger.Nop(), m)
	t.Cleanup(func() { env.registry.Close(context.Background()) })

	jwt := auth.NewJWTService("test-secret", "hr-platform")
	token, err := jwt.Issue(env.user, time.Hour)
	require.NoError(t, err)
	env.token = token

	authMiddleware := middleware.NewAuthMiddleware(jwt)
	r := router.NewRouter(
		authMiddleware,
		handler.NewHandler(nil, prometheus.NewRegistry()),
		m,
		router.RouterConfig{Mode: gin.TestMode},
		notificationHandler.NewHandler(env.svc, authMiddleware),
		ws.NewHandler(env.registry, env.svc, ws.DefaultConfig(), logger.Nop()),
	)
	r.Setup()
	engine := r.Engine()

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if env.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		engine.ServeHTTP(w, req)
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (env *serverEnv) config() *Config {
	return &Config{
		BaseURL:           env.server.URL,
		Token:             env.token,
		Timeout:           2 * time.Second,
		HeartbeatInterval: time.Second,
		ProbeInterval:     time.Second,
		ReconnectDelay:    50 * time.Millisecond,
		MaxRetries:        3,
		RetryDelay:        10 * time.Millisecond,
		DedupTTL:          time.Minute,
	}
}

func (env *serverEnv) notify(t *testing.T, title string) *model.Notification {
	t.Helper()
	n, err := env.svc.Notify(context.Background(), notificationService.NotifyRequest{
		OrganizationID: env.org,
		Title:          title,
		Message:        title,
		Type:           model.TypeSystem,
		Target:         model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{env.user.UserID}},
		Channels:       []model.Channel{model.ChannelInApp},
	})
	require.NoError(t, err)
	return n
}

func TestAPIReadFlow(t *testing.T) {
	ctx := context.Background()
	env := newServerEnv(t)
	env.notify(t, "Leave approved")
	api := NewAPI(env.server.URL, env.token, time.Second)

	pending, err := api.GetPendingSince(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Leave approved", pending[0].Notification.Title)

	unread, err := api.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	readAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, api.MarkRead(ctx, pending[0].DeliveryRecordID, readAt))
	require.NoError(t, api.Confirm(ctx, pending[0].DeliveryRecordID))

	rec, err := env.queue.Get(ctx, pending[0].DeliveryRecordID)
	require.NoError(t, err)
	require.NotNil(t, rec.ReadAt)
	assert.True(t, readAt.Equal(*rec.ReadAt))
	assert.NotNil(t, rec.ConfirmedAt)

	unread, err = api.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, unread)

	rtt, err := api.Ping(ctx)
	require.NoError(t, err)
	assert.True(t, rtt > 0)
}

func TestAPIErrorsAreClassified(t *testing.T) {
	ctx := context.Background()
	env := newServerEnv(t)
	api := NewAPI(env.server.URL, env.token, time.Second)

	err := api.MarkRead(ctx, uuid.New(), time.Time{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.False(t, offline.IsConnectivityError(err))

	unauthenticated := NewAPI(env.server.URL, "", time.Second)
	_, err = unauthenticated.UnreadCount(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	env.down.Store(true)
	_, err = api.UnreadCount(ctx)
	assert.True(t, offline.IsConnectivityError(err))

	env.server.Close()
	_, err = api.UnreadCount(ctx)
	assert.True(t, offline.IsConnectivityError(err))
}

func TestWebSocketURLCarriesToken(t *testing.T) {
	api := NewAPI("https://hr.example.com/", "abc", time.Second)
	u, err := api.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://hr.example.com/api/v1/ws?access_token=abc", u)
}

func TestRealtimeDeduplicatesPushes(t *testing.T) {
	env := newServerEnv(t)
	api := NewAPI(env.server.URL, env.token, time.Second)
	wsURL, err := api.WebSocketURL()
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []uuid.UUID
	)
	rt := NewRealtime(wsURL, time.Second, time.Minute, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(ctx, nil, func(e *model.PushEvent) {
			mu.Lock()
			received = append(received, e.DeliveryRecordID)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		return len(env.registry.SessionsFor(env.user.UserID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := &model.PushEvent{
		Type:             model.FrameNotification,
		DeliveryRecordID: uuid.New(),
		Notification:     &model.Notification{ID: uuid.New(), Title: "Shift changed"},
		SentAt:           time.Now(),
	}
	assert.Equal(t, 1, env.registry.PushToUser(context.Background(), env.user.UserID, event))
	assert.Equal(t, 1, env.registry.PushToUser(context.Background(), env.user.UserID, event))
	other := *event
	other.DeliveryRecordID = uuid.New()
	env.registry.PushToUser(context.Background(), env.user.UserID, &other)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []uuid.UUID{event.DeliveryRecordID, other.DeliveryRecordID}, received)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("realtime did not stop")
	}
}

func TestSessionQueuesReadsWhileOfflineAndReconciles(t *testing.T) {
	ctx := context.Background()
	env := newServerEnv(t)
	for _, title := range []string{"one", "two", "three"} {
		env.notify(t, title)
	}

	var dropped []offline.DroppedAction
	s, err := NewSession(env.config(), offline.NewMemoryStore(), logger.Nop())
	require.NoError(t, err)
	s.OnDropped = func(d offline.DroppedAction) { dropped = append(dropped, d) }

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, offline.Online, s.Quality())
	items := s.Items()
	require.Len(t, items, 3)

	env.down.Store(true)
	var order []uuid.UUID
	for i := len(items) - 1; i >= 0; i-- {
		id := items[i].DeliveryRecordID
		require.NoError(t, s.MarkRead(ctx, id))
		order = append(order, id)
	}
	// the network is up, the server is not
	assert.Equal(t, offline.Poor, s.Quality())
	assert.Zero(t, s.Unread())

	queued, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	for i, a := range queued {
		p, err := a.Record()
		require.NoError(t, err)
		assert.Equal(t, order[i], p.DeliveryRecordID)
	}

	env.down.Store(false)
	require.NoError(t, s.Sync(ctx))

	queued, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
	assert.Empty(t, dropped)
	assert.Equal(t, offline.Online, s.Quality())

	for _, a := range order {
		rec, err := env.queue.Get(ctx, a)
		require.NoError(t, err)
		assert.NotNil(t, rec.ReadAt)
	}
	unread, err := s.API().UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, unread)
	assert.Zero(t, s.Unread())
}

func TestSessionReceivesLivePushes(t *testing.T) {
	env := newServerEnv(t)
	env.notify(t, "missed while away")

	s, err := NewSession(env.config(), offline.NewMemoryStore(), logger.Nop())
	require.NoError(t, err)
	got := make(chan offline.Item, 4)
	s.OnNotification = func(it offline.Item) { got <- it }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(env.registry.SessionsFor(env.user.UserID)) == 1 && len(s.Items()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	event := &model.PushEvent{
		Type:             model.FrameNotification,
		DeliveryRecordID: uuid.New(),
		Notification:     &model.Notification{ID: uuid.New(), Title: "Payslip ready", CreatedAt: time.Now()},
		SentAt:           time.Now(),
	}
	env.registry.PushToUser(context.Background(), env.user.UserID, event)

	select {
	case it := <-got:
		assert.Equal(t, event.DeliveryRecordID, it.DeliveryRecordID)
		assert.Equal(t, "Payslip ready", it.Notification.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered to session")
	}
	assert.Equal(t, 2, s.Unread())
}

func TestSessionGradesUnavailableServerAsPoor(t *testing.T) {
	env := newServerEnv(t)
	env.down.Store(true)

	s, err := NewSession(env.config(), offline.NewMemoryStore(), logger.Nop())
	require.NoError(t, err)

	err = s.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, offline.Poor, s.Quality())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// probes keep failing against the 503 without ever calling the device offline
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, offline.Poor, s.Quality())

	env.down.Store(false)
	assert.Eventually(t, func() bool { return s.Quality() == offline.Online }, 5*time.Second, 20*time.Millisecond)
}

func TestSessionGradesClosedServerAsPoor(t *testing.T) {
	env := newServerEnv(t)
	s, err := NewSession(env.config(), offline.NewMemoryStore(), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Sync(context.Background()))

	env.server.Close()
	err = s.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, offline.IsConnectivityError(err))
	assert.Equal(t, offline.Poor, s.Quality())
}
