package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type recordedAck struct {
	kind     string
	recordID uuid.UUID
	userID   uuid.UUID
}

type fakeAcks struct {
	mu   sync.Mutex
	acks []recordedAck
}

func (f *fakeAcks) MarkRead(_ context.Context, id, userID uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, recordedAck{"read", id, userID})
	return nil
}

func (f *fakeAcks) Confirm(_ context.Context, id, userID uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, recordedAck{"confirm", id, userID})
	return nil
}

func (f *fakeAcks) recorded() []recordedAck {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedAck(nil), f.acks...)
}

type wsEnv struct {
	registry *presence.Registry
	acks     *fakeAcks
	server   *httptest.Server
	identity *model.Identity
}

func newWSEnv(t *testing.T) *wsEnv {
	gin.SetMode(gin.TestMode)
	env := &wsEnv{
		registry: presence.NewRegistry(presence.DefaultConfig(), logger.Nop(), metrics.NewNop()),
		acks:     &fakeAcks{},
		identity: &model.Identity{
			UserID:   uuid.New(),
			BranchID: uuid.New(),
			Roles:    []string{"hr_manager"},
		},
	}
	h := NewHandler(env.registry, env.acks, DefaultConfig(), logger.Nop())

	engine := gin.New()
	engine.Use(func(c *gin.Context) {
		c.Set(middleware.ContextIdentity, env.identity)
		c.Next()
	})
	h.RegisterRoutes(&engine.RouterGroup)

	env.server = httptest.NewServer(engine)
	t.Cleanup(func() {
		env.registry.Close(context.Background())
		env.server.Close()
	})
	return env
}

func (e *wsEnv) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.Eventually(t, func() bool {
		return len(e.registry.SessionsFor(e.identity.UserID)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestConnectRegistersSessionWithClaims(t *testing.T) {
	env := newWSEnv(t)
	env.dial(t)

	sessions := env.registry.SessionsFor(env.identity.UserID)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].HasRole("hr_manager"))
	assert.Equal(t, env.identity.BranchID, sessions[0].BranchID)
	assert.Len(t, env.registry.SessionsForRole("hr_manager", &env.identity.BranchID), 1)
}

func TestPushReachesClient(t *testing.T) {
	env := newWSEnv(t)
	c := env.dial(t)

	event := &model.PushEvent{
		Type:             model.FrameNotification,
		DeliveryRecordID: uuid.New(),
		Notification:     &model.Notification{ID: uuid.New(), Title: "Leave approved", Type: model.TypeLeave},
		SentAt:           time.Now().UTC(),
	}
	assert.Equal(t, 1, env.registry.PushToUser(context.Background(), env.identity.UserID, event))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got model.PushEvent
	require.NoError(t, c.ReadJSON(&got))
	assert.Equal(t, event.DeliveryRecordID, got.DeliveryRecordID)
	assert.Equal(t, "Leave approved", got.Notification.Title)
}

func TestAckAndConfirmFramesAreRecorded(t *testing.T) {
	env := newWSEnv(t)
	c := env.dial(t)

	readID, confirmID, receiptID := uuid.New(), uuid.New(), uuid.New()
	readAt := time.Now().UTC()
	require.NoError(t, c.WriteJSON(model.Ack{Type: model.FrameAck, DeliveryRecordID: receiptID}))
	require.NoError(t, c.WriteJSON(model.Ack{Type: model.FrameAck, DeliveryRecordID: readID, ReadAt: &readAt}))
	require.NoError(t, c.WriteJSON(model.Ack{Type: model.FrameConfirm, DeliveryRecordID: confirmID}))
	require.NoError(t, c.WriteJSON(model.Ack{Type: model.FrameHeartbeat}))

	require.Eventually(t, func() bool { return len(env.acks.recorded()) == 2 }, 2*time.Second, 10*time.Millisecond)
	acks := env.acks.recorded()
	assert.Equal(t, recordedAck{"read", readID, env.identity.UserID}, acks[0])
	assert.Equal(t, recordedAck{"confirm", confirmID, env.identity.UserID}, acks[1])
}

func TestDisconnectUnregistersSession(t *testing.T) {
	env := newWSEnv(t)
	c := env.dial(t)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return len(env.registry.SessionsFor(env.identity.UserID)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
