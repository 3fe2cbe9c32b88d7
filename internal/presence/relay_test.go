package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

func TestRelayForwardsToNodeHoldingSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := messaging.NewMemoryBroker()
	defer broker.Close()
	dir := NewMemoryDirectory()

	regA := newTestRegistry(DefaultConfig())
	regB := newTestRegistry(DefaultConfig())
	relayA := NewRelay("node-a", time.Minute, regA, dir, broker, nil, logger.Nop(), metrics.NewNop())
	relayB := NewRelay("node-b", time.Minute, regB, dir, broker, nil, logger.Nop(), metrics.NewNop())
	require.NoError(t, relayA.Start(ctx))
	require.NoError(t, relayB.Start(ctx))

	user := uuid.New()
	conn := &fakeConn{}
	s := regB.Register(ctx, identity(user, uuid.Nil), conn)

	nodes, err := dir.Nodes(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, nodes)

	event := &model.PushEvent{Type: model.FrameNotification, DeliveryRecordID: uuid.New()}
	sent, err := relayA.Forward(ctx, user, event)
	require.NoError(t, err)
	assert.True(t, sent)

	assert.Eventually(t, func() bool { return len(conn.received()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, event.DeliveryRecordID, conn.received()[0].DeliveryRecordID)

	regB.Unregister(ctx, s.ConnectionID)
	sent, err = relayA.Forward(ctx, user, event)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestRelayIgnoresOwnNode(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	reg := newTestRegistry(DefaultConfig())
	relay := NewRelay("node-a", time.Minute, reg, dir, messaging.NewMemoryBroker(), nil, logger.Nop(), metrics.NewNop())

	user := uuid.New()
	reg.Register(ctx, identity(user, uuid.Nil), &fakeConn{})

	sent, err := relay.Forward(ctx, user, &model.PushEvent{})
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestMemoryDirectoryExpires(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	now := time.Now()
	dir.now = func() time.Time { return now }
	user := uuid.New()

	require.NoError(t, dir.Add(ctx, user, "node-a", time.Minute))
	now = now.Add(2 * time.Minute)

	nodes, err := dir.Nodes(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
