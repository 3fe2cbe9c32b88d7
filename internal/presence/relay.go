package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/messaging"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

const nodeChannelPrefix = "notify:node:"

// relayEnvelope is the payload published to a node's channel.
type relayEnvelope struct {
	UserID uuid.UUID        `json:"user_id"`
	Event  *model.PushEvent `json:"event"`
}

// DeliveryConfirmer records a relayed push once a session on this node took it.
type DeliveryConfirmer interface {
	MarkDelivered(ctx context.Context, id uuid.UUID, owner string, at time.Time) error
}

// Relay forwards in-app pushes to the node that holds the user's session. It
// keeps the presence directory in sync with the local registry.
type Relay struct {
	nodeID    string
	ttl       time.Duration
	registry  *Registry
	directory Directory
	broker    messaging.Broker
	confirm   DeliveryConfirmer
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewRelay wires the relay into registry lifecycle events. confirm may be nil on
// nodes that never receive relayed pushes.
func NewRelay(nodeID string, ttl time.Duration, registry *Registry, directory Directory, broker messaging.Broker, confirm DeliveryConfirmer, log *logger.Logger, m *metrics.Metrics) *Relay {
	r := &Relay{
		nodeID:    nodeID,
		ttl:       ttl,
		registry:  registry,
		directory: directory,
		broker:    broker,
		confirm:   confirm,
		log:       log.With("node_id", nodeID),
		metrics:   m,
		now:       time.Now,
	}
	registry.OnConnect(r.announce)
	registry.OnDisconnect(r.withdraw)
	return r
}

func (r *Relay) NodeID() string {
	return r.nodeID
}

// Start subscribes to this node's channel until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	return messaging.Handle(ctx, r.broker, nodeChannelPrefix+r.nodeID, func(payload []byte) error {
		var env relayEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("failed to decode relay envelope: %w", err)
		}
		r.metrics.RelayMessages.WithLabelValues("in").Inc()
		r.deliver(ctx, env)
		return nil
	}, func(err error) {
		r.log.Error(err, "Relay message dropped")
	})
}

// deliver pushes a relayed event to local sessions. The sending dispatcher parked
// the record, so it stays pending for the reconnect replay unless a session here
// accepted the push.
func (r *Relay) deliver(ctx context.Context, env relayEnvelope) {
	if env.Event == nil {
		return
	}
	if n := r.registry.PushToUser(ctx, env.UserID, env.Event); n == 0 {
		r.log.Warn("Relayed push found no session", "user_id", env.UserID, "delivery_record_id", env.Event.DeliveryRecordID)
		return
	}
	if r.confirm == nil {
		return
	}
	err := r.confirm.MarkDelivered(ctx, env.Event.DeliveryRecordID, "", r.now())
	if err != nil && !errors.Is(err, model.ErrTerminal) {
		r.log.Error(err, "Failed to confirm relayed delivery", "delivery_record_id", env.Event.DeliveryRecordID)
	}
}

// Forward publishes event to every other node holding a session for the user.
// It reports whether any node was addressed.
func (r *Relay) Forward(ctx context.Context, userID uuid.UUID, event *model.PushEvent) (bool, error) {
	nodes, err := r.directory.Nodes(ctx, userID)
	if err != nil {
		return false, err
	}

	sent := false
	env := relayEnvelope{UserID: userID, Event: event}
	for _, node := range nodes {
		if node == r.nodeID {
			continue
		}
		if err := r.broker.Publish(ctx, nodeChannelPrefix+node, env); err != nil {
			return sent, fmt.Errorf("failed to relay to node %s: %w", node, err)
		}
		r.metrics.RelayMessages.WithLabelValues("out").Inc()
		sent = true
	}
	return sent, nil
}

// Refresh extends the directory entries of every locally connected user.
func (r *Relay) Refresh(ctx context.Context) {
	for _, userID := range r.registry.Users() {
		r.announce(ctx, userID)
	}
}

func (r *Relay) announce(ctx context.Context, userID uuid.UUID) {
	if err := r.directory.Add(ctx, userID, r.nodeID, r.ttl); err != nil {
		r.log.Error(err, "Failed to announce presence", "user_id", userID)
	}
}

func (r *Relay) withdraw(ctx context.Context, userID uuid.UUID) {
	if err := r.directory.Remove(ctx, userID, r.nodeID); err != nil {
		r.log.Error(err, "Failed to withdraw presence", "user_id", userID)
	}
}
