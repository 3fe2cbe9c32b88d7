package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// LocalPusher fans a push out to the sessions held by this node.
type LocalPusher interface {
	PushToUser(ctx context.Context, userID uuid.UUID, event *model.PushEvent) int
}

// Forwarder hands a push to another node holding the user's session.
type Forwarder interface {
	Forward(ctx context.Context, userID uuid.UUID, event *model.PushEvent) (bool, error)
}

// InAppSender pushes over the real-time transport. It returns nil when a local
// session took the push, ErrForwarded when another node was asked to deliver it
// and ErrNoSession when the user is connected nowhere.
type InAppSender struct {
	local LocalPusher
	relay Forwarder
	now   func() time.Time
}

// NewInAppSender builds the in-app sender. relay may be nil on single-node
// deployments and local may be nil on nodes that hold no sessions.
func NewInAppSender(local LocalPusher, relay Forwarder) *InAppSender {
	return &InAppSender{local: local, relay: relay, now: time.Now}
}

func (s *InAppSender) Send(ctx context.Context, msg Message) error {
	event := &model.PushEvent{
		Type:             model.FrameNotification,
		DeliveryRecordID: msg.DeliveryRecordID,
		Notification:     msg.Notification,
		SentAt:           s.now(),
	}

	if s.local != nil && s.local.PushToUser(ctx, msg.UserID, event) > 0 {
		return nil
	}
	if s.relay == nil {
		return ErrNoSession
	}

	sent, err := s.relay.Forward(ctx, msg.UserID, event)
	if err != nil {
		return fmt.Errorf("relay failed: %w", err)
	}
	if !sent {
		return ErrNoSession
	}
	return ErrForwarded
}
