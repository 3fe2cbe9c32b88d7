package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// Realtime holds the push connection to the server. The server may send the
// same delivery more than once (a replay racing a live push, or a retry after a
// lost ack), so events are deduplicated by delivery record for DedupTTL.
type Realtime struct {
	url       string
	dialer    *websocket.Dialer
	heartbeat time.Duration
	seen      *cache.Cache
	logger    *logger.Logger
}

func NewRealtime(url string, heartbeat, dedupTTL time.Duration, log *logger.Logger) *Realtime {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	return &Realtime{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat: heartbeat,
		seen:      cache.New(dedupTTL, 2*dedupTTL),
		logger:    log,
	}
}

// Run holds one connection until it breaks or ctx ends. onOpen runs once the
// socket is up; onEvent runs for every notification not seen before.
func (r *Realtime) Run(ctx context.Context, onOpen func(context.Context), onEvent func(*model.PushEvent)) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(model.Ack{Type: model.FrameHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	r.logger.Info("Real-time connection open")
	if onOpen != nil {
		onOpen(ctx)
	}

	for {
		var event model.PushEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if event.Type != model.FrameNotification {
			continue
		}

		if err := write(model.Ack{Type: model.FrameAck, DeliveryRecordID: event.DeliveryRecordID}); err != nil {
			r.logger.Warn("Failed to acknowledge push", "delivery_record_id", event.DeliveryRecordID, "error", err.Error())
		}
		if r.seen.Add(event.DeliveryRecordID.String(), struct{}{}, cache.DefaultExpiration) != nil {
			r.logger.Debug("Duplicate push ignored", "delivery_record_id", event.DeliveryRecordID)
			continue
		}
		onEvent(&event)
	}
}
