package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/client/offline"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// Session is a recipient's view of their notifications. It keeps an optimistic
// local list, sends reads straight to the server when it can and queues them
// when it cannot.
type Session struct {
	cfg        *Config
	api        *API
	realtime   *Realtime
	queue      *offline.Queue
	reconciler *offline.Reconciler
	state      *offline.LocalState
	logger     *logger.Logger

	OnNotification func(offline.Item)
	OnDropped      func(offline.DroppedAction)
	OnQuality      func(offline.Quality)

	mu      sync.Mutex
	quality offline.Quality
	rtt     time.Duration
}

func NewSession(cfg *Config, store offline.Store, log *logger.Logger) (*Session, error) {
	api := NewAPI(cfg.BaseURL, cfg.Token, cfg.Timeout)
	wsURL, err := api.WebSocketURL()
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		api:      api,
		realtime: NewRealtime(wsURL, cfg.HeartbeatInterval, cfg.DedupTTL, log),
		state:    offline.NewLocalState(),
		logger:   log,
		quality:  offline.Offline,
	}
	s.queue = offline.NewQueue(store, api, cfg.QueueConfig(), s.dropped)
	s.reconciler = offline.NewReconciler(s.queue, api, store, s.state, log)
	return s, nil
}

func (s *Session) API() *API { return s.api }

func (s *Session) Items() []offline.Item { return s.state.Items() }

func (s *Session) Unread() int { return s.state.Unread() }

func (s *Session) Quality() offline.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *Session) Pending(ctx context.Context) ([]*offline.Action, error) {
	return s.queue.Pending(ctx)
}

// Run keeps the real-time connection up and probes the server until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.connectLoop(ctx) })
	g.Go(func() error { return s.probeLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Sync replays queued actions and fetches anything missed.
func (s *Session) Sync(ctx context.Context) error {
	res, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		if offline.IsConnectivityError(err) {
			s.setQuality(offline.Unreachable(err))
		}
		return err
	}
	if res.Remaining == 0 {
		s.setQuality(offline.Classify(true, s.lastRTT(), nil))
	}
	return nil
}

// MarkRead updates the local list at once. When the server cannot be reached,
// or earlier actions are still queued, the read is queued behind them.
func (s *Session) MarkRead(ctx context.Context, deliveryRecordID uuid.UUID) error {
	at := time.Now().UTC()
	s.state.MarkRead(deliveryRecordID, at)
	return s.submit(ctx, offline.OpMarkRead, offline.RecordPayload{DeliveryRecordID: deliveryRecordID, At: at},
		func() error { return s.api.MarkRead(ctx, deliveryRecordID, at) })
}

func (s *Session) Confirm(ctx context.Context, deliveryRecordID uuid.UUID) error {
	at := time.Now().UTC()
	s.state.MarkConfirmed(deliveryRecordID, at)
	return s.submit(ctx, offline.OpConfirm, offline.RecordPayload{DeliveryRecordID: deliveryRecordID, At: at},
		func() error { return s.api.Confirm(ctx, deliveryRecordID) })
}

func (s *Session) submit(ctx context.Context, op offline.Operation, payload offline.RecordPayload, send func() error) error {
	queued, err := s.queue.Pending(ctx)
	if err != nil {
		return err
	}
	if len(queued) == 0 && s.Quality() != offline.Offline {
		err := send()
		switch {
		case err == nil:
			s.state.Settle(payload.DeliveryRecordID, op)
			return nil
		case !offline.IsConnectivityError(err):
			s.state.Settle(payload.DeliveryRecordID, op)
			return err
		}
		s.setQuality(offline.Unreachable(err))
	}

	if _, err := s.queue.Enqueue(ctx, op, payload); err != nil {
		return err
	}
	s.logger.Debug("Queued offline action", "operation", string(op), "delivery_record_id", payload.DeliveryRecordID)
	return nil
}

func (s *Session) handleEvent(event *model.PushEvent) {
	if !s.state.Add(event) {
		return
	}
	if err := s.reconciler.Observe(context.Background(), event); err != nil {
		s.logger.Warn("Failed to advance sync cursor", "error", err.Error())
	}
	if s.OnNotification != nil {
		if item, ok := s.state.Get(event.DeliveryRecordID); ok {
			s.OnNotification(item)
		}
	}
}

func (s *Session) connectLoop(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	wait := delay
	for {
		opened := false
		err := s.realtime.Run(ctx, func(ctx context.Context) {
			opened = true
			wait = delay
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("Sync after connect failed", "error", err.Error())
			}
		}, s.handleEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened && err != nil {
			s.logger.Warn("Real-time connection dropped", "error", err.Error())
		}
		s.setQuality(offline.Unreachable(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < time.Minute {
			wait *= 2
		}
	}
}

// probeLoop measures round trips to grade the connection and retries queued
// actions once their backoff has passed.
func (s *Session) probeLoop(ctx context.Context) error {
	interval := s.cfg.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		rtt, err := s.api.Ping(probeCtx)
		cancel()
		degraded := s.Quality() != offline.Online
		s.setQuality(offline.Classify(!offline.IsNetworkDown(err), rtt, err))
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.rtt = rtt
		s.mu.Unlock()

		next, err := s.queue.NextAttempt(ctx)
		if err != nil {
			return err
		}
		if degraded || (!next.IsZero() && !next.After(time.Now())) {
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("Sync failed", "error", err.Error())
			}
		}
	}
}

func (s *Session) lastRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

func (s *Session) setQuality(q offline.Quality) {
	s.mu.Lock()
	changed := s.quality != q
	s.quality = q
	s.mu.Unlock()
	if changed {
		s.logger.Info("Connection quality changed", "quality", q.String())
		if s.OnQuality != nil {
			s.OnQuality(q)
		}
	}
}

func (s *Session) dropped(d offline.DroppedAction) {
	s.logger.Warn("Dropped offline action",
		"action_id", d.Action.ID,
		"operation", string(d.Action.Operation),
		"error", d.Reason.Error(),
	)
	if s.OnDropped != nil {
		s.OnDropped(d)
	}
}
