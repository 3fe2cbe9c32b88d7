package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/notification-hub/internal/channel"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type DispatcherConfig struct {
	NodeID        string
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	MaxRetries    int
	SendTimeout   time.Duration
	ShutdownGrace time.Duration
	Backoff       Backoff
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		NodeID:        uuid.NewString(),
		Workers:       2,
		PollInterval:  time.Second,
		BatchSize:     50,
		Concurrency:   10,
		MaxRetries:    5,
		SendTimeout:   10 * time.Second,
		ShutdownGrace: 15 * time.Second,
		Backoff:       DefaultBackoff(),
	}
}

// PreferenceChecker decides whether a record may be sent now.
type PreferenceChecker interface {
	ShouldDeliver(ctx context.Context, req preference.Request) (preference.Decision, error)
}

// SessionLookup reports the live sessions a user holds on this node.
type SessionLookup interface {
	SessionsFor(userID uuid.UUID) []*presence.Session
}

// Dispatcher pulls due delivery records and drives them through the delivery
// state machine. Each record is handled in isolation: a failure or panic is
// recorded on that record and never aborts its siblings.
type Dispatcher struct {
	queue         repository.DeliveryQueue
	notifications repository.NotificationRepository
	directory     repository.DirectoryRepository
	prefs         PreferenceChecker
	sender        channel.Sender
	sessions      SessionLookup
	config        DispatcherConfig
	logger        *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewDispatcher(
	queue repository.DeliveryQueue,
	notifications repository.NotificationRepository,
	directory repository.DirectoryRepository,
	prefs PreferenceChecker,
	sender channel.Sender,
	sessions SessionLookup,
	config DispatcherConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Dispatcher {
	// Config validation instead of defaults
	if config.Workers <= 0 {
		panic("Workers must be greater than 0")
	}
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.MaxRetries <= 0 {
		panic("MaxRetries must be greater than 0")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	return &Dispatcher{
		queue:         queue,
		notifications: notifications,
		directory:     directory,
		prefs:         prefs,
		sender:        sender,
		sessions:      sessions,
		config:        config,
		logger:        logger.With("node_id", config.NodeID),
		metrics:       metrics,
		now:           time.Now,
	}
}

// Run polls until ctx is cancelled, then stops claiming and waits up to the
// shutdown grace period for in-flight sends before cancelling them.
func (d *Dispatcher) Run(ctx context.Context) error {
	sendCtx, cancelSends := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSends()

	d.logger.Info("Starting delivery dispatcher", "workers", d.config.Workers, "batch_size", d.config.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.poll(ctx, sendCtx, fmt.Sprintf("%s/%d", d.config.NodeID, worker))
		}(i)
	}

	<-ctx.Done()
	d.logger.Info("Draining delivery dispatcher", "grace", d.config.ShutdownGrace.String())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.config.ShutdownGrace):
		d.logger.Warn("Shutdown grace elapsed, cancelling in-flight sends")
		cancelSends()
		<-done
	}

	d.logger.Info("Delivery dispatcher stopped")
	return nil
}

func (d *Dispatcher) poll(ctx, sendCtx context.Context, owner string) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain while there is work so a backlog is not paced by the ticker
			for ctx.Err() == nil {
				n, err := d.ProcessBatch(sendCtx, owner)
				if err != nil {
					d.logger.Error(err, "Failed to process delivery batch", "owner", owner)
					break
				}
				if n < d.config.BatchSize {
					break
				}
			}
		}
	}
}

// ProcessBatch claims one batch for owner and processes it. It returns the
// number of records claimed.
func (d *Dispatcher) ProcessBatch(ctx context.Context, owner string) (int, error) {
	timer := prometheus.NewTimer(d.metrics.DequeueLatency)
	records, err := d.queue.DequeueBatch(ctx, owner, d.config.BatchSize, d.now())
	timer.ObserveDuration()
	if err != nil {
		return 0, fmt.Errorf("failed to dequeue delivery records: %w", err)
	}
	d.metrics.DequeueBatchSize.Observe(float64(len(records)))
	if len(records) == 0 {
		return 0, nil
	}

	d.processRecords(ctx, records)
	return len(records), nil
}

// Replay claims a user's pending in-app records and pushes them now. It is the
// registry's reconnect hook.
func (d *Dispatcher) Replay(ctx context.Context, userID uuid.UUID) {
	records, err := d.queue.ClaimPendingForUser(ctx, d.config.NodeID+"/replay", userID, model.ChannelInApp, d.now())
	if err != nil {
		d.metrics.Replays.WithLabelValues("error").Inc()
		d.logger.Error(err, "Failed to claim records for replay", "user_id", userID)
		return
	}
	d.metrics.Replays.WithLabelValues("ok").Inc()
	if len(records) == 0 {
		return
	}

	d.logger.Debug("Replaying pending notifications", "user_id", userID, "count", len(records))
	d.processRecords(ctx, records)
}

func (d *Dispatcher) processRecords(ctx context.Context, records []*model.DeliveryRecord) {
	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.NotificationID)
	}
	notifications, err := d.notifications.GetMany(ctx, ids)
	if err != nil {
		d.logger.Error(err, "Failed to load notifications for batch")
		for _, r := range records {
			d.release(ctx, r)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(d.config.Concurrency)
	for _, r := range records {
		r := r
		g.Go(func() error {
			d.process(ctx, r, notifications[r.NotificationID])
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, r *model.DeliveryRecord, n *model.Notification) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error(fmt.Errorf("%v", p), "Panic while processing delivery record", "delivery_record_id", r.ID)
			d.recordFailure(ctx, r, fmt.Errorf("panic: %v", p))
		}
	}()

	now := d.now()
	log := d.logger.WithFields(map[string]interface{}{
		"delivery_record_id": r.ID.String(),
		"channel":            string(r.Channel),
		"user_id":            r.UserID.String(),
	})

	if n == nil {
		d.record(ctx, r, "failed", func(ctx context.Context) error {
			return d.queue.MarkFailed(ctx, r.ID, leaseOwner(r), "notification not found")
		})
		return
	}
	if r.PastExpiry(now) || n.Expired(now) {
		d.record(ctx, r, "expired", func(ctx context.Context) error {
			return d.queue.MarkExpired(ctx, r.ID, leaseOwner(r), model.ReasonExpired)
		})
		return
	}
	// not enough lease left to finish a send; let another claim pick it up
	if r.LeaseExpiresAt != nil && now.Add(d.config.SendTimeout).After(*r.LeaseExpiresAt) {
		d.release(ctx, r)
		return
	}

	decision, err := d.prefs.ShouldDeliver(ctx, preference.Request{
		UserID:   r.UserID,
		Type:     r.Type,
		Channel:  r.Channel,
		Priority: r.Priority,
		At:       now,
	})
	if err != nil {
		log.Error(err, "Preference lookup failed")
		d.release(ctx, r)
		return
	}
	if !decision.Allow {
		if decision.DeferUntil != nil {
			log.Debug("Delivery deferred", "reason", decision.Reason, "until", decision.DeferUntil.UTC())
			d.record(ctx, r, "deferred", func(ctx context.Context) error {
				return d.queue.Defer(ctx, r.ID, leaseOwner(r), *decision.DeferUntil, decision.Reason)
			})
			return
		}
		log.Debug("Delivery suppressed", "reason", decision.Reason)
		d.record(ctx, r, "suppressed", func(ctx context.Context) error {
			return d.queue.MarkExpired(ctx, r.ID, leaseOwner(r), decision.Reason)
		})
		return
	}

	address := ""
	if r.Channel.External() {
		contact, err := d.directory.Contact(ctx, r.UserID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			d.record(ctx, r, "failed", func(ctx context.Context) error {
				return d.queue.MarkFailed(ctx, r.ID, leaseOwner(r), "recipient not found in directory")
			})
			return
		case err != nil:
			log.Error(err, "Contact lookup failed")
			d.release(ctx, r)
			return
		}
		address = contact.Address(r.Channel)
	}

	timer := prometheus.NewTimer(d.metrics.DeliveryLatency.WithLabelValues(string(r.Channel)))
	sendErr := d.sender.Send(ctx, channel.NewMessage(r, n, address))
	timer.ObserveDuration()

	switch {
	case sendErr == nil:
		d.record(ctx, r, "delivered", func(ctx context.Context) error {
			return d.queue.MarkDelivered(ctx, r.ID, leaseOwner(r), d.now())
		})
	case errors.Is(sendErr, channel.ErrNoSession):
		d.park(ctx, r, "parked")
	case errors.Is(sendErr, channel.ErrForwarded):
		// the receiving node confirms; until then the record waits like any parked one
		d.park(ctx, r, "forwarded")
	default:
		log.Warn("Delivery attempt failed", "attempt", r.AttemptCount+1, "error", sendErr.Error())
		d.recordFailure(ctx, r, sendErr)
	}
}

// recordFailure applies the retry policy after a failed attempt.
func (d *Dispatcher) recordFailure(ctx context.Context, r *model.DeliveryRecord, sendErr error) {
	attempts := r.AttemptCount + 1
	if channel.IsPermanent(sendErr) || attempts >= d.config.MaxRetries {
		d.record(ctx, r, "failed", func(ctx context.Context) error {
			return d.queue.MarkFailed(ctx, r.ID, leaseOwner(r), sendErr.Error())
		})
		return
	}

	next := d.now().Add(d.config.Backoff.Delay(attempts))
	d.metrics.DeliveryRetries.WithLabelValues(string(r.Channel)).Inc()
	d.record(ctx, r, "retrying", func(ctx context.Context) error {
		return d.queue.MarkRetrying(ctx, r.ID, leaseOwner(r), sendErr.Error(), next)
	})
}

// park holds an in-app record until the user reconnects. A session that
// registered while the send was in flight missed the replay, so replay again.
func (d *Dispatcher) park(ctx context.Context, r *model.DeliveryRecord, outcome string) {
	d.record(ctx, r, outcome, func(ctx context.Context) error {
		return d.queue.Park(ctx, r.ID, leaseOwner(r))
	})
	if d.sessions != nil && len(d.sessions.SessionsFor(r.UserID)) > 0 {
		d.Replay(ctx, r.UserID)
	}
}

func (d *Dispatcher) release(ctx context.Context, r *model.DeliveryRecord) {
	ctx, cancel := d.bookkeeping(ctx)
	defer cancel()
	err := d.queue.Release(ctx, r.ID, leaseOwner(r))
	if err != nil && !errors.Is(err, model.ErrTerminal) && !errors.Is(err, model.ErrLeaseLost) {
		d.logger.Error(err, "Failed to release delivery record", "delivery_record_id", r.ID)
	}
}

// record applies a state transition and logs its outcome. ErrTerminal means
// another actor (the expiry sweep, a replay, a relay confirmation) already
// finished the record. ErrLeaseLost means this claim outlived its lease and a
// newer claim owns the record.
func (d *Dispatcher) record(ctx context.Context, r *model.DeliveryRecord, outcome string, transition func(context.Context) error) {
	ctx, cancel := d.bookkeeping(ctx)
	defer cancel()

	err := transition(ctx)
	switch {
	case err == nil:
		d.metrics.DeliveriesTotal.WithLabelValues(string(r.Channel), outcome).Inc()
	case errors.Is(err, model.ErrTerminal):
		d.logger.Debug("Delivery record already terminal", "delivery_record_id", r.ID, "outcome", outcome)
	case errors.Is(err, model.ErrLeaseLost):
		d.logger.Warn("Delivery outcome discarded, lease lost", "delivery_record_id", r.ID, "outcome", outcome)
	default:
		d.logger.Error(err, "Failed to record delivery outcome", "delivery_record_id", r.ID, "outcome", outcome)
	}
}

// bookkeeping detaches state writes from send cancellation so an interrupted
// send can still be recorded.
func (d *Dispatcher) bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// leaseOwner is the lease holder a claimed record was handed out under.
func leaseOwner(r *model.DeliveryRecord) string {
	if r.LeaseOwner == nil {
		return ""
	}
	return *r.LeaseOwner
}
