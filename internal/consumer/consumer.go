package consumer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	// RetryMax caps the wait between attempts at a message that failed transiently.
	RetryMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		Topic:    "hr.notifications",
		GroupID:  "notification-hub",
		MinBytes: 1,
		MaxBytes: 10e6,
		RetryMax: 30 * time.Second,
	}
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier accepts notifications from producing modules.
type Notifier interface {
	Notify(ctx context.Context, req notification.NotifyRequest) (*model.Notification, error)
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
}

// Event is the wire form of a domain event on the notifications topic.
type Event struct {
	EventID        string                 `json:"event_id"`
	OrganizationID uuid.UUID              `json:"organization_id"`
	Type           string                 `json:"type"`
	Priority       string                 `json:"priority"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Target         model.Target           `json:"target"`
	Channels       []model.Channel        `json:"channels"`
	ActionURL      string                 `json:"action_url"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExpiresAt      *time.Time             `json:"expires_at"`
}

func (e *Event) request() notification.NotifyRequest {
	return notification.NotifyRequest{
		OrganizationID: e.OrganizationID,
		Title:          e.Title,
		Message:        e.Message,
		Type:           model.NotificationType(e.Type),
		Priority:       model.Priority(e.Priority),
		Target:         e.Target,
		Channels:       e.Channels,
		ActionURL:      e.ActionURL,
		Metadata:       e.Metadata,
		SourceEventID:  e.EventID,
		ExpiresAt:      e.ExpiresAt,
	}
}

// Consumer turns domain events into notifications. A message is committed once
// Notify accepts or rejects it; transient failures are retried in place so the
// partition order holds.
type Consumer struct {
	reader   MessageReader
	notifier Notifier
	config   Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewConsumer(reader MessageReader, notifier Notifier, config Config, logger *logger.Logger, metrics *metrics.Metrics) *Consumer {
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultConfig().RetryMax
	}
	return &Consumer{
		reader:   reader,
		notifier: notifier,
		config:   config,
		logger:   logger.With("topic", config.Topic),
		metrics:  metrics,
		sleep:    sleepCtx,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting event consumer", "group_id", c.config.GroupID)
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error(err, "Failed to close event reader")
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Event consumer stopped")
				return nil
			}
			c.logger.Error(err, "Failed to fetch event")
			if err := c.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// only cancellation leaves a message uncommitted
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error(err, "Failed to commit event", "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// handle processes one message, retrying transient failures until ctx ends.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.metrics.EventsConsumed.WithLabelValues("invalid").Inc()
		c.logger.Warn("Dropping malformed event", "partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
		return nil
	}
	if event.EventID == "" {
		// redelivery of the same offset must not notify twice
		event.EventID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	wait := time.Second
	for {
		n, err := c.notifier.Notify(ctx, event.request())
		if err == nil {
			c.metrics.EventsConsumed.WithLabelValues("accepted").Inc()
			c.logger.Debug("Event accepted", "event_id", event.EventID, "notification_id", n.ID)
			return nil
		}

		var appErr *errors.AppError
		if stderrors.As(err, &appErr) && appErr.Code == errors.ErrBadRequest {
			c.metrics.EventsConsumed.WithLabelValues("rejected").Inc()
			c.logger.Warn("Rejected event", "event_id", event.EventID, "error", err.Error())
			return nil
		}

		c.metrics.EventsConsumed.WithLabelValues("retry").Inc()
		c.logger.Error(err, "Failed to handle event, retrying", "event_id", event.EventID, "wait", wait.String())
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		wait *= 2
		if wait > c.config.RetryMax {
			wait = c.config.RetryMax
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
