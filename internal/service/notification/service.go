package notification

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

const (
	enqueueChunk        = 500
	defaultPendingLimit = 200
	maxPendingLimit     = 1000
	defaultFailedLimit  = 100
)

// NotifyRequest is what producing modules hand to Notify.
type NotifyRequest struct {
	OrganizationID uuid.UUID              `json:"organization_id"`
	Title          string                 `json:"title" binding:"required,max=200"`
	Message        string                 `json:"message" binding:"required"`
	Type           model.NotificationType `json:"type" binding:"required,notification_type"`
	Priority       model.Priority         `json:"priority" binding:"omitempty,priority"`
	Target         model.Target           `json:"target"`
	Channels       []model.Channel        `json:"channels" binding:"omitempty,dive,channel"`
	ActionURL      string                 `json:"action_url" binding:"omitempty,url"`
	Metadata       map[string]interface{} `json:"metadata"`
	SourceEventID  string                 `json:"source_event_id"`
	ExpiresAt      *time.Time             `json:"expires_at"`
}

// EnablementChecker reports whether a user accepts a type on a channel.
type EnablementChecker interface {
	Enabled(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) (bool, error)
}

type Service interface {
	Notify(ctx context.Context, req NotifyRequest) (*model.Notification, error)
	NotifyUsers(ctx context.Context, req NotifyRequest, userIDs []uuid.UUID) (*model.Notification, error)
	NotifyRole(ctx context.Context, req NotifyRequest, role string, branchID *uuid.UUID) (*model.Notification, error)
	NotifyGlobal(ctx context.Context, req NotifyRequest) (*model.Notification, error)

	GetPendingSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]*model.PendingNotification, error)
	GetFailedNotifications(ctx context.Context, filter model.FailedFilter) ([]*model.FailedNotification, error)
	GetDeliveryStatus(ctx context.Context, notificationID, userID uuid.UUID) (*model.DeliveryStatus, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)

	MarkRead(ctx context.Context, deliveryRecordID, userID uuid.UUID, at time.Time) error
	Confirm(ctx context.Context, deliveryRecordID, userID uuid.UUID, at time.Time) error
	RetryFailed(ctx context.Context, deliveryRecordID uuid.UUID) error
}

type service struct {
	notifications repository.NotificationRepository
	queue         repository.DeliveryQueue
	directory     repository.DirectoryRepository
	prefs         EnablementChecker
	logger        *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewService(
	notifications repository.NotificationRepository,
	queue repository.DeliveryQueue,
	directory repository.DirectoryRepository,
	prefs EnablementChecker,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) Service {
	return &service{
		notifications: notifications,
		queue:         queue,
		directory:     directory,
		prefs:         prefs,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Notify stores the notification and enqueues one delivery record per eligible
// (user, channel) pair. Delivery happens asynchronously. A repeated SourceEventID
// returns the notification created the first time, finishing its fan-out first
// if an earlier attempt stopped part way.
func (s *service) Notify(ctx context.Context, req NotifyRequest) (*model.Notification, error) {
	if err := validateRequest(&req); err != nil {
		return nil, errors.BadRequest("invalid notification", err)
	}

	if req.SourceEventID != "" {
		existing, err := s.notifications.GetBySourceEvent(ctx, req.SourceEventID)
		if err == nil {
			s.logger.Debug("Duplicate source event", "source_event_id", req.SourceEventID, "notification_id", existing.ID)
			return s.resume(ctx, existing)
		}
		if !stderrors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("failed to check source event: %w", err)
		}
	}

	now := s.now()
	n := &model.Notification{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		Title:          req.Title,
		Message:        req.Message,
		Type:           req.Type,
		Priority:       req.Priority,
		Target:         req.Target,
		Channels:       req.Channels,
		ActionURL:      req.ActionURL,
		Metadata:       req.Metadata,
		SourceEventID:  req.SourceEventID,
		IsGlobal:       req.Target.Kind == model.TargetGlobal,
		CreatedAt:      now,
		ExpiresAt:      req.ExpiresAt,
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		if stderrors.Is(err, model.ErrConflict) && n.SourceEventID != "" {
			// lost a race with a concurrent Notify for the same event
			existing, err := s.notifications.GetBySourceEvent(ctx, n.SourceEventID)
			if err != nil {
				return nil, fmt.Errorf("failed to load notification: %w", err)
			}
			return s.resume(ctx, existing)
		}
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	if err := s.fanOutAndEnqueue(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// resume re-runs the fan-out of a stored notification that never completed it.
// Record IDs are derived from (notification, user, channel), so records that
// already exist are skipped.
func (s *service) resume(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	if n.FannedOutAt != nil {
		return n, nil
	}
	s.logger.Info("Resuming incomplete fan-out", "notification_id", n.ID, "source_event_id", n.SourceEventID)
	if err := s.fanOutAndEnqueue(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *service) fanOutAndEnqueue(ctx context.Context, n *model.Notification) error {
	recipients, err := s.recipients(ctx, n.OrganizationID, n.Target)
	if err != nil {
		return err
	}
	records, err := s.fanOut(ctx, n, recipients, s.now())
	if err != nil {
		return err
	}

	for start := 0; start < len(records); start += enqueueChunk {
		end := start + enqueueChunk
		if end > len(records) {
			end = len(records)
		}
		if err := s.queue.Enqueue(ctx, records[start:end]...); err != nil {
			s.logger.Error(err, "Failed to enqueue delivery records", "notification_id", n.ID, "enqueued", start)
			return fmt.Errorf("failed to enqueue deliveries: %w", err)
		}
	}

	at := s.now()
	if err := s.notifications.MarkFannedOut(ctx, n.ID, at); err != nil {
		return fmt.Errorf("failed to complete fan-out: %w", err)
	}
	n.FannedOutAt = &at

	s.metrics.NotificationsEnqueued.WithLabelValues(string(n.Type)).Inc()
	s.logger.Info("Notification enqueued",
		"notification_id", n.ID,
		"type", string(n.Type),
		"recipients", len(recipients),
		"records", len(records),
	)
	return nil
}

func (s *service) NotifyUsers(ctx context.Context, req NotifyRequest, userIDs []uuid.UUID) (*model.Notification, error) {
	req.Target = model.Target{Kind: model.TargetUsers, UserIDs: userIDs}
	return s.Notify(ctx, req)
}

func (s *service) NotifyRole(ctx context.Context, req NotifyRequest, role string, branchID *uuid.UUID) (*model.Notification, error) {
	req.Target = model.Target{Kind: model.TargetRole, Role: role, BranchID: branchID}
	return s.Notify(ctx, req)
}

func (s *service) NotifyGlobal(ctx context.Context, req NotifyRequest) (*model.Notification, error) {
	req.Target = model.Target{Kind: model.TargetGlobal}
	return s.Notify(ctx, req)
}

// recipients expands the target into distinct user IDs.
func (s *service) recipients(ctx context.Context, orgID uuid.UUID, t model.Target) ([]uuid.UUID, error) {
	var (
		users []uuid.UUID
		err   error
	)
	switch t.Kind {
	case model.TargetUser, model.TargetUsers:
		users = t.UserIDs
	case model.TargetRole:
		users, err = s.directory.UsersByRole(ctx, orgID, t.Role, t.BranchID)
	case model.TargetGlobal:
		users, err = s.directory.AllUsers(ctx, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s target: %w", t.Kind, err)
	}

	seen := make(map[uuid.UUID]struct{}, len(users))
	out := make([]uuid.UUID, 0, len(users))
	for _, id := range users {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// fanOut builds the records for every recipient and channel the recipient has
// not disabled for this type.
func (s *service) fanOut(ctx context.Context, n *model.Notification, users []uuid.UUID, now time.Time) ([]*model.DeliveryRecord, error) {
	records := make([]*model.DeliveryRecord, 0, len(users)*len(n.Channels))
	for _, user := range users {
		for _, ch := range n.Channels {
			ok, err := s.prefs.Enabled(ctx, user, n.Type, ch)
			if err != nil {
				return nil, fmt.Errorf("failed to load preferences: %w", err)
			}
			if !ok {
				continue
			}
			records = append(records, model.NewDeliveryRecord(n, user, ch, now))
		}
	}
	return records, nil
}

func (s *service) GetPendingSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]*model.PendingNotification, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	if limit > maxPendingLimit {
		limit = maxPendingLimit
	}

	records, err := s.queue.ListInAppSince(ctx, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deliveries: %w", err)
	}
	notifications, err := s.load(ctx, records)
	if err != nil {
		return nil, err
	}

	out := make([]*model.PendingNotification, 0, len(records))
	for _, r := range records {
		n, ok := notifications[r.NotificationID]
		if !ok {
			continue
		}
		out = append(out, &model.PendingNotification{
			DeliveryRecordID: r.ID,
			State:            r.State,
			ReadAt:           r.ReadAt,
			Notification:     n,
		})
	}
	return out, nil
}

func (s *service) GetFailedNotifications(ctx context.Context, filter model.FailedFilter) ([]*model.FailedNotification, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultFailedLimit
	}

	records, err := s.queue.ListFailed(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed deliveries: %w", err)
	}
	notifications, err := s.load(ctx, records)
	if err != nil {
		return nil, err
	}

	out := make([]*model.FailedNotification, 0, len(records))
	for _, r := range records {
		row := &model.FailedNotification{
			DeliveryRecordID: r.ID,
			NotificationID:   r.NotificationID,
			UserID:           r.UserID,
			OrganizationID:   r.OrganizationID,
			Channel:          r.Channel,
			Type:             r.Type,
			AttemptCount:     r.AttemptCount,
			FailedAt:         r.UpdatedAt,
		}
		if n, ok := notifications[r.NotificationID]; ok {
			row.Title = n.Title
		}
		if r.LastError != nil {
			row.LastError = *r.LastError
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *service) GetDeliveryStatus(ctx context.Context, notificationID, userID uuid.UUID) (*model.DeliveryStatus, error) {
	if _, err := s.notifications.Get(ctx, notificationID); err != nil {
		if stderrors.Is(err, model.ErrNotFound) {
			return nil, errors.NotFound("notification", err)
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	records, err := s.queue.ListForNotification(ctx, notificationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return model.NewDeliveryStatus(notificationID, userID, records), nil
}

func (s *service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.queue.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}

func (s *service) MarkRead(ctx context.Context, deliveryRecordID, userID uuid.UUID, at time.Time) error {
	return s.touch(ctx, deliveryRecordID, userID, at, s.queue.MarkRead)
}

func (s *service) Confirm(ctx context.Context, deliveryRecordID, userID uuid.UUID, at time.Time) error {
	return s.touch(ctx, deliveryRecordID, userID, at, s.queue.MarkConfirmed)
}

func (s *service) touch(ctx context.Context, id, userID uuid.UUID, at time.Time, fn func(context.Context, uuid.UUID, uuid.UUID, time.Time) error) error {
	if at.IsZero() || at.After(s.now()) {
		at = s.now()
	}
	if err := fn(ctx, id, userID, at); err != nil {
		if stderrors.Is(err, model.ErrNotFound) {
			return errors.NotFound("delivery record", err)
		}
		return fmt.Errorf("failed to update delivery record: %w", err)
	}
	return nil
}

// RetryFailed puts a failed record back in the queue with a fresh retry budget.
func (s *service) RetryFailed(ctx context.Context, deliveryRecordID uuid.UUID) error {
	err := s.queue.Requeue(ctx, deliveryRecordID, s.now())
	switch {
	case err == nil:
		s.logger.Info("Failed delivery requeued", "delivery_record_id", deliveryRecordID)
		return nil
	case stderrors.Is(err, model.ErrNotFound):
		return errors.NotFound("delivery record", err)
	case stderrors.Is(err, model.ErrConflict):
		return errors.Conflict("delivery record is not failed", err)
	default:
		return fmt.Errorf("failed to requeue delivery: %w", err)
	}
}

func (s *service) load(ctx context.Context, records []*model.DeliveryRecord) (map[uuid.UUID]*model.Notification, error) {
	ids := make([]uuid.UUID, 0, len(records))
	seen := make(map[uuid.UUID]struct{}, len(records))
	for _, r := range records {
		if _, ok := seen[r.NotificationID]; ok {
			continue
		}
		seen[r.NotificationID] = struct{}{}
		ids = append(ids, r.NotificationID)
	}
	notifications, err := s.notifications.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	return notifications, nil
}

// validateRequest checks the request and fills defaults.
func validateRequest(req *NotifyRequest) error {
	if req.OrganizationID == uuid.Nil {
		return fmt.Errorf("organization ID is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !req.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", req.Priority)
	}
	if err := req.Target.Validate(); err != nil {
		return err
	}

	if len(req.Channels) == 0 {
		req.Channels = []model.Channel{model.ChannelInApp}
	}
	seen := make(map[model.Channel]struct{}, len(req.Channels))
	channels := make([]model.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	req.Channels = channels
	return nil
}
