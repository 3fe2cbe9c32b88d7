package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// All repository interfaces in one file
type (
	// NotificationRepository stores immutable notifications.
	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Notification, error)
		GetBySourceEvent(ctx context.Context, sourceEventID string) (*model.Notification, error)
		// MarkFannedOut records that every delivery record of the notification is enqueued.
		MarkFannedOut(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	// DeliveryQueue is the durable ordered store of delivery attempts.
	DeliveryQueue interface {
		// Enqueue stores records. A record whose ID already exists is left untouched,
		// so a fan-out can be re-run after a partial failure.
		Enqueue(ctx context.Context, records ...*model.DeliveryRecord) error
		// DequeueBatch claims up to limit due records for owner. Claimed records are
		// invisible to other callers until marked or until the lease lapses.
		DequeueBatch(ctx context.Context, owner string, limit int, now time.Time) ([]*model.DeliveryRecord, error)
		// ClaimPendingForUser claims a user's due records on one channel, including those
		// parked while waiting for a session.
		ClaimPendingForUser(ctx context.Context, owner string, userID uuid.UUID, channel model.Channel, now time.Time) ([]*model.DeliveryRecord, error)
		// State transitions below apply only to non-terminal records. A non-empty owner
		// must match the current lease holder (or the record must be unleased), otherwise
		// ErrLeaseLost is returned. An empty owner skips the lease check.
		MarkDelivered(ctx context.Context, id uuid.UUID, owner string, at time.Time) error
		MarkRetrying(ctx context.Context, id uuid.UUID, owner, lastError string, nextRetryAt time.Time) error
		MarkFailed(ctx context.Context, id uuid.UUID, owner, lastError string) error
		MarkExpired(ctx context.Context, id uuid.UUID, owner, reason string) error
		Defer(ctx context.Context, id uuid.UUID, owner string, until time.Time, reason string) error
		Park(ctx context.Context, id uuid.UUID, owner string) error
		Release(ctx context.Context, id uuid.UUID, owner string) error
		SweepExpired(ctx context.Context, now time.Time) (int64, error)
		Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
		DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)

		MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error
		MarkConfirmed(ctx context.Context, id, userID uuid.UUID, at time.Time) error

		Get(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error)
		ListForNotification(ctx context.Context, notificationID, userID uuid.UUID) ([]*model.DeliveryRecord, error)
		ListInAppSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]*model.DeliveryRecord, error)
		ListFailed(ctx context.Context, filter model.FailedFilter) ([]*model.DeliveryRecord, error)
		CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	}

	PreferenceRepository interface {
		Get(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) (*model.NotificationPreference, error)
		ListForUser(ctx context.Context, userID uuid.UUID) ([]*model.NotificationPreference, error)
		Upsert(ctx context.Context, p *model.NotificationPreference) error
		Delete(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) error
	}

	// DirectoryRepository is the read-only view of the HR employee directory used to
	// expand role and global targets and to resolve channel addresses.
	DirectoryRepository interface {
		UsersByRole(ctx context.Context, orgID uuid.UUID, role string, branchID *uuid.UUID) ([]uuid.UUID, error)
		AllUsers(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error)
		Contact(ctx context.Context, userID uuid.UUID) (*model.Contact, error)
	}
)
