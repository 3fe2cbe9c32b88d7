package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

func AllChannels() []Channel {
	return []Channel{ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush}
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func (c Channel) External() bool {
	return c != ChannelInApp
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryRetrying  DeliveryState = "retrying"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryExpired   DeliveryState = "expired"
)

func (s DeliveryState) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryExpired
}

// CanTransition reports whether the delivery state machine allows moving from s to next.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case DeliveryPending:
		return next == DeliveryDelivered || next == DeliveryRetrying ||
			next == DeliveryExpired || next == DeliveryFailed
	case DeliveryRetrying:
		return next == DeliveryDelivered || next == DeliveryRetrying ||
			next == DeliveryFailed || next == DeliveryExpired
	}
	return false
}

// Suppression reasons recorded on records that were intentionally not delivered.
const (
	ReasonDisabled    = "disabled"
	ReasonQuietHours  = "quiet_hours"
	ReasonWeekend     = "weekend"
	ReasonExpired     = "notification_expired"
	ReasonUnknownType = "unknown_type"
)

// DeliveryRecord is one delivery of a notification to one user over one channel.
type DeliveryRecord struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	NotificationID  uuid.UUID        `db:"notification_id" json:"notification_id"`
	UserID          uuid.UUID        `db:"user_id" json:"user_id"`
	OrganizationID  uuid.UUID        `db:"organization_id" json:"organization_id"`
	Channel         Channel          `db:"channel" json:"channel"`
	Type            NotificationType `db:"type" json:"type"`
	Priority        Priority         `db:"priority" json:"priority"`
	State           DeliveryState    `db:"state" json:"state"`
	AttemptCount    int              `db:"attempt_count" json:"attempt_count"`
	NextRetryAt     time.Time        `db:"next_retry_at" json:"next_retry_at"`
	AwaitingSession bool             `db:"awaiting_session" json:"awaiting_session"`
	LeaseOwner      *string          `db:"lease_owner" json:"-"`
	LeaseExpiresAt  *time.Time       `db:"lease_expires_at" json:"-"`
	ExpiresAt       *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	DeliveredAt     *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt          *time.Time       `db:"read_at" json:"read_at,omitempty"`
	ConfirmedAt     *time.Time       `db:"confirmed_at" json:"confirmed_at,omitempty"`
	LastError       *string          `db:"last_error" json:"last_error,omitempty"`
	SuppressReason  *string          `db:"suppress_reason" json:"suppress_reason,omitempty"`
	Seq             int64            `db:"seq" json:"-"`
	EnqueuedAt      time.Time        `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// NewDeliveryRecord fans a notification out to one (user, channel) pair.
// DeliveryRecordID derives the record ID from its (notification, user, channel)
// key so that re-running a fan-out produces the same records.
func DeliveryRecordID(notificationID, userID uuid.UUID, channel Channel) uuid.UUID {
	return uuid.NewSHA1(notificationID, []byte(userID.String()+"/"+string(channel)))
}

func NewDeliveryRecord(n *Notification, userID uuid.UUID, channel Channel, now time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		ID:             DeliveryRecordID(n.ID, userID, channel),
		NotificationID: n.ID,
		UserID:         userID,
		OrganizationID: n.OrganizationID,
		Channel:        channel,
		Type:           n.Type,
		Priority:       n.Priority,
		State:          DeliveryPending,
		NextRetryAt:    now,
		ExpiresAt:      n.ExpiresAt,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}
}

// Due reports whether the record may be claimed at now, ignoring leases.
func (r *DeliveryRecord) Due(now time.Time) bool {
	if r.State != DeliveryPending && r.State != DeliveryRetrying {
		return false
	}
	if r.AwaitingSession || r.NextRetryAt.After(now) {
		return false
	}
	return !r.PastExpiry(now)
}

func (r *DeliveryRecord) PastExpiry(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func (r *DeliveryRecord) Leased(now time.Time) bool {
	return r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

func (r *DeliveryRecord) Clone() *DeliveryRecord {
	c := *r
	return &c
}

// SortForDequeue orders records by NextRetryAt, then higher priority first, then
// enqueue order.
func SortForDequeue(records []*DeliveryRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.NextRetryAt.Equal(b.NextRetryAt) {
			return a.NextRetryAt.Before(b.NextRetryAt)
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.Seq < b.Seq
	})
}
