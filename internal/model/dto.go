package model

import (
	"time"

	"github.com/google/uuid"
)

// FailedNotification is a row of the operator-facing failed deliveries view.
type FailedNotification struct {
	DeliveryRecordID uuid.UUID        `db:"id" json:"delivery_record_id"`
	NotificationID   uuid.UUID        `db:"notification_id" json:"notification_id"`
	UserID           uuid.UUID        `db:"user_id" json:"user_id"`
	OrganizationID   uuid.UUID        `db:"organization_id" json:"organization_id"`
	Channel          Channel          `db:"channel" json:"channel"`
	Type             NotificationType `db:"type" json:"type"`
	Title            string           `db:"title" json:"title"`
	AttemptCount     int              `db:"attempt_count" json:"attempt_count"`
	LastError        string           `db:"last_error" json:"last_error"`
	FailedAt         time.Time        `db:"updated_at" json:"failed_at"`
}

type FailedFilter struct {
	OrganizationID *uuid.UUID
	Channel        *Channel
	Type           *NotificationType
	Since          *time.Time
	Limit          int
	Offset         int
}

// ChannelStatus is the state of one channel's delivery record.
type ChannelStatus struct {
	DeliveryRecordID uuid.UUID     `json:"delivery_record_id"`
	Channel          Channel       `json:"channel"`
	State            DeliveryState `json:"state"`
	AttemptCount     int           `json:"attempt_count"`
	NextRetryAt      *time.Time    `json:"next_retry_at,omitempty"`
	DeliveredAt      *time.Time    `json:"delivered_at,omitempty"`
	ReadAt           *time.Time    `json:"read_at,omitempty"`
	ConfirmedAt      *time.Time    `json:"confirmed_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	SuppressReason   string        `json:"suppress_reason,omitempty"`
}

type DeliveryStatus struct {
	NotificationID uuid.UUID       `json:"notification_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Channels       []ChannelStatus `json:"channels"`
}

func NewDeliveryStatus(notificationID, userID uuid.UUID, records []*DeliveryRecord) *DeliveryStatus {
	status := &DeliveryStatus{NotificationID: notificationID, UserID: userID}
	for _, r := range records {
		cs := ChannelStatus{
			DeliveryRecordID: r.ID,
			Channel:          r.Channel,
			State:            r.State,
			AttemptCount:     r.AttemptCount,
			DeliveredAt:      r.DeliveredAt,
			ReadAt:           r.ReadAt,
			ConfirmedAt:      r.ConfirmedAt,
		}
		if !r.State.Terminal() {
			next := r.NextRetryAt
			cs.NextRetryAt = &next
		}
		if r.LastError != nil {
			cs.LastError = *r.LastError
		}
		if r.SuppressReason != nil {
			cs.SuppressReason = *r.SuppressReason
		}
		status.Channels = append(status.Channels, cs)
	}
	return status
}

// PendingNotification pairs a notification with the caller's in-app delivery record.
type PendingNotification struct {
	DeliveryRecordID uuid.UUID     `json:"delivery_record_id"`
	State            DeliveryState `json:"state"`
	ReadAt           *time.Time    `json:"read_at,omitempty"`
	Notification     *Notification `json:"notification"`
}

// PushEvent is the server-to-client frame on the real-time transport.
type PushEvent struct {
	Type             string        `json:"type"`
	DeliveryRecordID uuid.UUID     `json:"delivery_record_id"`
	Notification     *Notification `json:"notification"`
	SentAt           time.Time     `json:"sent_at"`
}

const (
	FrameNotification = "notification"
	FrameAck          = "ack"
	FrameConfirm      = "confirm"
	FrameHeartbeat    = "heartbeat"
)

// Ack is the client-to-server frame acknowledging receipt and optionally reading.
type Ack struct {
	Type             string     `json:"type"`
	DeliveryRecordID uuid.UUID  `json:"delivery_record_id"`
	ReadAt           *time.Time `json:"read_at,omitempty"`
}

// Contact holds the addresses external channels deliver to.
type Contact struct {
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Email       string    `db:"email" json:"email"`
	Phone       string    `db:"phone" json:"phone"`
	DeviceToken string    `db:"device_token" json:"device_token"`
}

func (c *Contact) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelPush:
		return c.DeviceToken
	}
	return c.UserID.String()
}
