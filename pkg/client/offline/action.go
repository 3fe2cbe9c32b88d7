package offline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpMarkRead Operation = "mark_read"
	OpConfirm  Operation = "confirm"
	OpCustom   Operation = "custom"
)

// Action is a user operation that could not reach the server. It lives in the
// client's local store until it is replayed or dropped.
type Action struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Seq         int64           `db:"seq" json:"seq"`
	Operation   Operation       `db:"operation" json:"operation"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	QueuedAt    time.Time       `db:"queued_at" json:"queued_at"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt time.Time       `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// RecordPayload is the payload of mark_read and confirm actions.
type RecordPayload struct {
	DeliveryRecordID uuid.UUID `json:"delivery_record_id"`
	At               time.Time `json:"at"`
}

func (a *Action) Record() (RecordPayload, error) {
	var p RecordPayload
	err := json.Unmarshal(a.Payload, &p)
	return p, err
}

// DroppedAction tells the user an action was given up on.
type DroppedAction struct {
	Action *Action
	Reason error
}
