package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

type deliveryQueue struct {
	BaseRepository
	lease time.Duration
}

func NewDeliveryQueue(base BaseRepository, lease time.Duration) repository.DeliveryQueue {
	return &deliveryQueue{BaseRepository: base, lease: lease}
}

const deliveryColumns = `id, seq, notification_id, user_id, organization_id, channel, type, priority,
	state, attempt_count, next_retry_at, awaiting_session, lease_owner, lease_expires_at,
	expires_at, delivered_at, read_at, confirmed_at, last_error, suppress_reason,
	enqueued_at, updated_at`

const activeStates = `('pending', 'retrying')`

func (q *deliveryQueue) Enqueue(ctx context.Context, records ...*model.DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO delivery_records (
			id, notification_id, user_id, organization_id, channel, type, priority,
			priority_rank, state, attempt_count, next_retry_at, expires_at, enqueued_at, updated_at
		) VALUES (
			:id, :notification_id, :user_id, :organization_id, :channel, :type, :priority,
			:priority_rank, :state, :attempt_count, :next_retry_at, :expires_at, :enqueued_at, :updated_at
		)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq
	`
	return q.WithTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare enqueue: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			arg := map[string]interface{}{
				"id":              r.ID,
				"notification_id": r.NotificationID,
				"user_id":         r.UserID,
				"organization_id": r.OrganizationID,
				"channel":         string(r.Channel),
				"type":            string(r.Type),
				"priority":        string(r.Priority),
				"priority_rank":   r.Priority.Rank(),
				"state":           string(r.State),
				"attempt_count":   r.AttemptCount,
				"next_retry_at":   r.NextRetryAt,
				"expires_at":      r.ExpiresAt,
				"enqueued_at":     r.EnqueuedAt,
				"updated_at":      r.UpdatedAt,
			}
			err := stmt.GetContext(ctx, &r.Seq, arg)
			if errors.Is(err, sql.ErrNoRows) {
				// already enqueued by an earlier run of the same fan-out
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to enqueue delivery record: %w", err)
			}
		}
		return nil
	})
}

// DequeueBatch claims rows with FOR UPDATE SKIP LOCKED so concurrent dispatchers
// contend only on the claim, never on individual sends.
func (q *deliveryQueue) DequeueBatch(ctx context.Context, owner string, limit int, now time.Time) ([]*model.DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET lease_owner = $1, lease_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE state IN ` + activeStates + `
			AND awaiting_session = FALSE
			AND next_retry_at <= $3
			AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
			AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY next_retry_at ASC, priority_rank DESC, seq ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryColumns

	var records []*model.DeliveryRecord
	if err := q.db.SelectContext(ctx, &records, query, owner, now.Add(q.lease), now, limit); err != nil {
		return nil, fmt.Errorf("failed to dequeue delivery records: %w", err)
	}
	model.SortForDequeue(records)
	return records, nil
}

func (q *deliveryQueue) ClaimPendingForUser(ctx context.Context, owner string, userID uuid.UUID, channel model.Channel, now time.Time) ([]*model.DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET lease_owner = $1, lease_expires_at = $2, awaiting_session = FALSE, updated_at = $3
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE user_id = $4 AND channel = $5
			AND state IN ` + activeStates + `
			AND next_retry_at <= $3
			AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
			AND (expires_at IS NULL OR expires_at > $3)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryColumns

	var records []*model.DeliveryRecord
	if err := q.db.SelectContext(ctx, &records, query, owner, now.Add(q.lease), now, userID, string(channel)); err != nil {
		return nil, fmt.Errorf("failed to claim pending records: %w", err)
	}
	model.SortForDequeue(records)
	return records, nil
}

// transition updates a non-terminal record still held by owner and clears its
// lease. A zero row count is resolved into ErrNotFound, ErrTerminal or ErrLeaseLost.
// Placeholders in set start at $3.
func (q *deliveryQueue) transition(ctx context.Context, id uuid.UUID, owner, set string, args ...interface{}) error {
	query := `
		UPDATE delivery_records
		SET ` + set + `, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state IN ` + activeStates + `
		AND ($2::text = '' OR lease_owner IS NULL OR lease_owner = $2::text)`

	res, err := q.db.ExecContext(ctx, query, append([]interface{}{id, owner}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update delivery record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	var state string
	if err := q.db.GetContext(ctx, &state, `SELECT state FROM delivery_records WHERE id = $1`, id); err != nil {
		return notFound(err)
	}
	if model.DeliveryState(state).Terminal() {
		return model.ErrTerminal
	}
	return model.ErrLeaseLost
}

func (q *deliveryQueue) MarkDelivered(ctx context.Context, id uuid.UUID, owner string, at time.Time) error {
	return q.transition(ctx, id, owner,
		`state = 'delivered', attempt_count = attempt_count + 1, delivered_at = $3, awaiting_session = FALSE`, at)
}

func (q *deliveryQueue) MarkRetrying(ctx context.Context, id uuid.UUID, owner, lastError string, nextRetryAt time.Time) error {
	return q.transition(ctx, id, owner,
		`state = 'retrying', attempt_count = attempt_count + 1, last_error = $3, next_retry_at = $4`, lastError, nextRetryAt)
}

func (q *deliveryQueue) MarkFailed(ctx context.Context, id uuid.UUID, owner, lastError string) error {
	return q.transition(ctx, id, owner,
		`state = 'failed', attempt_count = attempt_count + 1, last_error = $3`, lastError)
}

func (q *deliveryQueue) MarkExpired(ctx context.Context, id uuid.UUID, owner, reason string) error {
	return q.transition(ctx, id, owner,
		`state = 'expired', suppress_reason = $3, awaiting_session = FALSE`, reason)
}

func (q *deliveryQueue) Defer(ctx context.Context, id uuid.UUID, owner string, until time.Time, reason string) error {
	return q.transition(ctx, id, owner, `next_retry_at = $3, suppress_reason = $4`, until, reason)
}

func (q *deliveryQueue) Park(ctx context.Context, id uuid.UUID, owner string) error {
	return q.transition(ctx, id, owner, `awaiting_session = TRUE`)
}

func (q *deliveryQueue) Release(ctx context.Context, id uuid.UUID, owner string) error {
	return q.transition(ctx, id, owner, `awaiting_session = awaiting_session`)
}

func (q *deliveryQueue) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE delivery_records
		SET state = 'expired', suppress_reason = $2, awaiting_session = FALSE,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE state IN ` + activeStates + `
		AND expires_at IS NOT NULL AND expires_at <= $1
	`
	res, err := q.db.ExecContext(ctx, query, now, model.ReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired records: %w", err)
	}
	return res.RowsAffected()
}

func (q *deliveryQueue) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE delivery_records
		SET state = 'pending', attempt_count = 0, next_retry_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1 AND state = 'failed'
	`
	res, err := q.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to requeue delivery record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return model.ErrConflict
}

func (q *deliveryQueue) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM delivery_records
		WHERE state IN ('delivered', 'failed', 'expired')
		AND updated_at < $1
	`
	res, err := q.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal records: %w", err)
	}
	return res.RowsAffected()
}

func (q *deliveryQueue) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	return q.touch(ctx, `read_at = COALESCE(read_at, $3)`, id, userID, at)
}

func (q *deliveryQueue) MarkConfirmed(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	return q.touch(ctx, `confirmed_at = COALESCE(confirmed_at, $3)`, id, userID, at)
}

// touch updates client acknowledgement columns, which stay mutable in terminal states.
func (q *deliveryQueue) touch(ctx context.Context, set string, id, userID uuid.UUID, at time.Time) error {
	query := `UPDATE delivery_records SET ` + set + ` WHERE id = $1 AND user_id = $2`
	res, err := q.db.ExecContext(ctx, query, id, userID, at)
	if err != nil {
		return fmt.Errorf("failed to acknowledge delivery record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (q *deliveryQueue) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	if err := q.db.GetContext(ctx, &r, `SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (q *deliveryQueue) ListForNotification(ctx context.Context, notificationID, userID uuid.UUID) ([]*model.DeliveryRecord, error) {
	query := `
		SELECT ` + deliveryColumns + ` FROM delivery_records
		WHERE notification_id = $1 AND user_id = $2
		ORDER BY seq
	`
	var records []*model.DeliveryRecord
	if err := q.db.SelectContext(ctx, &records, query, notificationID, userID); err != nil {
		return nil, fmt.Errorf("failed to list delivery records: %w", err)
	}
	return records, nil
}

func (q *deliveryQueue) ListInAppSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]*model.DeliveryRecord, error) {
	query := `
		SELECT ` + deliveryColumns + ` FROM delivery_records
		WHERE user_id = $1 AND channel = 'in_app'
		AND state IN ('pending', 'retrying', 'delivered')
		AND enqueued_at > $2
		ORDER BY seq
		LIMIT $3
	`
	var records []*model.DeliveryRecord
	if err := q.db.SelectContext(ctx, &records, query, userID, since, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	return records, nil
}

func (q *deliveryQueue) ListFailed(ctx context.Context, f model.FailedFilter) ([]*model.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE state = 'failed'`
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.OrganizationID != nil {
		add("organization_id =", *f.OrganizationID)
	}
	if f.Channel != nil {
		add("channel =", string(*f.Channel))
	}
	if f.Type != nil {
		add("type =", string(*f.Type))
	}
	if f.Since != nil {
		add("updated_at >=", *f.Since)
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var records []*model.DeliveryRecord
	if err := q.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}
	return records, nil
}

func (q *deliveryQueue) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM delivery_records
		WHERE user_id = $1 AND channel = 'in_app'
		AND read_at IS NULL
		AND state IN ('pending', 'retrying', 'delivered')
	`
	var count int
	if err := q.db.GetContext(ctx, &count, query, userID); err != nil {
		return 0, err
	}
	return count, nil
}
