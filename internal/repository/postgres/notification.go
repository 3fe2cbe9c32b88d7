package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

type notificationRow struct {
	ID             uuid.UUID      `db:"id"`
	OrganizationID uuid.UUID      `db:"organization_id"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Type           string         `db:"type"`
	Priority       string         `db:"priority"`
	Target         types.JSONText `db:"target"`
	Channels       types.JSONText `db:"channels"`
	ActionURL      string         `db:"action_url"`
	Metadata       types.JSONText `db:"metadata"`
	SourceEventID  *string        `db:"source_event_id"`
	IsGlobal       bool           `db:"is_global"`
	CreatedAt      time.Time      `db:"created_at"`
	ExpiresAt      *time.Time     `db:"expires_at"`
	FannedOutAt    *time.Time     `db:"fanned_out_at"`
}

func (row *notificationRow) toModel() (*model.Notification, error) {
	n := &model.Notification{
		ID:             row.ID,
		OrganizationID: row.OrganizationID,
		Title:          row.Title,
		Message:        row.Message,
		Type:           model.NotificationType(row.Type),
		Priority:       model.Priority(row.Priority),
		ActionURL:      row.ActionURL,
		IsGlobal:       row.IsGlobal,
		CreatedAt:      row.CreatedAt,
		ExpiresAt:      row.ExpiresAt,
		FannedOutAt:    row.FannedOutAt,
	}
	if row.SourceEventID != nil {
		n.SourceEventID = *row.SourceEventID
	}
	if err := row.Target.Unmarshal(&n.Target); err != nil {
		return nil, fmt.Errorf("failed to decode target: %w", err)
	}
	if err := row.Channels.Unmarshal(&n.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	if len(row.Metadata) > 0 {
		if err := row.Metadata.Unmarshal(&n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return n, nil
}

const notificationColumns = `id, organization_id, title, message, type, priority, target, channels,
	action_url, metadata, source_event_id, is_global, created_at, expires_at, fanned_out_at`

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	target, err := json.Marshal(n.Target)
	if err != nil {
		return fmt.Errorf("failed to encode target: %w", err)
	}
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	metadata := []byte("{}")
	if n.Metadata != nil {
		if metadata, err = json.Marshal(n.Metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	var sourceEventID *string
	if n.SourceEventID != "" {
		sourceEventID = &n.SourceEventID
	}

	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.OrganizationID,
		n.Title,
		n.Message,
		string(n.Type),
		string(n.Priority),
		string(target),
		string(channels),
		n.ActionURL,
		string(metadata),
		sourceEventID,
		n.IsGlobal,
		n.CreatedAt,
		n.ExpiresAt,
		n.FannedOutAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return model.ErrConflict
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	var row notificationRow
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (r *notificationRepository) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Notification, error) {
	out := make(map[uuid.UUID]*model.Notification, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+notificationColumns+` FROM notifications WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	for i := range rows {
		n, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out[n.ID] = n
	}
	return out, nil
}

func (r *notificationRepository) GetBySourceEvent(ctx context.Context, sourceEventID string) (*model.Notification, error) {
	var row notificationRow
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE source_event_id = $1`
	if err := r.db.GetContext(ctx, &row, query, sourceEventID); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (r *notificationRepository) MarkFannedOut(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE notifications SET fanned_out_at = COALESCE(fanned_out_at, $2) WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification fanned out: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return model.ErrNotFound
	}
	return nil
}
