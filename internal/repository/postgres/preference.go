package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

type preferenceRepository struct {
	BaseRepository
}

func NewPreferenceRepository(base BaseRepository) repository.PreferenceRepository {
	return &preferenceRepository{base}
}

type preferenceRow struct {
	UserID               uuid.UUID      `db:"user_id"`
	Type                 string         `db:"type"`
	Channel              string         `db:"channel"`
	IsEnabled            bool           `db:"is_enabled"`
	QuietStart           sql.NullString `db:"quiet_start"`
	QuietEnd             sql.NullString `db:"quiet_end"`
	WeekendNotifications bool           `db:"weekend_notifications"`
	Timezone             string         `db:"timezone"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (row *preferenceRow) toModel() (*model.NotificationPreference, error) {
	p := &model.NotificationPreference{
		UserID:               row.UserID,
		Type:                 model.NotificationType(row.Type),
		Channel:              model.Channel(row.Channel),
		IsEnabled:            row.IsEnabled,
		WeekendNotifications: row.WeekendNotifications,
		Timezone:             row.Timezone,
		UpdatedAt:            row.UpdatedAt,
	}
	if row.QuietStart.Valid && row.QuietEnd.Valid {
		start, err := model.ParseClockTime(row.QuietStart.String)
		if err != nil {
			return nil, err
		}
		end, err := model.ParseClockTime(row.QuietEnd.String)
		if err != nil {
			return nil, err
		}
		p.QuietHours = &model.QuietHours{Start: start, End: end}
	}
	return p, nil
}

const preferenceColumns = `user_id, type, channel, is_enabled, quiet_start, quiet_end,
	weekend_notifications, timezone, updated_at`

func (r *preferenceRepository) Get(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) (*model.NotificationPreference, error) {
	var row preferenceRow
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences
		WHERE user_id = $1 AND type = $2 AND channel = $3`
	if err := r.db.GetContext(ctx, &row, query, userID, string(t), string(channel)); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (r *preferenceRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*model.NotificationPreference, error) {
	var rows []preferenceRow
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences
		WHERE user_id = $1 ORDER BY type, channel`
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}

	prefs := make([]*model.NotificationPreference, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	return prefs, nil
}

func (r *preferenceRepository) Upsert(ctx context.Context, p *model.NotificationPreference) error {
	var start, end sql.NullString
	if p.QuietHours != nil {
		start = sql.NullString{String: p.QuietHours.Start.String(), Valid: true}
		end = sql.NullString{String: p.QuietHours.End.String(), Valid: true}
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}

	query := `
		INSERT INTO notification_preferences (` + preferenceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, type, channel) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			quiet_start = EXCLUDED.quiet_start,
			quiet_end = EXCLUDED.quiet_end,
			weekend_notifications = EXCLUDED.weekend_notifications,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		p.UserID,
		string(p.Type),
		string(p.Channel),
		p.IsEnabled,
		start,
		end,
		p.WeekendNotifications,
		tz,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preference: %w", err)
	}
	return nil
}

func (r *preferenceRepository) Delete(ctx context.Context, userID uuid.UUID, t model.NotificationType, channel model.Channel) error {
	query := `DELETE FROM notification_preferences WHERE user_id = $1 AND type = $2 AND channel = $3`
	if _, err := r.db.ExecContext(ctx, query, userID, string(t), string(channel)); err != nil {
		return fmt.Errorf("failed to delete preference: %w", err)
	}
	return nil
}
