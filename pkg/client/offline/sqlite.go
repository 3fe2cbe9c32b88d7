package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_actions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	operation     TEXT NOT NULL,
	payload       BLOB NOT NULL,
	queued_at     INTEGER NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	last_error    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const cursorKey = "last_server_event"

type sqliteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) the client's local database. Use
// ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// one connection keeps ":memory:" databases shared and writes serialised
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

type actionRow struct {
	Seq         int64  `db:"seq"`
	ID          string `db:"id"`
	Operation   string `db:"operation"`
	Payload     []byte `db:"payload"`
	QueuedAt    int64  `db:"queued_at"`
	RetryCount  int    `db:"retry_count"`
	NextRetryAt int64  `db:"next_retry_at"`
	LastError   string `db:"last_error"`
}

func (r *actionRow) toAction() (*Action, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid action id %q: %w", r.ID, err)
	}
	return &Action{
		ID:          id,
		Seq:         r.Seq,
		Operation:   Operation(r.Operation),
		Payload:     r.Payload,
		QueuedAt:    time.UnixMilli(r.QueuedAt).UTC(),
		RetryCount:  r.RetryCount,
		NextRetryAt: time.UnixMilli(r.NextRetryAt).UTC(),
		LastError:   r.LastError,
	}, nil
}

func (s *sqliteStore) Append(ctx context.Context, a *Action) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_actions (id, operation, payload, queued_at, retry_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), string(a.Operation), []byte(a.Payload),
		a.QueuedAt.UnixMilli(), a.RetryCount, a.NextRetryAt.UnixMilli(), a.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read action sequence: %w", err)
	}
	a.Seq = seq
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]*Action, error) {
	var rows []actionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, id, operation, payload, queued_at, retry_count, next_retry_at, last_error
		FROM offline_actions ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	out := make([]*Action, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *sqliteStore) Update(ctx context.Context, a *Action) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_actions SET retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`,
		a.RetryCount, a.NextRetryAt.UnixMilli(), a.LastError, a.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	return nil
}

func (s *sqliteStore) Cursor(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT value FROM sync_state WHERE key = ?`, cursorKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetCursor only ever moves the cursor forward.
func (s *sqliteStore) SetCursor(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		cursorKey, t.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
