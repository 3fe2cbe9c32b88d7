package postgres

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id              UUID PRIMARY KEY,
	organization_id UUID NOT NULL,
	title           TEXT NOT NULL,
	message         TEXT NOT NULL,
	type            TEXT NOT NULL,
	priority        TEXT NOT NULL,
	target          JSONB NOT NULL,
	channels        JSONB NOT NULL,
	action_url      TEXT NOT NULL DEFAULT '',
	metadata        JSONB NOT NULL DEFAULT '{}',
	source_event_id TEXT,
	is_global       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ,
	fanned_out_at   TIMESTAMPTZ
);

ALTER TABLE notifications ADD COLUMN IF NOT EXISTS fanned_out_at TIMESTAMPTZ;

CREATE UNIQUE INDEX IF NOT EXISTS notifications_source_event_idx
	ON notifications (source_event_id) WHERE source_event_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS delivery_records (
	id               UUID PRIMARY KEY,
	seq              BIGSERIAL NOT NULL,
	notification_id  UUID NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
	user_id          UUID NOT NULL,
	organization_id  UUID NOT NULL,
	channel          TEXT NOT NULL,
	type             TEXT NOT NULL,
	priority         TEXT NOT NULL,
	priority_rank    SMALLINT NOT NULL,
	state            TEXT NOT NULL,
	attempt_count    INT NOT NULL DEFAULT 0,
	next_retry_at    TIMESTAMPTZ NOT NULL,
	awaiting_session BOOLEAN NOT NULL DEFAULT FALSE,
	lease_owner      TEXT,
	lease_expires_at TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ,
	delivered_at     TIMESTAMPTZ,
	read_at          TIMESTAMPTZ,
	confirmed_at     TIMESTAMPTZ,
	last_error       TEXT,
	suppress_reason  TEXT,
	enqueued_at      TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (notification_id, user_id, channel)
);

CREATE INDEX IF NOT EXISTS delivery_records_due_idx
	ON delivery_records (next_retry_at, priority_rank DESC, seq)
	WHERE state IN ('pending', 'retrying') AND awaiting_session = FALSE;

CREATE INDEX IF NOT EXISTS delivery_records_user_idx
	ON delivery_records (user_id, channel, enqueued_at);

CREATE INDEX IF NOT EXISTS delivery_records_failed_idx
	ON delivery_records (updated_at) WHERE state = 'failed';

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id               UUID NOT NULL,
	type                  TEXT NOT NULL,
	channel               TEXT NOT NULL,
	is_enabled            BOOLEAN NOT NULL DEFAULT TRUE,
	quiet_start           TEXT,
	quiet_end             TEXT,
	weekend_notifications BOOLEAN NOT NULL DEFAULT TRUE,
	timezone              TEXT NOT NULL DEFAULT 'UTC',
	updated_at            TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, type, channel)
);
`
