package storage

// Timestamps are stored as unix milliseconds so the schema and every
// comparison work identically on SQLite and PostgreSQL.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	workflow        TEXT NOT NULL,
	status          TEXT NOT NULL,
	input_data      TEXT,
	output_data     TEXT,
	error_message   TEXT NOT NULL DEFAULT '',
	version         BIGINT NOT NULL DEFAULT 1,
	locked_by       TEXT NOT NULL DEFAULT '',
	lock_expires_at BIGINT NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow);

CREATE TABLE IF NOT EXISTS step_records (
	run_id        TEXT NOT NULL,
	step_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	result_data   TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	recorded_at   BIGINT NOT NULL,
	PRIMARY KEY (run_id, step_id)
);

CREATE TABLE IF NOT EXISTS wait_registrations (
	run_id            TEXT NOT NULL,
	wait_id           TEXT NOT NULL,
	event_name        TEXT NOT NULL,
	match_expr        TEXT NOT NULL,
	correlation_value TEXT,
	timeout_at        BIGINT NOT NULL DEFAULT 0,
	resolution        TEXT NOT NULL DEFAULT 'pending',
	event_data        TEXT,
	registered_at     BIGINT NOT NULL,
	resolved_at       BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, wait_id)
);
CREATE INDEX IF NOT EXISTS idx_waits_pending ON wait_registrations(event_name, resolution);

CREATE TABLE IF NOT EXISTS timers (
	run_id     TEXT NOT NULL,
	timer_id   TEXT NOT NULL,
	expires_at BIGINT NOT NULL,
	PRIMARY KEY (run_id, timer_id)
);
CREATE INDEX IF NOT EXISTS idx_timers_expires ON timers(expires_at);

CREATE TABLE IF NOT EXISTS buffered_events (
	event_id    TEXT PRIMARY KEY,
	event_name  TEXT NOT NULL,
	payload     TEXT,
	received_at BIGINT NOT NULL,
	expires_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffered_name ON buffered_events(event_name, expires_at);

CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	payload         TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL,
	sent_at         BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
`
