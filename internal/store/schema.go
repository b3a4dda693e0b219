package store

// Schema is applied on every open. Timestamps are unix milliseconds (UTC)
// so range queries compare numerically.
const Schema = `
CREATE TABLE IF NOT EXISTS feature_toggles (
	chat_scope INTEGER NOT NULL,
	feature TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (chat_scope, feature)
);

CREATE TABLE IF NOT EXISTS bot_logs (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL DEFAULT '',
	group_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL DEFAULT 0,
	ts_ms INTEGER NOT NULL,
	msg_type INTEGER NOT NULL,
	command TEXT,
	status INTEGER NOT NULL,
	time_cost INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	trace_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bot_logs_group ON bot_logs(group_id, ts_ms);
CREATE INDEX IF NOT EXISTS idx_bot_logs_ts ON bot_logs(ts_ms);

CREATE TABLE IF NOT EXISTS bot_users (
	user_id INTEGER PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bot_groups (
	group_id INTEGER PRIMARY KEY,
	group_username TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	job_name TEXT PRIMARY KEY,
	last_status TEXT NOT NULL DEFAULT '',
	last_run_ms INTEGER NOT NULL DEFAULT 0,
	run_count INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
