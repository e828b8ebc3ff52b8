package storage

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	page_id TEXT NOT NULL,
	video_id TEXT NOT NULL,
	playlist TEXT[] NOT NULL DEFAULT '{}',
	profile_id TEXT NOT NULL DEFAULT '',
	title_template TEXT NOT NULL DEFAULT '',
	description_template TEXT NOT NULL DEFAULT '',
	first_comment TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ,
	priority INTEGER NOT NULL DEFAULT 0,
	loop_mode TEXT NOT NULL DEFAULT 'off',
	recovery_attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_admission_idx ON jobs (status, priority DESC, created_at, seq);

CREATE TABLE IF NOT EXISTS sessions (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	broadcast_id TEXT NOT NULL,
	vod_id TEXT NOT NULL DEFAULT '',
	ingest_url TEXT NOT NULL,
	status TEXT NOT NULL,
	peak_viewers INTEGER NOT NULL DEFAULT 0,
	last_viewers INTEGER NOT NULL DEFAULT 0,
	bitrate DOUBLE PRECISION NOT NULL DEFAULT 0,
	fps DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_index INTEGER NOT NULL DEFAULT 0,
	comment_posted BOOLEAN NOT NULL DEFAULT FALSE,
	api_failures INTEGER NOT NULL DEFAULT 0,
	error_log TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_job_idx ON sessions (job_id, seq);
CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	token_ciphertext BYTEA,
	token_nonce BYTEA,
	token_tag BYTEA,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS videos (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	filename TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
