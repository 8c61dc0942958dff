package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 22,
	username TEXT NOT NULL,
	password TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL DEFAULT '',
	torrent_client TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	source_server_id TEXT NOT NULL,
	target_server_id TEXT,
	source_path TEXT NOT NULL,
	target_path TEXT NOT NULL,
	direction TEXT NOT NULL DEFAULT 'download',
	enabled INTEGER NOT NULL DEFAULT 1,
	scan_interval_minutes INTEGER NOT NULL DEFAULT 60,
	options TEXT NOT NULL DEFAULT '{}',
	retry_policy TEXT NOT NULL DEFAULT '{}',
	parallelism TEXT NOT NULL DEFAULT '{}',
	auto_queue TEXT NOT NULL DEFAULT '{}',
	post_action TEXT NOT NULL DEFAULT '{}',
	last_scan_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON jobs(enabled);
CREATE INDEX IF NOT EXISTS idx_jobs_source_server ON jobs(source_server_id);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	filename TEXT NOT NULL,
	is_directory INTEGER NOT NULL DEFAULT 0,
	parent_path TEXT NOT NULL DEFAULT '',

	remote_exists INTEGER NOT NULL DEFAULT 0,
	remote_size INTEGER NOT NULL DEFAULT 0,
	remote_mtime INTEGER NOT NULL DEFAULT 0,
	remote_is_directory INTEGER NOT NULL DEFAULT 0,

	local_exists INTEGER NOT NULL DEFAULT 0,
	local_size INTEGER NOT NULL DEFAULT 0,
	local_mtime INTEGER NOT NULL DEFAULT 0,
	local_is_directory INTEGER NOT NULL DEFAULT 0,

	sync_state TEXT NOT NULL DEFAULT 'remote_only',

	progress REAL NOT NULL DEFAULT 0,
	speed TEXT NOT NULL DEFAULT '',
	eta TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER,
	completed_at INTEGER,
	active_transfer_id TEXT,
	job_concurrency_slot INTEGER,
	queue_priority INTEGER NOT NULL DEFAULT 2,
	queue_source TEXT NOT NULL DEFAULT '',
	last_state_change INTEGER NOT NULL,
	state_history TEXT NOT NULL DEFAULT '[]',

	directory_size INTEGER NOT NULL DEFAULT 0,
	file_count INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL,
	added_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_files_job_relpath ON files(job_id, relative_path);
CREATE INDEX IF NOT EXISTS idx_files_job ON files(job_id);
CREATE INDEX IF NOT EXISTS idx_files_state ON files(sync_state);
CREATE INDEX IF NOT EXISTS idx_files_last_seen ON files(last_seen);
CREATE INDEX IF NOT EXISTS idx_files_job_state ON files(job_id, sync_state);
CREATE INDEX IF NOT EXISTS idx_files_state_retry ON files(sync_state, retry_count);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_active_transfer ON files(active_transfer_id) WHERE active_transfer_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_files_job_state_slot ON files(job_id, sync_state, job_concurrency_slot);
CREATE INDEX IF NOT EXISTS idx_files_last_state_change ON files(last_state_change);
`
