package sqlite

// Schema creates the fallback table and the decay schedule. Timestamps are
// stored as unix nanoseconds so range comparisons and ordering are exact.
const Schema = `
CREATE TABLE IF NOT EXISTS fallback_memories (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	content           TEXT NOT NULL,
	content_lower     TEXT NOT NULL,
	sector            TEXT,
	secondary_sectors TEXT,
	confidence        REAL NOT NULL DEFAULT 0,
	salience          REAL NOT NULL DEFAULT 0 CHECK (salience >= 0 AND salience <= 1),
	source            TEXT NOT NULL,
	metadata          TEXT,
	access_count      INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	last_accessed_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_fallback_user_created
	ON fallback_memories(user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_fallback_source_created
	ON fallback_memories(source, created_at);

CREATE TABLE IF NOT EXISTS decay_schedule (
	memory_id  TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	due_at     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decay_schedule_due ON decay_schedule(due_at);
`
