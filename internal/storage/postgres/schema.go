package postgres

// Schema creates the fallback table and the decay schedule. All statements
// are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS fallback_memories (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	content           TEXT NOT NULL,
	sector            TEXT,
	secondary_sectors JSONB,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	salience          DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (salience >= 0 AND salience <= 1),
	source            TEXT NOT NULL,
	metadata          JSONB,
	access_count      INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	last_accessed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_fallback_user_created
	ON fallback_memories(user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_fallback_source_created
	ON fallback_memories(source, created_at);

CREATE TABLE IF NOT EXISTS decay_schedule (
	memory_id  TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	due_at     TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_decay_schedule_due ON decay_schedule(due_at);
`

// vectorTableSchema creates one vector collection table. Every %[1]s verb
// receives the table name, which has been validated by tableName.
const vectorTableSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	sector     TEXT NOT NULL,
	salience   DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL,
	embedding  vector NOT NULL
);

CREATE INDEX IF NOT EXISTS %[1]s_user_created ON %[1]s(user_id, created_at DESC);
`
