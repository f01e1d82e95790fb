package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "episodes: append-only conversation log",
		SQL: `
CREATE TABLE episodes (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    summary         TEXT,
    transcript      TEXT,
    topics          TEXT,
    sentiment_start TEXT,
    sentiment_end   TEXT,
    outcome         TEXT NOT NULL DEFAULT '' CHECK (outcome IN ('', 'success', 'failure', 'abandoned')),
    fact_ids        TEXT,
    procedure_ids   TEXT,
    processed       INTEGER NOT NULL DEFAULT 0,
    compressed      INTEGER NOT NULL DEFAULT 0,
    archive_ref     TEXT,
    created_at      INTEGER NOT NULL
);

CREATE INDEX idx_episodes_user      ON episodes(user_id);
CREATE INDEX idx_episodes_created   ON episodes(created_at DESC);
CREATE INDEX idx_episodes_processed ON episodes(processed);
`,
	},
	{
		Version:     2,
		Description: "facts: semantic memory units with confidence",
		SQL: `
CREATE TABLE facts (
    id                  TEXT PRIMARY KEY,
    content             TEXT NOT NULL,
    category            TEXT NOT NULL CHECK (category IN ('user', 'project', 'preference', 'skill', 'general')),
    confidence          REAL NOT NULL DEFAULT 0.5,
    reinforced_count    INTEGER NOT NULL DEFAULT 0,
    contradiction_count INTEGER NOT NULL DEFAULT 0,
    source_type         TEXT NOT NULL DEFAULT 'explicit' CHECK (source_type IN ('explicit', 'inferred', 'observed', 'extracted')),
    source_episode      TEXT,
    source_ts           INTEGER,
    access_count        INTEGER NOT NULL DEFAULT 0,
    last_access         INTEGER,
    user_id             TEXT NOT NULL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX idx_facts_user     ON facts(user_id);
CREATE INDEX idx_facts_category ON facts(category);
`,
	},
	{
		Version:     3,
		Description: "knowledge graph: entities and relationships",
		SQL: `
CREATE TABLE entities (
    name       TEXT PRIMARY KEY,
    type       TEXT NOT NULL DEFAULT 'other' CHECK (type IN ('person', 'project', 'tool', 'concept', 'language', 'organization', 'other')),
    attributes TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE relationships (
    id             INTEGER PRIMARY KEY,
    source         TEXT NOT NULL,
    target         TEXT NOT NULL,
    rel_type       TEXT NOT NULL,
    weight         REAL NOT NULL DEFAULT 1.0,
    source_episode TEXT,
    created_at     INTEGER NOT NULL,

    UNIQUE (source, target, rel_type),
    FOREIGN KEY (source) REFERENCES entities(name),
    FOREIGN KEY (target) REFERENCES entities(name)
);

CREATE INDEX idx_rel_source ON relationships(source);
CREATE INDEX idx_rel_target ON relationships(target);
`,
	},
	{
		Version:     4,
		Description: "procedures: learned trigger→steps workflows",
		SQL: `
CREATE TABLE procedures (
    id               TEXT PRIMARY KEY,
    trigger_phrase   TEXT NOT NULL,
    trigger_patterns TEXT,
    conditions       TEXT,
    steps            TEXT NOT NULL,
    learned_from     TEXT,
    times_used       INTEGER NOT NULL DEFAULT 0,
    success_count    INTEGER NOT NULL DEFAULT 0,
    failure_count    INTEGER NOT NULL DEFAULT 0,
    last_used        INTEGER,
    user_approved    INTEGER NOT NULL DEFAULT 0,
    user_modified    INTEGER NOT NULL DEFAULT 0,
    user_id          TEXT NOT NULL,
    category         TEXT,
    created_at       INTEGER NOT NULL,

    UNIQUE (trigger_phrase, user_id)
);

CREATE INDEX idx_procedures_user ON procedures(user_id);
`,
	},
	{
		Version:     5,
		Description: "provenance: meta-memory per (memory_id, memory_type)",
		SQL: `
CREATE TABLE provenance (
    memory_id          TEXT NOT NULL,
    memory_type        TEXT NOT NULL CHECK (memory_type IN ('fact', 'episode', 'procedure')),
    source_type        TEXT NOT NULL,
    source_id          TEXT,
    source_ts          INTEGER NOT NULL,
    initial_confidence REAL NOT NULL,
    current_confidence REAL NOT NULL,
    confidence_history TEXT NOT NULL DEFAULT '[]',
    contradictions     TEXT NOT NULL DEFAULT '[]',
    reinforced_count   INTEGER NOT NULL DEFAULT 0,
    last_reinforced    INTEGER,
    access_count       INTEGER NOT NULL DEFAULT 0,
    last_accessed      INTEGER,
    access_history     TEXT NOT NULL DEFAULT '[]',
    flagged            INTEGER NOT NULL DEFAULT 0,
    flag_reason        TEXT,
    flagged_at         INTEGER,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,

    PRIMARY KEY (memory_id, memory_type)
);

CREATE INDEX idx_prov_flagged    ON provenance(flagged);
CREATE INDEX idx_prov_confidence ON provenance(current_confidence);
`,
	},
	{
		Version:     6,
		Description: "access_log: append-only retrieval audit",
		SQL: `
CREATE TABLE access_log (
    id          INTEGER PRIMARY KEY,
    memory_id   TEXT NOT NULL,
    memory_type TEXT NOT NULL,
    accessed_at INTEGER NOT NULL
);

CREATE INDEX idx_access_memory ON access_log(memory_id, memory_type);
CREATE INDEX idx_access_time   ON access_log(accessed_at DESC);
`,
	},
	{
		Version:     7,
		Description: "user_profiles: free-form preference maps",
		SQL: `
CREATE TABLE user_profiles (
    user_id    TEXT PRIMARY KEY,
    profile    TEXT NOT NULL DEFAULT '{}',
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     8,
		Description: "consolidation_runs: background job history",
		SQL: `
CREATE TABLE consolidation_runs (
    id                       TEXT PRIMARY KEY,
    started_at               INTEGER NOT NULL,
    ended_at                 INTEGER,
    status                   TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'completed', 'failed')),
    episodes_processed       INTEGER NOT NULL DEFAULT 0,
    facts_extracted          INTEGER NOT NULL DEFAULT 0,
    entities_found           INTEGER NOT NULL DEFAULT 0,
    procedures_learned       INTEGER NOT NULL DEFAULT 0,
    memories_decayed         INTEGER NOT NULL DEFAULT 0,
    contradictions_resolved  INTEGER NOT NULL DEFAULT 0,
    episodes_compressed      INTEGER NOT NULL DEFAULT 0,
    memories_deleted         INTEGER NOT NULL DEFAULT 0,
    error                    TEXT
);

CREATE INDEX idx_runs_started ON consolidation_runs(started_at DESC);
`,
	},
	{
		Version:     9,
		Description: "vectors: embedding index for episodic/semantic memory",
		SQL: `
CREATE TABLE vectors (
    memory_id   TEXT NOT NULL,
    memory_type TEXT NOT NULL,
    embedding   BLOB NOT NULL,
    model       TEXT NOT NULL,
    dimensions  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,

    PRIMARY KEY (memory_id, memory_type)
);
`,
	},
	{
		Version:     10,
		Description: "episode_archives: compressed transcript storage",
		SQL: `
CREATE TABLE episode_archives (
    episode_id  TEXT PRIMARY KEY,
    transcript  TEXT NOT NULL,
    archived_at INTEGER NOT NULL,

    FOREIGN KEY (episode_id) REFERENCES episodes(id)
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
