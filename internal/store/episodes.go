package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Episode is one processed conversation segment. Episodes are immutable
// history: consolidation may mark them processed or compress them, but user
// edits never touch them.
type Episode struct {
	ID             string
	SessionID      string
	UserID         string
	Summary        string
	Transcript     []Message
	Topics         []string
	SentimentStart string
	SentimentEnd   string
	Outcome        string // "", "success", "failure", "abandoned"
	FactIDs        []string
	ProcedureIDs   []string
	Processed      bool
	Compressed     bool
	ArchiveRef     string
	CreatedAt      int64
}

const episodeColumns = `id, session_id, user_id, summary, transcript, topics,
	sentiment_start, sentiment_end, outcome, fact_ids, procedure_ids,
	processed, compressed, archive_ref, created_at`

// CreateEpisode inserts a new episode with processed=false, compressed=false.
// Assigns a UUID if the episode has no ID.
func (db *DB) CreateEpisode(ep *Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt == 0 {
		ep.CreatedAt = time.Now().UnixMilli()
	}

	_, err := db.Exec(`
		INSERT INTO episodes (`+episodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?)
	`, ep.ID, ep.SessionID, ep.UserID, ep.Summary,
		jsonEncode(ep.Transcript), jsonEncode(ep.Topics),
		ep.SentimentStart, ep.SentimentEnd, ep.Outcome,
		jsonEncode(ep.FactIDs), jsonEncode(ep.ProcedureIDs),
		ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("create episode: %w", err)
	}
	ep.Processed = false
	ep.Compressed = false
	return nil
}

// GetEpisode returns an episode by ID, or nil if not found.
func (db *DB) GetEpisode(id string) (*Episode, error) {
	row := db.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// GetEpisodesByIDs returns episodes for the given IDs, in no particular order.
func (db *DB) GetEpisodesByIDs(ids []string) ([]Episode, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ph := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args[i] = id
	}

	rows, err := db.Query(`SELECT `+episodeColumns+` FROM episodes WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get episodes by ids: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// EpisodesByTimeRange returns episodes whose timestamp falls in [start, end],
// newest first, optionally restricted to a user.
func (db *DB) EpisodesByTimeRange(start, end int64, userID string) ([]Episode, error) {
	query := `SELECT ` + episodeColumns + ` FROM episodes WHERE created_at >= ? AND created_at <= ?`
	args := []any{start, end}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("episodes by time range: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// UnprocessedEpisodes returns episodes not yet run through extraction,
// created at or after since, oldest first so a partial consolidation run
// makes forward progress.
func (db *DB) UnprocessedEpisodes(since int64) ([]Episode, error) {
	rows, err := db.Query(`
		SELECT `+episodeColumns+` FROM episodes
		WHERE processed = 0 AND created_at >= ?
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("unprocessed episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// EpisodesOlderThan returns uncompressed episodes created before cutoff.
func (db *DB) EpisodesOlderThan(cutoff int64) ([]Episode, error) {
	rows, err := db.Query(`
		SELECT `+episodeColumns+` FROM episodes
		WHERE compressed = 0 AND created_at < ?
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("episodes older than: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// MarkProcessed flags an episode so consolidation does not re-extract it.
func (db *DB) MarkProcessed(id string) error {
	result, err := db.Exec(`UPDATE episodes SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("mark processed: episode %s not found", id)
	}
	return nil
}

// CompressEpisode archives the transcript and replaces it with the given
// summary. Idempotent: compressing an already-compressed episode is a no-op.
func (db *DB) CompressEpisode(id, summary string) error {
	ep, err := db.GetEpisode(id)
	if err != nil {
		return err
	}
	if ep == nil {
		return fmt.Errorf("compress: episode %s not found", id)
	}
	if ep.Compressed {
		return nil
	}

	now := time.Now().UnixMilli()
	archiveRef := "archive://episodes/" + id

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("compress: begin: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO episode_archives (episode_id, transcript, archived_at)
		VALUES (?, ?, ?)
	`, id, jsonEncode(ep.Transcript), now); err != nil {
		tx.Rollback()
		return fmt.Errorf("compress: archive transcript: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE episodes SET transcript = '[]', summary = ?, archive_ref = ?, compressed = 1
		WHERE id = ?
	`, summary, archiveRef, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("compress: update episode: %w", err)
	}

	return tx.Commit()
}

// ArchivedTranscript returns the archived transcript for a compressed
// episode, or nil if none exists.
func (db *DB) ArchivedTranscript(episodeID string) ([]Message, error) {
	var raw string
	err := db.QueryRow(`SELECT transcript FROM episode_archives WHERE episode_id = ?`, episodeID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archived transcript: %w", err)
	}
	var msgs []Message
	jsonDecode(raw, &msgs)
	return msgs, nil
}

// SetEpisodeLinks records which facts and procedures were derived from an episode.
func (db *DB) SetEpisodeLinks(id string, factIDs, procedureIDs []string) error {
	_, err := db.Exec(`UPDATE episodes SET fact_ids = ?, procedure_ids = ? WHERE id = ?`,
		jsonEncode(factIDs), jsonEncode(procedureIDs), id)
	if err != nil {
		return fmt.Errorf("set episode links: %w", err)
	}
	return nil
}

// DeleteEpisode removes an episode, its vector, archive, and provenance.
func (db *DB) DeleteEpisode(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("delete episode: begin: %w", err)
	}
	for _, stmt := range []struct {
		sql  string
		args []any
	}{
		{"DELETE FROM episode_archives WHERE episode_id = ?", []any{id}},
		{"DELETE FROM vectors WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeEpisode}},
		{"DELETE FROM provenance WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeEpisode}},
		{"DELETE FROM access_log WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeEpisode}},
		{"DELETE FROM episodes WHERE id = ?", []any{id}},
	} {
		if _, err := tx.Exec(stmt.sql, stmt.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete episode %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountEpisodes returns the total number of stored episodes.
func (db *DB) CountEpisodes() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM episodes").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var ep Episode
	var transcript, topics, factIDs, procIDs string
	var summary, sentStart, sentEnd, archiveRef sql.NullString
	var processed, compressed int
	err := row.Scan(&ep.ID, &ep.SessionID, &ep.UserID, &summary, &transcript, &topics,
		&sentStart, &sentEnd, &ep.Outcome, &factIDs, &procIDs,
		&processed, &compressed, &archiveRef, &ep.CreatedAt)
	if err != nil {
		return nil, err
	}
	ep.Summary = summary.String
	ep.SentimentStart = sentStart.String
	ep.SentimentEnd = sentEnd.String
	ep.ArchiveRef = archiveRef.String
	ep.Processed = processed != 0
	ep.Compressed = compressed != 0
	jsonDecode(transcript, &ep.Transcript)
	jsonDecode(topics, &ep.Topics)
	jsonDecode(factIDs, &ep.FactIDs)
	jsonDecode(procIDs, &ep.ProcedureIDs)
	return &ep, nil
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var episodes []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		episodes = append(episodes, *ep)
	}
	return episodes, rows.Err()
}
