package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fact categories.
var ValidFactCategories = map[string]bool{
	"user": true, "project": true, "preference": true, "skill": true, "general": true,
}

// Fact source types.
var ValidSourceTypes = map[string]bool{
	"explicit": true, "inferred": true, "observed": true, "extracted": true,
}

// Fact is a semantic memory unit. Confidence mirrors the provenance record's
// current_confidence; every write path updates both together.
type Fact struct {
	ID                 string
	Content            string
	Category           string
	Confidence         float64
	ReinforcedCount    int
	ContradictionCount int
	SourceType         string
	SourceEpisode      string
	SourceTS           int64
	AccessCount        int
	LastAccess         *int64
	UserID             string
	CreatedAt          int64
	UpdatedAt          int64
}

const factColumns = `id, content, category, confidence, reinforced_count, contradiction_count,
	source_type, source_episode, source_ts, access_count, last_access, user_id, created_at, updated_at`

// CreateFact persists a fact together with its provenance record in one
// transaction. A fact without provenance is an invariant violation, so a
// provenance failure rolls the fact back.
func (db *DB) CreateFact(f *Fact) error {
	if f.Content == "" {
		return fmt.Errorf("create fact: empty content")
	}
	if !ValidFactCategories[f.Category] {
		return fmt.Errorf("create fact: invalid category %q", f.Category)
	}
	if f.SourceType == "" {
		f.SourceType = "explicit"
	}
	if !ValidSourceTypes[f.SourceType] {
		return fmt.Errorf("create fact: invalid source type %q", f.SourceType)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	now := time.Now().UnixMilli()
	f.Confidence = clamp01(f.Confidence)
	if f.SourceTS == 0 {
		f.SourceTS = now
	}
	f.CreatedAt = now
	f.UpdatedAt = now

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("create fact: begin: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO facts (`+factColumns+`)
		VALUES (?, ?, ?, ?, 0, 0, ?, NULLIF(?, ''), ?, 0, NULL, ?, ?, ?)
	`, f.ID, f.Content, f.Category, f.Confidence,
		f.SourceType, f.SourceEpisode, f.SourceTS, f.UserID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert fact: %w", err)
	}

	if err := insertProvenanceTx(tx, f.ID, MemoryTypeFact, f.SourceType, f.SourceEpisode, f.Confidence); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// GetFact returns a fact by ID, or nil if not found.
func (db *DB) GetFact(id string) (*Fact, error) {
	row := db.QueryRow(`SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

// FactsByUser returns all facts, optionally restricted to a user and category.
func (db *DB) FactsByUser(userID, category string) ([]Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("facts by user: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// GetFactsByIDs returns facts for the given IDs.
func (db *DB) GetFactsByIDs(ids []string) ([]Fact, error) {
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
	rows, err := db.Query(`SELECT `+factColumns+` FROM facts WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get facts by ids: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// KeywordSearchFacts ranks facts by how many query terms their content
// contains. Used as the keyword leg of hybrid retrieval; ties broken by
// recency, newest first.
func (db *DB) KeywordSearchFacts(query, userID, category string, limit int) ([]Fact, error) {
	facts, err := db.FactsByUser(userID, category)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type hit struct {
		fact  Fact
		score int
	}
	var hits []hit
	for _, f := range facts {
		content := strings.ToLower(f.Content)
		score := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{fact: f, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].fact.CreatedAt > hits[j].fact.CreatedAt
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Fact, len(hits))
	for i, h := range hits {
		out[i] = h.fact
	}
	return out, nil
}

// queryTerms lowercases and splits a query, dropping single-char noise.
func queryTerms(query string) []string {
	var terms []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		t = strings.Trim(t, ".,!?\"'")
		if len(t) > 1 {
			terms = append(terms, t)
		}
	}
	return terms
}

// UpdateFactConfidence clamps and writes a new confidence to both the fact
// and its provenance record, appending a history entry.
func (db *DB) UpdateFactConfidence(id string, value float64, reason string) error {
	p, err := db.GetProvenance(id, MemoryTypeFact)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("update confidence: no provenance for fact %s", id)
	}

	now := time.Now().UnixMilli()
	p.CurrentConfidence = clamp01(value)
	p.ConfidenceHistory = append(p.ConfidenceHistory, ConfidencePoint{
		Timestamp: now, Value: p.CurrentConfidence, Reason: reason,
	})
	return db.saveProvenance(p)
}

// SetFactContent replaces a fact's content; used by the "replace"
// contradiction resolution.
func (db *DB) SetFactContent(id, content string) error {
	result, err := db.Exec(`UPDATE facts SET content = ?, updated_at = ? WHERE id = ?`,
		content, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set fact content: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("set fact content: fact %s not found", id)
	}
	return nil
}

// IncrementContradictionCount bumps the fact-side contradiction counter.
func (db *DB) IncrementContradictionCount(id string) error {
	_, err := db.Exec(`UPDATE facts SET contradiction_count = contradiction_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("increment contradiction count: %w", err)
	}
	return nil
}

// DeleteFact removes a fact together with its vector, provenance, and
// access-log entries.
func (db *DB) DeleteFact(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("delete fact: begin: %w", err)
	}
	for _, stmt := range []struct {
		sql  string
		args []any
	}{
		{"DELETE FROM vectors WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeFact}},
		{"DELETE FROM provenance WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeFact}},
		{"DELETE FROM access_log WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeFact}},
		{"DELETE FROM facts WHERE id = ?", []any{id}},
	} {
		if _, err := tx.Exec(stmt.sql, stmt.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete fact %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountFacts returns the total number of stored facts.
func (db *DB) CountFacts() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM facts").Scan(&n)
	return n, err
}

func scanFact(row rowScanner) (*Fact, error) {
	var f Fact
	var sourceEpisode sql.NullString
	var sourceTS, lastAccess sql.NullInt64
	err := row.Scan(&f.ID, &f.Content, &f.Category, &f.Confidence, &f.ReinforcedCount, &f.ContradictionCount,
		&f.SourceType, &sourceEpisode, &sourceTS, &f.AccessCount, &lastAccess, &f.UserID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.SourceEpisode = sourceEpisode.String
	f.SourceTS = sourceTS.Int64
	if lastAccess.Valid {
		f.LastAccess = &lastAccess.Int64
	}
	return &f, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}
