package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Procedure is a learned trigger→steps workflow with usage statistics.
type Procedure struct {
	ID              string
	Trigger         string
	TriggerPatterns []string
	Conditions      []string
	Steps           []string
	LearnedFrom     []string
	TimesUsed       int
	SuccessCount    int
	FailureCount    int
	LastUsed        *int64
	UserApproved    bool
	UserModified    bool
	UserID          string
	Category        string
	CreatedAt       int64
}

// SuccessRate is success_count/times_used, defined as 0 when the procedure
// has never been used.
func (p *Procedure) SuccessRate() float64 {
	if p.TimesUsed == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.TimesUsed)
}

const procedureColumns = `id, trigger_phrase, trigger_patterns, conditions, steps, learned_from,
	times_used, success_count, failure_count, last_used, user_approved, user_modified,
	user_id, category, created_at`

// AddOrReinforceProcedure looks up an existing procedure with the same
// trigger and user. If found, its times_used is incremented and learned_from
// is merged; otherwise a new procedure is created with times_used=1.
// Returns the procedure ID and whether it was newly created.
func (db *DB) AddOrReinforceProcedure(p *Procedure) (string, bool, error) {
	if p.Trigger == "" {
		return "", false, fmt.Errorf("add procedure: empty trigger")
	}
	if len(p.Steps) == 0 {
		return "", false, fmt.Errorf("add procedure: no steps")
	}

	existing, err := db.procedureByTrigger(p.Trigger, p.UserID)
	if err != nil {
		return "", false, err
	}

	now := time.Now().UnixMilli()

	if existing != nil {
		learned := mergeStrings(existing.LearnedFrom, p.LearnedFrom)
		_, err := db.Exec(`
			UPDATE procedures SET times_used = times_used + 1, learned_from = ?, last_used = ?
			WHERE id = ?
		`, jsonEncode(learned), now, existing.ID)
		if err != nil {
			return "", false, fmt.Errorf("reinforce procedure: %w", err)
		}
		return existing.ID, false, nil
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.TimesUsed = 1
	p.CreatedAt = now

	_, err = db.Exec(`
		INSERT INTO procedures (`+procedureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, 0, NULL, ?, ?, ?, ?, ?)
	`, p.ID, p.Trigger, jsonEncode(p.TriggerPatterns), jsonEncode(p.Conditions),
		jsonEncode(p.Steps), jsonEncode(p.LearnedFrom),
		boolInt(p.UserApproved), boolInt(p.UserModified), p.UserID, p.Category, p.CreatedAt)
	if err != nil {
		return "", false, fmt.Errorf("insert procedure: %w", err)
	}
	return p.ID, true, nil
}

func (db *DB) procedureByTrigger(trigger, userID string) (*Procedure, error) {
	row := db.QueryRow(`SELECT `+procedureColumns+` FROM procedures WHERE trigger_phrase = ? AND user_id = ?`,
		trigger, userID)
	p, err := scanProcedure(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("procedure by trigger: %w", err)
	}
	return p, nil
}

// GetProcedure returns a procedure by ID, or nil if not found.
func (db *DB) GetProcedure(id string) (*Procedure, error) {
	row := db.QueryRow(`SELECT `+procedureColumns+` FROM procedures WHERE id = ?`, id)
	p, err := scanProcedure(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure: %w", err)
	}
	return p, nil
}

// MatchProcedures returns procedures whose trigger or trigger patterns match
// the query by case-insensitive substring in either direction, ranked by
// times_used then success rate.
func (db *DB) MatchProcedures(query, userID string, limit int) ([]Procedure, error) {
	rows, err := db.Query(`SELECT `+procedureColumns+` FROM procedures WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("match procedures: %w", err)
	}
	defer rows.Close()

	all, err := scanProcedures(rows)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	var matched []Procedure
	for _, p := range all {
		if procedureMatches(&p, q) {
			matched = append(matched, p)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].TimesUsed != matched[j].TimesUsed {
			return matched[i].TimesUsed > matched[j].TimesUsed
		}
		return matched[i].SuccessRate() > matched[j].SuccessRate()
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func procedureMatches(p *Procedure, q string) bool {
	candidates := append([]string{p.Trigger}, p.TriggerPatterns...)
	for _, c := range candidates {
		c = strings.ToLower(c)
		if c == "" {
			continue
		}
		if strings.Contains(c, q) || strings.Contains(q, c) {
			return true
		}
	}
	return false
}

// RecordProcedureUsage updates usage counters after execution feedback.
func (db *DB) RecordProcedureUsage(id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	result, err := db.Exec(`
		UPDATE procedures SET times_used = times_used + 1, `+column+` = `+column+` + 1, last_used = ?
		WHERE id = ?
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record usage: procedure %s not found", id)
	}
	return nil
}

// DeleteProcedure removes a procedure and its provenance.
func (db *DB) DeleteProcedure(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("delete procedure: begin: %w", err)
	}
	for _, stmt := range []struct {
		sql  string
		args []any
	}{
		{"DELETE FROM provenance WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeProcedure}},
		{"DELETE FROM access_log WHERE memory_id = ? AND memory_type = ?", []any{id, MemoryTypeProcedure}},
		{"DELETE FROM procedures WHERE id = ?", []any{id}},
	} {
		if _, err := tx.Exec(stmt.sql, stmt.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete procedure %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountProcedures returns the total number of stored procedures.
func (db *DB) CountProcedures() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM procedures").Scan(&n)
	return n, err
}

func mergeStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func scanProcedure(row rowScanner) (*Procedure, error) {
	var p Procedure
	var patterns, conditions, steps, learnedFrom string
	var lastUsed sql.NullInt64
	var category sql.NullString
	var approved, modified int
	err := row.Scan(&p.ID, &p.Trigger, &patterns, &conditions, &steps, &learnedFrom,
		&p.TimesUsed, &p.SuccessCount, &p.FailureCount, &lastUsed, &approved, &modified,
		&p.UserID, &category, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Category = category.String
	p.UserApproved = approved != 0
	p.UserModified = modified != 0
	if lastUsed.Valid {
		p.LastUsed = &lastUsed.Int64
	}
	jsonDecode(patterns, &p.TriggerPatterns)
	jsonDecode(conditions, &p.Conditions)
	jsonDecode(steps, &p.Steps)
	jsonDecode(learnedFrom, &p.LearnedFrom)
	return &p, nil
}

func scanProcedures(rows *sql.Rows) ([]Procedure, error) {
	var out []Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
