package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// ConsolidationRun is one recorded execution of the consolidation engine.
type ConsolidationRun struct {
	ID                     string `json:"id"`
	StartedAt              int64  `json:"started_at"`
	EndedAt                *int64 `json:"ended_at,omitempty"`
	Status                 string `json:"status"` // running, completed, failed
	EpisodesProcessed      int    `json:"episodes_processed"`
	FactsExtracted         int    `json:"facts_extracted"`
	EntitiesFound          int    `json:"entities_found"`
	ProceduresLearned      int    `json:"procedures_learned"`
	MemoriesDecayed        int    `json:"memories_decayed"`
	ContradictionsResolved int    `json:"contradictions_resolved"`
	EpisodesCompressed     int    `json:"episodes_compressed"`
	MemoriesDeleted        int    `json:"memories_deleted"`
	Error                  string `json:"error,omitempty"`
}

// StartRun records the beginning of a consolidation run.
func (db *DB) StartRun() (*ConsolidationRun, error) {
	run := &ConsolidationRun{
		ID:        shortuuid.New(),
		StartedAt: time.Now().UnixMilli(),
		Status:    "running",
	}
	_, err := db.Exec(`
		INSERT INTO consolidation_runs (id, started_at, status) VALUES (?, ?, 'running')
	`, run.ID, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun writes the final counts and status for a run.
func (db *DB) FinishRun(run *ConsolidationRun) error {
	now := time.Now().UnixMilli()
	run.EndedAt = &now

	_, err := db.Exec(`
		UPDATE consolidation_runs SET ended_at = ?, status = ?,
			episodes_processed = ?, facts_extracted = ?, entities_found = ?,
			procedures_learned = ?, memories_decayed = ?, contradictions_resolved = ?,
			episodes_compressed = ?, memories_deleted = ?, error = NULLIF(?, '')
		WHERE id = ?
	`, run.EndedAt, run.Status,
		run.EpisodesProcessed, run.FactsExtracted, run.EntitiesFound,
		run.ProceduresLearned, run.MemoriesDecayed, run.ContradictionsResolved,
		run.EpisodesCompressed, run.MemoriesDeleted, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun returns a consolidation run by ID, or nil if not found.
func (db *DB) GetRun(id string) (*ConsolidationRun, error) {
	var run ConsolidationRun
	var endedAt sql.NullInt64
	var errMsg sql.NullString
	err := db.QueryRow(`
		SELECT id, started_at, ended_at, status, episodes_processed, facts_extracted,
			entities_found, procedures_learned, memories_decayed, contradictions_resolved,
			episodes_compressed, memories_deleted, error
		FROM consolidation_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.StartedAt, &endedAt, &run.Status,
		&run.EpisodesProcessed, &run.FactsExtracted, &run.EntitiesFound,
		&run.ProceduresLearned, &run.MemoriesDecayed, &run.ContradictionsResolved,
		&run.EpisodesCompressed, &run.MemoriesDeleted, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Int64
	}
	run.Error = errMsg.String
	return &run, nil
}
