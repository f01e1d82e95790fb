package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Boost caps and decay rate for the confidence formula.
const (
	dailyDecayRate       = 0.99
	maxReinforcementGain = 2.0
	maxAccessGain        = 1.5
	maxAccessHistory     = 50
)

// ComputeConfidence is the authoritative confidence recompute: a pure
// function of the stored counters, so consolidation can re-run without
// compounding error from repeated partial applications.
//
//	decay  = 0.99 ^ days_since_reinforcement
//	boost  = min(2.0, 1 + 0.1 * times_reinforced)
//	access = min(1.5, 1 + 0.05 * times_accessed)
//	confidence = clamp(initial * decay * boost * access, 0, 1)
func ComputeConfidence(initial, daysSinceReinforcement float64, timesReinforced, timesAccessed int) float64 {
	if daysSinceReinforcement < 0 {
		daysSinceReinforcement = 0
	}
	decay := math.Pow(dailyDecayRate, daysSinceReinforcement)
	boost := math.Min(maxReinforcementGain, 1+0.1*float64(timesReinforced))
	access := math.Min(maxAccessGain, 1+0.05*float64(timesAccessed))
	return clamp01(initial * decay * boost * access)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ConfidencePoint is one entry of a memory's confidence history.
type ConfidencePoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Reason    string  `json:"reason"`
}

// ContradictionRecord captures one observed conflict with stored content.
type ContradictionRecord struct {
	Timestamp          int64  `json:"timestamp"`
	ConflictingContent string `json:"conflicting_content"`
	Resolution         string `json:"resolution"` // "", "replace", "keep", "flag"
}

// Provenance is the meta-memory record for one (memory_id, memory_type).
// CurrentConfidence here is the single source of truth for retrieval
// filtering; fact rows mirror it and every mutation keeps both in sync.
type Provenance struct {
	MemoryID          string
	MemoryType        string
	SourceType        string
	SourceID          string
	SourceTS          int64
	InitialConfidence float64
	CurrentConfidence float64
	ConfidenceHistory []ConfidencePoint
	Contradictions    []ContradictionRecord
	ReinforcedCount   int
	LastReinforced    *int64
	AccessCount       int
	LastAccessed      *int64
	AccessHistory     []int64
	Flagged           bool
	FlagReason        string
	FlaggedAt         *int64
	CreatedAt         int64
	UpdatedAt         int64
}

const provenanceColumns = `memory_id, memory_type, source_type, source_id, source_ts,
	initial_confidence, current_confidence, confidence_history, contradictions,
	reinforced_count, last_reinforced, access_count, last_accessed, access_history,
	flagged, flag_reason, flagged_at, created_at, updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// insertProvenanceTx creates a provenance row inside an existing transaction.
// Idempotent: an existing row for the same key is left untouched.
func insertProvenanceTx(tx execer, memoryID, memoryType, sourceType, sourceID string, initial float64) error {
	now := time.Now().UnixMilli()
	initial = clamp01(initial)
	history := jsonEncode([]ConfidencePoint{{Timestamp: now, Value: initial, Reason: "created"}})

	_, err := tx.Exec(`
		INSERT INTO provenance (memory_id, memory_type, source_type, source_id, source_ts,
			initial_confidence, current_confidence, confidence_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, memory_type) DO NOTHING
	`, memoryID, memoryType, sourceType, sourceID, now, initial, initial, history, now, now)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

// TrackProvenance creates a provenance record if one does not already exist.
func (db *DB) TrackProvenance(memoryID, memoryType, sourceType, sourceID string, initial float64) error {
	return insertProvenanceTx(db.DB, memoryID, memoryType, sourceType, sourceID, initial)
}

// GetProvenance returns the provenance record, or nil if not found.
func (db *DB) GetProvenance(memoryID, memoryType string) (*Provenance, error) {
	row := db.QueryRow(`SELECT `+provenanceColumns+` FROM provenance WHERE memory_id = ? AND memory_type = ?`,
		memoryID, memoryType)
	p, err := scanProvenance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provenance: %w", err)
	}
	return p, nil
}

// ProvenanceMap returns provenance for a set of memory IDs of one type,
// keyed by memory ID.
func (db *DB) ProvenanceMap(memoryType string, ids []string) (map[string]Provenance, error) {
	if len(ids) == 0 {
		return map[string]Provenance{}, nil
	}
	ph := ""
	args := []any{memoryType}
	for i, id := range ids {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args = append(args, id)
	}

	rows, err := db.Query(`SELECT `+provenanceColumns+` FROM provenance
		WHERE memory_type = ? AND memory_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("provenance map: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Provenance)
	for rows.Next() {
		p, err := scanProvenance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		out[p.MemoryID] = *p
	}
	return out, rows.Err()
}

// save writes back the mutable provenance fields and keeps the mirrored
// fact confidence in sync when the record tracks a fact.
func (db *DB) saveProvenance(p *Provenance) error {
	p.CurrentConfidence = clamp01(p.CurrentConfidence)
	p.UpdatedAt = time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("save provenance: begin: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE provenance SET current_confidence = ?, confidence_history = ?, contradictions = ?,
			reinforced_count = ?, last_reinforced = ?, access_count = ?, last_accessed = ?,
			access_history = ?, flagged = ?, flag_reason = ?, flagged_at = ?, updated_at = ?
		WHERE memory_id = ? AND memory_type = ?
	`, p.CurrentConfidence, jsonEncode(p.ConfidenceHistory), jsonEncode(p.Contradictions),
		p.ReinforcedCount, p.LastReinforced, p.AccessCount, p.LastAccessed,
		jsonEncode(p.AccessHistory), boolInt(p.Flagged), p.FlagReason, p.FlaggedAt, p.UpdatedAt,
		p.MemoryID, p.MemoryType)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save provenance: %w", err)
	}

	if p.MemoryType == MemoryTypeFact {
		if _, err := tx.Exec(`
			UPDATE facts SET confidence = ?, reinforced_count = ?, access_count = ?,
				last_access = ?, updated_at = ?
			WHERE id = ?
		`, p.CurrentConfidence, p.ReinforcedCount, p.AccessCount, p.LastAccessed, p.UpdatedAt, p.MemoryID); err != nil {
			tx.Rollback()
			return fmt.Errorf("sync fact confidence: %w", err)
		}
	}

	return tx.Commit()
}

// ReinforceMemory increments the reinforcement counter and recomputes
// confidence from the pure formula with zero elapsed decay. Returns the new
// confidence.
func (db *DB) ReinforceMemory(memoryID, memoryType string) (float64, error) {
	db.provMu.Lock()
	defer db.provMu.Unlock()

	p, err := db.GetProvenance(memoryID, memoryType)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, fmt.Errorf("reinforce: no provenance for %s/%s", memoryType, memoryID)
	}

	now := time.Now().UnixMilli()
	p.ReinforcedCount++
	p.LastReinforced = &now
	p.CurrentConfidence = ComputeConfidence(p.InitialConfidence, 0, p.ReinforcedCount, p.AccessCount)
	p.ConfidenceHistory = append(p.ConfidenceHistory, ConfidencePoint{
		Timestamp: now, Value: p.CurrentConfidence, Reason: "reinforced",
	})
	// Reinforcement is a signal the memory is still believed; clear any
	// pending review flag.
	p.Flagged = false
	p.FlagReason = ""
	p.FlaggedAt = nil

	if err := db.saveProvenance(p); err != nil {
		return 0, err
	}
	return p.CurrentConfidence, nil
}

// RecordContradiction appends a contradiction. Without an immediate
// resolution ("replace" or "keep") the memory is flagged for review.
func (db *DB) RecordContradiction(memoryID, memoryType, conflictingContent, resolution string) error {
	db.provMu.Lock()
	defer db.provMu.Unlock()

	p, err := db.GetProvenance(memoryID, memoryType)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("contradiction: no provenance for %s/%s", memoryType, memoryID)
	}

	now := time.Now().UnixMilli()
	p.Contradictions = append(p.Contradictions, ContradictionRecord{
		Timestamp: now, ConflictingContent: conflictingContent, Resolution: resolution,
	})

	switch resolution {
	case "replace", "keep":
		p.Flagged = false
		p.FlagReason = ""
		p.FlaggedAt = nil
	default:
		p.Flagged = true
		p.FlagReason = "contradiction"
		p.FlaggedAt = &now
	}

	return db.saveProvenance(p)
}

// ResolveContradictions fills in the resolution on any unresolved
// contradiction entries and clears the review flag.
func (db *DB) ResolveContradictions(memoryID, memoryType, resolution string) error {
	db.provMu.Lock()
	defer db.provMu.Unlock()

	p, err := db.GetProvenance(memoryID, memoryType)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("resolve: no provenance for %s/%s", memoryType, memoryID)
	}

	for i := range p.Contradictions {
		if p.Contradictions[i].Resolution == "" {
			p.Contradictions[i].Resolution = resolution
		}
	}
	p.Flagged = false
	p.FlagReason = ""
	p.FlaggedAt = nil
	return db.saveProvenance(p)
}

// RecordMemoryAccess increments access counters, appends to the bounded
// access history, and logs the access in the append-only audit relation.
func (db *DB) RecordMemoryAccess(memoryID, memoryType string) error {
	db.provMu.Lock()
	defer db.provMu.Unlock()

	p, err := db.GetProvenance(memoryID, memoryType)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("access: no provenance for %s/%s", memoryType, memoryID)
	}

	now := time.Now().UnixMilli()
	p.AccessCount++
	p.LastAccessed = &now
	p.AccessHistory = append(p.AccessHistory, now)
	if len(p.AccessHistory) > maxAccessHistory {
		p.AccessHistory = p.AccessHistory[len(p.AccessHistory)-maxAccessHistory:]
	}

	if err := db.saveProvenance(p); err != nil {
		return err
	}

	if _, err := db.Exec(`INSERT INTO access_log (memory_id, memory_type, accessed_at) VALUES (?, ?, ?)`,
		memoryID, memoryType, now); err != nil {
		return fmt.Errorf("access log: %w", err)
	}
	return nil
}

// DecayAll multiplies the confidence of every memory not reinforced or
// accessed since staleBefore by decayFactor. Memories falling below
// minConfidence are flagged for review, never deleted here — deletion is a
// separate consolidation step. Returns the number of memories decayed.
func (db *DB) DecayAll(decayFactor, minConfidence float64, staleBefore int64) (int, error) {
	db.provMu.Lock()
	defer db.provMu.Unlock()

	rows, err := db.Query(`
		SELECT memory_id, memory_type FROM provenance
		WHERE COALESCE(last_reinforced, 0) < ?
		  AND COALESCE(last_accessed, 0) < ?
		  AND created_at < ?
	`, staleBefore, staleBefore, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("query stale provenance: %w", err)
	}

	type key struct{ id, typ string }
	var targets []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.typ); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale provenance: %w", err)
		}
		targets = append(targets, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	decayed := 0
	for _, t := range targets {
		p, err := db.GetProvenance(t.id, t.typ)
		if err != nil {
			return decayed, err
		}
		if p == nil {
			continue
		}

		p.CurrentConfidence = clamp01(p.CurrentConfidence * decayFactor)
		p.ConfidenceHistory = append(p.ConfidenceHistory, ConfidencePoint{
			Timestamp: now, Value: p.CurrentConfidence, Reason: "decay",
		})
		if p.CurrentConfidence < minConfidence && !p.Flagged {
			p.Flagged = true
			p.FlagReason = "confidence_below_threshold"
			p.FlaggedAt = &now
		}

		if err := db.saveProvenance(p); err != nil {
			return decayed, err
		}
		decayed++
	}

	return decayed, nil
}

// StaleMemories returns all provenance records below the confidence threshold.
func (db *DB) StaleMemories(threshold float64) ([]Provenance, error) {
	rows, err := db.Query(`SELECT `+provenanceColumns+` FROM provenance WHERE current_confidence < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("stale memories: %w", err)
	}
	defer rows.Close()
	return scanProvenances(rows)
}

// FlaggedMemories returns provenance records flagged for review.
func (db *DB) FlaggedMemories() ([]Provenance, error) {
	rows, err := db.Query(`SELECT ` + provenanceColumns + ` FROM provenance WHERE flagged = 1`)
	if err != nil {
		return nil, fmt.Errorf("flagged memories: %w", err)
	}
	defer rows.Close()
	return scanProvenances(rows)
}

// FlaggedForCleanup returns memories whose review flag has persisted since
// before the cutoff with no reinforcement after flagging. These are the only
// candidates for hard deletion.
func (db *DB) FlaggedForCleanup(flaggedBefore int64) ([]Provenance, error) {
	rows, err := db.Query(`
		SELECT `+provenanceColumns+` FROM provenance
		WHERE flagged = 1 AND flagged_at IS NOT NULL AND flagged_at < ?
		  AND (last_reinforced IS NULL OR last_reinforced < flagged_at)
	`, flaggedBefore)
	if err != nil {
		return nil, fmt.Errorf("flagged for cleanup: %w", err)
	}
	defer rows.Close()
	return scanProvenances(rows)
}

// CountContradictions returns the total number of recorded contradictions
// across all memories.
func (db *DB) CountContradictions() (int, error) {
	rows, err := db.Query(`SELECT contradictions FROM provenance WHERE contradictions != '[]'`)
	if err != nil {
		return 0, fmt.Errorf("count contradictions: %w", err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, err
		}
		var recs []ContradictionRecord
		jsonDecode(raw, &recs)
		total += len(recs)
	}
	return total, rows.Err()
}

// AvgConfidence returns the mean current confidence across all tracked memories.
func (db *DB) AvgConfidence() (float64, error) {
	var avg sql.NullFloat64
	err := db.QueryRow("SELECT AVG(current_confidence) FROM provenance").Scan(&avg)
	return avg.Float64, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanProvenance(row rowScanner) (*Provenance, error) {
	var p Provenance
	var sourceID, flagReason sql.NullString
	var lastReinforced, lastAccessed, flaggedAt sql.NullInt64
	var history, contradictions, accessHistory string
	var flagged int
	err := row.Scan(&p.MemoryID, &p.MemoryType, &p.SourceType, &sourceID, &p.SourceTS,
		&p.InitialConfidence, &p.CurrentConfidence, &history, &contradictions,
		&p.ReinforcedCount, &lastReinforced, &p.AccessCount, &lastAccessed, &accessHistory,
		&flagged, &flagReason, &flaggedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.SourceID = sourceID.String
	p.FlagReason = flagReason.String
	p.Flagged = flagged != 0
	if lastReinforced.Valid {
		p.LastReinforced = &lastReinforced.Int64
	}
	if lastAccessed.Valid {
		p.LastAccessed = &lastAccessed.Int64
	}
	if flaggedAt.Valid {
		p.FlaggedAt = &flaggedAt.Int64
	}
	jsonDecode(history, &p.ConfidenceHistory)
	jsonDecode(contradictions, &p.Contradictions)
	jsonDecode(accessHistory, &p.AccessHistory)
	return &p, nil
}

func scanProvenances(rows *sql.Rows) ([]Provenance, error) {
	var out []Provenance
	for rows.Next() {
		p, err := scanProvenance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
