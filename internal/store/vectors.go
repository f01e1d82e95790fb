package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Memory types used to key vectors, provenance, and access logs.
const (
	MemoryTypeFact      = "fact"
	MemoryTypeEpisode   = "episode"
	MemoryTypeProcedure = "procedure"
)

// VectorRecord holds an embedding for a memory record.
type VectorRecord struct {
	MemoryID   string
	MemoryType string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveVector stores or replaces the embedding for a memory record.
func (db *DB) SaveVector(memoryID, memoryType string, embedding []float64, model string) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := db.Exec(`
		INSERT INTO vectors (memory_id, memory_type, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, memory_type) DO UPDATE SET embedding = ?, model = ?, dimensions = ?, created_at = ?
	`, memoryID, memoryType, blob, model, len(embedding), now,
		blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// GetVector returns the embedding for a memory record, or nil if not found.
func (db *DB) GetVector(memoryID, memoryType string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRow(`
		SELECT memory_id, memory_type, embedding, model, dimensions, created_at
		FROM vectors WHERE memory_id = ? AND memory_type = ?
	`, memoryID, memoryType).Scan(&v.MemoryID, &v.MemoryType, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// VectorsByType returns all stored vectors for a memory type.
func (db *DB) VectorsByType(memoryType string) ([]VectorRecord, error) {
	rows, err := db.Query(`
		SELECT memory_id, memory_type, embedding, model, dimensions, created_at
		FROM vectors WHERE memory_type = ?
	`, memoryType)
	if err != nil {
		return nil, fmt.Errorf("vectors by type: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.MemoryID, &v.MemoryType, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// DeleteVector removes the embedding for a memory record.
func (db *DB) DeleteVector(memoryID, memoryType string) error {
	_, err := db.Exec("DELETE FROM vectors WHERE memory_id = ? AND memory_type = ?", memoryID, memoryType)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}
