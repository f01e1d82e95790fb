package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Entity types.
var ValidEntityTypes = map[string]bool{
	"person": true, "project": true, "tool": true, "concept": true,
	"language": true, "organization": true, "other": true,
}

// Entity is a knowledge-graph node, keyed by name.
type Entity struct {
	Name       string
	Type       string
	Attributes map[string]string
	CreatedAt  int64
	UpdatedAt  int64
}

// Relationship is a directed, typed, weighted edge between two entities.
type Relationship struct {
	ID            int64
	Source        string
	Target        string
	Type          string
	Weight        float64
	SourceEpisode string
	CreatedAt     int64
}

// TraversalResult is the outcome of a bounded BFS over the graph.
type TraversalResult struct {
	Entities []string
	Edges    []Relationship
}

// UpsertEntity inserts an entity or merges attributes into an existing one.
// Attribute merge is last-write-wins per key; unnamed keys are untouched.
func (db *DB) UpsertEntity(e *Entity) error {
	if e.Name == "" {
		return fmt.Errorf("upsert entity: empty name")
	}
	if e.Type == "" {
		e.Type = "other"
	}
	if !ValidEntityTypes[e.Type] {
		return fmt.Errorf("upsert entity: invalid type %q", e.Type)
	}

	db.graphMu.Lock()
	defer db.graphMu.Unlock()
	return db.upsertEntityLocked(e)
}

func (db *DB) upsertEntityLocked(e *Entity) error {
	now := time.Now().UnixMilli()

	existing, err := db.getEntityLocked(e.Name)
	if err != nil {
		return err
	}

	if existing == nil {
		_, err := db.Exec(`
			INSERT INTO entities (name, type, attributes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.Name, e.Type, jsonEncode(e.Attributes), now, now)
		if err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		return nil
	}

	merged := existing.Attributes
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range e.Attributes {
		merged[k] = v
	}
	typ := existing.Type
	if e.Type != "other" {
		typ = e.Type
	}

	_, err = db.Exec(`UPDATE entities SET type = ?, attributes = ?, updated_at = ? WHERE name = ?`,
		typ, jsonEncode(merged), now, e.Name)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	e.Attributes = merged
	e.Type = typ
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = now
	return nil
}

// GetEntity returns an entity by name, or nil if not found.
func (db *DB) GetEntity(name string) (*Entity, error) {
	db.graphMu.Lock()
	defer db.graphMu.Unlock()
	return db.getEntityLocked(name)
}

func (db *DB) getEntityLocked(name string) (*Entity, error) {
	var e Entity
	var attrs string
	err := db.QueryRow(`SELECT name, type, attributes, created_at, updated_at FROM entities WHERE name = ?`, name).
		Scan(&e.Name, &e.Type, &attrs, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	e.Attributes = map[string]string{}
	jsonDecode(attrs, &e.Attributes)
	return &e, nil
}

// EntityNames returns all entity names.
func (db *DB) EntityNames() ([]string, error) {
	rows, err := db.Query(`SELECT name FROM entities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("entity names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AddRelationship inserts or updates a directed edge. Missing endpoints are
// auto-created as bare entities — the graph never rejects an edge for a
// missing node.
func (db *DB) AddRelationship(source, target, relType string, weight float64, sourceEpisode string) error {
	if source == "" || target == "" || relType == "" {
		return fmt.Errorf("add relationship: source, target, and type required")
	}
	if weight == 0 {
		weight = 1.0
	}

	db.graphMu.Lock()
	defer db.graphMu.Unlock()

	for _, name := range []string{source, target} {
		exists, err := db.getEntityLocked(name)
		if err != nil {
			return err
		}
		if exists == nil {
			if err := db.upsertEntityLocked(&Entity{Name: name, Type: "other"}); err != nil {
				return err
			}
		}
	}

	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO relationships (source, target, rel_type, weight, source_episode, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(source, target, rel_type) DO UPDATE SET weight = ?, source_episode = NULLIF(?, '')
	`, source, target, relType, weight, sourceEpisode, now, weight, sourceEpisode)
	if err != nil {
		return fmt.Errorf("add relationship: %w", err)
	}
	return nil
}

// Traverse performs breadth-first expansion from each seed up to depth hops,
// optionally filtered to a set of relationship types. Neighbors are followed
// in both edge directions. A visited set guarantees termination on cycles and
// that no node is expanded twice.
func (db *DB) Traverse(seeds []string, depth int, relTypes []string) (*TraversalResult, error) {
	db.graphMu.Lock()
	defer db.graphMu.Unlock()

	typeFilter := map[string]bool{}
	for _, t := range relTypes {
		typeFilter[t] = true
	}

	visited := map[string]bool{}
	edgeSeen := map[int64]bool{}
	result := &TraversalResult{}

	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s == "" || visited[s] {
			continue
		}
		exists, err := db.getEntityLocked(s)
		if err != nil {
			return nil, err
		}
		if exists == nil {
			continue
		}
		visited[s] = true
		result.Entities = append(result.Entities, s)
		frontier = append(frontier, s)
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, name := range frontier {
			edges, err := db.edgesTouching(name)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if len(typeFilter) > 0 && !typeFilter[edge.Type] {
					continue
				}
				if !edgeSeen[edge.ID] {
					edgeSeen[edge.ID] = true
					result.Edges = append(result.Edges, edge)
				}
				neighbor := edge.Target
				if neighbor == name {
					neighbor = edge.Source
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				result.Entities = append(result.Entities, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	return result, nil
}

func (db *DB) edgesTouching(name string) ([]Relationship, error) {
	rows, err := db.Query(`
		SELECT id, source, target, rel_type, weight, source_episode, created_at
		FROM relationships WHERE source = ? OR target = ?
		ORDER BY id
	`, name, name)
	if err != nil {
		return nil, fmt.Errorf("edges touching %s: %w", name, err)
	}
	defer rows.Close()

	var edges []Relationship
	for rows.Next() {
		var r Relationship
		var sourceEpisode sql.NullString
		if err := rows.Scan(&r.ID, &r.Source, &r.Target, &r.Type, &r.Weight, &sourceEpisode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.SourceEpisode = sourceEpisode.String
		edges = append(edges, r)
	}
	return edges, rows.Err()
}

// CountEntities returns the number of entities in the graph.
func (db *DB) CountEntities() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM entities").Scan(&n)
	return n, err
}

// CountRelationships returns the number of edges in the graph.
func (db *DB) CountRelationships() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM relationships").Scan(&n)
	return n, err
}
