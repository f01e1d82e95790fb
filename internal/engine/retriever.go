package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/candlekeep/mnemo/internal/store"
)

// RetrievalConfig holds the per-query retrieval knobs.
type RetrievalConfig struct {
	MaxFacts            int
	MaxEpisodes         int
	MaxProcedures       int
	ConfidenceThreshold float64
	GraphDepth          int
	BranchTimeout       time.Duration

	// RerankMethod is "rrf" (fuse vector and keyword/recency rankings) or
	// "none" (vector order only, keyword/recency as fallback).
	RerankMethod string

	// RecencyWeight is accepted and reported but does not currently alter
	// ranking math.
	RecencyWeight float64
}

// DefaultRetrievalConfig returns the standard retrieval settings.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		MaxFacts:            10,
		MaxEpisodes:         5,
		MaxProcedures:       3,
		ConfidenceThreshold: 0.3,
		GraphDepth:          2,
		BranchTimeout:       3 * time.Second,
		RerankMethod:        "rrf",
	}
}

// bounded runs one retrieval branch under its own deadline. The store layer
// has no context plumbing, so a branch that outlives the deadline is
// abandoned: its result is discarded and the timeout is reported instead.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(bctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-bctx.Done():
		var zero T
		return zero, fmt.Errorf("timed out after %s: %w", timeout, bctx.Err())
	}
}

// fuse applies the configured rerank method to the primary (vector) and
// secondary (keyword or recency) rankings.
func fuse(cfg RetrievalConfig, vectorRank, secondary []string) []string {
	if cfg.RerankMethod == "none" {
		if len(vectorRank) > 0 {
			return vectorRank
		}
		return secondary
	}
	return reciprocalRankFusion([][]string{vectorRank, secondary}, rrfK)
}

// BranchInfo reports how one retrieval branch fared.
type BranchInfo struct {
	DurationMS int64  `json:"duration_ms"`
	Results    int    `json:"results"`
	Error      string `json:"error,omitempty"`
}

// RetrievalMetadata describes a completed retrieval.
type RetrievalMetadata struct {
	Query      string                `json:"query"`
	UserID     string                `json:"user_id,omitempty"`
	DurationMS int64                 `json:"duration_ms"`
	Branches   map[string]BranchInfo `json:"branches"`
}

// MemoryBundle is everything retrieval assembles for a query: relevant
// facts, similar episodes, matching procedures, the local entity
// neighborhood, the user profile, and the session's working context.
type MemoryBundle struct {
	Facts          []store.Fact           `json:"facts"`
	Episodes       []store.Episode        `json:"episodes"`
	Procedures     []store.Procedure      `json:"procedures"`
	Graph          *store.TraversalResult `json:"graph,omitempty"`
	Profile        map[string]any         `json:"profile,omitempty"`
	WorkingContext []store.Message        `json:"working_context,omitempty"`
	Metadata       RetrievalMetadata      `json:"metadata"`
}

// Recall runs the five retrieval branches concurrently and fuses the
// results. A failing branch degrades the bundle, never the call: its error
// lands in the metadata and the other branches still contribute.
func (e *Engine) Recall(ctx context.Context, query, userID, sessionID string) (*MemoryBundle, error) {
	return e.RecallWithConfig(ctx, query, userID, sessionID, e.Retrieval)
}

// RecallWithConfig is Recall with per-call overrides of the retrieval knobs.
func (e *Engine) RecallWithConfig(ctx context.Context, query, userID, sessionID string, cfg RetrievalConfig) (*MemoryBundle, error) {
	start := time.Now()
	bundle := &MemoryBundle{
		Metadata: RetrievalMetadata{
			Query:    query,
			UserID:   userID,
			Branches: map[string]BranchInfo{},
		},
	}

	// One query embedding shared by the fact and episode branches.
	var queryVec []float64
	if e.Embedder != nil {
		embedCtx, cancel := context.WithTimeout(ctx, cfg.BranchTimeout)
		vec, err := e.Embedder.Embed(embedCtx, query)
		cancel()
		if err != nil {
			log.Printf("retrieval: query embed failed, keyword-only: %v", err)
		} else {
			queryVec = vec
		}
	}

	var mu sync.Mutex
	record := func(name string, started time.Time, results int, err error) {
		info := BranchInfo{DurationMS: time.Since(started).Milliseconds(), Results: results}
		if err != nil {
			info.Error = err.Error()
			log.Printf("retrieval: %s branch: %v", name, err)
		}
		mu.Lock()
		bundle.Metadata.Branches[name] = info
		mu.Unlock()
	}

	var g errgroup.Group

	g.Go(func() error {
		t := time.Now()
		facts, err := bounded(ctx, cfg.BranchTimeout, func(bctx context.Context) ([]store.Fact, error) {
			return e.recallFacts(bctx, cfg, query, queryVec, userID)
		})
		mu.Lock()
		bundle.Facts = facts
		mu.Unlock()
		record("facts", t, len(facts), err)
		return nil
	})

	g.Go(func() error {
		t := time.Now()
		episodes, err := bounded(ctx, cfg.BranchTimeout, func(bctx context.Context) ([]store.Episode, error) {
			return e.recallEpisodes(bctx, cfg, queryVec, userID)
		})
		mu.Lock()
		bundle.Episodes = episodes
		mu.Unlock()
		record("episodes", t, len(episodes), err)
		return nil
	})

	g.Go(func() error {
		t := time.Now()
		procs, err := bounded(ctx, cfg.BranchTimeout, func(context.Context) ([]store.Procedure, error) {
			return e.DB.MatchProcedures(query, userID, cfg.MaxProcedures)
		})
		mu.Lock()
		bundle.Procedures = procs
		mu.Unlock()
		record("procedures", t, len(procs), err)
		return nil
	})

	g.Go(func() error {
		t := time.Now()
		graph, err := bounded(ctx, cfg.BranchTimeout, func(bctx context.Context) (*store.TraversalResult, error) {
			return e.recallGraph(bctx, cfg, query)
		})
		n := 0
		if graph != nil {
			n = len(graph.Entities)
		}
		mu.Lock()
		bundle.Graph = graph
		mu.Unlock()
		record("graph", t, n, err)
		return nil
	})

	g.Go(func() error {
		t := time.Now()
		profile, err := bounded(ctx, cfg.BranchTimeout, func(context.Context) (map[string]any, error) {
			return e.DB.GetUserProfile(userID)
		})
		n := 0
		if err == nil {
			n = len(profile)
		}
		mu.Lock()
		bundle.Profile = profile
		mu.Unlock()
		record("profile", t, n, err)
		return nil
	})

	g.Wait() //nolint:errcheck // branches never return errors

	if sessionID != "" {
		bundle.WorkingContext = e.Working.Recent(sessionID, 5)
	}

	// Retrieval is itself a memory event: accessed facts gain confidence
	// and the session's attention shifts to what was just recalled.
	weights := map[string]float64{}
	for i, f := range bundle.Facts {
		if err := e.DB.RecordMemoryAccess(f.ID, store.MemoryTypeFact); err != nil {
			log.Printf("retrieval: record access %s: %v", f.ID, err)
		}
		weights[f.ID] = 1.0 / float64(i+1)
	}
	if sessionID != "" && len(weights) > 0 {
		e.Working.SetAttentionWeights(sessionID, weights)
	}

	bundle.Metadata.DurationMS = time.Since(start).Milliseconds()
	return bundle, nil
}

// recallFacts fuses a vector ranking and a keyword ranking over the facts
// that pass the confidence gate.
func (e *Engine) recallFacts(ctx context.Context, cfg RetrievalConfig, query string, queryVec []float64, userID string) ([]store.Fact, error) {
	all, err := e.DB.FactsByUser(userID, "")
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(all))
	for i, f := range all {
		ids[i] = f.ID
	}
	prov, err := e.DB.ProvenanceMap(store.MemoryTypeFact, ids)
	if err != nil {
		return nil, err
	}

	// Confidence gate first: low-confidence facts never enter ranking, so
	// they cannot displace eligible ones.
	eligible := map[string]store.Fact{}
	for _, f := range all {
		conf := f.Confidence
		if p, ok := prov[f.ID]; ok {
			conf = p.CurrentConfidence
		}
		if conf >= cfg.ConfidenceThreshold {
			eligible[f.ID] = f
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	poolSize := cfg.MaxFacts * 3

	var vectorRank []string
	if queryVec != nil {
		vectorRank, err = e.vectorRank(store.MemoryTypeFact, queryVec, func(id string) bool {
			_, ok := eligible[id]
			return ok
		}, poolSize)
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keywordHits, err := e.DB.KeywordSearchFacts(query, userID, "", poolSize)
	if err != nil {
		return nil, err
	}
	var keywordRank []string
	for _, f := range keywordHits {
		if _, ok := eligible[f.ID]; ok {
			keywordRank = append(keywordRank, f.ID)
		}
	}

	fused := fuse(cfg, vectorRank, keywordRank)
	if len(fused) > cfg.MaxFacts {
		fused = fused[:cfg.MaxFacts]
	}

	out := make([]store.Fact, 0, len(fused))
	for _, id := range fused {
		out = append(out, eligible[id])
	}
	return out, nil
}

// recallEpisodes fuses vector similarity with pure recency.
func (e *Engine) recallEpisodes(ctx context.Context, cfg RetrievalConfig, queryVec []float64, userID string) ([]store.Episode, error) {
	recent, err := e.DB.EpisodesByTimeRange(0, time.Now().UnixMilli(), userID)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byID := map[string]store.Episode{}
	poolSize := cfg.MaxEpisodes * 3

	var recencyRank []string
	for i, ep := range recent {
		byID[ep.ID] = ep
		if i < poolSize {
			recencyRank = append(recencyRank, ep.ID)
		}
	}

	var vectorRank []string
	if queryVec != nil {
		vectorRank, err = e.vectorRank(store.MemoryTypeEpisode, queryVec, func(id string) bool {
			_, ok := byID[id]
			return ok
		}, poolSize)
		if err != nil {
			return nil, err
		}
	}

	fused := fuse(cfg, vectorRank, recencyRank)
	if len(fused) > cfg.MaxEpisodes {
		fused = fused[:cfg.MaxEpisodes]
	}

	out := make([]store.Episode, 0, len(fused))
	for _, id := range fused {
		out = append(out, byID[id])
	}
	return out, nil
}

// recallGraph seeds a bounded traversal with every entity whose name
// appears in the query.
func (e *Engine) recallGraph(ctx context.Context, cfg RetrievalConfig, query string) (*store.TraversalResult, error) {
	names, err := e.DB.EntityNames()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var seeds []string
	for _, name := range names {
		if strings.Contains(q, strings.ToLower(name)) {
			seeds = append(seeds, name)
		}
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	return e.DB.Traverse(seeds, cfg.GraphDepth, nil)
}

// EpisodeMatch is one similarity-search hit against the episodic store.
type EpisodeMatch struct {
	store.Episode
	Similarity float64 `json:"similarity"`
}

// SearchEpisodes ranks episodes by embedding similarity to the query,
// optionally restricted to a user. Ties break toward newer episodes.
func (e *Engine) SearchEpisodes(ctx context.Context, query, userID string, limit int) ([]EpisodeMatch, error) {
	if e.Embedder == nil {
		return nil, fmt.Errorf("search episodes: no embedder configured")
	}
	queryVec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search episodes: embed query: %w", err)
	}

	vectors, err := e.DB.VectorsByType(store.MemoryTypeEpisode)
	if err != nil {
		return nil, err
	}

	sims := make(map[string]float64, len(vectors))
	ids := make([]string, 0, len(vectors))
	for _, v := range vectors {
		sims[v.MemoryID] = CosineSimilarity(queryVec, v.Embedding)
		ids = append(ids, v.MemoryID)
	}

	episodes, err := e.DB.GetEpisodesByIDs(ids)
	if err != nil {
		return nil, err
	}

	var out []EpisodeMatch
	for _, ep := range episodes {
		if userID != "" && ep.UserID != userID {
			continue
		}
		out = append(out, EpisodeMatch{Episode: ep, Similarity: sims[ep.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// vectorRank scores all stored vectors of one memory type against the
// query vector and returns the top IDs passing the filter, best first.
func (e *Engine) vectorRank(memoryType string, queryVec []float64, keep func(string) bool, limit int) ([]string, error) {
	vectors, err := e.DB.VectorsByType(memoryType)
	if err != nil {
		return nil, err
	}

	type scored struct {
		id  string
		sim float64
	}
	var hits []scored
	for _, v := range vectors {
		if keep != nil && !keep(v.MemoryID) {
			continue
		}
		sim := CosineSimilarity(queryVec, v.Embedding)
		if sim > 0 {
			hits = append(hits, scored{v.MemoryID, sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}
