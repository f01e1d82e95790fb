package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/candlekeep/mnemo/internal/llm"
	"github.com/candlekeep/mnemo/internal/store"
)

// ErrNotFound is returned when an operation targets a memory that does not exist.
var ErrNotFound = errors.New("memory not found")

// Engine orchestrates the memory layers: episodic storage, fact extraction,
// procedural learning, retrieval, and consolidation.
type Engine struct {
	DB       *store.DB
	LLM      llm.Client
	Embedder Embedder
	Working  *WorkingMemory

	Retrieval     RetrievalConfig
	Consolidation ConsolidationConfig
	AutoExtract   bool

	stopCh chan struct{}
}

// New creates a new Engine with default retrieval and consolidation settings.
func New(db *store.DB, client llm.Client, embedder Embedder) *Engine {
	return &Engine{
		DB:            db,
		LLM:           client,
		Embedder:      embedder,
		Working:       NewWorkingMemory(),
		Retrieval:     DefaultRetrievalConfig(),
		Consolidation: DefaultConsolidationConfig(),
		AutoExtract:   true,
		stopCh:        make(chan struct{}),
	}
}

// RememberConversation stores a conversation as an episode, updates working
// memory, and (when auto-extraction is on and an LLM is configured) runs the
// extraction pipeline over it. The returned episode carries the extracted
// fact IDs and entity topics. Extraction failure never loses the episode:
// the raw transcript is persisted first and the failure only logs.
func (e *Engine) RememberConversation(ctx context.Context, sessionID, userID string, messages []store.Message, outcome string) (*store.Episode, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("remember conversation: empty transcript")
	}

	e.Working.UpdateConversation(sessionID, messages, 0)

	condensed := condenseConversation(messages)

	summary := fallbackSummary(messages)
	if e.LLM != nil {
		summary = summarize(ctx, e.LLM, condensed, messages)
	}

	ep := &store.Episode{
		SessionID:  sessionID,
		UserID:     userID,
		Summary:    summary,
		Transcript: messages,
		Outcome:    outcome,
	}
	if err := e.DB.CreateEpisode(ep); err != nil {
		return nil, err
	}
	if err := e.DB.TrackProvenance(ep.ID, store.MemoryTypeEpisode, "observed", sessionID, 1.0); err != nil {
		log.Printf("remember: provenance for episode %s: %v", ep.ID, err)
	}
	e.embedAndSave(ctx, ep.ID, store.MemoryTypeEpisode, summary)

	// The episode is durable at this point; extraction runs inline so the
	// caller sees what was learned, and its failure only logs.
	if e.AutoExtract && e.LLM != nil {
		if err := e.ExtractEpisode(ctx, ep); err != nil {
			log.Printf("remember: extraction for episode %s: %v", ep.ID, err)
		}
	}

	return ep, nil
}

// ExtractEpisode runs fact and graph extraction over one episode and links
// the results back to it. Idempotent via the processed flag.
func (e *Engine) ExtractEpisode(ctx context.Context, ep *store.Episode) error {
	if ep.Processed {
		return nil
	}
	if e.LLM == nil {
		return fmt.Errorf("extract episode: no LLM configured")
	}

	condensed := condenseConversation(ep.Transcript)
	if len(condensed) < 20 {
		log.Printf("extraction: skipping %s, transcript too short", ep.ID)
		return e.DB.MarkProcessed(ep.ID)
	}

	candidates, err := extractFacts(ctx, e.LLM, condensed)
	if err != nil {
		return err
	}

	var factIDs []string
	var topics []string
	for _, c := range candidates {
		id, reinforced, err := e.storeFactCandidate(ctx, c, ep)
		if err != nil {
			log.Printf("extraction: store fact %q: %v", c.Content, err)
			continue
		}
		factIDs = append(factIDs, id)
		if reinforced {
			log.Printf("extraction: reinforced existing fact %s", id)
		} else {
			log.Printf("extraction: stored fact %s [%s]", id, c.Category)
		}
	}

	graph, err := extractGraph(ctx, e.LLM, condensed)
	if err != nil {
		return err
	}
	for _, ec := range graph.Entities {
		if err := e.DB.UpsertEntity(&store.Entity{Name: ec.Name, Type: ec.Type, Attributes: ec.Attributes}); err != nil {
			log.Printf("extraction: upsert entity %q: %v", ec.Name, err)
			continue
		}
		topics = append(topics, ec.Name)
	}
	for _, rc := range graph.Relationships {
		if err := e.DB.AddRelationship(rc.Source, rc.Target, rc.Type, 1.0, ep.ID); err != nil {
			log.Printf("extraction: relationship %s->%s: %v", rc.Source, rc.Target, err)
		}
	}

	if len(factIDs) > 0 {
		if err := e.DB.SetEpisodeLinks(ep.ID, factIDs, ep.ProcedureIDs); err != nil {
			log.Printf("extraction: link episode %s: %v", ep.ID, err)
		}
		ep.FactIDs = factIDs
	}
	if len(topics) > 0 {
		ep.Topics = topics
	}

	return e.DB.MarkProcessed(ep.ID)
}

// storeFactCandidate persists one extracted fact, reinforcing an existing
// near-duplicate instead of inserting when the embedding similarity clears
// the dedup threshold.
func (e *Engine) storeFactCandidate(ctx context.Context, c FactCandidate, ep *store.Episode) (string, bool, error) {
	var vec []float64
	if e.Embedder != nil {
		v, err := e.Embedder.Embed(ctx, c.Content)
		if err != nil {
			log.Printf("extraction: embed candidate: %v", err)
		} else {
			vec = v
		}
	}

	if vec != nil {
		vectors, err := e.DB.VectorsByType(store.MemoryTypeFact)
		if err != nil {
			return "", false, err
		}
		bestID, bestSim := "", 0.0
		for _, v := range vectors {
			if sim := CosineSimilarity(vec, v.Embedding); sim > bestSim {
				bestID, bestSim = v.MemoryID, sim
			}
		}
		if bestID != "" && bestSim >= dedupSimilarityThreshold {
			if _, err := e.DB.ReinforceMemory(bestID, store.MemoryTypeFact); err != nil {
				return "", false, err
			}
			return bestID, true, nil
		}
	}

	f := &store.Fact{
		Content:       c.Content,
		Category:      c.Category,
		Confidence:    c.Confidence,
		SourceType:    "extracted",
		SourceEpisode: ep.ID,
		UserID:        ep.UserID,
	}
	if err := e.DB.CreateFact(f); err != nil {
		return "", false, err
	}
	if vec != nil {
		if err := e.DB.SaveVector(f.ID, store.MemoryTypeFact, vec, e.Embedder.Model()); err != nil {
			log.Printf("extraction: save vector %s: %v", f.ID, err)
		}
	}
	return f.ID, false, nil
}

// RememberFact stores an explicitly provided fact.
func (e *Engine) RememberFact(ctx context.Context, content, category, userID string, confidence float64, sourceType string) (*store.Fact, error) {
	if category == "" {
		category = "general"
	}
	if sourceType == "" {
		sourceType = "explicit"
	}
	if confidence <= 0 {
		confidence = 0.9
	}

	f := &store.Fact{
		Content:    content,
		Category:   category,
		Confidence: confidence,
		SourceType: sourceType,
		UserID:     userID,
	}
	if err := e.DB.CreateFact(f); err != nil {
		return nil, err
	}
	e.embedAndSave(ctx, f.ID, store.MemoryTypeFact, content)
	return f, nil
}

// RememberProcedure stores or reinforces a trigger→steps workflow.
func (e *Engine) RememberProcedure(trigger string, patterns, steps []string, userID, category, source string) (*store.Procedure, bool, error) {
	p := &store.Procedure{
		Trigger:         trigger,
		TriggerPatterns: patterns,
		Steps:           steps,
		UserID:          userID,
		Category:        category,
	}
	if source != "" {
		p.LearnedFrom = []string{source}
	}

	id, created, err := e.DB.AddOrReinforceProcedure(p)
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := e.DB.TrackProvenance(id, store.MemoryTypeProcedure, "observed", source, 0.7); err != nil {
			log.Printf("remember: provenance for procedure %s: %v", id, err)
		}
	}

	stored, err := e.DB.GetProcedure(id)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// ReinforceFact bumps a fact's reinforcement counter and returns the new
// confidence.
func (e *Engine) ReinforceFact(id string) (float64, error) {
	f, err := e.DB.GetFact(id)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, ErrNotFound
	}
	return e.DB.ReinforceMemory(id, store.MemoryTypeFact)
}

// ContradictFact records that new information conflicts with a stored fact.
// Resolution "replace" swaps in the new content, "keep" retains the old; any
// other value leaves the conflict flagged for review.
func (e *Engine) ContradictFact(id, newInfo, resolution string) (*store.Fact, error) {
	f, err := e.DB.GetFact(id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotFound
	}

	switch resolution {
	case "replace":
		if err := e.DB.SetFactContent(id, newInfo); err != nil {
			return nil, err
		}
	case "keep":
		// stored content stands
	default:
		resolution = ""
	}

	if err := e.DB.RecordContradiction(id, store.MemoryTypeFact, newInfo, resolution); err != nil {
		return nil, err
	}
	if err := e.DB.IncrementContradictionCount(id); err != nil {
		return nil, err
	}

	return e.DB.GetFact(id)
}

// ForgetFact removes a fact and all records derived from it.
func (e *Engine) ForgetFact(id string) error {
	f, err := e.DB.GetFact(id)
	if err != nil {
		return err
	}
	if f == nil {
		return ErrNotFound
	}
	return e.DB.DeleteFact(id)
}

// ForgetProcedure removes a procedure.
func (e *Engine) ForgetProcedure(id string) error {
	p, err := e.DB.GetProcedure(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotFound
	}
	return e.DB.DeleteProcedure(id)
}

// RecordProcedureOutcome reports whether running a procedure worked.
func (e *Engine) RecordProcedureOutcome(id string, success bool) (*store.Procedure, error) {
	p, err := e.DB.GetProcedure(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if err := e.DB.RecordProcedureUsage(id, success); err != nil {
		return nil, err
	}
	return e.DB.GetProcedure(id)
}

// Stats summarizes the state of every memory layer.
type Stats struct {
	Episodes       int     `json:"episodes"`
	Facts          int     `json:"facts"`
	Entities       int     `json:"entities"`
	Relationships  int     `json:"relationships"`
	Procedures     int     `json:"procedures"`
	AvgConfidence  float64 `json:"avg_confidence"`
	Stale          int     `json:"stale"`
	Flagged        int     `json:"flagged"`
	Contradictions int     `json:"contradictions"`
	ActiveSessions int     `json:"active_sessions"`
}

// MemoryStats gathers counts across all layers.
func (e *Engine) MemoryStats() (*Stats, error) {
	var s Stats
	var err error

	if s.Episodes, err = e.DB.CountEpisodes(); err != nil {
		return nil, err
	}
	if s.Facts, err = e.DB.CountFacts(); err != nil {
		return nil, err
	}
	if s.Entities, err = e.DB.CountEntities(); err != nil {
		return nil, err
	}
	if s.Relationships, err = e.DB.CountRelationships(); err != nil {
		return nil, err
	}
	if s.Procedures, err = e.DB.CountProcedures(); err != nil {
		return nil, err
	}
	if s.AvgConfidence, err = e.DB.AvgConfidence(); err != nil {
		return nil, err
	}
	stale, err := e.DB.StaleMemories(e.Retrieval.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	s.Stale = len(stale)
	flagged, err := e.DB.FlaggedMemories()
	if err != nil {
		return nil, err
	}
	s.Flagged = len(flagged)
	if s.Contradictions, err = e.DB.CountContradictions(); err != nil {
		return nil, err
	}
	s.ActiveSessions = e.Working.ActiveSessions()
	return &s, nil
}

// StartConsolidationTimer runs consolidation daily in the background.
func (e *Engine) StartConsolidationTimer() {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if run, err := e.Consolidate(context.Background()); err != nil {
					log.Printf("consolidation: %v", err)
				} else {
					log.Printf("consolidation: run %s finished (%d episodes, %d facts, %d procedures)",
						run.ID, run.EpisodesProcessed, run.FactsExtracted, run.ProceduresLearned)
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// embedAndSave is a best-effort embed: retrieval degrades to keyword-only
// for memories without vectors, so failures only log.
func (e *Engine) embedAndSave(ctx context.Context, memoryID, memoryType, text string) {
	if e.Embedder == nil || text == "" {
		return
	}
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("embed %s/%s: %v", memoryType, memoryID, err)
		return
	}
	if err := e.DB.SaveVector(memoryID, memoryType, vec, e.Embedder.Model()); err != nil {
		log.Printf("save vector %s/%s: %v", memoryType, memoryID, err)
	}
}
