package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/candlekeep/mnemo/internal/store"
)

// ConsolidationConfig holds the knobs for the background maintenance pass.
type ConsolidationConfig struct {
	LookbackDays      int     // how far back to pick up unprocessed episodes
	PatternWindowDays int     // episode window for procedure mining
	MinOccurrences    int     // episodes an action sequence must recur in
	DecayFactor       float64 // per-run multiplier for stale memories
	MinConfidence     float64 // below this, decayed memories are flagged
	DecayAfterDays    int     // inactivity horizon before decay applies
	CompressAfterDays int     // episode age before transcript archiving
	CleanupGraceDays  int     // how long a flag must persist before deletion

	// ContradictionPolicy is "flag" (leave contradiction flags for user
	// review, the default) or "keep" (auto-resolve flags that outlive the
	// grace period in favor of the stored content).
	ContradictionPolicy string
}

// DefaultConsolidationConfig returns the standard maintenance settings.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		LookbackDays:      7,
		PatternWindowDays: 7,
		MinOccurrences:    2,
		DecayFactor:       0.95,
		MinConfidence:     0.2,
		DecayAfterDays:    7,
		CompressAfterDays: 30,
		CleanupGraceDays:  14,

		ContradictionPolicy: "flag",
	}
}

// Consolidate runs the full maintenance pass: extraction catch-up, pattern
// mining, decay, contradiction review, episode compression, and cleanup.
// Each step is fault-isolated; one failing step is recorded on the run and
// the rest still execute.
func (e *Engine) Consolidate(ctx context.Context) (*store.ConsolidationRun, error) {
	run, err := e.DB.StartRun()
	if err != nil {
		return nil, err
	}
	if err := e.consolidateRun(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// ConsolidateAsync starts a consolidation run in the background and returns
// its ID immediately; progress is queried via the run record.
func (e *Engine) ConsolidateAsync() (string, error) {
	run, err := e.DB.StartRun()
	if err != nil {
		return "", err
	}
	go func() {
		if err := e.consolidateRun(context.Background(), run); err != nil {
			log.Printf("consolidation: run %s: %v", run.ID, err)
		}
	}()
	return run.ID, nil
}

func (e *Engine) consolidateRun(ctx context.Context, run *store.ConsolidationRun) error {
	log.Printf("consolidation: run %s started", run.ID)

	cfg := e.Consolidation
	now := time.Now()
	var stepErrs []string
	fail := func(step string, err error) {
		log.Printf("consolidation: %s: %v", step, err)
		stepErrs = append(stepErrs, fmt.Sprintf("%s: %v", step, err))
	}

	// 1. Extraction catch-up over unprocessed episodes.
	if e.LLM != nil {
		since := now.AddDate(0, 0, -cfg.LookbackDays).UnixMilli()
		episodes, err := e.DB.UnprocessedEpisodes(since)
		if err != nil {
			fail("extraction", err)
		} else {
			factsBefore, _ := e.DB.CountFacts()
			entitiesBefore, _ := e.DB.CountEntities()
			for i := range episodes {
				if err := e.ExtractEpisode(ctx, &episodes[i]); err != nil {
					fail("extraction", err)
					continue
				}
				run.EpisodesProcessed++
			}
			factsAfter, _ := e.DB.CountFacts()
			entitiesAfter, _ := e.DB.CountEntities()
			run.FactsExtracted = factsAfter - factsBefore
			run.EntitiesFound = entitiesAfter - entitiesBefore
		}
	}

	// 2. Procedure mining from recurring action sequences.
	if n, err := e.minePatterns(now); err != nil {
		fail("patterns", err)
	} else {
		run.ProceduresLearned = n
	}

	// 3. Confidence decay for stale memories.
	staleBefore := now.AddDate(0, 0, -cfg.DecayAfterDays).UnixMilli()
	if n, err := e.DB.DecayAll(cfg.DecayFactor, cfg.MinConfidence, staleBefore); err != nil {
		fail("decay", err)
	} else {
		run.MemoriesDecayed = n
	}

	// 4. Contradiction review, governed by the configured policy.
	if n, err := e.reviewContradictions(now); err != nil {
		fail("contradictions", err)
	} else {
		run.ContradictionsResolved = n
	}

	// 5. Episode compression: archive old transcripts, keep summaries.
	if n, err := e.compressOldEpisodes(ctx, now); err != nil {
		fail("compression", err)
	} else {
		run.EpisodesCompressed = n
	}

	// 6. Cleanup of long-flagged, never-reinforced memories.
	if n, err := e.cleanupFlagged(now); err != nil {
		fail("cleanup", err)
	} else {
		run.MemoriesDeleted = n
	}

	run.Status = "completed"
	if len(stepErrs) > 0 {
		run.Error = strings.Join(stepErrs, "; ")
	}
	return e.DB.FinishRun(run)
}

// minePatterns detects recurring action sequences in the recent episode
// window and promotes them to procedures.
func (e *Engine) minePatterns(now time.Time) (int, error) {
	start := now.AddDate(0, 0, -e.Consolidation.PatternWindowDays).UnixMilli()
	episodes, err := e.DB.EpisodesByTimeRange(start, now.UnixMilli(), "")
	if err != nil {
		return 0, err
	}

	learned := 0
	for _, cand := range DetectPatterns(episodes, e.Consolidation.MinOccurrences) {
		// resolve the user: patterns only promote within one user's episodes
		userID := ""
		for _, ep := range episodes {
			if len(cand.Episodes) > 0 && ep.ID == cand.Episodes[0] {
				userID = ep.UserID
				break
			}
		}

		p := &store.Procedure{
			Trigger:         cand.Trigger,
			TriggerPatterns: cand.Steps,
			Steps:           cand.Steps,
			LearnedFrom:     cand.Episodes,
			UserID:          userID,
			Category:        "workflow",
		}
		id, created, err := e.DB.AddOrReinforceProcedure(p)
		if err != nil {
			log.Printf("consolidation: promote pattern %q: %v", cand.Trigger, err)
			continue
		}
		if created {
			if err := e.DB.TrackProvenance(id, store.MemoryTypeProcedure, "inferred", cand.Episodes[0], 0.6); err != nil {
				log.Printf("consolidation: provenance for procedure %s: %v", id, err)
			}
			log.Printf("consolidation: learned procedure %q (%d steps)", cand.Trigger, len(cand.Steps))
		}
		learned++
	}
	return learned, nil
}

// reviewContradictions applies the contradiction policy. The default "flag"
// policy leaves everything flagged for user review; "keep" resolves flags
// older than the grace period in favor of the stored content.
func (e *Engine) reviewContradictions(now time.Time) (int, error) {
	if e.Consolidation.ContradictionPolicy != "keep" {
		return 0, nil
	}

	flagged, err := e.DB.FlaggedMemories()
	if err != nil {
		return 0, err
	}

	cutoff := now.AddDate(0, 0, -e.Consolidation.CleanupGraceDays).UnixMilli()
	resolved := 0
	for _, p := range flagged {
		if p.FlagReason != "contradiction" || p.FlaggedAt == nil || *p.FlaggedAt >= cutoff {
			continue
		}
		if err := e.DB.ResolveContradictions(p.MemoryID, p.MemoryType, "keep"); err != nil {
			log.Printf("consolidation: resolve %s/%s: %v", p.MemoryType, p.MemoryID, err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// compressOldEpisodes archives transcripts of episodes past the compression
// horizon, summarizing first when a summary is missing.
func (e *Engine) compressOldEpisodes(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -e.Consolidation.CompressAfterDays).UnixMilli()
	episodes, err := e.DB.EpisodesOlderThan(cutoff)
	if err != nil {
		return 0, err
	}

	compressed := 0
	for _, ep := range episodes {
		summary := ep.Summary
		if summary == "" {
			if e.LLM != nil {
				summary = summarize(ctx, e.LLM, condenseConversation(ep.Transcript), ep.Transcript)
			} else {
				summary = fallbackSummary(ep.Transcript)
			}
		}
		if err := e.DB.CompressEpisode(ep.ID, summary); err != nil {
			log.Printf("consolidation: compress %s: %v", ep.ID, err)
			continue
		}
		compressed++
	}
	return compressed, nil
}

// cleanupFlagged hard-deletes memories whose review flag persisted past the
// grace period without any reinforcement.
func (e *Engine) cleanupFlagged(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -e.Consolidation.CleanupGraceDays).UnixMilli()
	stale, err := e.DB.FlaggedForCleanup(cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, p := range stale {
		// Contradiction flags are reviewed, not deleted.
		if p.FlagReason == "contradiction" {
			continue
		}
		var err error
		switch p.MemoryType {
		case store.MemoryTypeFact:
			err = e.DB.DeleteFact(p.MemoryID)
		case store.MemoryTypeProcedure:
			err = e.DB.DeleteProcedure(p.MemoryID)
		case store.MemoryTypeEpisode:
			err = e.DB.DeleteEpisode(p.MemoryID)
		default:
			continue
		}
		if err != nil {
			log.Printf("consolidation: delete %s/%s: %v", p.MemoryType, p.MemoryID, err)
			continue
		}
		log.Printf("consolidation: deleted %s/%s (flagged: %s)", p.MemoryType, p.MemoryID, p.FlagReason)
		deleted++
	}
	return deleted, nil
}
