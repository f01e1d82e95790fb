package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/mnemo/internal/store"
)

func rememberActions(t *testing.T, e *Engine, session, text string) *store.Episode {
	t.Helper()
	ep, err := e.RememberConversation(context.Background(), session, "u1", []store.Message{
		{Role: "user", Content: text},
	}, "success")
	require.NoError(t, err)
	return ep
}

func backdateFlag(t *testing.T, e *Engine, memoryID string, days int) {
	t.Helper()
	old := time.Now().AddDate(0, 0, -days).UnixMilli()
	_, err := e.DB.Exec(`UPDATE provenance SET flagged_at = ? WHERE memory_id = ?`, old, memoryID)
	require.NoError(t, err)
}

func TestConsolidateMinesProcedures(t *testing.T) {
	e := testEngine(t)

	rememberActions(t, e, "s1", "run tests then build then deploy")
	rememberActions(t, e, "s2", "run tests then build then deploy")

	run, err := e.Consolidate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", run.Status)
	assert.Empty(t, run.Error)
	assert.GreaterOrEqual(t, run.ProceduresLearned, 1)

	hits, err := e.DB.MatchProcedures("run tests", "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, []string{"run tests", "build", "deploy"}, hits[0].Steps)

	p, err := e.DB.GetProvenance(hits[0].ID, store.MemoryTypeProcedure)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "inferred", p.SourceType)

	// fresh memories are untouched by decay and cleanup
	assert.Zero(t, run.MemoriesDecayed)
	assert.Zero(t, run.MemoriesDeleted)
}

func TestConsolidateLeavesContradictionsFlaggedByDefault(t *testing.T) {
	e := testEngine(t)

	f, err := e.RememberFact(context.Background(), "uses npm", "", "u1", 0.8, "")
	require.NoError(t, err)
	_, err = e.ContradictFact(f.ID, "uses pnpm", "")
	require.NoError(t, err)
	backdateFlag(t, e, f.ID, e.Consolidation.CleanupGraceDays+1)

	run, err := e.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, run.ContradictionsResolved, "default policy never auto-resolves")

	p, err := e.DB.GetProvenance(f.ID, store.MemoryTypeFact)
	require.NoError(t, err)
	assert.True(t, p.Flagged, "contradiction stays flagged for user review")

	got, err := e.DB.GetFact(f.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "flagged contradictions are never deleted")
}

func TestConsolidateResolvesOldContradictions(t *testing.T) {
	e := testEngine(t)
	e.Consolidation.ContradictionPolicy = "keep"

	f, err := e.RememberFact(context.Background(), "uses npm", "", "u1", 0.8, "")
	require.NoError(t, err)
	_, err = e.ContradictFact(f.ID, "uses pnpm", "")
	require.NoError(t, err)
	backdateFlag(t, e, f.ID, e.Consolidation.CleanupGraceDays+1)

	run, err := e.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.ContradictionsResolved)

	p, err := e.DB.GetProvenance(f.ID, store.MemoryTypeFact)
	require.NoError(t, err)
	assert.False(t, p.Flagged, "unchallenged content is kept")
	assert.Equal(t, "keep", p.Contradictions[0].Resolution)

	// contradiction flags never lead to deletion
	got, err := e.DB.GetFact(f.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestConsolidateCleansLongFlagged(t *testing.T) {
	e := testEngine(t)

	f, err := e.RememberFact(context.Background(), "stale claim", "", "u1", 0.5, "")
	require.NoError(t, err)
	_, err = e.DB.Exec(`UPDATE provenance SET flagged = 1, flag_reason = 'confidence_below_threshold' WHERE memory_id = ?`, f.ID)
	require.NoError(t, err)
	backdateFlag(t, e, f.ID, e.Consolidation.CleanupGraceDays+1)

	run, err := e.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.MemoriesDeleted)

	got, err := e.DB.GetFact(f.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConsolidateCompressesOldEpisodes(t *testing.T) {
	e := testEngine(t)

	ep := &store.Episode{
		SessionID: "s1",
		UserID:    "u1",
		Transcript: []store.Message{
			{Role: "user", Content: "migrate the billing database"},
		},
		CreatedAt: time.Now().AddDate(0, 0, -(e.Consolidation.CompressAfterDays + 10)).UnixMilli(),
	}
	require.NoError(t, e.DB.CreateEpisode(ep))

	run, err := e.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.EpisodesCompressed)

	got, err := e.DB.GetEpisode(ep.ID)
	require.NoError(t, err)
	assert.True(t, got.Compressed)
	assert.Empty(t, got.Transcript)
	assert.Equal(t, "migrate the billing database", got.Summary, "missing summary synthesized before archiving")
}

func TestConsolidateAsync(t *testing.T) {
	e := testEngine(t)
	rememberActions(t, e, "s1", "run tests then build then deploy")

	id, err := e.ConsolidateAsync()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		run, err := e.DB.GetRun(id)
		return err == nil && run != nil && run.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsolidateRecordsRun(t *testing.T) {
	e := testEngine(t)

	run, err := e.Consolidate(context.Background())
	require.NoError(t, err)

	stored, err := e.DB.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "completed", stored.Status)
	assert.NotNil(t, stored.EndedAt)
}
