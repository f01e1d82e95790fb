package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/mnemo/internal/store"
)

func TestRecallFacts(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.RememberFact(ctx, "prefers the TypeScript programming language", "preference", "u1", 0.9, "")
	require.NoError(t, err)
	_, err = e.RememberFact(ctx, "drinks too much coffee in the morning", "user", "u1", 0.9, "")
	require.NoError(t, err)

	bundle, err := e.Recall(ctx, "what programming language does the user prefer", "u1", "s1")
	require.NoError(t, err)

	require.NotEmpty(t, bundle.Facts)
	assert.Equal(t, "prefers the TypeScript programming language", bundle.Facts[0].Content)

	info, ok := bundle.Metadata.Branches["facts"]
	require.True(t, ok)
	assert.Empty(t, info.Error)
	assert.Equal(t, len(bundle.Facts), info.Results)
}

func TestRecallConfidenceGate(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.RememberFact(ctx, "prefers the TypeScript programming language", "preference", "u1", 0.9, "")
	require.NoError(t, err)
	low, err := e.RememberFact(ctx, "maybe likes the Zig programming language", "preference", "u1", 0.1, "")
	require.NoError(t, err)

	bundle, err := e.Recall(ctx, "which programming language", "u1", "")
	require.NoError(t, err)

	for _, f := range bundle.Facts {
		assert.NotEqual(t, low.ID, f.ID, "below-threshold facts never surface")
	}
	require.NotEmpty(t, bundle.Facts)
}

func TestRecallRecordsAccess(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	f, err := e.RememberFact(ctx, "prefers the TypeScript programming language", "preference", "u1", 0.9, "")
	require.NoError(t, err)

	bundle, err := e.Recall(ctx, "typescript programming language", "u1", "s1")
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Facts)

	p, err := e.DB.GetProvenance(f.ID, store.MemoryTypeFact)
	require.NoError(t, err)
	assert.Equal(t, 1, p.AccessCount, "retrieval counts as access")

	weights := e.Working.AttentionWeights("s1")
	assert.Equal(t, 1.0, weights[bundle.Facts[0].ID], "top result gets full attention")
}

func TestRecallEpisodesAndWorkingContext(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.RememberConversation(ctx, "s1", "u1", []store.Message{
		{Role: "user", Content: "the staging deploy pipeline keeps failing"},
		{Role: "assistant", Content: "the kubernetes config is stale"},
	}, "")
	require.NoError(t, err)

	bundle, err := e.Recall(ctx, "deploy pipeline failing", "u1", "s1")
	require.NoError(t, err)

	require.Len(t, bundle.Episodes, 1)
	assert.Len(t, bundle.WorkingContext, 2, "session turns ride along")

	// another session sees the episode but has no working context
	bundle, err = e.Recall(ctx, "deploy pipeline failing", "u1", "s2")
	require.NoError(t, err)
	assert.Len(t, bundle.Episodes, 1)
	assert.Empty(t, bundle.WorkingContext)
}

func TestRecallProcedures(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, _, err := e.RememberProcedure("deploy", []string{"ship it"}, []string{"run tests", "build", "deploy"}, "u1", "workflow", "")
	require.NoError(t, err)

	bundle, err := e.Recall(ctx, "how do I deploy the service", "u1", "")
	require.NoError(t, err)

	require.Len(t, bundle.Procedures, 1)
	assert.Equal(t, "deploy", bundle.Procedures[0].Trigger)
}

func TestRecallGraph(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.DB.AddRelationship("alice", "api-gateway", "works_on", 1, ""))
	require.NoError(t, e.DB.AddRelationship("api-gateway", "Postgres", "uses", 1, ""))

	bundle, err := e.Recall(ctx, "who works on api-gateway", "u1", "")
	require.NoError(t, err)

	require.NotNil(t, bundle.Graph)
	assert.Contains(t, bundle.Graph.Entities, "api-gateway")
	assert.Contains(t, bundle.Graph.Entities, "alice")

	// no entity name in the query: graph branch stays empty
	bundle, err = e.Recall(ctx, "unrelated question", "u1", "")
	require.NoError(t, err)
	assert.Nil(t, bundle.Graph)
}

func TestRecallProfile(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.DB.UpdateUserProfile("u1", map[string]any{"language": "go"}))

	bundle, err := e.Recall(ctx, "anything", "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "go", bundle.Profile["language"])
}

func TestRecallEmptyStore(t *testing.T) {
	e := testEngine(t)

	bundle, err := e.Recall(context.Background(), "anything at all", "u1", "")
	require.NoError(t, err)

	assert.Empty(t, bundle.Facts)
	assert.Empty(t, bundle.Episodes)
	assert.Empty(t, bundle.Procedures)
	assert.Nil(t, bundle.Graph)
	assert.Len(t, bundle.Metadata.Branches, 5, "all branches report even when empty")
}

func TestRecallRerankNone(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.RememberFact(ctx, "prefers the TypeScript programming language", "preference", "u1", 0.9, "")
	require.NoError(t, err)

	cfg := e.Retrieval
	cfg.RerankMethod = "none"
	bundle, err := e.RecallWithConfig(ctx, "typescript programming language", "u1", "", cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.Facts, "vector order alone still surfaces facts")
}

func TestSearchEpisodes(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	deploy, err := e.RememberConversation(ctx, "s1", "u1", []store.Message{
		{Role: "user", Content: "the staging deploy pipeline keeps failing"},
	}, "")
	require.NoError(t, err)
	_, err = e.RememberConversation(ctx, "s1", "u1", []store.Message{
		{Role: "user", Content: "planning the quarterly roadmap review meeting"},
	}, "")
	require.NoError(t, err)
	_, err = e.RememberConversation(ctx, "s2", "u2", []store.Message{
		{Role: "user", Content: "another user's deploy pipeline conversation"},
	}, "")
	require.NoError(t, err)

	matches, err := e.SearchEpisodes(ctx, "deploy pipeline failing", "u1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2, "other users' episodes excluded")
	assert.Equal(t, deploy.ID, matches[0].ID, "most similar episode first")
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)

	matches, err = e.SearchEpisodes(ctx, "deploy pipeline failing", "u1", 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestBoundedBranch(t *testing.T) {
	got, err := bounded(context.Background(), 50*time.Millisecond, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	// a branch that never finishes reports its deadline instead of stalling
	_, err = bounded(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// zero timeout means no deadline
	got, err = bounded(context.Background(), 0, func(context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestRecallDeadBranchDegrades(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.RememberFact(ctx, "prefers the TypeScript programming language", "preference", "u1", 0.9, "")
	require.NoError(t, err)

	dead, cancel := context.WithCancel(ctx)
	cancel()

	bundle, err := e.Recall(dead, "typescript programming language", "u1", "")
	require.NoError(t, err, "a dead branch degrades the bundle, never the call")
	assert.Empty(t, bundle.Facts)
	assert.NotEmpty(t, bundle.Metadata.Branches["facts"].Error)
}

func TestRecallRespectsLimits(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.Retrieval.MaxFacts = 2
	for _, content := range []string{
		"prefers the TypeScript programming language",
		"writes TypeScript at work every day",
		"maintains a TypeScript linter plugin",
		"teaches a TypeScript course on weekends",
	} {
		_, err := e.RememberFact(ctx, content, "preference", "u1", 0.9, "")
		require.NoError(t, err)
	}

	bundle, err := e.Recall(ctx, "typescript", "u1", "")
	require.NoError(t, err)
	assert.Len(t, bundle.Facts, 2)
}
