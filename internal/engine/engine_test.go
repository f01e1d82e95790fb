package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/mnemo/internal/llm"
	"github.com/candlekeep/mnemo/internal/store"
)

// testEngine builds an engine on an in-memory store with the deterministic
// hash embedder. Tests that need an LLM set one on the returned engine.
func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := New(db, nil, NewHashEmbedder())
	e.AutoExtract = false // tests drive extraction explicitly
	return e
}

func TestRememberFact(t *testing.T) {
	e := testEngine(t)

	f, err := e.RememberFact(context.Background(), "prefers tabs over spaces", "", "u1", 0, "")
	require.NoError(t, err)

	assert.Equal(t, "general", f.Category)
	assert.Equal(t, "explicit", f.SourceType)
	assert.Equal(t, 0.9, f.Confidence)

	vec, err := e.DB.GetVector(f.ID, store.MemoryTypeFact)
	require.NoError(t, err)
	require.NotNil(t, vec, "explicit facts are embedded on write")
	assert.Equal(t, "hash", vec.Model)
}

func TestRememberConversation(t *testing.T) {
	e := testEngine(t)

	ep, err := e.RememberConversation(context.Background(), "s1", "u1", []store.Message{
		{Role: "user", Content: "the deploy keeps failing on staging"},
		{Role: "assistant", Content: "the pipeline config looks wrong"},
	}, "success")
	require.NoError(t, err)

	assert.Equal(t, "the deploy keeps failing on staging", ep.Summary, "no LLM: fallback summary")

	stored, err := e.DB.GetEpisode(ep.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	p, err := e.DB.GetProvenance(ep.ID, store.MemoryTypeEpisode)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "observed", p.SourceType)

	assert.Len(t, e.Working.Recent("s1", 0), 2, "conversation lands in working memory")
}

func TestRememberConversationAutoExtract(t *testing.T) {
	e := testEngine(t)
	e.AutoExtract = true
	e.LLM = &llm.MockClient{Responses: []*llm.Response{
		{Content: "working on the api-gateway project"}, // summary
		{Content: `[{"content": "works on the api-gateway project", "category": "project", "confidence": 0.8}]`},
		{Content: `{"entities": [{"name": "api-gateway", "type": "project"}], "relationships": []}`},
	}}

	ep, err := e.RememberConversation(context.Background(), "s1", "u1", []store.Message{
		{Role: "user", Content: "I spent all week on the api-gateway project"},
	}, "")
	require.NoError(t, err)

	require.Len(t, ep.FactIDs, 1, "caller sees the extracted fact IDs")
	assert.Contains(t, ep.Topics, "api-gateway")

	stored, err := e.DB.GetEpisode(ep.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed, "extraction completed before the call returned")
	assert.Equal(t, ep.FactIDs, stored.FactIDs)
}

func TestRememberConversationEmpty(t *testing.T) {
	e := testEngine(t)

	_, err := e.RememberConversation(context.Background(), "s1", "u1", nil, "")
	assert.Error(t, err)
}

func TestExtractEpisode(t *testing.T) {
	e := testEngine(t)

	ep, err := e.RememberConversation(context.Background(), "s1", "u1", []store.Message{
		{Role: "user", Content: "I spent all week on the api-gateway project"},
	}, "")
	require.NoError(t, err)

	mock := &llm.MockClient{Responses: []*llm.Response{
		{Content: `[{"content": "works on the api-gateway project", "category": "project", "confidence": 0.8}]`},
		{Content: `{"entities": [{"name": "api-gateway", "type": "project"}],
			"relationships": [{"source": "u1", "target": "api-gateway", "type": "works_on"}]}`},
	}}
	e.LLM = mock

	require.NoError(t, e.ExtractEpisode(context.Background(), ep))

	facts, err := e.DB.FactsByUser("u1", "")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "works on the api-gateway project", facts[0].Content)
	assert.Equal(t, "extracted", facts[0].SourceType)
	assert.Equal(t, ep.ID, facts[0].SourceEpisode)

	entity, err := e.DB.GetEntity("api-gateway")
	require.NoError(t, err)
	require.NotNil(t, entity)

	stored, err := e.DB.GetEpisode(ep.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)

	// already-processed episodes are skipped without another LLM call
	calls := len(mock.Calls)
	require.NoError(t, e.ExtractEpisode(context.Background(), stored))
	assert.Equal(t, calls, len(mock.Calls))
}

func TestExtractEpisodeDedup(t *testing.T) {
	e := testEngine(t)

	existing, err := e.RememberFact(context.Background(), "works on the api-gateway project", "project", "u1", 0.8, "")
	require.NoError(t, err)

	ep, err := e.RememberConversation(context.Background(), "s1", "u1", []store.Message{
		{Role: "user", Content: "still working on the api-gateway project this week"},
	}, "")
	require.NoError(t, err)

	e.LLM = &llm.MockClient{Responses: []*llm.Response{
		{Content: `[{"content": "works on the api-gateway project", "category": "project", "confidence": 0.8}]`},
		{Content: `{"entities": [], "relationships": []}`},
	}}
	require.NoError(t, e.ExtractEpisode(context.Background(), ep))

	facts, err := e.DB.FactsByUser("u1", "")
	require.NoError(t, err)
	assert.Len(t, facts, 1, "identical content reinforces instead of duplicating")

	p, err := e.DB.GetProvenance(existing.ID, store.MemoryTypeFact)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ReinforcedCount)
}

func TestReinforceFact(t *testing.T) {
	e := testEngine(t)

	f, err := e.RememberFact(context.Background(), "x", "", "u1", 0.5, "")
	require.NoError(t, err)

	conf, err := e.ReinforceFact(f.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, conf, 1e-9)

	_, err = e.ReinforceFact("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContradictFact(t *testing.T) {
	e := testEngine(t)

	f, err := e.RememberFact(context.Background(), "uses npm", "", "u1", 0.8, "")
	require.NoError(t, err)

	// replace swaps the content
	got, err := e.ContradictFact(f.ID, "uses pnpm now", "replace")
	require.NoError(t, err)
	assert.Equal(t, "uses pnpm now", got.Content)
	assert.Equal(t, 1, got.ContradictionCount)

	p, _ := e.DB.GetProvenance(f.ID, store.MemoryTypeFact)
	assert.False(t, p.Flagged)

	// no resolution flags for review
	got, err = e.ContradictFact(f.ID, "actually uses yarn", "")
	require.NoError(t, err)
	assert.Equal(t, "uses pnpm now", got.Content, "content untouched without replace")
	assert.Equal(t, 2, got.ContradictionCount)

	p, _ = e.DB.GetProvenance(f.ID, store.MemoryTypeFact)
	assert.True(t, p.Flagged)
	assert.Equal(t, "contradiction", p.FlagReason)

	_, err = e.ContradictFact("nope", "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForgetFact(t *testing.T) {
	e := testEngine(t)

	f, err := e.RememberFact(context.Background(), "x", "", "u1", 0.5, "")
	require.NoError(t, err)

	require.NoError(t, e.ForgetFact(f.ID))
	assert.ErrorIs(t, e.ForgetFact(f.ID), ErrNotFound)
}

func TestRememberProcedure(t *testing.T) {
	e := testEngine(t)

	p, created, err := e.RememberProcedure("deploy", []string{"ship it"}, []string{"test", "build", "deploy"}, "u1", "workflow", "ep-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, p.TimesUsed)

	prov, err := e.DB.GetProvenance(p.ID, store.MemoryTypeProcedure)
	require.NoError(t, err)
	require.NotNil(t, prov)
	assert.Equal(t, 0.7, prov.InitialConfidence)

	// same trigger reinforces
	p2, created, err := e.RememberProcedure("deploy", nil, []string{"test", "build", "deploy"}, "u1", "workflow", "ep-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, p2.ID)
	assert.Equal(t, 2, p2.TimesUsed)
}

func TestRecordProcedureOutcome(t *testing.T) {
	e := testEngine(t)

	p, _, err := e.RememberProcedure("deploy", nil, []string{"deploy"}, "u1", "workflow", "")
	require.NoError(t, err)

	got, err := e.RecordProcedureOutcome(p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)

	_, err = e.RecordProcedureOutcome("nope", true)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.ForgetProcedure(p.ID))
	assert.ErrorIs(t, e.ForgetProcedure(p.ID), ErrNotFound)
}

func TestMemoryStats(t *testing.T) {
	e := testEngine(t)

	_, err := e.RememberFact(context.Background(), "x", "", "u1", 0.5, "")
	require.NoError(t, err)
	_, err = e.RememberConversation(context.Background(), "s1", "u1", []store.Message{
		{Role: "user", Content: "hello there"},
	}, "")
	require.NoError(t, err)
	_, _, err = e.RememberProcedure("deploy", nil, []string{"deploy"}, "u1", "workflow", "")
	require.NoError(t, err)
	_, err = e.RememberFact(context.Background(), "dubious claim", "", "u1", 0.1, "")
	require.NoError(t, err)

	s, err := e.MemoryStats()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Facts)
	assert.Equal(t, 1, s.Episodes)
	assert.Equal(t, 1, s.Procedures)
	assert.Equal(t, 1, s.ActiveSessions)
	assert.Greater(t, s.AvgConfidence, 0.0)
	assert.Equal(t, 1, s.Stale, "below-threshold memories count as stale")
}
