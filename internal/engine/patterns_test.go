package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/mnemo/internal/store"
)

func actionEpisode(id, text string) store.Episode {
	return store.Episode{
		ID:     id,
		UserID: "u1",
		Transcript: []store.Message{
			{Role: "user", Content: text},
		},
	}
}

func TestActionSequence(t *testing.T) {
	ep := actionEpisode("e1", "run tests then build the binary and deploy to staging")
	assert.Equal(t, []string{"run tests", "build the", "deploy to"}, actionSequence(&ep))
}

func TestActionSequenceCollapsesRepeats(t *testing.T) {
	ep := actionEpisode("e1", "run tests. run tests. build it")
	assert.Equal(t, []string{"run tests", "build it"}, actionSequence(&ep))
}

func TestActionSequenceIgnoresNonActions(t *testing.T) {
	ep := actionEpisode("e1", "the weather is nice today, thanks for asking")
	assert.Empty(t, actionSequence(&ep))
}

func TestDetectPatterns(t *testing.T) {
	episodes := []store.Episode{
		actionEpisode("e1", "run tests then build then deploy"),
		actionEpisode("e2", "run tests then build then deploy"),
	}

	patterns := DetectPatterns(episodes, 2)
	require.Len(t, patterns, 1, "sub-sequences of the winner must be suppressed")

	p := patterns[0]
	assert.Equal(t, "run tests", p.Trigger)
	assert.Equal(t, []string{"run tests", "build", "deploy"}, p.Steps)
	assert.ElementsMatch(t, []string{"e1", "e2"}, p.Episodes)
}

func TestDetectPatternsMinOccurrences(t *testing.T) {
	episodes := []store.Episode{
		actionEpisode("e1", "run tests then build then deploy"),
		actionEpisode("e2", "check logs then restart service"),
	}

	assert.Empty(t, DetectPatterns(episodes, 2), "single occurrences never qualify")
}

func TestDetectPatternsCountsEpisodeOnce(t *testing.T) {
	// The same sequence twice within one episode is still one occurrence.
	episodes := []store.Episode{
		{
			ID:     "e1",
			UserID: "u1",
			Transcript: []store.Message{
				{Role: "user", Content: "run tests then build"},
				{Role: "user", Content: "deploy it. run tests then build"},
			},
		},
	}

	assert.Empty(t, DetectPatterns(episodes, 2))
}

func TestDetectPatternsDeterministic(t *testing.T) {
	episodes := []store.Episode{
		actionEpisode("e1", "run tests then build. check logs then restart service"),
		actionEpisode("e2", "run tests then build. check logs then restart service"),
	}

	first := DetectPatterns(episodes, 2)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DetectPatterns(episodes, 2))
	}
}
