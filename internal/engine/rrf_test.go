package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReciprocalRankFusion(t *testing.T) {
	// "b" appears in both lists, "a" and "c" in one each. Two mid-rank
	// appearances beat a single top rank: 1/61 + 1/62 > 1/61.
	fused := reciprocalRankFusion([][]string{
		{"a", "b"},
		{"b", "c"},
	}, rrfK)

	assert.Equal(t, []string{"b", "a", "c"}, fused)
}

func TestRRFFirstSeenTiebreak(t *testing.T) {
	// "x" and "y" hold the same rank in disjoint lists, so scores tie and
	// input order decides.
	fused := reciprocalRankFusion([][]string{
		{"x"},
		{"y"},
	}, rrfK)

	assert.Equal(t, []string{"x", "y"}, fused)
}

func TestRRFDeterministic(t *testing.T) {
	lists := [][]string{
		{"a", "b", "c", "d"},
		{"d", "c", "b", "a"},
		{"b", "d"},
	}
	first := reciprocalRankFusion(lists, rrfK)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, reciprocalRankFusion(lists, rrfK))
	}
}

func TestRRFEmptyAndBlank(t *testing.T) {
	assert.Empty(t, reciprocalRankFusion(nil, rrfK))
	assert.Empty(t, reciprocalRankFusion([][]string{{}, {}}, rrfK))
	// blank IDs are skipped
	assert.Equal(t, []string{"a"}, reciprocalRankFusion([][]string{{"", "a", ""}}, rrfK))
}

func TestRRFDefaultK(t *testing.T) {
	// non-positive k falls back to the standard constant
	assert.Equal(t,
		reciprocalRankFusion([][]string{{"a", "b"}, {"b"}}, rrfK),
		reciprocalRankFusion([][]string{{"a", "b"}, {"b"}}, 0))
}
