package engine

import "sort"

// rrfK is the standard reciprocal rank fusion constant.
const rrfK = 60

// reciprocalRankFusion merges ranked ID lists into a single ranking. Each
// list contributes 1/(k+rank+1) per ID, ranks 0-indexed. IDs missing from a
// list simply contribute nothing from it. Ties break by first appearance
// across the input lists, so the result is deterministic.
func reciprocalRankFusion(lists [][]string, k int) []string {
	if k <= 0 {
		k = rrfK
	}

	scores := map[string]float64{}
	firstSeen := map[string]int{}
	order := 0

	for _, list := range lists {
		for rank, id := range list {
			if id == "" {
				continue
			}
			if _, ok := firstSeen[id]; !ok {
				firstSeen[id] = order
				order++
			}
			scores[id] += 1.0 / float64(k+rank+1)
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return firstSeen[ids[i]] < firstSeen[ids[j]]
	})
	return ids
}
