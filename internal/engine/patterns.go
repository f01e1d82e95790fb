package engine

import (
	"sort"
	"strings"

	"github.com/candlekeep/mnemo/internal/store"
)

const (
	minPatternLen = 2
	maxPatternLen = 6
)

// actionVerbs is the lexicon used to recognize action clauses in transcripts.
var actionVerbs = map[string]bool{
	"run": true, "ran": true, "build": true, "built": true, "deploy": true,
	"deployed": true, "test": true, "tested": true, "check": true, "checked": true,
	"create": true, "created": true, "install": true, "installed": true,
	"commit": true, "committed": true, "push": true, "pushed": true,
	"pull": true, "merge": true, "merged": true, "release": true, "released": true,
	"update": true, "updated": true, "fix": true, "fixed": true,
	"restart": true, "restarted": true, "start": true, "started": true,
	"stop": true, "stopped": true, "lint": true, "format": true,
	"migrate": true, "migrated": true, "open": true, "opened": true,
	"review": true, "reviewed": true, "verify": true, "verified": true,
}

// PatternCandidate is a recurring action sequence found across episodes.
type PatternCandidate struct {
	Trigger  string   // first step, used as the procedure trigger
	Steps    []string
	Episodes []string // episode IDs the sequence occurred in
}

// actionSequence reduces an episode transcript to its ordered action phrases.
// A clause counts as an action when it starts with a known verb; the action
// is the verb plus at most one following word.
func actionSequence(ep *store.Episode) []string {
	var actions []string
	for _, m := range ep.Transcript {
		for _, clause := range splitClauses(m.Content) {
			tokens := tokenize(clause)
			if len(tokens) == 0 || !actionVerbs[tokens[0]] {
				continue
			}
			action := tokens[0]
			if len(tokens) > 1 {
				action += " " + tokens[1]
			}
			// collapse immediate repeats
			if len(actions) > 0 && actions[len(actions)-1] == action {
				continue
			}
			actions = append(actions, action)
		}
	}
	return actions
}

func splitClauses(text string) []string {
	text = strings.ToLower(text)
	for _, sep := range []string{" then ", " and then ", ", and ", " and "} {
		text = strings.ReplaceAll(text, sep, ".")
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == ',' || r == ';' || r == '\n'
	})
}

// DetectPatterns finds action subsequences that recur across episodes.
// A sequence qualifies when at least minOccurrences distinct episodes
// contain it. Longer sequences win: any candidate fully contained in a
// longer candidate with the same support is suppressed. Output order is
// deterministic.
func DetectPatterns(episodes []store.Episode, minOccurrences int) []PatternCandidate {
	if minOccurrences < 1 {
		minOccurrences = 2
	}

	type seqInfo struct {
		steps    []string
		episodes []string
	}
	counts := map[string]*seqInfo{}

	for i := range episodes {
		ep := &episodes[i]
		actions := actionSequence(ep)
		seen := map[string]bool{} // one count per episode per sequence
		for length := minPatternLen; length <= maxPatternLen; length++ {
			for start := 0; start+length <= len(actions); start++ {
				steps := actions[start : start+length]
				key := strings.Join(steps, " > ")
				if seen[key] {
					continue
				}
				seen[key] = true
				info, ok := counts[key]
				if !ok {
					info = &seqInfo{steps: append([]string{}, steps...)}
					counts[key] = info
				}
				info.episodes = append(info.episodes, ep.ID)
			}
		}
	}

	var keys []string
	for key, info := range counts {
		if len(info.episodes) >= minOccurrences {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := counts[keys[i]], counts[keys[j]]
		if len(a.steps) != len(b.steps) {
			return len(a.steps) > len(b.steps)
		}
		if len(a.episodes) != len(b.episodes) {
			return len(a.episodes) > len(b.episodes)
		}
		return keys[i] < keys[j]
	})

	var out []PatternCandidate
	var accepted []string
	for _, key := range keys {
		info := counts[key]
		if containedInAny(key, accepted) {
			continue
		}
		accepted = append(accepted, key)
		out = append(out, PatternCandidate{
			Trigger:  info.steps[0],
			Steps:    info.steps,
			Episodes: info.episodes,
		})
	}
	return out
}

func containedInAny(key string, accepted []string) bool {
	for _, a := range accepted {
		if strings.Contains(a, key) {
			return true
		}
	}
	return false
}
