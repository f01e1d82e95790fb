package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/candlekeep/mnemo/internal/llm"
	"github.com/candlekeep/mnemo/internal/store"
)

const (
	extractionTimeout = 120 * time.Second
	maxFactCandidates = 10

	// dedupSimilarityThreshold is the cosine similarity above which an
	// extracted fact reinforces an existing one instead of creating a new row.
	dedupSimilarityThreshold = 0.9
)

// FactCandidate is the JSON structure the fact-extraction LLM returns.
type FactCandidate struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// EntityCandidate is one entity from the graph-extraction response.
type EntityCandidate struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// RelationshipCandidate is one directed edge from the graph-extraction response.
type RelationshipCandidate struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

type graphExtraction struct {
	Entities      []EntityCandidate       `json:"entities"`
	Relationships []RelationshipCandidate `json:"relationships"`
}

// condenseConversation flattens a conversation into role-prefixed lines,
// truncating oversized turns so the extraction prompt stays bounded.
func condenseConversation(messages []store.Message) string {
	const maxTurnChars = 2000

	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > maxTurnChars {
			content = content[:maxTurnChars] + "…"
		}
		role := m.Role
		switch role {
		case "user":
			role = "User"
		case "assistant":
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, content)
	}
	return strings.TrimSpace(b.String())
}

// extractFacts asks the LLM for durable facts in the conversation. A
// malformed response is treated as "nothing extracted", not an error —
// only a failed LLM call propagates.
func extractFacts(ctx context.Context, client llm.Client, condensed string) ([]FactCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	resp, err := client.Complete(ctx, llm.FactExtractionPrompt(condensed))
	if err != nil {
		return nil, fmt.Errorf("fact extraction: %w", err)
	}

	var candidates []FactCandidate
	if err := parseJSONArray(resp.Content, &candidates); err != nil {
		log.Printf("extraction: unparseable fact response: %v", err)
		return nil, nil
	}

	if len(candidates) > maxFactCandidates {
		log.Printf("extraction: capping %d fact candidates to %d", len(candidates), maxFactCandidates)
		candidates = candidates[:maxFactCandidates]
	}

	valid := candidates[:0]
	for _, c := range candidates {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" {
			continue
		}
		if !store.ValidFactCategories[c.Category] {
			c.Category = "general"
		}
		if c.Confidence <= 0 || c.Confidence > 1 {
			c.Confidence = 0.5
		}
		valid = append(valid, c)
	}
	return valid, nil
}

// extractGraph asks the LLM for entities and relationships. Same error
// contract as extractFacts.
func extractGraph(ctx context.Context, client llm.Client, condensed string) (*graphExtraction, error) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	resp, err := client.Complete(ctx, llm.EntityExtractionPrompt(condensed))
	if err != nil {
		return nil, fmt.Errorf("entity extraction: %w", err)
	}

	var graph graphExtraction
	if err := parseJSONObject(resp.Content, &graph); err != nil {
		log.Printf("extraction: unparseable entity response: %v", err)
		return &graphExtraction{}, nil
	}

	valid := graph.Entities[:0]
	for _, e := range graph.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		if !store.ValidEntityTypes[e.Type] {
			e.Type = "other"
		}
		valid = append(valid, e)
	}
	graph.Entities = valid

	rels := graph.Relationships[:0]
	for _, r := range graph.Relationships {
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" || r.Type == "" {
			continue
		}
		rels = append(rels, r)
	}
	graph.Relationships = rels

	return &graph, nil
}

// summarize asks the LLM for a short episode summary. On failure or an
// empty response, falls back to the first user turn.
func summarize(ctx context.Context, client llm.Client, condensed string, messages []store.Message) string {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	resp, err := client.Complete(ctx, llm.SummaryPrompt(condensed))
	if err == nil && resp != nil {
		if s := strings.TrimSpace(resp.Content); s != "" {
			return s
		}
	}
	if err != nil {
		log.Printf("extraction: summary failed, using fallback: %v", err)
	}
	return fallbackSummary(messages)
}

// fallbackSummary is the first user turn, truncated.
func fallbackSummary(messages []store.Message) string {
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			s := strings.TrimSpace(m.Content)
			if len(s) > 200 {
				s = s[:200] + "…"
			}
			return s
		}
	}
	return "conversation"
}

// parseJSONArray extracts a JSON array from LLM output that may be wrapped
// in markdown code fences or prose.
func parseJSONArray(content string, v any) error {
	content = stripFences(content)

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < 0 || end <= start {
		return fmt.Errorf("no JSON array found in response")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("unmarshal array: %w", err)
	}
	return nil
}

// parseJSONObject extracts a JSON object, with the same tolerance as
// parseJSONArray.
func parseJSONObject(content string, v any) error {
	content = stripFences(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < 0 || end <= start {
		return fmt.Errorf("no JSON object found in response")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("unmarshal object: %w", err)
	}
	return nil
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	return strings.TrimSpace(content)
}
