package llm

import "fmt"

// FactExtractionPrompt generates the prompt for extracting semantic facts
// from a condensed conversation.
func FactExtractionPrompt(condensed string) string {
	return fmt.Sprintf(`You are a memory extraction system. Analyze this conversation and extract durable facts worth remembering across sessions.

CONVERSATION:
%s

Extract facts into these categories:
- user: identity, role, background (e.g., "Works as a backend engineer")
- preference: tools, styles, changeable choices (e.g., "Prefers TypeScript over JavaScript")
- project: facts about projects being worked on (e.g., "The api-gateway service uses Postgres")
- skill: abilities and expertise level (e.g., "Experienced with Kubernetes")
- general: anything else durable and useful

Rules:
- Only extract genuinely useful, persistent knowledge
- Skip trivial or session-specific details
- confidence reflects how directly the fact was stated: 0.9+ explicit statement, 0.6-0.8 strongly implied, below 0.6 speculative
- Return ONLY a JSON array, no other text

Return a JSON array:
[{
  "content": "the fact as a single sentence",
  "category": "user|preference|project|skill|general",
  "confidence": 0.0,
  "reasoning": "one short phrase on why this was extracted"
}]

If nothing worth extracting, return: []`, condensed)
}

// EntityExtractionPrompt generates the prompt for extracting knowledge-graph
// entities and relationships from a condensed conversation.
func EntityExtractionPrompt(condensed string) string {
	return fmt.Sprintf(`You are a knowledge graph extraction system. Identify the entities mentioned in this conversation and how they relate.

CONVERSATION:
%s

Entity types: person, project, tool, concept, language, organization, other

Rules:
- Use short canonical names ("Postgres", not "the Postgres database we discussed")
- Only include entities that would matter in a future session
- Relationships are directed: source --type--> target (e.g., "alice" --works_on--> "api-gateway")
- Return ONLY a JSON object, no other text

Return a JSON object:
{
  "entities": [{"name": "...", "type": "person|project|tool|concept|language|organization|other", "attributes": {"key": "value"}}],
  "relationships": [{"source": "...", "target": "...", "type": "uses|works_on|depends_on|part_of|related_to"}]
}

If nothing worth extracting, return: {"entities": [], "relationships": []}`, condensed)
}

// SummaryPrompt generates the prompt for a one-paragraph episode summary.
func SummaryPrompt(condensed string) string {
	return fmt.Sprintf(`Summarize this conversation in 2-3 sentences. Capture what was worked on, decisions made, and the outcome. Plain prose, no preamble.

CONVERSATION:
%s`, condensed)
}
