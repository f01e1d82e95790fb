package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/candlekeep/mnemo/internal/config"
)

func TestNewClientProviders(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "anthropic", AnthropicKey: "k"})
	if err != nil || c == nil {
		t.Errorf("anthropic: %v", err)
	}
	c, err = NewClient(config.LLMConfig{Provider: "openai", OpenAIKey: "k"})
	if err != nil || c == nil {
		t.Errorf("openai: %v", err)
	}
	c, err = NewClient(config.LLMConfig{Provider: "ollama"})
	if err != nil || c == nil {
		t.Errorf("ollama: %v", err)
	}
}

func TestNewClientMissingKeys(t *testing.T) {
	if _, err := NewClient(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Error("anthropic without key should fail")
	}
	if _, err := NewClient(config.LLMConfig{Provider: "openai"}); err == nil {
		t.Error("openai without key should fail")
	}
	if _, err := NewClient(config.LLMConfig{Provider: "watson"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestMockClientOrderedResponses(t *testing.T) {
	m := &MockClient{
		Response: &Response{Content: "fallback"},
		Responses: []*Response{
			{Content: "first"},
			{Content: "second"},
		},
	}

	for _, want := range []string{"first", "second", "fallback", "fallback"} {
		resp, err := m.Complete(context.Background(), "p")
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != want {
			t.Errorf("Content = %q, want %q", resp.Content, want)
		}
	}
	if len(m.Calls) != 4 {
		t.Errorf("Calls = %d, want 4", len(m.Calls))
	}
}

func TestMockClientError(t *testing.T) {
	m := &MockClient{
		Err:       errors.New("down"),
		Responses: []*Response{{Content: "never"}},
	}
	if _, err := m.Complete(context.Background(), "p"); err == nil {
		t.Error("Err should take precedence over queued responses")
	}
}

func TestPromptsEmbedConversation(t *testing.T) {
	condensed := "User: I prefer TypeScript"
	for name, prompt := range map[string]string{
		"facts":    FactExtractionPrompt(condensed),
		"entities": EntityExtractionPrompt(condensed),
		"summary":  SummaryPrompt(condensed),
	} {
		if !strings.Contains(prompt, condensed) {
			t.Errorf("%s prompt does not include the conversation", name)
		}
	}
	if !strings.Contains(FactExtractionPrompt(condensed), "JSON array") {
		t.Error("fact prompt must demand a JSON array")
	}
	if !strings.Contains(EntityExtractionPrompt(condensed), "JSON object") {
		t.Error("entity prompt must demand a JSON object")
	}
}
