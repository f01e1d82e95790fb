package config

import "fmt"

// Config holds all mnemo configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Memory   MemoryConfig   `mapstructure:"memory"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LLMConfig struct {
	Provider          string `mapstructure:"provider"` // "anthropic", "openai", "ollama"
	Model             string `mapstructure:"model"`
	AnthropicKey      string `mapstructure:"anthropic_key"`
	OpenAIKey         string `mapstructure:"openai_key"`
	OllamaURL         string `mapstructure:"ollama_url"`
	OllamaModel       string `mapstructure:"ollama_model"`
	EmbeddingProvider string `mapstructure:"embedding_provider"` // "ollama", "openai", "hash"
	EmbeddingModel    string `mapstructure:"embedding_model"`    // e.g. "nomic-embed-text"
}

// MemoryConfig holds the tunables for retrieval and consolidation.
type MemoryConfig struct {
	MaxFacts            int     `mapstructure:"max_facts"`
	MaxEpisodes         int     `mapstructure:"max_episodes"`
	MaxProcedures       int     `mapstructure:"max_procedures"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	AutoExtract         bool    `mapstructure:"auto_extract"`

	DecayFactor       float64 `mapstructure:"decay_factor"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
	DecayAfterDays    int     `mapstructure:"decay_after_days"`
	CompressAfterDays int     `mapstructure:"compress_after_days"`
	CleanupGraceDays  int     `mapstructure:"cleanup_grace_days"`
	LookbackDays      int     `mapstructure:"lookback_days"`

	// "flag" leaves contradiction flags for user review; "keep" lets
	// consolidation resolve old ones in favor of the stored content.
	ContradictionPolicy string `mapstructure:"contradiction_policy"`
	PatternWindowDays int     `mapstructure:"pattern_window_days"`
	MinOccurrences    int     `mapstructure:"min_occurrences"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38585,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Provider:          "ollama",
			OllamaURL:         "http://localhost:11434",
			OllamaModel:       "llama3.2",
			EmbeddingProvider: "ollama",
			EmbeddingModel:    "nomic-embed-text",
		},
		Memory: MemoryConfig{
			MaxFacts:            10,
			MaxEpisodes:         5,
			MaxProcedures:       3,
			ConfidenceThreshold: 0.3,
			AutoExtract:         true,

			DecayFactor:       0.95,
			MinConfidence:     0.2,
			DecayAfterDays:    7,
			CompressAfterDays: 30,
			CleanupGraceDays:  14,
			LookbackDays:      7,
			PatternWindowDays: 7,
			MinOccurrences:    2,

			ContradictionPolicy: "flag",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
