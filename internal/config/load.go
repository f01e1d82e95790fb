package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from ~/.mnemo/config.yaml (or the file given by
// MNEMO_CONFIG) layered over Default(), with MNEMO_* environment variables
// taking precedence over the file. A missing config file is not an error.
func Load() (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mnemo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("MNEMO_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".mnemo"))
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	bindEnvKeys(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// API keys usually arrive via the conventional env vars, not the file.
	if cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.LLM.OpenAIKey == "" {
		cfg.LLM.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}

// bindEnvKeys registers each config key with viper so AutomaticEnv can see
// MNEMO_SERVER_PORT and friends even when no config file sets the key.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.bind", "server.port",
		"database.path",
		"llm.provider", "llm.model", "llm.anthropic_key", "llm.openai_key",
		"llm.ollama_url", "llm.ollama_model",
		"llm.embedding_provider", "llm.embedding_model",
		"memory.max_facts", "memory.max_episodes", "memory.max_procedures",
		"memory.confidence_threshold", "memory.auto_extract",
		"memory.decay_factor", "memory.min_confidence", "memory.decay_after_days",
		"memory.compress_after_days", "memory.cleanup_grace_days",
		"memory.lookback_days", "memory.pattern_window_days", "memory.min_occurrences",
	} {
		v.BindEnv(key) //nolint:errcheck
	}
}
