package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/candlekeep/mnemo/internal/config"
	"github.com/candlekeep/mnemo/internal/engine"
	"github.com/candlekeep/mnemo/internal/llm"
	"github.com/candlekeep/mnemo/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Layered memory engine for AI agents",
	Long:  "Mnemo gives AI agents human-like memory: episodes, facts, a knowledge graph, learned procedures, and confidence tracking, all in a single SQLite file.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(consolidateCmd)
}

// openEngine loads config, opens the database, and assembles an engine.
// The caller closes the returned DB.
func openEngine() (*store.DB, *engine.Engine, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, cfg, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, cfg, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("open database: %w", err)
	}

	var client llm.Client
	if c, err := llm.NewClient(cfg.LLM); err != nil {
		fmt.Fprintf(os.Stderr, "warning: LLM not configured (%v), extraction disabled\n", err)
	} else {
		client = c
		fmt.Fprintf(os.Stderr, "  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	}

	eng := engine.New(db, client, pickEmbedder(cfg))
	applyMemoryConfig(eng, cfg.Memory)
	return db, eng, cfg, nil
}

// pickEmbedder selects the best available embedding provider: the configured
// one when reachable, the deterministic hash embedder otherwise.
func pickEmbedder(cfg config.Config) engine.Embedder {
	switch cfg.LLM.EmbeddingProvider {
	case "openai":
		if cfg.LLM.OpenAIKey != "" {
			fmt.Fprintf(os.Stderr, "  embedder: openai (%s)\n", cfg.LLM.EmbeddingModel)
			return engine.NewOpenAIEmbedder(cfg.LLM.OpenAIKey, cfg.LLM.EmbeddingModel)
		}
	case "hash":
		fmt.Fprintln(os.Stderr, "  embedder: hash")
		return engine.NewHashEmbedder()
	default:
		if engine.ProbeOllama(cfg.LLM.OllamaURL, cfg.LLM.EmbeddingModel) {
			fmt.Fprintf(os.Stderr, "  embedder: ollama (%s)\n", cfg.LLM.EmbeddingModel)
			return engine.NewOllamaEmbedder(cfg.LLM.OllamaURL, cfg.LLM.EmbeddingModel, 768)
		}
	}
	fmt.Fprintln(os.Stderr, "  embedder: hash (fallback)")
	return engine.NewHashEmbedder()
}

func applyMemoryConfig(eng *engine.Engine, mem config.MemoryConfig) {
	eng.AutoExtract = mem.AutoExtract
	eng.Retrieval.MaxFacts = mem.MaxFacts
	eng.Retrieval.MaxEpisodes = mem.MaxEpisodes
	eng.Retrieval.MaxProcedures = mem.MaxProcedures
	eng.Retrieval.ConfidenceThreshold = mem.ConfidenceThreshold
	eng.Consolidation.LookbackDays = mem.LookbackDays
	eng.Consolidation.PatternWindowDays = mem.PatternWindowDays
	eng.Consolidation.MinOccurrences = mem.MinOccurrences
	eng.Consolidation.DecayFactor = mem.DecayFactor
	eng.Consolidation.MinConfidence = mem.MinConfidence
	eng.Consolidation.DecayAfterDays = mem.DecayAfterDays
	eng.Consolidation.CompressAfterDays = mem.CompressAfterDays
	eng.Consolidation.CleanupGraceDays = mem.CleanupGraceDays
	if mem.ContradictionPolicy != "" {
		eng.Consolidation.ContradictionPolicy = mem.ContradictionPolicy
	}
}
