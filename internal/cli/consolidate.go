package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run a full consolidation pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		run, err := eng.Consolidate(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("run %s: %s\n", run.ID, run.Status)
		fmt.Printf("  episodes processed:      %d\n", run.EpisodesProcessed)
		fmt.Printf("  facts extracted:         %d\n", run.FactsExtracted)
		fmt.Printf("  entities found:          %d\n", run.EntitiesFound)
		fmt.Printf("  procedures learned:      %d\n", run.ProceduresLearned)
		fmt.Printf("  memories decayed:        %d\n", run.MemoriesDecayed)
		fmt.Printf("  contradictions resolved: %d\n", run.ContradictionsResolved)
		fmt.Printf("  episodes compressed:     %d\n", run.EpisodesCompressed)
		fmt.Printf("  memories deleted:        %d\n", run.MemoriesDeleted)
		if run.Error != "" {
			fmt.Printf("  errors: %s\n", run.Error)
		}
		return nil
	},
}
