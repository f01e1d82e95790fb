package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := eng.MemoryStats()
		if err != nil {
			return err
		}

		fmt.Printf("episodes:        %d\n", s.Episodes)
		fmt.Printf("facts:           %d\n", s.Facts)
		fmt.Printf("entities:        %d\n", s.Entities)
		fmt.Printf("relationships:   %d\n", s.Relationships)
		fmt.Printf("procedures:      %d\n", s.Procedures)
		fmt.Printf("avg confidence:  %.3f\n", s.AvgConfidence)
		fmt.Printf("stale:           %d\n", s.Stale)
		fmt.Printf("flagged:         %d\n", s.Flagged)
		fmt.Printf("contradictions:  %d\n", s.Contradictions)
		return nil
	},
}
