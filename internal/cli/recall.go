package cli

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	recallUser    string
	recallSession string
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Retrieve memories relevant to a query",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecall,
}

func init() {
	recallCmd.Flags().StringVar(&recallUser, "user", "", "restrict to one user's memories")
	recallCmd.Flags().StringVar(&recallSession, "session", "", "session ID for working-memory context")
}

func runRecall(cmd *cobra.Command, args []string) error {
	db, eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	bundle, err := eng.Recall(ctx, args[0], recallUser, recallSession)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(bundle)
}
