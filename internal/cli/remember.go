package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/candlekeep/mnemo/internal/store"
)

var rememberCmd = &cobra.Command{
	Use:   "remember",
	Short: "Store a memory",
}

var (
	factCategory   string
	factUser       string
	factConfidence float64

	convFile    string
	convSession string
	convUser    string
	convOutcome string

	procTrigger  string
	procPatterns []string
	procSteps    []string
	procUser     string
	procCategory string
)

var rememberFactCmd = &cobra.Command{
	Use:   "fact <content>",
	Short: "Store an explicit fact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		f, err := eng.RememberFact(ctx, args[0], factCategory, factUser, factConfidence, "explicit")
		if err != nil {
			return err
		}
		fmt.Printf("stored fact %s [%s] confidence %.2f\n", f.ID, f.Category, f.Confidence)
		return nil
	},
}

var rememberConversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Store a conversation transcript as an episode",
	Long:  "Reads a JSON array of {role, content} messages from --file or stdin and stores it as an episode, extracting facts when an LLM is configured.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if convFile != "" {
			raw, err = os.ReadFile(convFile)
		} else {
			raw, err = readAllStdin()
		}
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}

		var messages []store.Message
		if err := json.Unmarshal(raw, &messages); err != nil {
			return fmt.Errorf("parse transcript: %w", err)
		}

		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		// One-shot process: wait for extraction instead of backgrounding it.
		eng.AutoExtract = false
		ep, err := eng.RememberConversation(ctx, convSession, convUser, messages, convOutcome)
		if err != nil {
			return err
		}
		if eng.LLM != nil {
			if err := eng.ExtractEpisode(ctx, ep); err != nil {
				fmt.Fprintf(os.Stderr, "warning: extraction failed: %v\n", err)
			}
		}

		fmt.Printf("stored episode %s: %s\n", ep.ID, ep.Summary)
		return nil
	},
}

var rememberProcedureCmd = &cobra.Command{
	Use:   "procedure",
	Short: "Store or reinforce a trigger→steps workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		p, created, err := eng.RememberProcedure(procTrigger, procPatterns, procSteps, procUser, procCategory, "cli")
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("learned procedure %s (%q, %d steps)\n", p.ID, p.Trigger, len(p.Steps))
		} else {
			fmt.Printf("reinforced procedure %s (%q, used %d times)\n", p.ID, p.Trigger, p.TimesUsed)
		}
		return nil
	},
}

func init() {
	rememberFactCmd.Flags().StringVar(&factCategory, "category", "general", "fact category (user, project, preference, skill, general)")
	rememberFactCmd.Flags().StringVar(&factUser, "user", "", "user the fact belongs to")
	rememberFactCmd.Flags().Float64Var(&factConfidence, "confidence", 0.9, "initial confidence")

	rememberConversationCmd.Flags().StringVar(&convFile, "file", "", "transcript file (JSON array of messages); stdin if omitted")
	rememberConversationCmd.Flags().StringVar(&convSession, "session", "", "session ID")
	rememberConversationCmd.Flags().StringVar(&convUser, "user", "", "user the conversation belongs to")
	rememberConversationCmd.Flags().StringVar(&convOutcome, "outcome", "", "episode outcome (success, failure, abandoned)")

	rememberProcedureCmd.Flags().StringVar(&procTrigger, "trigger", "", "trigger phrase")
	rememberProcedureCmd.Flags().StringSliceVar(&procPatterns, "pattern", nil, "additional trigger patterns (repeatable)")
	rememberProcedureCmd.Flags().StringSliceVar(&procSteps, "step", nil, "workflow step (repeatable, in order)")
	rememberProcedureCmd.Flags().StringVar(&procUser, "user", "", "user the procedure belongs to")
	rememberProcedureCmd.Flags().StringVar(&procCategory, "category", "workflow", "procedure category")

	rememberCmd.AddCommand(rememberFactCmd)
	rememberCmd.AddCommand(rememberConversationCmd)
	rememberCmd.AddCommand(rememberProcedureCmd)
}

func readAllStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("no --file given and stdin is a terminal")
	}
	return io.ReadAll(os.Stdin)
}
