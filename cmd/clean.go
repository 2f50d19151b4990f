package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/logger"
)

var cleanSkipConfirm bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove convoy log files",
	Long: `Removes the debug log and per-session log files. Session data and
worktrees are untouched; use 'convoy delete' for those.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&cleanSkipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin)
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(input io.Reader) error {
	if !cleanSkipConfirm && !confirm(input, "Remove all convoy log files?") {
		fmt.Println("Aborted.")
		return nil
	}
	removed, err := logger.ClearLogs()
	if err != nil {
		return err
	}
	if removed == 0 {
		fmt.Println("No log files found.")
		return nil
	}
	fmt.Printf("Removed %d log file(s).\n", removed)
	return nil
}
