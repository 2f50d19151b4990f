package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session>",
	Short: "Cancel a session's queued and running operations",
	Long: `Flags every unfinished operation of the session. Queued turns are
discarded before they run; a running turn's agent process is signaled to
stop. Safe to repeat.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		flagged, err := a.Cancel(ctx, sess.ID)
		if err != nil {
			return err
		}
		if flagged == 0 {
			fmt.Println("Nothing to cancel.")
			return nil
		}
		fmt.Printf("Flagged %d operation(s) for cancellation.\n", flagged)
		return nil
	})
}
