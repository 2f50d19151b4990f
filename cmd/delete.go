package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var deleteSkipConfirm bool

var deleteCmd = &cobra.Command{
	Use:   "delete <session>",
	Short: "Remove a session, its worktree, and its branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteSkipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	return runDeleteWithReader(args[0], os.Stdin)
}

// runDeleteWithReader allows injecting a reader for testing
func runDeleteWithReader(ref string, input io.Reader) error {
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, err := resolveSession(ctx, a, ref)
		if err != nil {
			return err
		}
		prompt := fmt.Sprintf("Delete session %s (worktree %s, branch %s)?",
			sess.DisplayName(), sess.WorkTree, sess.Branch)
		if !deleteSkipConfirm && !confirm(input, prompt) {
			fmt.Println("Aborted.")
			return nil
		}
		if err := a.DeleteSession(ctx, sess.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s.\n", sess.DisplayName())
		return nil
	})
}
