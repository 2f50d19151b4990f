package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var syncCmd = &cobra.Command{
	Use:   "sync <session>",
	Short: "Rebase a session onto its base branch without merging",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		if err := a.Sync(ctx, sess.ID); err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("Rebased %s onto %s", sess.Branch, sess.BaseBranch)))
		return nil
	})
}
