package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <session>",
	Short: "Rebase and squash-merge a session into its base branch",
	Long: `Rebases the session branch onto its base branch (with agent
assistance on conflicts), squash-merges the result, and removes the
session's worktree and branch.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		result, err := a.Merge(ctx, sess.ID)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(result.Summary))
		if result.CommitMessage != "" {
			fmt.Println()
			fmt.Println(mutedStyle.Render(result.CommitMessage))
		}
		return nil
	})
}
