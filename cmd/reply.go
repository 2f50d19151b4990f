package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var replyPrompt string

var replyCmd = &cobra.Command{
	Use:   "reply <session>",
	Short: "Send a follow-up prompt to a reviewed session",
	Args:  cobra.ExactArgs(1),
	RunE:  runReply,
}

func init() {
	replyCmd.Flags().StringVarP(&replyPrompt, "prompt", "p", "", "Prompt for the agent (required)")
	replyCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(replyCmd)
}

func runReply(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		opID, err := a.Reply(ctx, sess.ID, replyPrompt)
		if err != nil {
			return err
		}
		return followOperation(ctx, a, sess.ID, opID)
	})
}
