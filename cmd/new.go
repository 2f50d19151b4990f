package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
	cerrors "github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/session"
)

var (
	newPrompt     string
	newProvider   string
	newModel      string
	newRepo       string
	newPermission string
)

var newCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a session and run its first prompt",
	Long: `Creates a worktree and branch for a new session, queues the first
prompt, and streams the agent's output until the turn finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runNew,
}

func init() {
	newCmd.Flags().StringVarP(&newPrompt, "prompt", "p", "", "First prompt for the agent (required)")
	newCmd.Flags().StringVar(&newProvider, "provider", "", "Provider name (default from config)")
	newCmd.Flags().StringVar(&newModel, "model", "", "Model identifier (default from config)")
	newCmd.Flags().StringVar(&newRepo, "repo", ".", "Directory inside the target repository")
	newCmd.Flags().StringVar(&newPermission, "permission", "default", "Permission mode: default, auto-edit, or full")
	newCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(newCmd)
}

func runNew(cmd *cobra.Command, args []string) error {
	mode, err := parsePermissionMode(newPermission)
	if err != nil {
		return err
	}
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, opID, err := a.CreateSession(ctx, app.CreateSessionOptions{
			Name:           args[0],
			RepoDir:        newRepo,
			Provider:       newProvider,
			Model:          newModel,
			Prompt:         newPrompt,
			PermissionMode: mode,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Created session %s on branch %s\n\n", headerStyle.Render(sess.DisplayName()), sess.Branch)
		return followOperation(ctx, a, sess.ID, opID)
	})
}

func parsePermissionMode(s string) (session.PermissionMode, error) {
	switch s {
	case "default", "":
		return session.PermissionDefault, nil
	case "auto-edit":
		return session.PermissionAutoEdit, nil
	case "full":
		return session.PermissionFull, nil
	default:
		return session.PermissionDefault, cerrors.E(cerrors.Op("cmd.new"), cerrors.KindInvalid,
			fmt.Sprintf("unknown permission mode %q", s))
	}
}
