package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		sessions, err := a.Sessions(context.Background())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions. Create one with: convoy new <name> -p <prompt>")
			return nil
		}

		fmt.Printf("%s  %s  %s  %s  %s  %s\n",
			headerStyle.Render(pad("ID", 8)),
			headerStyle.Render(pad("NAME", 20)),
			headerStyle.Render(pad("STATUS", 11)),
			headerStyle.Render(pad("BRANCH", 30)),
			headerStyle.Render(pad("TOKENS", 12)),
			headerStyle.Render("SIZE"))
		for _, s := range sessions {
			tokens := fmt.Sprintf("%d/%d", s.Stats.InputTokens, s.Stats.OutputTokens)
			fmt.Printf("%s  %s  %s  %s  %s  %s\n",
				pad(s.ID[:8], 8),
				pad(s.DisplayName(), 20),
				statusStyle(s.Status).Render(pad(string(s.Status), 11)),
				pad(s.Branch, 30),
				pad(tokens, 12),
				formatBytes(s.SizeBytes))
		}
		return nil
	})
}

func pad(s string, width int) string {
	if len(s) > width {
		return s[:width-1] + "…"
	}
	return fmt.Sprintf("%-*s", width, s)
}
