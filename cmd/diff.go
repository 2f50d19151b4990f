package cmd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/spf13/cobra"

	"github.com/zhubert/convoy/internal/app"
)

var diffPlain bool

var diffCmd = &cobra.Command{
	Use:   "diff <session>",
	Short: "Show a session's diff against its base branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func init() {
	diffCmd.Flags().BoolVar(&diffPlain, "plain", false, "Disable syntax highlighting")
	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		ctx := context.Background()
		sess, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		diff, err := a.Diff(ctx, sess.ID)
		if err != nil {
			return err
		}
		if diff == "" {
			fmt.Println("No changes.")
			return nil
		}
		if diffPlain {
			fmt.Println(diff)
			return nil
		}
		fmt.Println(highlightDiff(diff))
		return nil
	})
}

// highlightDiff colors unified diff output for the terminal. Falls back to
// the raw text when tokenizing fails.
func highlightDiff(diff string) string {
	lexer := lexers.Get("diff")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}

	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, diff)
	if err != nil {
		return diff
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return diff
	}
	return buf.String()
}
