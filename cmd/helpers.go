package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/zhubert/convoy/internal/app"
	cerrors "github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/session"
	"github.com/zhubert/convoy/internal/store"
	"github.com/zhubert/convoy/internal/ui"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusReview:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case session.StatusInProgress, session.StatusRebasing, session.StatusMerging, session.StatusQueued:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	case session.StatusDone:
		return mutedStyle
	case session.StatusCanceled:
		return failureStyle
	default:
		return lipgloss.NewStyle()
	}
}

// resolveSession accepts a full session id, an id prefix, or a session name.
func resolveSession(ctx context.Context, a *app.App, ref string) (*session.Session, error) {
	sessions, err := a.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*session.Session
	for _, s := range sessions {
		if s.ID == ref || s.Name == ref {
			return s, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, cerrors.SessionNotFound(ref)
	default:
		return nil, cerrors.E(cerrors.Op("cmd.resolveSession"), cerrors.KindInvalid,
			fmt.Sprintf("%q matches %d sessions, use a longer prefix", ref, len(matches)))
	}
}

// followOperation streams session output to stdout until the operation
// reaches a terminal ledger state, then reports it.
func followOperation(ctx context.Context, a *app.App, sessionID, opID string) error {
	events, unsubscribe := a.Manager.Events().Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.SessionID != sessionID {
				continue
			}
			switch ev.Type {
			case ui.EventSessionOutput:
				fmt.Print(ev.Text)
			case ui.EventSessionProgress:
				fmt.Fprintln(os.Stderr, mutedStyle.Render("… "+ev.Text))
			}
		}
	}()

	op, err := a.WaitForOperation(ctx, opID)
	unsubscribe()
	<-done
	fmt.Println()
	if err != nil {
		return err
	}

	switch op.Status {
	case store.OpDone:
		fmt.Println(successStyle.Render("Session is ready for review."))
		return nil
	case store.OpCanceled:
		fmt.Println(mutedStyle.Render("Canceled: " + op.LastError))
		return nil
	default:
		return cerrors.E(cerrors.Op("cmd.follow"), cerrors.KindAgent, op.LastError)
	}
}

// confirm prompts on stdout and reads a yes/no answer from input.
func confirm(input io.Reader, prompt string) bool {
	fmt.Print(prompt + " [y/N] ")
	line, _ := bufio.NewReader(input).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
