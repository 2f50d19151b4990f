package workflow

import (
	"context"
	"fmt"
	"strings"
)

// AutoCommit checkpoints the session worktree after a turn. Commit failures
// (typically pre-commit hooks rejecting the changes) are handed to the agent
// for repair and retried under the auto-commit assist policy.
//
// The returned hash is empty when there was nothing to commit.
func (e *Engine) AutoCommit(ctx context.Context, req *Request) (string, error) {
	tracker := NewFailureTracker(autoCommitAssistPolicy.MaxIdenticalFailureStreak)

	for attempt := 1; attempt <= autoCommitAssistPolicy.MaxAttempts+1; attempt++ {
		err := e.git.CommitAll(ctx, req.Folder, autoCommitMessage, false)
		if err == nil {
			return e.git.HeadShortHash(ctx, req.Folder)
		}
		if strings.Contains(err.Error(), "Nothing to commit") {
			return "", nil
		}

		if tracker.Observe(err.Error()) {
			return "", fmt.Errorf("auto-commit assistance made no progress: repeated identical commit failure: %w", err)
		}
		if attempt > autoCommitAssistPolicy.MaxAttempts {
			return "", err
		}

		req.appendOutput(assistHeader("Commit", attempt, autoCommitAssistPolicy.MaxAttempts,
			"Resolving auto-commit failure:", FormatDetailLines(err.Error())))
		if assistErr := e.runAssist(ctx, req, autoCommitAssistPrompt(err.Error())); assistErr != nil {
			return "", fmt.Errorf("commit assistance failed: %w", assistErr)
		}
	}

	return "", fmt.Errorf("failed to auto-commit after assistance attempts")
}
