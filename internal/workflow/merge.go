package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/git"
	"github.com/zhubert/convoy/internal/logger"
)

// MergeResult reports the outcome of a completed merge workflow.
type MergeResult struct {
	// Summary is the terminal line appended to session output.
	Summary string
	// CommitMessage is the squash commit message, empty when the session's
	// changes were already present in the base branch.
	CommitMessage string
	Outcome       git.SquashMergeOutcome
}

// Merge lands a reviewed session branch: rebase onto base, squash-merge,
// then tear down the worktree and branch.
func (e *Engine) Merge(ctx context.Context, req *Request) (MergeResult, error) {
	if err := e.Rebase(ctx, req); err != nil {
		return MergeResult{}, fmt.Errorf("merge failed during rebase step: %w", err)
	}

	diff, err := e.git.SquashMergeDiff(ctx, req.RepoRoot, req.SourceBranch, req.BaseBranch)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to inspect merge diff: %w", err)
	}

	outcome := git.SquashAlreadyPresentInTarget
	commitMessage := ""
	if strings.TrimSpace(diff) != "" {
		commitMessage = e.generateCommitMessage(ctx, req, diff)
		outcome, err = e.git.SquashMerge(ctx, req.RepoRoot, req.SourceBranch, req.BaseBranch, commitMessage)
		if err != nil {
			return MergeResult{}, err
		}
	}

	if err := e.git.RemoveWorktree(ctx, req.Folder); err != nil {
		return MergeResult{}, fmt.Errorf("merged successfully but failed to remove worktree: %w", err)
	}
	if err := e.git.DeleteBranch(ctx, req.RepoRoot, req.SourceBranch); err != nil {
		return MergeResult{}, fmt.Errorf("merged successfully but failed to delete branch %s: %w", req.SourceBranch, err)
	}

	return MergeResult{
		Summary:       mergeSummary(req.SourceBranch, req.BaseBranch, outcome),
		CommitMessage: commitMessage,
		Outcome:       outcome,
	}, nil
}

func mergeSummary(sourceBranch, baseBranch string, outcome git.SquashMergeOutcome) string {
	if outcome == git.SquashAlreadyPresentInTarget {
		return fmt.Sprintf("Session changes from %s are already present in %s", sourceBranch, baseBranch)
	}
	return fmt.Sprintf("Successfully merged %s into %s", sourceBranch, baseBranch)
}

// FallbackCommitMessage is the squash commit message used when message
// generation fails or times out.
func FallbackCommitMessage(sourceBranch, targetBranch string) string {
	return fmt.Sprintf("Apply session updates\n\n- Squash merge `%s` into `%s`.", sourceBranch, targetBranch)
}

// generateCommitMessage asks the model for a commit message describing the
// squash diff, time-boxed so a slow provider never stalls the merge.
func (e *Engine) generateCommitMessage(ctx context.Context, req *Request, diff string) string {
	fallback := FallbackCommitMessage(req.SourceBranch, req.BaseBranch)

	mctx, cancel := context.WithTimeout(ctx, commitMessageTimeout)
	defer cancel()

	result, err := e.channel.RunTurn(mctx, req.SessionID, agent.TurnRequest{
		Folder: req.Folder,
		Model:  req.Model,
		Prompt: mergeCommitMessagePrompt(diff),
	}, func(agent.TurnEvent) {})
	if err != nil {
		logger.WithSession(req.SessionID).Debug("commit message generation failed, using fallback", "error", err)
		return fallback
	}

	message, ok := parseCommitMessageResponse(result.AssistantMessage)
	if !ok {
		return fallback
	}
	return message
}

type commitMessageResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// parseCommitMessageResponse extracts the {title, description} JSON object,
// tolerating prose around it.
func parseCommitMessageResponse(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)

	var parsed commitMessageResponse
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return "", false
		}
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &parsed); err != nil {
			return "", false
		}
	}

	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return "", false
	}
	description := strings.TrimSpace(parsed.Description)
	if description == "" {
		return title, true
	}
	return title + "\n\n" + description, true
}
