package git

import (
	"context"
	"fmt"
	"strings"
)

// SquashMergeOutcome describes the result of a squash merge.
type SquashMergeOutcome int

const (
	// SquashCommitted means a squash commit was created on the target branch.
	SquashCommitted SquashMergeOutcome = iota
	// SquashAlreadyPresentInTarget means the merge staged nothing because the
	// target already contains every change.
	SquashAlreadyPresentInTarget
)

// SquashMergeDiff returns the full patch that a squash merge of sourceBranch
// into targetBranch would apply (git diff target..source).
func (s *Service) SquashMergeDiff(ctx context.Context, repoPath, sourceBranch, targetBranch string) (string, error) {
	revisionRange := fmt.Sprintf("%s..%s", targetBranch, sourceBranch)
	output, err := s.executor.Output(ctx, repoPath, "git", "diff", revisionRange)
	if err != nil {
		return "", fmt.Errorf("failed to read squash merge diff for %s: %w", revisionRange, err)
	}
	return string(output), nil
}

// SquashMerge performs `git merge --squash` of sourceBranch into
// targetBranch and commits the result. The caller must have targetBranch
// checked out already; switching branches here would disrupt the user's
// working directory.
//
// Pre-commit hooks are skipped because the session's code already passed
// them during auto-commit in the worktree.
func (s *Service) SquashMerge(ctx context.Context, repoPath, sourceBranch, targetBranch, commitMessage string) (SquashMergeOutcome, error) {
	current, err := s.CurrentBranch(ctx, repoPath)
	if err != nil {
		return 0, err
	}
	if current != targetBranch {
		return 0, fmt.Errorf(
			"cannot merge: repository is on %q but expected %q; switch to %q first",
			current, targetBranch, targetBranch)
	}

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "merge", "--squash", sourceBranch)
	if err != nil {
		return 0, fmt.Errorf("failed to squash merge %s: %s", sourceBranch, commandOutputDetail(output, nil))
	}

	// `git diff --cached --quiet` exits 0 when nothing is staged.
	if _, err := s.executor.CombinedOutput(ctx, repoPath, "git", "diff", "--cached", "--quiet"); err == nil {
		return SquashAlreadyPresentInTarget, nil
	}

	output, err = s.executor.CombinedOutput(ctx, repoPath, "git", "commit", "--no-verify", "-m", commitMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to commit squash merge: %s", commandOutputDetail(output, nil))
	}

	return SquashCommitted, nil
}

// CommitSubject returns the first line of a commit message.
func CommitSubject(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return strings.TrimSpace(message[:i])
	}
	return strings.TrimSpace(message)
}
