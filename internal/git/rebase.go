package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RebaseStepResult describes what a rebase start/continue step produced.
type RebaseStepResult struct {
	// Completed is true when the rebase finished cleanly.
	Completed bool
	// Detail carries the conflict text when the step stopped on a conflict.
	Detail string
}

// isRebaseConflict reports whether git output signals a conflict needing
// manual resolution, including the messages git emits when continuing a
// rebase with partially-resolved files.
func isRebaseConflict(detail string) bool {
	for _, marker := range []string{
		"CONFLICT",
		"Resolve all conflicts manually",
		"could not apply",
		"mark them as resolved",
		"unresolved conflict",
		"Committing is not possible",
	} {
		if strings.Contains(detail, marker) {
			return true
		}
	}
	return false
}

// IsStaleRebaseStateError reports whether a rebase failed because metadata
// from an earlier, interrupted rebase is still on disk.
func IsStaleRebaseStateError(detail string) bool {
	d := strings.ToLower(detail)
	return strings.Contains(d, "rebase-merge directory") ||
		strings.Contains(d, "rebase-apply") ||
		strings.Contains(d, "middle of another rebase")
}

// RebaseStart rebases the current branch onto targetBranch. A conflict stop
// is returned as a non-completed result, not an error.
func (s *Service) RebaseStart(ctx context.Context, repoPath, targetBranch string) (RebaseStepResult, error) {
	output, err := s.runWithIndexLockRetry(ctx, repoPath, "rebase", targetBranch)
	if err == nil {
		return RebaseStepResult{Completed: true}, nil
	}

	detail := commandOutputDetail(output, nil)
	if isRebaseConflict(detail) {
		return RebaseStepResult{Detail: detail}, nil
	}
	return RebaseStepResult{}, fmt.Errorf("failed to rebase onto %s: %s", targetBranch, detail)
}

// RebaseContinue continues an in-progress rebase. The editor is disabled so
// git never blocks waiting for a commit message.
func (s *Service) RebaseContinue(ctx context.Context, repoPath string) (RebaseStepResult, error) {
	output, err := s.runWithIndexLockRetry(ctx, repoPath,
		"-c", "core.editor=:", "-c", "sequence.editor=:", "rebase", "--continue")
	if err == nil {
		return RebaseStepResult{Completed: true}, nil
	}

	detail := commandOutputDetail(output, nil)
	if isRebaseConflict(detail) {
		return RebaseStepResult{Detail: detail}, nil
	}
	return RebaseStepResult{}, fmt.Errorf("failed to continue rebase: %s", detail)
}

// AbortRebase aborts an in-progress rebase.
func (s *Service) AbortRebase(ctx context.Context, repoPath string) error {
	output, err := s.runWithIndexLockRetry(ctx, repoPath, "rebase", "--abort")
	if err != nil {
		return fmt.Errorf("failed to abort rebase: %s", commandOutputDetail(output, nil))
	}
	return nil
}

// IsRebaseInProgress reports whether rebase metadata exists in the git dir.
func (s *Service) IsRebaseInProgress(repoPath string) (bool, error) {
	gitDir, ok := resolveGitDir(repoPath)
	if !ok {
		return false, fmt.Errorf("failed to resolve git directory for %s", repoPath)
	}
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, name)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// ListConflictedFiles returns paths with unresolved conflicts in the index.
func (s *Service) ListConflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git",
		"diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to read conflicted files: %s", commandOutputDetail(output, nil))
	}
	return splitLines(string(output)), nil
}

// ListStagedConflictMarkerFiles returns which of paths still contain conflict
// markers in their staged content. Scoping to paths avoids false positives
// from files that legitimately contain "<<<<<<<".
func (s *Service) ListStagedConflictMarkerFiles(ctx context.Context, repoPath string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	args := append([]string{"grep", "--cached", "-l", "^<<<<<<<", "--"}, paths...)
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", args...)
	if err != nil {
		// git grep exits 1 when nothing matches; that's an empty result.
		if len(strings.TrimSpace(string(output))) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check for staged conflict markers: %s", commandOutputDetail(output, nil))
	}
	return splitLines(string(output)), nil
}

// HasUnmergedPaths reports whether unresolved paths remain in the index.
func (s *Service) HasUnmergedPaths(ctx context.Context, repoPath string) (bool, error) {
	files, err := s.ListConflictedFiles(ctx, repoPath)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func splitLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
