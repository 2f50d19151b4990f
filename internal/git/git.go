// Package git wraps the git plumbing convoy needs: worktree lifecycle,
// diffs, commits, rebase stepping, and squash merges. Every operation goes
// through an injected CommandExecutor so tests can script git's behavior.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhubert/convoy/internal/exec"
	"github.com/zhubert/convoy/internal/logger"
)

const (
	commitHookRetryAttempts = 5
	indexLockRetryAttempts  = 5
	indexLockRetryDelay     = 100 * time.Millisecond
)

// Service executes git commands in repositories and worktrees.
type Service struct {
	executor exec.CommandExecutor
}

// NewService returns a Service backed by real subprocesses.
func NewService() *Service {
	return &Service{executor: exec.NewRealExecutor()}
}

// NewServiceWithExecutor returns a Service with an injected executor.
func NewServiceWithExecutor(e exec.CommandExecutor) *Service {
	return &Service{executor: e}
}

// commandOutputDetail extracts the best human-readable error detail from
// command output: stderr if present, else stdout, else a fixed string.
func commandOutputDetail(stdout, stderr []byte) string {
	if s := strings.TrimSpace(string(stderr)); s != "" {
		return s
	}
	if s := strings.TrimSpace(string(stdout)); s != "" {
		return s
	}
	return "Unknown git error"
}

func isIndexLockError(detail string) bool {
	d := strings.ToLower(detail)
	return strings.Contains(d, "index.lock") &&
		(strings.Contains(d, "file exists") ||
			strings.Contains(d, "unable to create") ||
			strings.Contains(d, "another git process"))
}

// runWithIndexLockRetry runs a git command, retrying briefly when another
// process holds .git/index.lock. Returns the last combined output and error.
func (s *Service) runWithIndexLockRetry(ctx context.Context, dir string, args ...string) ([]byte, error) {
	var output []byte
	var err error
	for attempt := 0; attempt < indexLockRetryAttempts; attempt++ {
		output, err = s.executor.CombinedOutput(ctx, dir, "git", args...)
		if err == nil {
			return output, nil
		}
		detail := commandOutputDetail(output, nil)
		if !isIndexLockError(detail) || attempt+1 == indexLockRetryAttempts {
			return output, err
		}
		logger.Debug("Git: index.lock contention in %s, retrying: %s", dir, detail)
		time.Sleep(indexLockRetryDelay)
	}
	return output, err
}

// FindRepoRoot walks up from dir looking for a .git entry.
func FindRepoRoot(dir string) (string, bool) {
	current := dir
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// resolveGitDir returns the actual git directory for a repo or worktree,
// following the "gitdir:" pointer in worktree .git files.
func resolveGitDir(repoDir string) (string, bool) {
	dotGit := filepath.Join(repoDir, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		return dotGit, true
	}

	content, err := os.ReadFile(dotGit)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(content), "\n") {
		if !strings.HasPrefix(line, "gitdir:") {
			continue
		}
		gitDir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
		if !filepath.IsAbs(gitDir) {
			gitDir = filepath.Join(repoDir, gitDir)
		}
		return gitDir, true
	}
	return "", false
}

// CurrentBranch returns the branch checked out in dir.
func (s *Service) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := s.executor.Output(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to detect current branch in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CreateWorktree creates a worktree with a new branch off baseBranch.
func (s *Service) CreateWorktree(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) error {
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git",
		"worktree", "add", "-b", branch, worktreePath, baseBranch)
	if err != nil {
		return fmt.Errorf("git worktree add failed: %s", commandOutputDetail(output, nil))
	}
	logger.Debug("Git: created worktree %s on branch %s", worktreePath, branch)
	return nil
}

// RemoveWorktree force-removes a worktree, locating the owning repository
// through the worktree's .git pointer.
func (s *Service) RemoveWorktree(ctx context.Context, worktreePath string) error {
	repoRoot := filepath.Dir(worktreePath)
	if gitDir, ok := resolveGitDir(worktreePath); ok {
		// gitdir is <repo>/.git/worktrees/<name>; strip three components.
		repoRoot = filepath.Dir(filepath.Dir(filepath.Dir(gitDir)))
	}

	output, err := s.executor.CombinedOutput(ctx, repoRoot, "git",
		"worktree", "remove", "--force", worktreePath)
	if err != nil {
		return fmt.Errorf("git worktree remove failed: %s", commandOutputDetail(output, nil))
	}
	return nil
}

// DeleteBranch force-deletes a branch (-D, even if unmerged).
func (s *Service) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "branch", "-D", branch)
	if err != nil {
		return fmt.Errorf("git branch deletion failed: %s", commandOutputDetail(output, nil))
	}
	return nil
}

// HeadShortHash returns the short hash of HEAD.
func (s *Service) HeadShortHash(ctx context.Context, repoPath string) (string, error) {
	output, err := s.executor.Output(ctx, repoPath, "git", "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD hash: %w", err)
	}
	hash := strings.TrimSpace(string(output))
	if hash == "" {
		return "", fmt.Errorf("failed to resolve HEAD hash: empty output")
	}
	return hash, nil
}

// Diff returns all changes (committed and uncommitted) relative to the merge
// base with baseBranch. Untracked files are included via a temporary
// intent-to-add mark that is reset afterwards.
func (s *Service) Diff(ctx context.Context, repoPath, baseBranch string) (string, error) {
	if output, err := s.executor.CombinedOutput(ctx, repoPath, "git",
		"add", "-A", "--intent-to-add"); err != nil {
		return "", fmt.Errorf("git add --intent-to-add failed: %s", commandOutputDetail(output, nil))
	}

	target := baseBranch
	if mb, err := s.executor.Output(ctx, repoPath, "git", "merge-base", "HEAD", baseBranch); err == nil {
		if t := strings.TrimSpace(string(mb)); t != "" {
			target = t
		}
	}

	diffOutput, _ := s.executor.Output(ctx, repoPath, "git", "diff", target)

	if output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "reset"); err != nil {
		return "", fmt.Errorf("git reset failed: %s", commandOutputDetail(output, nil))
	}

	return string(diffOutput), nil
}

// StageAll stages every change, including deletions and untracked files.
func (s *Service) StageAll(ctx context.Context, repoPath string) error {
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "add", "-A")
	if err != nil {
		return fmt.Errorf("failed to stage changes: %s", commandOutputDetail(output, nil))
	}
	return nil
}

// ErrNothingToCommit is the message CommitAll returns when the tree is clean.
const ErrNothingToCommit = "Nothing to commit: no changes detected"

func isHookModifiedError(output string) bool {
	return strings.Contains(strings.ToLower(output), "files were modified by this hook")
}

// CommitAll stages everything and commits it. When pre-commit hooks modify
// files the commit is retried with the hook's changes restaged, up to a
// fixed attempt budget.
func (s *Service) CommitAll(ctx context.Context, repoPath, message string, noVerify bool) error {
	if err := s.StageAll(ctx, repoPath); err != nil {
		return err
	}

	args := []string{"commit", "-m", message}
	if noVerify {
		args = append(args, "--no-verify")
	}

	for attempt := 0; attempt < commitHookRetryAttempts; attempt++ {
		output, err := s.executor.CombinedOutput(ctx, repoPath, "git", args...)
		if err == nil {
			return nil
		}

		text := string(output)
		if strings.Contains(text, "nothing to commit") {
			return fmt.Errorf("%s", ErrNothingToCommit)
		}
		if isHookModifiedError(text) {
			if err := s.StageAll(ctx, repoPath); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("failed to commit: %s", commandOutputDetail(output, nil))
	}

	return fmt.Errorf("failed to commit: commit hooks kept modifying files after %d attempts", commitHookRetryAttempts)
}

// WorktreeSize returns the total size in bytes of files under path.
func WorktreeSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Name() == ".git" && d.IsDir() {
			return filepath.SkipDir
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
