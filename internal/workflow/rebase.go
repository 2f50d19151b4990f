package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zhubert/convoy/internal/git"
	"github.com/zhubert/convoy/internal/logger"
)

// Rebase rebases the session branch onto its base branch, delegating
// conflict resolution to the agent through a bounded assist loop. On every
// failure path the in-progress rebase is aborted so the worktree is never
// left stuck mid-rebase.
func (e *Engine) Rebase(ctx context.Context, req *Request) error {
	inProgress, err := e.git.IsRebaseInProgress(req.Folder)
	if err != nil {
		return err
	}
	if !inProgress {
		step, err := e.rebaseStart(ctx, req)
		if err != nil {
			return err
		}
		if step.Completed {
			return nil
		}
	}

	if err := e.rebaseAssistLoop(ctx, req); err != nil {
		if abortErr := e.git.AbortRebase(ctx, req.Folder); abortErr != nil {
			logger.WithSession(req.SessionID).Debug("rebase abort after assist failure also failed", "error", abortErr)
		}
		return err
	}
	return nil
}

// rebaseStart begins the rebase, recovering once from stale rebase metadata
// left behind by an interrupted earlier run.
func (e *Engine) rebaseStart(ctx context.Context, req *Request) (git.RebaseStepResult, error) {
	step, err := e.git.RebaseStart(ctx, req.Folder, req.BaseBranch)
	if err == nil {
		return step, nil
	}
	if !git.IsStaleRebaseStateError(err.Error()) {
		return git.RebaseStepResult{}, err
	}
	if abortErr := e.git.AbortRebase(ctx, req.Folder); abortErr != nil {
		return git.RebaseStepResult{}, fmt.Errorf(
			"detected stale rebase metadata after failed rebase start: %v; cleanup with `git rebase --abort` failed: %v", err, abortErr)
	}
	return e.git.RebaseStart(ctx, req.Folder, req.BaseBranch)
}

func (e *Engine) rebaseAssistLoop(ctx context.Context, req *Request) error {
	tracker := NewFailureTracker(rebaseAssistPolicy.MaxIdenticalFailureStreak)
	var previousConflicts []string

	for attempt := 1; attempt <= rebaseAssistPolicy.MaxAttempts; attempt++ {
		conflicted, err := e.loadConflictedFiles(ctx, req.Folder, previousConflicts)
		if err != nil {
			return err
		}

		if len(conflicted) == 0 {
			done, err := e.continueRebase(ctx, req, tracker, attempt)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		// The fingerprint is the sorted conflicted-file set: if a full
		// assist attempt leaves the same files conflicted, the agent made
		// no progress.
		fingerprint := strings.Join(conflicted, "\n")
		if tracker.Observe(fingerprint) {
			return fmt.Errorf("rebase assistance made no progress: conflicted files did not change")
		}

		req.appendOutput(assistHeader("Rebase", attempt, rebaseAssistPolicy.MaxAttempts,
			"Resolving conflicts in:", FormatDetailLines(fingerprint)))
		if err := e.runAssist(ctx, req, rebaseAssistPrompt(req.BaseBranch, conflicted)); err != nil {
			return fmt.Errorf("rebase assistance failed: %w", err)
		}

		stillConflicted, err := e.stageAndCheckForConflicts(ctx, req.Folder, conflicted)
		if err != nil {
			return err
		}
		previousConflicts = conflicted
		if stillConflicted {
			if attempt == rebaseAssistPolicy.MaxAttempts {
				return fmt.Errorf("conflicts remain unresolved after maximum assistance attempts")
			}
			continue
		}

		done, err := e.continueRebase(ctx, req, tracker, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return fmt.Errorf("failed to complete assisted rebase")
}

// continueRebase advances the rebase one step. It returns true when the
// rebase completed, false when a fresh conflict appeared and the loop should
// try again.
func (e *Engine) continueRebase(ctx context.Context, req *Request, tracker *FailureTracker, attempt int) (bool, error) {
	step, err := e.git.RebaseContinue(ctx, req.Folder)
	if err != nil {
		return false, err
	}
	if step.Completed {
		return true, nil
	}
	if tracker.Observe(step.Detail) {
		return false, fmt.Errorf("rebase assistance made no progress: repeated identical conflict state: %s", step.Detail)
	}
	if attempt == rebaseAssistPolicy.MaxAttempts {
		return false, fmt.Errorf("rebase still has conflicts after assistance: %s", step.Detail)
	}
	return false, nil
}

// loadConflictedFiles returns the sorted union of unmerged index entries and
// previously-conflicted files that were staged while still containing
// conflict markers. Staging a half-resolved file moves it out of the
// unmerged set, so the second query is needed to keep seeing it.
func (e *Engine) loadConflictedFiles(ctx context.Context, folder string, previousConflicts []string) ([]string, error) {
	conflicted, err := e.git.ListConflictedFiles(ctx, folder)
	if err != nil {
		return nil, err
	}
	stagedWithMarkers, err := e.git.ListStagedConflictMarkerFiles(ctx, folder, previousConflicts)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(conflicted))
	for _, f := range conflicted {
		seen[f] = true
	}
	for _, f := range stagedWithMarkers {
		if !seen[f] {
			conflicted = append(conflicted, f)
			seen[f] = true
		}
	}
	sort.Strings(conflicted)
	return conflicted, nil
}

// stageAndCheckForConflicts stages all edits and reports whether any
// conflict remains, either as an unmerged path or as residual markers in a
// staged file.
func (e *Engine) stageAndCheckForConflicts(ctx context.Context, folder string, conflictFiles []string) (bool, error) {
	if err := e.git.StageAll(ctx, folder); err != nil {
		return false, err
	}
	unmerged, err := e.git.HasUnmergedPaths(ctx, folder)
	if err != nil {
		return false, err
	}
	if unmerged {
		return true, nil
	}
	stagedWithMarkers, err := e.git.ListStagedConflictMarkerFiles(ctx, folder, conflictFiles)
	if err != nil {
		return false, err
	}
	return len(stagedWithMarkers) > 0, nil
}
