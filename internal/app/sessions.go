package app

import (
	"context"
	"path/filepath"
	"time"

	cerrors "github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/git"
	"github.com/zhubert/convoy/internal/logger"
	"github.com/zhubert/convoy/internal/notification"
	"github.com/zhubert/convoy/internal/session"
	"github.com/zhubert/convoy/internal/store"
	"github.com/zhubert/convoy/internal/workflow"
)

// CreateSessionOptions describe a new session.
type CreateSessionOptions struct {
	Name     string
	RepoDir  string // any directory inside the repository
	Provider string // empty uses the configured default
	Model    string // empty uses the configured default
	Prompt   string // first turn prompt

	PermissionMode session.PermissionMode
}

// CreateSession makes a worktree and branch for a new session, persists it,
// and queues the first turn. The returned operation id identifies that turn
// in the ledger.
func (a *App) CreateSession(ctx context.Context, opts CreateSessionOptions) (*session.Session, string, error) {
	if opts.Prompt == "" {
		return nil, "", cerrors.E(cerrors.Op("app.CreateSession"), cerrors.KindInvalid, "empty prompt")
	}
	repoRoot, ok := findRepoRoot(opts.RepoDir)
	if !ok {
		return nil, "", cerrors.GitNotRepo(opts.RepoDir)
	}

	baseBranch, err := a.Git.CurrentBranch(ctx, repoRoot)
	if err != nil {
		return nil, "", err
	}

	model := opts.Model
	if model == "" {
		model = a.Config.DefaultModel
	}
	sess := session.New(opts.Name, repoRoot, baseBranch, a.branchPrefix(), opts.Provider, model)
	sess.PermissionMode = opts.PermissionMode
	sess.WorkTree = filepath.Join(a.worktreeRoot(), sess.ID[:8])

	if err := a.Git.CreateWorktree(ctx, repoRoot, sess.WorkTree, sess.Branch, baseBranch); err != nil {
		return nil, "", cerrors.GitWorktreeFailed(sess.Branch, err)
	}
	if err := a.Store.SaveSession(ctx, sess); err != nil {
		return nil, "", err
	}
	if err := a.Store.UpdateSessionStatus(ctx, sess.ID, session.StatusInProgress); err != nil {
		return nil, "", err
	}
	sess.Status = session.StatusInProgress

	opID, err := a.Manager.Enqueue(ctx, sess, store.OpStartPrompt, opts.Prompt)
	if err != nil {
		return sess, "", err
	}
	logger.Info("session %s created on %s (branch %s)", sess.ID, repoRoot, sess.Branch)
	return sess, opID, nil
}

// Reply queues a follow-up turn on a reviewed session. The worker flips the
// session back to InProgress when the turn starts.
func (a *App) Reply(ctx context.Context, sessionID, prompt string) (string, error) {
	if prompt == "" {
		return "", cerrors.E(cerrors.Op("app.Reply"), cerrors.KindInvalid, "empty prompt")
	}
	sess, err := a.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status.IsTerminal() {
		return "", cerrors.InvalidStatusTransition(sessionID, string(sess.Status), string(session.StatusInProgress))
	}
	return a.Manager.Enqueue(ctx, sess, store.OpReply, prompt)
}

// Cancel flags the session's unfinished operations and signals its running
// turn, if one is known. Safe to call repeatedly.
func (a *App) Cancel(ctx context.Context, sessionID string) (int, error) {
	return a.Manager.Cancel(ctx, sessionID)
}

// Merge lands a reviewed session into its base branch and tears the session
// down on success.
func (a *App) Merge(ctx context.Context, sessionID string) (workflow.MergeResult, error) {
	sess, err := a.Store.GetSession(ctx, sessionID)
	if err != nil {
		return workflow.MergeResult{}, err
	}
	engine, err := a.workflowEngine(sess)
	if err != nil {
		return workflow.MergeResult{}, err
	}
	if err := a.Store.UpdateSessionStatus(ctx, sessionID, session.StatusMerging); err != nil {
		return workflow.MergeResult{}, err
	}

	result, mergeErr := engine.Merge(ctx, a.workflowRequest(ctx, sess))
	if mergeErr != nil {
		if err := a.Store.UpdateSessionStatus(ctx, sessionID, session.StatusReview); err != nil {
			logger.Debug("merge failure: could not return session %s to review: %v", sessionID, err)
		}
		return workflow.MergeResult{}, mergeErr
	}

	if err := a.Store.UpdateSessionStatus(ctx, sessionID, session.StatusDone); err != nil {
		return result, err
	}
	a.Manager.StopWorker(sessionID)
	_ = notification.SessionMerged(sess.DisplayName())
	logger.Info("session %s merged into %s", sessionID, sess.BaseBranch)
	return result, nil
}

// Sync rebases the session branch onto its base branch with assistance,
// outside of a merge.
func (a *App) Sync(ctx context.Context, sessionID string) error {
	sess, err := a.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	engine, err := a.workflowEngine(sess)
	if err != nil {
		return err
	}
	if err := a.Store.UpdateSessionStatus(ctx, sessionID, session.StatusRebasing); err != nil {
		return err
	}

	rebaseErr := engine.Rebase(ctx, a.workflowRequest(ctx, sess))
	if err := a.Store.UpdateSessionStatus(ctx, sessionID, session.StatusReview); err != nil {
		logger.Debug("sync: could not return session %s to review: %v", sessionID, err)
	}
	return rebaseErr
}

// DeleteSession removes a session's worktree, branch, and record. The
// worktree must not have a turn in flight.
func (a *App) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := a.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	a.Manager.StopWorker(sessionID)

	if err := a.Git.RemoveWorktree(ctx, sess.WorkTree); err != nil {
		logger.Warn("delete: failed to remove worktree %s: %v", sess.WorkTree, err)
	}
	if err := a.Git.DeleteBranch(ctx, sess.RepoPath, sess.Branch); err != nil {
		logger.Warn("delete: failed to delete branch %s: %v", sess.Branch, err)
	}
	return a.Store.DeleteSession(ctx, sessionID)
}

// Diff returns the session worktree's diff against its base branch.
func (a *App) Diff(ctx context.Context, sessionID string) (string, error) {
	sess, err := a.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return a.Git.Diff(ctx, sess.WorkTree, sess.BaseBranch)
}

// Sessions returns every session, newest first.
func (a *App) Sessions(ctx context.Context) ([]*session.Session, error) {
	return a.Store.ListSessions(ctx)
}

// WaitForOperation blocks until the operation reaches a terminal ledger
// state, polling the store. It returns the terminal row.
func (a *App) WaitForOperation(ctx context.Context, opID string) (store.Operation, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		op, err := a.Store.GetOperation(ctx, opID)
		if err != nil {
			return store.Operation{}, err
		}
		if !op.Status.IsUnfinished() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// workflowRequest builds the shared workflow request for a session, routing
// assist output into the session transcript.
func (a *App) workflowRequest(ctx context.Context, sess *session.Session) *workflow.Request {
	return &workflow.Request{
		SessionID:      sess.ID,
		Folder:         sess.WorkTree,
		RepoRoot:       sess.RepoPath,
		SourceBranch:   sess.Branch,
		BaseBranch:     sess.BaseBranch,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		Output: func(text string) {
			if err := a.Store.AppendSessionOutput(ctx, sess.ID, text); err != nil {
				logger.Debug("workflow output not persisted for %s: %v", sess.ID, err)
			}
		},
	}
}

// findRepoRoot is a seam over git.FindRepoRoot for tests.
var findRepoRoot = git.FindRepoRoot
