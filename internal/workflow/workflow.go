package workflow

import (
	"context"
	"time"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/git"
	"github.com/zhubert/convoy/internal/session"
)

// commitMessageTimeout bounds the one-shot model call that writes the squash
// commit message. On expiry the fixed fallback message is used.
const commitMessageTimeout = 2 * time.Minute

// autoCommitMessage is the message used for worktree checkpoint commits.
const autoCommitMessage = "Checkpoint session changes"

// Git is the subset of git operations the workflows drive. *git.Service
// satisfies it; tests substitute a scripted fake.
type Git interface {
	IsRebaseInProgress(repoPath string) (bool, error)
	RebaseStart(ctx context.Context, repoPath, targetBranch string) (git.RebaseStepResult, error)
	RebaseContinue(ctx context.Context, repoPath string) (git.RebaseStepResult, error)
	AbortRebase(ctx context.Context, repoPath string) error
	ListConflictedFiles(ctx context.Context, repoPath string) ([]string, error)
	ListStagedConflictMarkerFiles(ctx context.Context, repoPath string, paths []string) ([]string, error)
	HasUnmergedPaths(ctx context.Context, repoPath string) (bool, error)
	StageAll(ctx context.Context, repoPath string) error
	CommitAll(ctx context.Context, repoPath, message string, noVerify bool) error
	HeadShortHash(ctx context.Context, repoPath string) (string, error)
	SquashMergeDiff(ctx context.Context, repoPath, sourceBranch, targetBranch string) (string, error)
	SquashMerge(ctx context.Context, repoPath, sourceBranch, targetBranch, commitMessage string) (git.SquashMergeOutcome, error)
	RemoveWorktree(ctx context.Context, worktreePath string) error
	DeleteBranch(ctx context.Context, repoPath, branch string) error
}

var _ Git = (*git.Service)(nil)

// Request carries the session context shared by all workflows.
type Request struct {
	SessionID    string
	Folder       string // the session worktree
	RepoRoot     string
	SourceBranch string
	BaseBranch   string
	Model        string

	// PermissionMode is the session's configured mode. Assist runs raise it
	// to at least auto-edit because conflict resolution requires edits.
	PermissionMode session.PermissionMode

	// Output receives progress and assist text for the session transcript.
	// May be nil.
	Output func(text string)
}

func (r *Request) appendOutput(text string) {
	if r.Output != nil {
		r.Output(text)
	}
}

// Engine runs the assisted workflows against a git service and an agent
// channel.
type Engine struct {
	git     Git
	channel agent.AgentChannel
}

// NewEngine creates a workflow engine.
func NewEngine(g Git, channel agent.AgentChannel) *Engine {
	return &Engine{git: g, channel: channel}
}

// runAssist executes one agent-assisted edit run in the session worktree,
// streaming assistant text into the session transcript.
func (e *Engine) runAssist(ctx context.Context, req *Request, prompt string) error {
	_, err := e.channel.RunTurn(ctx, req.SessionID, agent.TurnRequest{
		Folder:         req.Folder,
		Model:          req.Model,
		Prompt:         prompt,
		PermissionMode: req.PermissionMode.AtLeast(session.PermissionAutoEdit),
	}, func(event agent.TurnEvent) {
		if event.Type == agent.EventAssistantDelta {
			req.appendOutput(event.Text)
		}
	})
	return err
}
