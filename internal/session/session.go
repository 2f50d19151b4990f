// Package session defines the session domain model: the record describing
// one agent conversation bound to a git worktree, its lifecycle status
// machine, and the shared runtime cells (output buffer, pid) that the worker,
// the event bridge, and readers all touch.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PermissionMode controls how much the agent may do without asking.
type PermissionMode int

const (
	// PermissionDefault lets the provider apply its own approval policy.
	PermissionDefault PermissionMode = iota
	// PermissionAutoEdit allows file edits without prompting.
	PermissionAutoEdit
	// PermissionFull allows edits and command execution without prompting.
	PermissionFull
)

func (m PermissionMode) String() string {
	switch m {
	case PermissionAutoEdit:
		return "auto-edit"
	case PermissionFull:
		return "full"
	default:
		return "default"
	}
}

// AtLeast returns the stronger of m and floor. Conflict resolution needs
// edits, so assist turns raise the mode with this.
func (m PermissionMode) AtLeast(floor PermissionMode) PermissionMode {
	if m < floor {
		return floor
	}
	return m
}

// Stats holds cumulative token usage for a session.
type Stats struct {
	InputTokens  int64
	OutputTokens int64
}

// Add accumulates one turn's usage.
func (s Stats) Add(input, output int64) Stats {
	return Stats{
		InputTokens:  s.InputTokens + input,
		OutputTokens: s.OutputTokens + output,
	}
}

// Session is the persistent record of one agent conversation.
type Session struct {
	ID         string
	Name       string
	RepoPath   string // main repository root
	WorkTree   string // session worktree path
	Branch     string // session branch
	BaseBranch string // branch the session forked from and merges back into

	Provider       string
	Model          string
	PermissionMode PermissionMode

	Status Status
	Stats  Stats

	// ProviderConversationID is the provider-side conversation handle, used
	// to resume app-server sessions. May rotate across turns.
	ProviderConversationID string

	// SizeBytes is the last measured on-disk size of the worktree.
	SizeBytes int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a session record for a repo with a generated id and branch.
func New(name, repoPath, baseBranch, branchPrefix, provider, model string) *Session {
	id := uuid.New().String()
	short := id[:8]
	branch := branchPrefix + sanitizeBranchName(name) + "-" + short
	now := time.Now()
	return &Session{
		ID:         id,
		Name:       name,
		RepoPath:   repoPath,
		Branch:     branch,
		BaseBranch: baseBranch,
		Provider:   provider,
		Model:      model,
		Status:     StatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// sanitizeBranchName converts a free-form session name into something git
// accepts as a branch component.
func sanitizeBranchName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "session"
	}
	return s
}

// DisplayName returns a short human-readable identifier.
func (s *Session) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.ID) >= 8 {
		return fmt.Sprintf("session-%s", s.ID[:8])
	}
	return s.ID
}
