package session

import "fmt"

// Status is a session's lifecycle state.
type Status string

const (
	// StatusNew is a freshly created session with no turns yet.
	StatusNew Status = "New"
	// StatusInProgress means a turn is queued or running.
	StatusInProgress Status = "InProgress"
	// StatusReview means the session is idle and awaiting the user.
	StatusReview Status = "Review"
	// StatusQueued means the session is waiting for a merge slot.
	StatusQueued Status = "Queued"
	// StatusRebasing means the rebase workflow owns the worktree.
	StatusRebasing Status = "Rebasing"
	// StatusMerging means the merge workflow owns the worktree.
	StatusMerging Status = "Merging"
	// StatusDone means the branch was merged and the worktree removed.
	StatusDone Status = "Done"
	// StatusCanceled means the session was abandoned.
	StatusCanceled Status = "Canceled"
)

// ParseStatus converts a stored string back into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNew, StatusInProgress, StatusReview, StatusQueued,
		StatusRebasing, StatusMerging, StatusDone, StatusCanceled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step. Self-transitions are always allowed so repeated updates are
// idempotent.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}

	switch s {
	case StatusNew:
		return next == StatusInProgress || next == StatusRebasing
	case StatusInProgress:
		return next == StatusRebasing || next == StatusReview
	case StatusReview:
		switch next {
		case StatusInProgress, StatusQueued, StatusRebasing, StatusMerging, StatusCanceled:
			return true
		}
		return false
	case StatusQueued:
		return next == StatusMerging || next == StatusReview
	case StatusRebasing:
		return next == StatusReview
	case StatusMerging:
		return next == StatusDone || next == StatusReview
	default:
		// Done and Canceled are terminal.
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCanceled
}
