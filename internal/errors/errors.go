// Package errors provides structured error types for the convoy application.
// These errors provide context about what operation failed and where.
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindPermission
	KindIO
	KindStore
	KindConfig
	KindGit
	KindAgent
	KindProtocol
	KindTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindPermission:
		return "permission denied"
	case KindIO:
		return "I/O error"
	case KindStore:
		return "store error"
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git error"
	case KindAgent:
		return "agent error"
	case KindProtocol:
		return "protocol error"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for convoy.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Session errors
func SessionNotFound(id string) error {
	return E(Op("session.Get"), KindNotFound, fmt.Sprintf("session %s not found", id))
}

func InvalidStatusTransition(id, from, to string) error {
	return E(Op("session.UpdateStatus"), KindInvalid,
		fmt.Sprintf("session %s cannot transition from %s to %s", id, from, to))
}

// Worker errors
func WorkerNotAvailable(sessionID string) error {
	return E(Op("worker.Enqueue"), KindNotFound,
		fmt.Sprintf("worker not available for session %s", sessionID))
}

func OperationNotFound(id string) error {
	return E(Op("store.GetOperation"), KindNotFound, fmt.Sprintf("operation %s not found", id))
}

// Config errors
func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigSaveFailed(path string, err error) error {
	return E(Op("config.Save"), KindConfig, fmt.Sprintf("failed to save config to %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}

// Git errors
func GitNotRepo(path string) error {
	return E(Op("git.ValidateRepo"), KindInvalid, fmt.Sprintf("%s is not a git repository", path))
}

func GitWorktreeFailed(branch string, err error) error {
	return E(Op("git.CreateWorktree"), KindGit, fmt.Sprintf("failed to create worktree for branch %s", branch), err)
}

func GitRebaseFailed(branch string, err error) error {
	return E(Op("git.Rebase"), KindGit, fmt.Sprintf("failed to rebase branch %s", branch), err)
}

func GitMergeFailed(branch string, err error) error {
	return E(Op("git.Merge"), KindGit, fmt.Sprintf("failed to merge branch %s", branch), err)
}

// Agent errors
func AgentStartFailed(sessionID string, err error) error {
	return E(Op("agent.StartSession"), KindAgent, fmt.Sprintf("failed to start agent for session %s", sessionID), err)
}

func TurnFailed(sessionID string, err error) error {
	return E(Op("agent.RunTurn"), KindAgent, fmt.Sprintf("turn failed for session %s", sessionID), err)
}

func TurnTimedOut(sessionID string) error {
	return E(Op("agent.RunTurn"), KindTimeout, fmt.Sprintf("turn timed out for session %s", sessionID))
}

// Protocol errors
func ProtocolError(method, message string) error {
	return E(Op("appserver.Call"), KindProtocol, fmt.Sprintf("%s: %s", method, message))
}
