// Package agent defines the provider-neutral channel abstraction: one
// interface over "spawn a CLI per turn" and "talk to a persistent app-server
// subprocess", plus the turn request/result/event types both share.
package agent

import (
	"context"

	"github.com/zhubert/convoy/internal/session"
)

// TurnMode says whether a turn starts a fresh conversation or resumes one.
type TurnMode int

const (
	// TurnStart begins a new conversation.
	TurnStart TurnMode = iota
	// TurnResume continues a conversation, replaying prior session output
	// when the provider has no memory of it.
	TurnResume
)

// TurnRequest describes one conversational turn.
type TurnRequest struct {
	Folder string // working directory (the session worktree)
	Model  string
	Prompt string
	Mode   TurnMode

	// SessionOutput is a snapshot of the prior transcript, used to rebuild
	// context on resume. LiveOutput, when set, is preferred over it because
	// the buffer keeps growing while this request waits in a queue.
	SessionOutput string
	LiveOutput    *session.OutputBuffer

	// ProviderConversationID resumes a provider-side conversation when the
	// provider supports it. Empty means none.
	ProviderConversationID string

	PermissionMode session.PermissionMode
}

// LatestSessionOutput returns the freshest transcript available: the live
// buffer when present, else the snapshot carried by the request.
func (r *TurnRequest) LatestSessionOutput() string {
	if r.LiveOutput != nil {
		if live := r.LiveOutput.Snapshot(); live != "" {
			return live
		}
	}
	return r.SessionOutput
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	AssistantMessage string
	InputTokens      int64
	OutputTokens     int64

	// ContextReset is true when the runtime was restarted mid-call and the
	// conversation context was rebuilt from the transcript.
	ContextReset bool

	// ProviderConversationID is the possibly-rotated conversation handle to
	// persist for the next turn.
	ProviderConversationID string
}

// TurnEventType tags a TurnEvent.
type TurnEventType int

const (
	// EventAssistantDelta carries a chunk of assistant text.
	EventAssistantDelta TurnEventType = iota
	// EventProgress carries a short human-readable activity label.
	EventProgress
	// EventPidUpdate reports the subprocess pid serving the turn; zero
	// clears it.
	EventPidUpdate
	// EventCompleted is reserved; completion is signaled by RunTurn's
	// return value, not the stream.
	EventCompleted
	// EventFailed is reserved for the same reason.
	EventFailed
)

// TurnEvent is one streamed event observed during a turn.
type TurnEvent struct {
	Type TurnEventType
	Text string // AssistantDelta and Progress
	Pid  int    // PidUpdate
}

// EventSink receives turn events. Implementations must not block: the
// channel forwards events from the middle of protocol reads.
type EventSink func(TurnEvent)

// StartSessionRequest asks a channel to prepare a session reference.
type StartSessionRequest struct {
	SessionID string
	Folder    string
	Model     string
}

// SessionRef identifies a started channel session.
type SessionRef struct {
	SessionID string
}

// AgentChannel turns provider-specific processes into a uniform stream of
// turn events. StartSession is cheap and never requires the underlying
// process to exist yet.
type AgentChannel interface {
	StartSession(ctx context.Context, req StartSessionRequest) (SessionRef, error)
	RunTurn(ctx context.Context, sessionID string, req TurnRequest, sink EventSink) (TurnResult, error)
	ShutdownSession(ctx context.Context, sessionID string) error
}
