package worker

import (
	"context"
	"sync"
	"time"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/logger"
	"github.com/zhubert/convoy/internal/session"
	"github.com/zhubert/convoy/internal/store"
	"github.com/zhubert/convoy/internal/ui"
	"github.com/zhubert/convoy/internal/workflow"
)

// queueCapacity bounds a session's command queue. Commands for one session
// are rare and serialized, so the buffer exists only to keep Enqueue from
// blocking.
const queueCapacity = 256

// heartbeatInterval is how often a running operation's heartbeat is
// refreshed while its turn executes.
const heartbeatInterval = 30 * time.Second

// sessionWorker drains one session's command queue in FIFO order. At most
// one command executes at a time.
type sessionWorker struct {
	manager   *Manager
	sessionID string
	channel   agent.AgentChannel
	handle    *session.Handle
	queue     chan Command

	mu     sync.Mutex
	closed bool
}

// push offers a command to the queue, reporting false when the worker is
// closed or saturated.
func (w *sessionWorker) push(cmd Command) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- cmd:
		return true
	default:
		return false
	}
}

func (w *sessionWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

func (w *sessionWorker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *sessionWorker) run() {
	defer w.manager.wg.Done()
	log := logger.WithSession(w.sessionID)

	for cmd := range w.queue {
		w.execute(context.Background(), cmd)
	}

	// Queue closed: release the channel session and the tracked pid.
	if err := w.channel.ShutdownSession(context.Background(), w.sessionID); err != nil {
		log.Debug("channel shutdown failed", "error", err)
	}
	w.handle.Pid.Clear()
}

// execute runs one command end to end. Cancellation is checked twice: once
// on dequeue and once more after the running-mark, covering a cancel that
// lands between the two.
func (w *sessionWorker) execute(ctx context.Context, cmd Command) {
	st := w.manager.cfg.Store
	log := logger.WithSession(w.sessionID)

	if done := w.checkpoint(ctx, cmd.OperationID); done {
		return
	}

	if err := st.MarkOperationRunning(ctx, cmd.OperationID); err != nil {
		log.Debug("failed to mark operation running", "operation", cmd.OperationID, "error", err)
		return
	}

	if done := w.checkpoint(ctx, cmd.OperationID); done {
		return
	}

	sess, err := st.GetSession(ctx, w.sessionID)
	if err != nil {
		_ = st.MarkOperationFailed(ctx, cmd.OperationID, err.Error())
		return
	}

	// A resume turn flips the session back to in-progress; a start turn
	// already entered it before being enqueued.
	if cmd.Kind == store.OpReply {
		if err := st.UpdateSessionStatus(ctx, sess.ID, session.StatusInProgress); err != nil {
			log.Debug("status flip to InProgress rejected", "error", err)
		} else {
			w.publishStatus(session.StatusInProgress)
		}
	}

	stopHeartbeat := w.startHeartbeat(ctx, cmd.OperationID)
	result, turnErr := w.runTurn(ctx, sess, cmd)
	stopHeartbeat()

	if turnErr != nil {
		w.appendOutput(ctx, "\n[Error] "+turnErr.Error()+"\n")
		_ = st.MarkOperationFailed(ctx, cmd.OperationID, turnErr.Error())
	} else {
		w.finishSuccessfulTurn(ctx, sess, cmd, result)
	}

	// Size estimate and the return to Review happen regardless of outcome.
	_ = st.UpdateSessionSize(ctx, sess.ID, w.manager.cfg.SizeOf(sess.WorkTree))
	if err := st.UpdateSessionStatus(ctx, sess.ID, session.StatusReview); err != nil {
		log.Debug("status return to Review rejected", "error", err)
	} else {
		w.publishStatus(session.StatusReview)
	}
	w.manager.cfg.Notify(sess.DisplayName(), turnErr == nil)
}

func (w *sessionWorker) runTurn(ctx context.Context, sess *session.Session, cmd Command) (agent.TurnResult, error) {
	mode := agent.TurnStart
	if cmd.Kind == store.OpReply {
		mode = agent.TurnResume
	}

	snapshot, err := w.manager.cfg.Store.GetSessionOutput(ctx, sess.ID)
	if err != nil {
		logger.WithSession(sess.ID).Debug("output snapshot unavailable", "error", err)
	}

	return w.channel.RunTurn(ctx, sess.ID, agent.TurnRequest{
		Folder:                 sess.WorkTree,
		Model:                  sess.Model,
		Prompt:                 cmd.Prompt,
		Mode:                   mode,
		SessionOutput:          snapshot,
		LiveOutput:             w.handle.Output,
		ProviderConversationID: sess.ProviderConversationID,
		PermissionMode:         sess.PermissionMode,
	}, w.sink())
}

// sink bridges turn events into the live buffer, the store, and the UI.
func (w *sessionWorker) sink() agent.EventSink {
	ctx := context.Background()
	return func(event agent.TurnEvent) {
		switch event.Type {
		case agent.EventAssistantDelta:
			w.appendOutput(ctx, event.Text)
		case agent.EventProgress:
			w.manager.cfg.Events.Publish(ui.Event{Type: ui.EventSessionProgress, SessionID: w.sessionID, Text: event.Text})
		case agent.EventPidUpdate:
			if event.Pid > 0 {
				w.handle.Pid.Set(event.Pid)
			} else {
				w.handle.Pid.Clear()
			}
		}
	}
}

func (w *sessionWorker) finishSuccessfulTurn(ctx context.Context, sess *session.Session, cmd Command, result agent.TurnResult) {
	st := w.manager.cfg.Store
	log := logger.WithSession(w.sessionID)

	if err := st.AddSessionStats(ctx, sess.ID, result.InputTokens, result.OutputTokens); err != nil {
		log.Debug("failed to persist turn stats", "error", err)
	}
	if result.ProviderConversationID != "" {
		if err := st.UpdateProviderConversationID(ctx, sess.ID, result.ProviderConversationID); err != nil {
			log.Debug("failed to persist conversation id", "error", err)
		}
	}

	engine := workflow.NewEngine(w.manager.cfg.Git, w.channel)
	hash, commitErr := engine.AutoCommit(ctx, &workflow.Request{
		SessionID:      sess.ID,
		Folder:         sess.WorkTree,
		RepoRoot:       sess.RepoPath,
		SourceBranch:   sess.Branch,
		BaseBranch:     sess.BaseBranch,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		Output:         func(text string) { w.appendOutput(ctx, text) },
	})
	switch {
	case commitErr != nil:
		w.appendOutput(ctx, "\n[Commit Error] "+commitErr.Error()+"\n")
	case hash != "":
		w.appendOutput(ctx, "\n[Commit] committed with hash `"+hash+"`\n")
	}

	_ = st.MarkOperationDone(ctx, cmd.OperationID)
}

// checkpoint decides whether the operation may proceed. An operation that is
// no longer unfinished is dropped silently; one whose cancel flag is set is
// marked canceled with a note in the session output.
func (w *sessionWorker) checkpoint(ctx context.Context, operationID string) (done bool) {
	st := w.manager.cfg.Store
	unfinished, err := st.IsOperationUnfinished(ctx, operationID)
	if err == nil && !unfinished {
		return true
	}
	canceled, err := st.IsCancelRequested(ctx, operationID)
	if err == nil && canceled {
		_ = st.MarkOperationCanceled(ctx, operationID, canceledBeforeExecution)
		w.appendOutput(ctx, "\n[Canceled] "+canceledBeforeExecution+"\n")
		return true
	}
	return false
}

// appendOutput writes text to the live buffer, the store, and the UI. Store
// failures are best-effort: output must never block the turn.
func (w *sessionWorker) appendOutput(ctx context.Context, text string) {
	w.handle.Output.Append(text)
	if err := w.manager.cfg.Store.AppendSessionOutput(ctx, w.sessionID, text); err != nil {
		logger.WithSession(w.sessionID).Debug("failed to persist output", "error", err)
	}
	w.manager.cfg.Events.Publish(ui.Event{Type: ui.EventSessionOutput, SessionID: w.sessionID, Text: text})
}

func (w *sessionWorker) publishStatus(status session.Status) {
	w.manager.cfg.Events.Publish(ui.Event{Type: ui.EventSessionStatusChanged, SessionID: w.sessionID, Text: string(status)})
}

func (w *sessionWorker) startHeartbeat(ctx context.Context, operationID string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = w.manager.cfg.Store.HeartbeatOperation(ctx, operationID)
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
