// Package worker runs one queue-draining goroutine per session. Every
// session command becomes a ledger row before it is queued, so a crash can
// never lose track of requested work.
package worker

import (
	"context"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/git"
	"github.com/zhubert/convoy/internal/logger"
	"github.com/zhubert/convoy/internal/notification"
	"github.com/zhubert/convoy/internal/session"
	"github.com/zhubert/convoy/internal/store"
	"github.com/zhubert/convoy/internal/ui"
	"github.com/zhubert/convoy/internal/workflow"
)

// restartFailureReason marks operations left unfinished by a previous
// process run.
const restartFailureReason = "Interrupted by app restart"

// canceledBeforeExecution marks operations whose cancel flag was observed
// before their turn started.
const canceledBeforeExecution = "Session canceled before execution"

// Command is one queued session command.
type Command struct {
	OperationID string
	Kind        store.OperationKind
	Prompt      string
}

// Config wires a Manager's collaborators. Store and ChannelFor are
// required; the rest default sensibly.
type Config struct {
	Store *store.Store
	Git   workflow.Git

	// ChannelFor resolves the agent channel serving a session's provider.
	ChannelFor func(sess *session.Session) (agent.AgentChannel, error)

	Events *ui.Publisher

	// SizeOf estimates a worktree's on-disk size. Defaults to walking the
	// tree.
	SizeOf func(path string) int64

	// Notify announces a finished command. Defaults to desktop
	// notifications.
	Notify func(sessionName string, succeeded bool)
}

// Manager owns the per-session workers and their live state handles.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*sessionWorker
	handles map[string]*session.Handle
	wg      sync.WaitGroup
}

// NewManager creates a manager. Call RecoverFromRestart before the first
// Enqueue.
func NewManager(cfg Config) *Manager {
	if cfg.Events == nil {
		cfg.Events = ui.NewPublisher()
	}
	if cfg.SizeOf == nil {
		cfg.SizeOf = git.WorktreeSize
	}
	if cfg.Notify == nil {
		cfg.Notify = func(sessionName string, succeeded bool) {
			if succeeded {
				_ = notification.SessionReady(sessionName)
			} else {
				_ = notification.SessionFailed(sessionName)
			}
		}
	}
	return &Manager{
		cfg:     cfg,
		workers: make(map[string]*sessionWorker),
		handles: make(map[string]*session.Handle),
	}
}

// Events exposes the outbound event publisher.
func (m *Manager) Events() *ui.Publisher {
	return m.cfg.Events
}

// Handle returns the live state handle for a session, creating it on first
// use. The handle outlives individual workers so output survives worker
// restarts.
func (m *Manager) Handle(sessionID string) *session.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleLocked(sessionID)
}

func (m *Manager) handleLocked(sessionID string) *session.Handle {
	h, ok := m.handles[sessionID]
	if !ok {
		h = session.NewHandle(sessionID)
		m.handles[sessionID] = h
	}
	return h
}

// RecoverFromRestart fails every operation left queued or running by a
// previous process run and returns the owning sessions to Review. It must
// run before any worker exists so freshly queued commands are never
// mistaken for leftovers.
func (m *Manager) RecoverFromRestart(ctx context.Context) error {
	sessionIDs, err := m.cfg.Store.FailUnfinishedFromPreviousRun(ctx, restartFailureReason)
	if err != nil {
		return err
	}
	for _, id := range sessionIDs {
		if err := m.cfg.Store.ForceSessionStatus(ctx, id, session.StatusReview); err != nil {
			logger.Debug("restart recovery: failed to reset session %s status: %v", id, err)
			continue
		}
		m.cfg.Events.Publish(ui.Event{Type: ui.EventSessionStatusChanged, SessionID: id, Text: string(session.StatusReview)})
	}
	if len(sessionIDs) > 0 {
		logger.Info("restart recovery: returned %d session(s) to review", len(sessionIDs))
		m.cfg.Events.Publish(ui.Event{Type: ui.EventSessionsRefreshed})
	}
	return nil
}

// Enqueue records the command in the ledger and hands it to the session's
// worker. The ledger row is written first: if the worker's queue turns out
// to be dead, the row is marked failed rather than silently dropped.
func (m *Manager) Enqueue(ctx context.Context, sess *session.Session, kind store.OperationKind, prompt string) (string, error) {
	opID := uuid.New().String()
	if err := m.cfg.Store.InsertOperation(ctx, opID, sess.ID, kind); err != nil {
		return "", err
	}

	w, err := m.workerFor(sess)
	if err != nil {
		_ = m.cfg.Store.MarkOperationFailed(ctx, opID, "worker not available")
		return "", err
	}
	if !w.push(Command{OperationID: opID, Kind: kind, Prompt: prompt}) {
		_ = m.cfg.Store.MarkOperationFailed(ctx, opID, "worker not available")
		return "", errors.WorkerNotAvailable(sess.ID)
	}
	return opID, nil
}

// Cancel flags all unfinished operations of a session and signals the
// running turn's process when one is known. Queued work is guaranteed to be
// discarded; a running turn stops only if the signal takes effect.
func (m *Manager) Cancel(ctx context.Context, sessionID string) (int, error) {
	flagged, err := m.cfg.Store.RequestCancel(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if pid := m.Handle(sessionID).Pid.Get(); pid > 0 {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			logger.Debug("cancel: signaling pid %d failed: %v", pid, err)
		}
	}
	return flagged, nil
}

// Shutdown closes all worker queues and waits for in-flight commands to
// finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, w := range m.workers {
		w.close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// StopWorker closes one session's worker queue, if it exists. Used when a
// session is deleted or merged.
func (m *Manager) StopWorker(sessionID string) {
	m.mu.Lock()
	w, ok := m.workers[sessionID]
	if ok {
		delete(m.workers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		w.close()
	}
}

func (m *Manager) workerFor(sess *session.Session) (*sessionWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[sess.ID]; ok && !w.isClosed() {
		return w, nil
	}

	channel, err := m.cfg.ChannelFor(sess)
	if err != nil {
		return nil, err
	}

	w := &sessionWorker{
		manager:   m,
		sessionID: sess.ID,
		channel:   channel,
		handle:    m.handleLocked(sess.ID),
		queue:     make(chan Command, queueCapacity),
	}
	m.workers[sess.ID] = w
	m.wg.Add(1)
	go w.run()
	return w, nil
}
