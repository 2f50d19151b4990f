package store

import (
	"context"
	"database/sql"
	"time"

	cerrors "github.com/zhubert/convoy/internal/errors"
)

// OperationKind identifies what a queued command does.
type OperationKind string

const (
	// OpStartPrompt is the first prompt of a session.
	OpStartPrompt OperationKind = "start_prompt"
	// OpReply is a follow-up prompt on an existing conversation.
	OpReply OperationKind = "reply"
)

// OperationStatus is the ledger state of an operation.
type OperationStatus string

const (
	OpQueued   OperationStatus = "queued"
	OpRunning  OperationStatus = "running"
	OpDone     OperationStatus = "done"
	OpFailed   OperationStatus = "failed"
	OpCanceled OperationStatus = "canceled"
)

// IsUnfinished reports whether the status still needs a worker.
func (s OperationStatus) IsUnfinished() bool {
	return s == OpQueued || s == OpRunning
}

// Operation is one row of the operation ledger.
type Operation struct {
	ID              string
	SessionID       string
	Kind            OperationKind
	Status          OperationStatus
	QueuedAt        time.Time
	StartedAt       time.Time // zero if never started
	FinishedAt      time.Time // zero if not finished
	HeartbeatAt     time.Time // zero if never refreshed
	LastError       string
	CancelRequested bool
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}

// InsertOperation writes a new queued ledger row. This must complete before
// the command is pushed onto any worker queue.
func (s *Store) InsertOperation(ctx context.Context, id, sessionID string, kind OperationKind) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, session_id, kind, status, queued_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, string(kind), string(OpQueued), time.Now().UnixNano())
	if err != nil {
		return cerrors.E(cerrors.Op("store.InsertOperation"), cerrors.KindStore, err)
	}
	return nil
}

// GetOperation loads one ledger row.
func (s *Store) GetOperation(ctx context.Context, id string) (Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, kind, status, queued_at, started_at, finished_at,
		       heartbeat_at, last_error, cancel_requested
		FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var op Operation
	var kind, status string
	var queuedAt int64
	var startedAt, finishedAt, heartbeatAt sql.NullInt64
	var lastError sql.NullString
	var cancelRequested int

	err := row.Scan(&op.ID, &op.SessionID, &kind, &status, &queuedAt,
		&startedAt, &finishedAt, &heartbeatAt, &lastError, &cancelRequested)
	if err == sql.ErrNoRows {
		return Operation{}, cerrors.OperationNotFound(op.ID)
	}
	if err != nil {
		return Operation{}, cerrors.E(cerrors.Op("store.GetOperation"), cerrors.KindStore, err)
	}

	op.Kind = OperationKind(kind)
	op.Status = OperationStatus(status)
	op.QueuedAt = time.Unix(0, queuedAt)
	op.StartedAt = timeFromNull(startedAt)
	op.FinishedAt = timeFromNull(finishedAt)
	op.HeartbeatAt = timeFromNull(heartbeatAt)
	op.LastError = lastError.String
	op.CancelRequested = cancelRequested != 0
	return op, nil
}

// MarkOperationRunning transitions a queued row to running and refreshes the
// heartbeat. Calling it on an already-running row just refreshes the
// heartbeat, so the running-mark is idempotent.
func (s *Store) MarkOperationRunning(ctx context.Context, id string) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, started_at = COALESCE(started_at, ?), heartbeat_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(OpRunning), now, now, id, string(OpQueued), string(OpRunning))
	if err != nil {
		return cerrors.E(cerrors.Op("store.MarkOperationRunning"), cerrors.KindStore, err)
	}
	return nil
}

// HeartbeatOperation refreshes the heartbeat timestamp of a running row.
func (s *Store) HeartbeatOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		time.Now().UnixNano(), id, string(OpRunning))
	if err != nil {
		return cerrors.E(cerrors.Op("store.HeartbeatOperation"), cerrors.KindStore, err)
	}
	return nil
}

func (s *Store) finishOperation(ctx context.Context, op cerrors.Op, id string, status OperationStatus, lastError string) error {
	var lastErr any
	if lastError != "" {
		lastErr = lastError
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, finished_at = ?, last_error = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), time.Now().UnixNano(), lastErr,
		id, string(OpQueued), string(OpRunning))
	if err != nil {
		return cerrors.E(op, cerrors.KindStore, err)
	}
	return nil
}

// MarkOperationDone finishes an operation successfully. The terminal state is
// written at most once: rows already finished are left untouched.
func (s *Store) MarkOperationDone(ctx context.Context, id string) error {
	return s.finishOperation(ctx, "store.MarkOperationDone", id, OpDone, "")
}

// MarkOperationFailed finishes an operation with an error message.
func (s *Store) MarkOperationFailed(ctx context.Context, id, reason string) error {
	return s.finishOperation(ctx, "store.MarkOperationFailed", id, OpFailed, reason)
}

// MarkOperationCanceled finishes an operation as canceled.
func (s *Store) MarkOperationCanceled(ctx context.Context, id, reason string) error {
	return s.finishOperation(ctx, "store.MarkOperationCanceled", id, OpCanceled, reason)
}

// IsOperationUnfinished reports whether the row is still queued or running.
// Missing rows count as finished.
func (s *Store) IsOperationUnfinished(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM operations WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cerrors.E(cerrors.Op("store.IsOperationUnfinished"), cerrors.KindStore, err)
	}
	return OperationStatus(status).IsUnfinished(), nil
}

// LoadUnfinishedOperations returns every queued or running row, oldest first.
func (s *Store) LoadUnfinishedOperations(ctx context.Context) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, status, queued_at, started_at, finished_at,
		       heartbeat_at, last_error, cancel_requested
		FROM operations WHERE status IN (?, ?) ORDER BY queued_at`,
		string(OpQueued), string(OpRunning))
	if err != nil {
		return nil, cerrors.E(cerrors.Op("store.LoadUnfinishedOperations"), cerrors.KindStore, err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.E(cerrors.Op("store.LoadUnfinishedOperations"), cerrors.KindStore, err)
	}
	return ops, nil
}

// ListOperations returns every row of the session, oldest first.
func (s *Store) ListOperations(ctx context.Context, sessionID string) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, status, queued_at, started_at, finished_at,
		       heartbeat_at, last_error, cancel_requested
		FROM operations WHERE session_id = ? ORDER BY queued_at`, sessionID)
	if err != nil {
		return nil, cerrors.E(cerrors.Op("store.ListOperations"), cerrors.KindStore, err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.E(cerrors.Op("store.ListOperations"), cerrors.KindStore, err)
	}
	return ops, nil
}

// CountOperations returns how many rows of the session hold the given status.
func (s *Store) CountOperations(ctx context.Context, sessionID string, status OperationStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE session_id = ? AND status = ?`,
		sessionID, string(status)).Scan(&n)
	if err != nil {
		return 0, cerrors.E(cerrors.Op("store.CountOperations"), cerrors.KindStore, err)
	}
	return n, nil
}

// RequestCancel flags every unfinished operation of the session. The worker
// polls the flag; nothing is interrupted synchronously. Returns the number of
// operations flagged; zero when there was nothing to cancel.
func (s *Store) RequestCancel(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET cancel_requested = 1
		WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, string(OpQueued), string(OpRunning))
	if err != nil {
		return 0, cerrors.E(cerrors.Op("store.RequestCancel"), cerrors.KindStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// IsCancelRequested reports whether the operation carries the cancel flag.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM operations WHERE id = ?`, id).Scan(&flagged)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cerrors.E(cerrors.Op("store.IsCancelRequested"), cerrors.KindStore, err)
	}
	return flagged != 0, nil
}

// FailUnfinishedFromPreviousRun marks every unfinished operation failed with
// the given reason and returns the ids of the sessions that owned them.
// Called once at startup, before any worker exists, so operations enqueued
// after recovery are never mistaken for leftovers.
func (s *Store) FailUnfinishedFromPreviousRun(ctx context.Context, reason string) ([]string, error) {
	ops, err := s.LoadUnfinishedOperations(ctx)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var sessionIDs []string
	for _, op := range ops {
		if err := s.MarkOperationFailed(ctx, op.ID, reason); err != nil {
			return nil, err
		}
		if !seen[op.SessionID] {
			seen[op.SessionID] = true
			sessionIDs = append(sessionIDs, op.SessionID)
		}
	}
	return sessionIDs, nil
}
