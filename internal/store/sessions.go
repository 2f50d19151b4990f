package store

import (
	"context"
	"database/sql"
	"time"

	cerrors "github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/session"
)

// SaveSession inserts or replaces the full session record. Output is
// preserved on replace; use AppendSessionOutput to grow it.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	now := time.Now().UnixNano()
	createdAt := sess.CreatedAt.UnixNano()
	if sess.CreatedAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, name, repo_path, worktree, branch, base_branch, provider, model,
			permission_mode, status, input_tokens, output_tokens,
			provider_conversation_id, size_bytes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			worktree = excluded.worktree,
			branch = excluded.branch,
			base_branch = excluded.base_branch,
			provider = excluded.provider,
			model = excluded.model,
			permission_mode = excluded.permission_mode,
			status = excluded.status,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			provider_conversation_id = excluded.provider_conversation_id,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Name, sess.RepoPath, sess.WorkTree, sess.Branch,
		sess.BaseBranch, sess.Provider, sess.Model, int(sess.PermissionMode),
		string(sess.Status), sess.Stats.InputTokens, sess.Stats.OutputTokens,
		sess.ProviderConversationID, sess.SizeBytes, createdAt, now)
	if err != nil {
		return cerrors.E(cerrors.Op("store.SaveSession"), cerrors.KindStore, err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_path, worktree, branch, base_branch, provider,
		       model, permission_mode, status, input_tokens, output_tokens,
		       provider_conversation_id, size_bytes, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, cerrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, cerrors.E(cerrors.Op("store.GetSession"), cerrors.KindStore, err)
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, repo_path, worktree, branch, base_branch, provider,
		       model, permission_mode, status, input_tokens, output_tokens,
		       provider_conversation_id, size_bytes, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, cerrors.E(cerrors.Op("store.ListSessions"), cerrors.KindStore, err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, cerrors.E(cerrors.Op("store.ListSessions"), cerrors.KindStore, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.E(cerrors.Op("store.ListSessions"), cerrors.KindStore, err)
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var permissionMode int
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(&sess.ID, &sess.Name, &sess.RepoPath, &sess.WorkTree,
		&sess.Branch, &sess.BaseBranch, &sess.Provider, &sess.Model,
		&permissionMode, &status, &sess.Stats.InputTokens,
		&sess.Stats.OutputTokens, &sess.ProviderConversationID,
		&sess.SizeBytes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sess.PermissionMode = session.PermissionMode(permissionMode)
	parsed, err := session.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	sess.Status = parsed
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.UpdatedAt = time.Unix(0, updatedAt)
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status, enforcing the
// lifecycle table. Use ForceSessionStatus for recovery paths.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, next session.Status) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Status.CanTransitionTo(next) {
		return cerrors.InvalidStatusTransition(id, string(sess.Status), string(next))
	}
	return s.ForceSessionStatus(ctx, id, next)
}

// ForceSessionStatus writes the status without transition checks. Restart
// recovery uses this to drag sessions back to Review regardless of what
// state the crash left them in.
func (s *Store) ForceSessionStatus(ctx context.Context, id string, next session.Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), time.Now().UnixNano(), id)
	if err != nil {
		return cerrors.E(cerrors.Op("store.ForceSessionStatus"), cerrors.KindStore, err)
	}
	return nil
}

// AppendSessionOutput appends text to the session's durable transcript.
func (s *Store) AppendSessionOutput(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET output = output || ?, updated_at = ? WHERE id = ?`,
		text, time.Now().UnixNano(), id)
	if err != nil {
		return cerrors.E(cerrors.Op("store.AppendSessionOutput"), cerrors.KindStore, err)
	}
	return nil
}

// GetSessionOutput returns the session's durable transcript.
func (s *Store) GetSessionOutput(ctx context.Context, id string) (string, error) {
	var output string
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM sessions WHERE id = ?`, id).Scan(&output)
	if err == sql.ErrNoRows {
		return "", cerrors.SessionNotFound(id)
	}
	if err != nil {
		return "", cerrors.E(cerrors.Op("store.GetSessionOutput"), cerrors.KindStore, err)
	}
	return output, nil
}

// AddSessionStats accumulates one turn's token usage onto the session.
func (s *Store) AddSessionStats(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		    updated_at = ?
		WHERE id = ?`,
		inputTokens, outputTokens, time.Now().UnixNano(), id)
	if err != nil {
		return cerrors.E(cerrors.Op("store.AddSessionStats"), cerrors.KindStore, err)
	}
	return nil
}

// UpdateProviderConversationID records the provider-side conversation handle.
func (s *Store) UpdateProviderConversationID(ctx context.Context, id, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET provider_conversation_id = ?, updated_at = ? WHERE id = ?`,
		conversationID, time.Now().UnixNano(), id)
	if err != nil {
		return cerrors.E(cerrors.Op("store.UpdateProviderConversationID"), cerrors.KindStore, err)
	}
	return nil
}

// UpdateSessionSize records the measured worktree size.
func (s *Store) UpdateSessionSize(ctx context.Context, id string, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET size_bytes = ?, updated_at = ? WHERE id = ?`,
		sizeBytes, time.Now().UnixNano(), id)
	if err != nil {
		return cerrors.E(cerrors.Op("store.UpdateSessionSize"), cerrors.KindStore, err)
	}
	return nil
}

// DeleteSession removes the session row and its operations.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE session_id = ?`, id); err != nil {
		return cerrors.E(cerrors.Op("store.DeleteSession"), cerrors.KindStore, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return cerrors.E(cerrors.Op("store.DeleteSession"), cerrors.KindStore, err)
	}
	return nil
}
