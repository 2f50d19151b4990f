package store

import (
	"context"
	"testing"

	cerrors "github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/session"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(t *testing.T, s *Store, id string) *session.Session {
	t.Helper()
	sess := session.New("test", "/repo", "main", "convoy/", "codex", "gpt-5")
	sess.ID = id
	if err := s.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession error = %v", err)
	}
	return sess
}

func TestOperation_Lifecycle(t *testing.T) {
	// Arrange
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")

	// Act
	if err := s.InsertOperation(ctx, "op-1", "s1", OpStartPrompt); err != nil {
		t.Fatalf("InsertOperation error = %v", err)
	}
	op, err := s.GetOperation(ctx, "op-1")

	// Assert
	if err != nil {
		t.Fatalf("GetOperation error = %v", err)
	}
	if op.Status != OpQueued {
		t.Errorf("Status = %q, want queued", op.Status)
	}
	if op.Kind != OpStartPrompt {
		t.Errorf("Kind = %q", op.Kind)
	}
	if op.QueuedAt.IsZero() {
		t.Error("QueuedAt is zero")
	}
	if !op.StartedAt.IsZero() {
		t.Error("StartedAt set before running")
	}

	// Act: run and finish
	if err := s.MarkOperationRunning(ctx, "op-1"); err != nil {
		t.Fatalf("MarkOperationRunning error = %v", err)
	}
	op, _ = s.GetOperation(ctx, "op-1")
	if op.Status != OpRunning || op.StartedAt.IsZero() || op.HeartbeatAt.IsZero() {
		t.Errorf("after running: %+v", op)
	}

	if err := s.MarkOperationDone(ctx, "op-1"); err != nil {
		t.Fatalf("MarkOperationDone error = %v", err)
	}
	op, _ = s.GetOperation(ctx, "op-1")
	if op.Status != OpDone || op.FinishedAt.IsZero() {
		t.Errorf("after done: %+v", op)
	}
}

func TestMarkOperationRunning_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.InsertOperation(ctx, "op-1", "s1", OpReply)

	if err := s.MarkOperationRunning(ctx, "op-1"); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetOperation(ctx, "op-1")
	if err := s.MarkOperationRunning(ctx, "op-1"); err != nil {
		t.Fatal(err)
	}
	second, _ := s.GetOperation(ctx, "op-1")

	if second.Status != OpRunning {
		t.Errorf("Status = %q", second.Status)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Error("StartedAt changed on second running-mark")
	}
}

func TestTerminalState_WrittenOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.InsertOperation(ctx, "op-1", "s1", OpReply)
	s.MarkOperationRunning(ctx, "op-1")

	if err := s.MarkOperationFailed(ctx, "op-1", "boom"); err != nil {
		t.Fatal(err)
	}
	// A later done must not overwrite the failure.
	if err := s.MarkOperationDone(ctx, "op-1"); err != nil {
		t.Fatal(err)
	}

	op, _ := s.GetOperation(ctx, "op-1")
	if op.Status != OpFailed {
		t.Errorf("Status = %q, want failed", op.Status)
	}
	if op.LastError != "boom" {
		t.Errorf("LastError = %q", op.LastError)
	}
}

func TestIsOperationUnfinished(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.InsertOperation(ctx, "op-1", "s1", OpReply)

	unfinished, err := s.IsOperationUnfinished(ctx, "op-1")
	if err != nil || !unfinished {
		t.Errorf("queued: unfinished = %v, err = %v", unfinished, err)
	}

	s.MarkOperationCanceled(ctx, "op-1", "user stop")
	unfinished, _ = s.IsOperationUnfinished(ctx, "op-1")
	if unfinished {
		t.Error("canceled op reported unfinished")
	}

	unfinished, err = s.IsOperationUnfinished(ctx, "missing")
	if err != nil || unfinished {
		t.Errorf("missing: unfinished = %v, err = %v", unfinished, err)
	}
}

func TestRequestCancel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.InsertOperation(ctx, "op-1", "s1", OpStartPrompt)
	s.InsertOperation(ctx, "op-2", "s1", OpReply)
	s.InsertOperation(ctx, "op-3", "s2", OpReply)
	s.MarkOperationDone(ctx, "op-2")

	// Act
	n, err := s.RequestCancel(ctx, "s1")

	// Assert: only the unfinished op of s1 is flagged
	if err != nil {
		t.Fatalf("RequestCancel error = %v", err)
	}
	if n != 1 {
		t.Errorf("flagged = %d, want 1", n)
	}
	if flagged, _ := s.IsCancelRequested(ctx, "op-1"); !flagged {
		t.Error("op-1 not flagged")
	}
	if flagged, _ := s.IsCancelRequested(ctx, "op-2"); flagged {
		t.Error("finished op-2 flagged")
	}
	if flagged, _ := s.IsCancelRequested(ctx, "op-3"); flagged {
		t.Error("other session's op-3 flagged")
	}
}

func TestRequestCancel_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Canceling with no unfinished operations is a no-op.
	n, err := s.RequestCancel(ctx, "s1")
	if err != nil || n != 0 {
		t.Errorf("empty cancel: n = %d, err = %v", n, err)
	}

	s.InsertOperation(ctx, "op-1", "s1", OpReply)
	if _, err := s.RequestCancel(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestCancel(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if flagged, _ := s.IsCancelRequested(ctx, "op-1"); !flagged {
		t.Error("op-1 not flagged after double cancel")
	}
}

func TestFailUnfinishedFromPreviousRun(t *testing.T) {
	// Arrange: two sessions with leftovers, one clean
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")
	testSession(t, s, "s2")
	testSession(t, s, "s3")
	s.InsertOperation(ctx, "op-1", "s1", OpStartPrompt)
	s.InsertOperation(ctx, "op-2", "s1", OpReply)
	s.InsertOperation(ctx, "op-3", "s2", OpReply)
	s.InsertOperation(ctx, "op-4", "s3", OpReply)
	s.MarkOperationRunning(ctx, "op-1")
	s.MarkOperationDone(ctx, "op-4")

	// Act
	sessionIDs, err := s.FailUnfinishedFromPreviousRun(ctx, "Interrupted by app restart")

	// Assert
	if err != nil {
		t.Fatalf("FailUnfinishedFromPreviousRun error = %v", err)
	}
	if len(sessionIDs) != 2 {
		t.Fatalf("sessionIDs = %v, want 2 entries", sessionIDs)
	}
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		op, _ := s.GetOperation(ctx, id)
		if op.Status != OpFailed {
			t.Errorf("%s status = %q, want failed", id, op.Status)
		}
		if op.LastError != "Interrupted by app restart" {
			t.Errorf("%s lastError = %q", id, op.LastError)
		}
	}
	if op, _ := s.GetOperation(ctx, "op-4"); op.Status != OpDone {
		t.Errorf("op-4 status = %q, want done", op.Status)
	}
}

func TestSession_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s, "s1")
	sess.WorkTree = "/repo/.worktrees/s1"
	sess.Status = session.StatusInProgress
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession error = %v", err)
	}
	if loaded.WorkTree != "/repo/.worktrees/s1" {
		t.Errorf("WorkTree = %q", loaded.WorkTree)
	}
	if loaded.Status != session.StatusInProgress {
		t.Errorf("Status = %q", loaded.Status)
	}
	if loaded.Branch != sess.Branch {
		t.Errorf("Branch = %q, want %q", loaded.Branch, sess.Branch)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !cerrors.Is(err, cerrors.KindNotFound) {
		t.Errorf("error = %v, want KindNotFound", err)
	}
}

func TestUpdateSessionStatus_EnforcesTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1") // status New

	if err := s.UpdateSessionStatus(ctx, "s1", session.StatusInProgress); err != nil {
		t.Fatalf("New -> InProgress error = %v", err)
	}
	err := s.UpdateSessionStatus(ctx, "s1", session.StatusDone)
	if !cerrors.Is(err, cerrors.KindInvalid) {
		t.Errorf("InProgress -> Done error = %v, want KindInvalid", err)
	}

	// Force bypasses the table, as recovery must.
	if err := s.ForceSessionStatus(ctx, "s1", session.StatusReview); err != nil {
		t.Fatalf("ForceSessionStatus error = %v", err)
	}
	loaded, _ := s.GetSession(ctx, "s1")
	if loaded.Status != session.StatusReview {
		t.Errorf("Status = %q", loaded.Status)
	}
}

func TestAppendSessionOutput(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")

	s.AppendSessionOutput(ctx, "s1", "hello")
	s.AppendSessionOutput(ctx, "s1", " world")

	out, err := s.GetSessionOutput(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello world" {
		t.Errorf("output = %q", out)
	}
}

func TestAddSessionStats_Accumulates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")

	s.AddSessionStats(ctx, "s1", 10, 5)
	s.AddSessionStats(ctx, "s1", 3, 2)

	loaded, _ := s.GetSession(ctx, "s1")
	if loaded.Stats.InputTokens != 13 || loaded.Stats.OutputTokens != 7 {
		t.Errorf("Stats = %+v", loaded.Stats)
	}
}

func TestUpdateProviderConversationID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")

	if err := s.UpdateProviderConversationID(ctx, "s1", "conv-42"); err != nil {
		t.Fatal(err)
	}
	loaded, _ := s.GetSession(ctx, "s1")
	if loaded.ProviderConversationID != "conv-42" {
		t.Errorf("ProviderConversationID = %q", loaded.ProviderConversationID)
	}
}

func TestDeleteSession_RemovesOperations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testSession(t, s, "s1")
	s.InsertOperation(ctx, "op-1", "s1", OpReply)

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "s1"); !cerrors.Is(err, cerrors.KindNotFound) {
		t.Errorf("GetSession after delete = %v", err)
	}
	unfinished, _ := s.IsOperationUnfinished(ctx, "op-1")
	if unfinished {
		t.Error("operation survived session delete")
	}
}
