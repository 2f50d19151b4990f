package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/session"
)

// fakeTransport scripts one app-server subprocess: handshake requests are
// answered automatically, and each session/prompt replays the next scripted
// line sequence. The token %ID% is replaced with the prompt request id, and
// the sentinel line "CLOSE" simulates the process dying mid-turn.
type fakeTransport struct {
	mu        sync.Mutex
	writes    []map[string]any
	lines     chan string
	shutdowns int

	sessionID     string
	initializeErr string
	promptScripts [][]string
	promptCalls   int
}

func newFakeTransport(sessionID string, promptScripts ...[]string) *fakeTransport {
	return &fakeTransport{
		sessionID:     sessionID,
		promptScripts: promptScripts,
		lines:         make(chan string, 128),
	}
}

func (f *fakeTransport) WriteLine(payload any) error {
	decoded, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	f.mu.Lock()
	f.writes = append(f.writes, decoded)
	f.mu.Unlock()

	method, _ := decoded["method"].(string)
	id, _ := decoded["id"].(string)
	switch method {
	case "initialize":
		if f.initializeErr != "" {
			f.lines <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32600,"message":%q}}`, id, f.initializeErr)
			return nil
		}
		f.lines <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{}}`, id)
	case "session/new":
		f.lines <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"sessionId":%q}}`, id, f.sessionID)
	case "session/prompt":
		var script []string
		if f.promptCalls < len(f.promptScripts) {
			script = f.promptScripts[f.promptCalls]
		}
		f.promptCalls++
		for _, line := range script {
			if line == "CLOSE" {
				close(f.lines)
				return nil
			}
			f.lines <- strings.ReplaceAll(line, "%ID%", id)
		}
	}
	return nil
}

func (f *fakeTransport) Lines() <-chan string { return f.lines }

func (f *fakeTransport) Pid() int { return 4242 }

func (f *fakeTransport) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeTransport) writtenMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var methods []string
	for _, w := range f.writes {
		if method, ok := w["method"].(string); ok {
			methods = append(methods, method)
		}
	}
	return methods
}

func (f *fakeTransport) promptTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []string
	for _, w := range f.writes {
		if method, _ := w["method"].(string); method != "session/prompt" {
			continue
		}
		params := w["params"].(map[string]any)
		blocks := params["prompt"].([]any)
		block := blocks[0].(map[string]any)
		texts = append(texts, block["text"].(string))
	}
	return texts
}

// permissionReplies returns writes that carry a result but no method, i.e.
// in-line permission answers.
func (f *fakeTransport) permissionReplies() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var replies []map[string]any
	for _, w := range f.writes {
		if _, hasMethod := w["method"]; hasMethod {
			continue
		}
		if _, hasResult := w["result"]; hasResult {
			replies = append(replies, w)
		}
	}
	return replies
}

type spawnScript struct {
	mu         sync.Mutex
	transports []*fakeTransport
	spawned    int
}

func (s *spawnScript) spawn(_ context.Context, _ []string, _ string) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawned >= len(s.transports) {
		return nil, fmt.Errorf("no further transports scripted")
	}
	t := s.transports[s.spawned]
	s.spawned++
	return t, nil
}

func newTestClient(script *spawnScript) *Client {
	return &Client{
		command:  []string{"fake-agent", "--app-server"},
		spawn:    script.spawn,
		sessions: newRegistry(),
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []agent.TurnEvent
}

func (r *eventRecorder) sink(e agent.TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t agent.TurnEventType) []agent.TurnEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.TurnEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func updateLine(sessionID, kind, contentJSON string) string {
	update := fmt.Sprintf(`{"sessionUpdate":%q`, kind)
	if contentJSON != "" {
		update += `,"content":` + contentJSON
	}
	update += `}`
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":%q,"update":%s}}`, sessionID, update)
}

func completionLine(resultJSON string) string {
	return `{"jsonrpc":"2.0","id":"%ID%","result":` + resultJSON + `}`
}

func TestRunTurn_HappyPathStreamsAndParsesUsage(t *testing.T) {
	// Arrange
	script := []string{
		updateLine("prov-1", "agent_thought_chunk", ""),
		updateLine("prov-1", "agent_message_chunk", `{"text":"Hello "}`),
		`this line is not JSON and must be skipped`,
		updateLine("prov-1", "agent_message_chunk", `[{"text":"world"}]`),
		completionLine(`{"usage":{"inputTokens":7,"output_tokens":"3"}}`),
	}
	transport := newFakeTransport("prov-1", script)
	spawner := &spawnScript{transports: []*fakeTransport{transport}}
	client := newTestClient(spawner)
	recorder := &eventRecorder{}

	// Act
	result, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder: "/work/sess-1",
		Model:  "model-a",
		Prompt: "Do the thing",
	}, recorder.sink)

	// Assert
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if result.AssistantMessage != "Hello world" {
		t.Errorf("message = %q, want %q", result.AssistantMessage, "Hello world")
	}
	if result.InputTokens != 7 || result.OutputTokens != 3 {
		t.Errorf("tokens = (%d, %d), want (7, 3)", result.InputTokens, result.OutputTokens)
	}
	if result.ContextReset {
		t.Error("ContextReset should be false on a first clean turn")
	}
	if result.ProviderConversationID != "prov-1" {
		t.Errorf("ProviderConversationID = %q, want %q", result.ProviderConversationID, "prov-1")
	}

	methods := transport.writtenMethods()
	want := []string{"initialize", "initialized", "session/new", "session/prompt"}
	if len(methods) != len(want) {
		t.Fatalf("written methods = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("method[%d] = %q, want %q", i, methods[i], want[i])
		}
	}

	progress := recorder.ofType(agent.EventProgress)
	if len(progress) != 1 || progress[0].Text != "Thinking" {
		t.Errorf("progress events = %+v, want one %q label", progress, "Thinking")
	}
	deltas := recorder.ofType(agent.EventAssistantDelta)
	if len(deltas) != 2 {
		t.Fatalf("delta events = %d, want 2", len(deltas))
	}
	pids := recorder.ofType(agent.EventPidUpdate)
	if len(pids) != 1 || pids[0].Pid != 4242 {
		t.Errorf("pid events = %+v, want one with pid 4242", pids)
	}
}

func TestRunTurn_ReusesLiveRuntimeAcrossTurns(t *testing.T) {
	// Arrange
	turn := []string{completionLine(`{"response":"ok","usage":{"input_tokens":1,"output_tokens":1}}`)}
	transport := newFakeTransport("prov-1", turn, turn)
	spawner := &spawnScript{transports: []*fakeTransport{transport}}
	client := newTestClient(spawner)
	req := agent.TurnRequest{Folder: "/work/sess-1", Model: "model-a", Prompt: "p"}
	sink := func(agent.TurnEvent) {}

	// Act
	if _, err := client.RunTurn(context.Background(), "sess-1", req, sink); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if _, err := client.RunTurn(context.Background(), "sess-1", req, sink); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}

	// Assert
	if spawner.spawned != 1 {
		t.Errorf("spawned = %d, want 1 (runtime should be reused)", spawner.spawned)
	}
	handshakes := 0
	for _, m := range transport.writtenMethods() {
		if m == "initialize" {
			handshakes++
		}
	}
	if handshakes != 1 {
		t.Errorf("initialize count = %d, want 1", handshakes)
	}
}

func TestRunTurn_PermissionAutoResponse(t *testing.T) {
	permissionLine := func(options string) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":42,"method":"session/request_permission","params":{"sessionId":"prov-1","options":%s}}`, options)
	}

	tests := []struct {
		name    string
		options string
		wantID  string
		cancel  bool
	}{
		{
			name:    "prefers allow_always over allow_once",
			options: `[{"optionId":"once","kind":"allow_once"},{"optionId":"always","kind":"allow_always"},{"optionId":"no","kind":"reject_once"}]`,
			wantID:  "always",
		},
		{
			name:    "camelCase allowAlways kind is recognized",
			options: `[{"optionId":"once","kind":"allowOnce"},{"optionId":"always","kind":"allowAlways"}]`,
			wantID:  "always",
		},
		{
			name:    "falls back to allow_once",
			options: `[{"optionId":"no","kind":"reject_once"},{"optionId":"once","kind":"allow_once"}]`,
			wantID:  "once",
		},
		{
			name:    "falls back to first option without allow kinds",
			options: `[{"optionId":"no","kind":"reject_once"},{"optionId":"never","kind":"reject_always"}]`,
			wantID:  "no",
		},
		{
			name:    "cancels with no options",
			options: `[]`,
			cancel:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			script := []string{
				permissionLine(tt.options),
				completionLine(`{"response":"done"}`),
			}
			transport := newFakeTransport("prov-1", script)
			spawner := &spawnScript{transports: []*fakeTransport{transport}}
			client := newTestClient(spawner)

			// Act
			_, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
				Folder: "/work", Model: "m", Prompt: "p",
			}, func(agent.TurnEvent) {})

			// Assert
			if err != nil {
				t.Fatalf("RunTurn failed: %v", err)
			}
			replies := transport.permissionReplies()
			if len(replies) != 1 {
				t.Fatalf("permission replies = %d, want 1", len(replies))
			}
			result := replies[0]["result"].(map[string]any)
			outcome := result["outcome"].(map[string]any)
			if tt.cancel {
				if outcome["outcome"] != "cancelled" {
					t.Errorf("outcome = %v, want cancelled", outcome["outcome"])
				}
				return
			}
			if outcome["outcome"] != "selected" {
				t.Errorf("outcome = %v, want selected", outcome["outcome"])
			}
			if outcome["optionId"] != tt.wantID {
				t.Errorf("optionId = %v, want %q", outcome["optionId"], tt.wantID)
			}
		})
	}
}

func TestRunTurn_JSONRPCErrorSurfacedWithoutRetry(t *testing.T) {
	// Arrange
	script := []string{
		`{"jsonrpc":"2.0","id":"%ID%","error":{"code":-32000,"message":"quota exhausted"}}`,
	}
	transport := newFakeTransport("prov-1", script)
	spawner := &spawnScript{transports: []*fakeTransport{transport}}
	client := newTestClient(spawner)

	// Act
	_, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder: "/work", Model: "m", Prompt: "p",
	}, func(agent.TurnEvent) {})

	// Assert
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "quota exhausted") {
		t.Errorf("error = %v, want provider message surfaced verbatim", err)
	}
	if !errors.Is(err, errors.KindProtocol) {
		t.Errorf("error kind = %v, want protocol", errors.GetKind(err))
	}
	if spawner.spawned != 1 {
		t.Errorf("spawned = %d, want 1 (provider errors must not trigger a restart)", spawner.spawned)
	}
}

func TestRunTurn_RestartsOnceAfterRuntimeDeath(t *testing.T) {
	// Arrange
	dead := newFakeTransport("prov-1", []string{"CLOSE"})
	healthy := newFakeTransport("prov-2", []string{
		completionLine(`{"response":"recovered","usage":{"input_tokens":2,"output_tokens":5}}`),
	})
	spawner := &spawnScript{transports: []*fakeTransport{dead, healthy}}
	client := newTestClient(spawner)

	live := &session.OutputBuffer{}
	live.Append("streamed before crash")

	// Act
	result, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder:        "/work",
		Model:         "m",
		Prompt:        "continue",
		SessionOutput: "stale snapshot",
		LiveOutput:    live,
	}, func(agent.TurnEvent) {})

	// Assert
	if err != nil {
		t.Fatalf("retry should have succeeded: %v", err)
	}
	if result.AssistantMessage != "recovered" {
		t.Errorf("message = %q, want %q", result.AssistantMessage, "recovered")
	}
	if !result.ContextReset {
		t.Error("ContextReset should be true after a mid-call restart")
	}
	if result.ProviderConversationID != "prov-2" {
		t.Errorf("ProviderConversationID = %q, want the restarted runtime's id", result.ProviderConversationID)
	}
	if spawner.spawned != 2 {
		t.Errorf("spawned = %d, want exactly 2", spawner.spawned)
	}
	if dead.shutdowns == 0 {
		t.Error("dead runtime was never shut down")
	}

	retryPrompts := healthy.promptTexts()
	if len(retryPrompts) != 1 {
		t.Fatalf("retry prompts = %d, want 1", len(retryPrompts))
	}
	if !strings.Contains(retryPrompts[0], "Continue this session using the full transcript below.") {
		t.Error("retry prompt should replay the transcript")
	}
	if !strings.Contains(retryPrompts[0], "streamed before crash") {
		t.Error("retry prompt should carry the live output")
	}
	if strings.Contains(retryPrompts[0], "stale snapshot") {
		t.Error("retry prompt should prefer live output over the stale snapshot")
	}
}

func TestRunTurn_BothAttemptsFailWithCombinedError(t *testing.T) {
	// Arrange
	first := newFakeTransport("prov-1", []string{"CLOSE"})
	second := newFakeTransport("prov-2", []string{"CLOSE"})
	spawner := &spawnScript{transports: []*fakeTransport{first, second}}
	client := newTestClient(spawner)

	// Act
	_, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder: "/work", Model: "m", Prompt: "p",
	}, func(agent.TurnEvent) {})

	// Assert
	if err == nil {
		t.Fatal("expected combined failure")
	}
	if !strings.Contains(err.Error(), "first error") || !strings.Contains(err.Error(), "retry error") {
		t.Errorf("error = %v, want both attempt errors reported", err)
	}
	if spawner.spawned != 2 {
		t.Errorf("spawned = %d, want exactly 2 (one restart, never more)", spawner.spawned)
	}
	if second.shutdowns == 0 {
		t.Error("restarted runtime should be shut down after the failed retry")
	}
}

func TestRunTurn_ReplacesRuntimeOnModelMismatch(t *testing.T) {
	// Arrange
	turn := []string{completionLine(`{"response":"ok"}`)}
	forModelA := newFakeTransport("prov-a", turn)
	forModelB := newFakeTransport("prov-b", turn)
	spawner := &spawnScript{transports: []*fakeTransport{forModelA, forModelB}}
	client := newTestClient(spawner)
	sink := func(agent.TurnEvent) {}

	// Act
	if _, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder: "/work", Model: "model-a", Prompt: "p",
	}, sink); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	result, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder: "/work", Model: "model-b", Prompt: "p",
	}, sink)

	// Assert
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if spawner.spawned != 2 {
		t.Errorf("spawned = %d, want 2 (mismatched runtime must be replaced)", spawner.spawned)
	}
	if forModelA.shutdowns == 0 {
		t.Error("mismatched runtime was never shut down")
	}
	if !result.ContextReset {
		t.Error("ContextReset should be true after replacing a mismatched runtime")
	}
}

func TestRunTurn_FreshResumeReplaysTranscript(t *testing.T) {
	// Arrange
	transport := newFakeTransport("prov-1", []string{completionLine(`{"response":"ok"}`)})
	spawner := &spawnScript{transports: []*fakeTransport{transport}}
	client := newTestClient(spawner)

	// Act
	result, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder:        "/work",
		Model:         "m",
		Prompt:        "keep going",
		Mode:          agent.TurnResume,
		SessionOutput: "assistant: earlier work",
	}, func(agent.TurnEvent) {})

	// Assert
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	prompts := transport.promptTexts()
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], "assistant: earlier work") {
		t.Error("fresh resume turn should replay the transcript")
	}
	if result.ContextReset {
		t.Error("a planned resume is not a context reset")
	}
}

func TestShutdownSession_TerminatesRuntime(t *testing.T) {
	// Arrange
	turn := []string{completionLine(`{"response":"ok"}`)}
	transport := newFakeTransport("prov-1", turn)
	replacement := newFakeTransport("prov-2", turn)
	spawner := &spawnScript{transports: []*fakeTransport{transport, replacement}}
	client := newTestClient(spawner)
	req := agent.TurnRequest{Folder: "/work", Model: "m", Prompt: "p"}
	sink := func(agent.TurnEvent) {}

	if _, err := client.RunTurn(context.Background(), "sess-1", req, sink); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	// Act
	if err := client.ShutdownSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("ShutdownSession failed: %v", err)
	}

	// Assert
	if transport.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", transport.shutdowns)
	}
	if client.sessions.len() != 0 {
		t.Errorf("registry size = %d, want 0", client.sessions.len())
	}
	if _, err := client.RunTurn(context.Background(), "sess-1", req, sink); err != nil {
		t.Fatalf("turn after shutdown failed: %v", err)
	}
	if spawner.spawned != 2 {
		t.Errorf("spawned = %d, want 2 (shutdown must force a fresh runtime)", spawner.spawned)
	}
}

func TestRunTurn_InitializeErrorFailsStartup(t *testing.T) {
	// Arrange
	transport := newFakeTransport("prov-1")
	transport.initializeErr = "unsupported protocol version"
	spawner := &spawnScript{transports: []*fakeTransport{transport}}
	client := newTestClient(spawner)

	// Act
	_, err := client.RunTurn(context.Background(), "sess-1", agent.TurnRequest{
		Folder: "/work", Model: "m", Prompt: "p",
	}, func(agent.TurnEvent) {})

	// Assert
	if err == nil {
		t.Fatal("expected startup failure")
	}
	if !strings.Contains(err.Error(), "unsupported protocol version") {
		t.Errorf("error = %v, want handshake rejection surfaced", err)
	}
	if transport.shutdowns == 0 {
		t.Error("failed bootstrap must shut the child down")
	}
	if spawner.spawned != 1 {
		t.Errorf("spawned = %d, want 1", spawner.spawned)
	}
}

func TestWaitForResponse_TimesOut(t *testing.T) {
	// Arrange
	transport := newFakeTransport("prov-1")

	// Act
	_, err := waitForResponse(context.Background(), transport, "req-1", 10*time.Millisecond, nil)

	// Assert
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !errors.Is(err, errors.KindTimeout) {
		t.Errorf("error kind = %v, want timeout", errors.GetKind(err))
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want explicit timed-out text", err)
	}
	if isRuntimeFailure(err) {
		t.Error("timeouts must not trigger a restart retry")
	}
}

func TestProgressLabel_KeywordTable(t *testing.T) {
	tests := []struct {
		kind  string
		want  string
		match bool
	}{
		{kind: "agent_thought_chunk", want: "Thinking", match: true},
		{kind: "reasoning_delta", want: "Thinking", match: true},
		{kind: "tool_call", want: "Running a command", match: true},
		{kind: "toolCallUpdate", want: "Running a command", match: true},
		{kind: "shell_command_begin", want: "Running a command", match: true},
		{kind: "web_search_begin", want: "Searching the web", match: true},
		{kind: "webSearchToolCall", want: "Searching the web", match: true},
		{kind: "plan_delta", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			// Arrange
			var decoded map[string]any
			line := updateLine("prov-1", tt.kind, "")
			if err := jsonDecode(line, &decoded); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}

			// Act
			got, ok := progressLabel(decoded, "prov-1")

			// Assert
			if ok != tt.match {
				t.Fatalf("match = %v, want %v", ok, tt.match)
			}
			if got != tt.want {
				t.Errorf("label = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentText_FlattensNestedShapes(t *testing.T) {
	tests := []struct {
		name    string
		content any
		want    string
	}{
		{name: "plain string", content: "hello", want: "hello"},
		{name: "text object", content: map[string]any{"text": "hi"}, want: "hi"},
		{
			name:    "array of parts",
			content: []any{map[string]any{"text": "a"}, map[string]any{"text": "b"}},
			want:    "ab",
		},
		{
			name:    "nested parts object",
			content: map[string]any{"parts": []any{map[string]any{"text": "deep"}}},
			want:    "deep",
		},
		{
			name:    "nested content object",
			content: map[string]any{"content": map[string]any{"text": "inner"}},
			want:    "inner",
		},
		{name: "number", content: 7.0, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contentText(tt.content); got != tt.want {
				t.Errorf("contentText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResultText_KnownCompletionShapes(t *testing.T) {
	tests := []struct {
		name   string
		result map[string]any
		want   string
	}{
		{name: "response field", result: map[string]any{"response": "r"}, want: "r"},
		{name: "text field", result: map[string]any{"text": "t"}, want: "t"},
		{
			name:   "message content",
			result: map[string]any{"message": map[string]any{"content": []any{map[string]any{"text": "m"}}}},
			want:   "m",
		},
		{
			name:   "output items",
			result: map[string]any{"output": []any{map[string]any{"text": "o1"}, map[string]any{"content": "o2"}}},
			want:   "o1o2",
		},
		{name: "nil result", result: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultText(tt.result); got != tt.want {
				t.Errorf("resultText = %q, want %q", got, tt.want)
			}
		})
	}
}

func jsonDecode(line string, into *map[string]any) error {
	return json.Unmarshal([]byte(line), into)
}
