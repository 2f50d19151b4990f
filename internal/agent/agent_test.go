package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/zhubert/convoy/internal/session"
)

func TestBuildResumePrompt(t *testing.T) {
	t.Run("empty transcript returns prompt unchanged", func(t *testing.T) {
		if got := BuildResumePrompt("do work", "  \n"); got != "do work" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("transcript is replayed before the prompt", func(t *testing.T) {
		got := BuildResumePrompt("do work", "assistant: proposed plan")

		if !strings.Contains(got, "Continue this session using the full transcript below.") {
			t.Error("missing resume header")
		}
		if !strings.Contains(got, "assistant: proposed plan") {
			t.Error("missing transcript")
		}
		if !strings.HasSuffix(got, "do work") {
			t.Errorf("prompt not last: %q", got)
		}
	})
}

func TestPrependPathInstructions(t *testing.T) {
	got := PrependPathInstructions("Implement feature")
	if !strings.Contains(got, "repository-root-relative POSIX paths") {
		t.Error("missing path instructions")
	}
	if !strings.HasSuffix(got, "Implement feature") {
		t.Errorf("prompt not preserved: %q", got)
	}

	// Applying twice must not duplicate the guidance.
	again := PrependPathInstructions(got)
	if again != got {
		t.Error("path instructions duplicated")
	}
}

func TestTurnPrompt(t *testing.T) {
	t.Run("without context reset", func(t *testing.T) {
		got := TurnPrompt("Implement feature", "prior context", false)

		if strings.Contains(got, "prior context") {
			t.Error("transcript replayed without context reset")
		}
		if !strings.Contains(got, "repository-root-relative POSIX paths") {
			t.Error("missing path instructions")
		}
	})

	t.Run("with context reset", func(t *testing.T) {
		got := TurnPrompt("Implement feature", "assistant: proposed plan", true)

		if !strings.Contains(got, "assistant: proposed plan") {
			t.Error("transcript not replayed after context reset")
		}
		if !strings.Contains(got, "Continue this session using the full transcript below.") {
			t.Error("missing resume header")
		}
		if !strings.Contains(got, "Implement feature") {
			t.Error("missing prompt")
		}
	})
}

func TestNumericValue(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
		ok    bool
	}{
		{"integer", float64(30), 30, true},
		{"float", 30.0, 30, true},
		{"numeric string", "30.0", 30, true},
		{"integer string", "42", 42, true},
		{"padded string", " 7 ", 7, true},
		{"word", "lots", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NumericValue(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("NumericValue(%v) = (%d, %v), want (%d, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLookupNumeric_FieldSpellings(t *testing.T) {
	// The same normalized value must come out of every observed encoding.
	for _, m := range []map[string]any{
		{"usedPercent": float64(30)},
		{"used_percent": "30.0"},
		{"used_percent": 30.0},
	} {
		got, ok := LookupNumeric(m, "used_percent")
		if !ok || got != 30 {
			t.Errorf("LookupNumeric(%v) = (%d, %v), want (30, true)", m, got, ok)
		}
	}
}

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name string
		m    map[string]any
		want Usage
	}{
		{
			name: "snake case",
			m:    map[string]any{"input_tokens": float64(10), "output_tokens": float64(5)},
			want: Usage{InputTokens: 10, OutputTokens: 5},
		},
		{
			name: "camel case",
			m:    map[string]any{"inputTokens": "10", "outputTokens": 5.0},
			want: Usage{InputTokens: 10, OutputTokens: 5},
		},
		{
			name: "nested usage object",
			m:    map[string]any{"usage": map[string]any{"inputTokens": float64(3), "output_tokens": "2"}},
			want: Usage{InputTokens: 3, OutputTokens: 2},
		},
		{
			name: "missing fields are zero",
			m:    map[string]any{"other": "x"},
			want: Usage{},
		},
		{
			name: "nil map",
			m:    nil,
			want: Usage{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractUsage(tt.m); got != tt.want {
				t.Errorf("ExtractUsage = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseCLIResponse(t *testing.T) {
	t.Run("trailing usage line is stripped", func(t *testing.T) {
		message, usage := parseCLIResponse("Fixed the bug.\n{\"input_tokens\":10,\"output_tokens\":5}\n")

		if message != "Fixed the bug." {
			t.Errorf("message = %q", message)
		}
		if usage.InputTokens != 10 || usage.OutputTokens != 5 {
			t.Errorf("usage = %+v", usage)
		}
	})

	t.Run("plain text has no usage", func(t *testing.T) {
		message, usage := parseCLIResponse("Just text.\nMore text.\n")

		if message != "Just text.\nMore text." {
			t.Errorf("message = %q", message)
		}
		if usage != (Usage{}) {
			t.Errorf("usage = %+v", usage)
		}
	})

	t.Run("JSON without usage fields stays in the message", func(t *testing.T) {
		message, usage := parseCLIResponse("Result:\n{\"ok\":true}\n")

		if message != "Result:\n{\"ok\":true}" {
			t.Errorf("message = %q", message)
		}
		if usage != (Usage{}) {
			t.Errorf("usage = %+v", usage)
		}
	})
}

func TestCLIChannel_StartSession(t *testing.T) {
	ch := NewCLIChannel([]string{"echo"})

	ref, err := ch.StartSession(context.Background(), StartSessionRequest{SessionID: "s1"})

	if err != nil {
		t.Fatalf("StartSession error = %v", err)
	}
	if ref.SessionID != "s1" {
		t.Errorf("SessionID = %q", ref.SessionID)
	}
}

func TestCLIChannel_RunTurn_EchoesPrompt(t *testing.T) {
	// Arrange: echo prints its argument (the rendered prompt) to stdout
	ch := NewCLIChannel([]string{"echo"})
	var events []TurnEvent
	sink := func(e TurnEvent) { events = append(events, e) }

	// Act
	result, err := ch.RunTurn(context.Background(), "s1",
		TurnRequest{Folder: t.TempDir(), Prompt: "hello world", Mode: TurnStart}, sink)

	// Assert
	if err != nil {
		t.Fatalf("RunTurn error = %v", err)
	}
	if !strings.Contains(result.AssistantMessage, "hello world") {
		t.Errorf("AssistantMessage = %q", result.AssistantMessage)
	}

	var sawPid, sawClear, sawDelta bool
	for _, e := range events {
		switch e.Type {
		case EventPidUpdate:
			if e.Pid > 0 {
				sawPid = true
			} else {
				sawClear = true
			}
		case EventAssistantDelta:
			sawDelta = true
		}
	}
	if !sawPid || !sawClear || !sawDelta {
		t.Errorf("events = %+v", events)
	}
}

func TestCLIChannel_RunTurn_SpawnFailure(t *testing.T) {
	ch := NewCLIChannel([]string{"/nonexistent/agent-binary"})
	var deltas []string
	sink := func(e TurnEvent) {
		if e.Type == EventAssistantDelta {
			deltas = append(deltas, e.Text)
		}
	}

	_, err := ch.RunTurn(context.Background(), "s1",
		TurnRequest{Folder: t.TempDir(), Prompt: "x"}, sink)

	if err == nil {
		t.Fatal("RunTurn error = nil, want spawn failure")
	}
	if len(deltas) == 0 || !strings.Contains(deltas[0], "Failed to spawn process") {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestTurnRequest_LatestSessionOutput(t *testing.T) {
	live := &session.OutputBuffer{}
	live.Append("live content from stream")
	req := TurnRequest{SessionOutput: "stale snapshot", LiveOutput: live}

	if got := req.LatestSessionOutput(); got != "live content from stream" {
		t.Errorf("LatestSessionOutput = %q", got)
	}

	// Without a live buffer the snapshot is used.
	req.LiveOutput = nil
	if got := req.LatestSessionOutput(); got != "stale snapshot" {
		t.Errorf("LatestSessionOutput = %q", got)
	}

	// An empty live buffer falls back to the snapshot.
	req.LiveOutput = &session.OutputBuffer{}
	if got := req.LatestSessionOutput(); got != "stale snapshot" {
		t.Errorf("LatestSessionOutput = %q", got)
	}
}
