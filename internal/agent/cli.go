package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/zhubert/convoy/internal/logger"
)

// CLIChannel spawns one provider CLI process per turn. Turns are stateless:
// resume context is rebuilt by replaying the session transcript inside the
// prompt.
type CLIChannel struct {
	command []string // argv prefix from the provider config
}

var _ AgentChannel = (*CLIChannel)(nil)

// NewCLIChannel creates a channel that runs the given command per turn. The
// model and the rendered prompt are appended as arguments.
func NewCLIChannel(command []string) *CLIChannel {
	return &CLIChannel{command: command}
}

// StartSession returns a SessionRef immediately; CLI turns need no setup.
func (c *CLIChannel) StartSession(_ context.Context, req StartSessionRequest) (SessionRef, error) {
	return SessionRef{SessionID: req.SessionID}, nil
}

// ShutdownSession is a no-op; CLI sessions hold no process between turns.
func (c *CLIChannel) ShutdownSession(_ context.Context, _ string) error {
	return nil
}

// RunTurn spawns the CLI, streams stdout lines as AssistantDelta events, and
// parses usage from the final output. A signal kill surfaces as a "[Stopped]"
// failure so the worker can record a user interrupt.
func (c *CLIChannel) RunTurn(ctx context.Context, sessionID string, req TurnRequest, sink EventSink) (TurnResult, error) {
	log := logger.WithSession(sessionID)

	prompt := TurnPrompt(req.Prompt, req.LatestSessionOutput(), req.Mode == TurnResume)

	args := append([]string{}, c.command[1:]...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Dir = req.Folder

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		message := fmt.Sprintf("Failed to spawn process: %v\n", err)
		sink(TurnEvent{Type: EventAssistantDelta, Text: message})
		return TurnResult{}, fmt.Errorf("failed to spawn %s: %w", c.command[0], err)
	}

	// Publish the pid so a stop request can signal the process.
	sink(TurnEvent{Type: EventPidUpdate, Pid: cmd.Process.Pid})
	log.Debug("CLI turn started", "pid", cmd.Process.Pid, "folder", req.Folder)

	var rawStdout, rawStderr strings.Builder
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			rawStdout.WriteString(line)
			rawStdout.WriteByte('\n')
			if strings.TrimSpace(line) == "" {
				continue
			}
			sink(TurnEvent{Type: EventAssistantDelta, Text: line + "\n"})
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			rawStderr.WriteString(scanner.Text())
			rawStderr.WriteByte('\n')
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	// Clear the pid slot now that the child has exited.
	sink(TurnEvent{Type: EventPidUpdate, Pid: 0})

	if killedBySignal(cmd) {
		const stopped = "[Stopped] Agent interrupted by user."
		sink(TurnEvent{Type: EventAssistantDelta, Text: "\n" + stopped + "\n"})
		return TurnResult{}, fmt.Errorf("%s", stopped)
	}

	if waitErr != nil {
		detail := strings.TrimSpace(rawStderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return TurnResult{}, fmt.Errorf("agent process failed: %s", detail)
	}

	message, usage := parseCLIResponse(rawStdout.String())
	return TurnResult{
		AssistantMessage:       message,
		InputTokens:            usage.InputTokens,
		OutputTokens:           usage.OutputTokens,
		ProviderConversationID: req.ProviderConversationID,
	}, nil
}

func killedBySignal(cmd *exec.Cmd) bool {
	state := cmd.ProcessState
	if state == nil {
		return false
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}

// parseCLIResponse separates the assistant message from a trailing usage
// line. Providers that report usage do so as a final JSON object; everything
// else is message text.
func parseCLIResponse(stdout string) (string, Usage) {
	text := strings.TrimRight(stdout, "\n")
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			break
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			break
		}
		usage := ExtractUsage(decoded)
		if usage == (Usage{}) {
			break
		}
		return strings.TrimSpace(strings.Join(lines[:i], "\n")), usage
	}
	return strings.TrimSpace(text), Usage{}
}
