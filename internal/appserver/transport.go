// Package appserver implements the persistent app-server variant of the
// agent channel: one long-lived provider subprocess per session, spoken to
// over newline-delimited JSON-RPC on stdin/stdout.
package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/logger"
)

const (
	// StartupTimeout bounds the initialize handshake and session creation.
	StartupTimeout = 10 * time.Second
	// TurnTimeout bounds one prompt turn.
	TurnTimeout = 2 * time.Minute

	// shutdownGrace is how long a child gets to exit after stdin closes
	// before it is killed.
	shutdownGrace = 1 * time.Second
)

// Transport is a line-oriented JSON-RPC connection to one app-server
// subprocess. Lines yields raw stdout lines and is closed when the process
// exits or its stdout is torn down.
type Transport interface {
	WriteLine(payload any) error
	Lines() <-chan string
	Pid() int
	Shutdown()
}

// SpawnFunc starts an app-server subprocess in dir and returns its
// transport. It is a seam so tests can script exchanges without processes.
type SpawnFunc func(ctx context.Context, command []string, dir string) (Transport, error)

type procTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}
}

var _ Transport = (*procTransport)(nil)

// SpawnProcess starts command in dir with piped stdin/stdout and begins
// pumping stdout lines. Stderr is discarded to the debug log.
func SpawnProcess(_ context.Context, command []string, dir string) (Transport, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty app-server command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open app-server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open app-server stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open app-server stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", command[0], err)
	}

	t := &procTransport{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}

	log := logger.ComponentLogger("AppServerTransport")
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			log.Debug("app-server stderr", "line", scanner.Text())
		}
	}()
	go func() {
		defer close(t.lines)
		defer close(t.done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			t.lines <- scanner.Text()
		}
		// Reap the child once stdout closes so Shutdown never races Wait.
		_ = cmd.Wait()
	}()

	return t, nil
}

func (t *procTransport) WriteLine(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode app-server payload: %w", err)
	}
	if _, err := t.stdin.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("failed writing to app-server stdin: %w", err)
	}
	return nil
}

func (t *procTransport) Lines() <-chan string {
	return t.lines
}

func (t *procTransport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Shutdown closes stdin so the child can exit cleanly, then kills it after a
// short grace period.
func (t *procTransport) Shutdown() {
	_ = t.stdin.Close()
	select {
	case <-t.done:
	case <-time.After(shutdownGrace):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.done
	}
}

// waitForResponse reads transport lines until a JSON-RPC response carrying
// responseID arrives. Every parsed line is first offered to inspect (when
// non-nil) so callers can dispatch notifications mid-wait. Malformed lines
// are skipped.
func waitForResponse(ctx context.Context, t Transport, responseID string, timeout time.Duration, inspect func(map[string]any)) (map[string]any, error) {
	const op errors.Op = "appserver.waitForResponse"

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-t.Lines():
			if !ok {
				return nil, errors.E(op, errors.KindAgent,
					fmt.Errorf("app-server terminated before responding to %q", responseID))
			}
			var decoded map[string]any
			if err := json.Unmarshal([]byte(line), &decoded); err != nil {
				logger.Debug("skipping unparseable app-server line: %.120s", line)
				continue
			}
			if inspect != nil {
				inspect(decoded)
			}
			if responseIDMatches(decoded, responseID) {
				return decoded, nil
			}
		case <-timer.C:
			return nil, errors.E(op, errors.KindTimeout,
				fmt.Errorf("timed out waiting for app-server response %q after %s", responseID, timeout))
		case <-ctx.Done():
			return nil, errors.E(op, errors.KindCanceled, ctx.Err())
		}
	}
}

// responseIDMatches reports whether a decoded line is the response to
// responseID. Only string ids are ours; numeric ids belong to the server.
func responseIDMatches(decoded map[string]any, responseID string) bool {
	id, ok := decoded["id"].(string)
	return ok && id == responseID
}

// jsonErrorMessage extracts error.message from a JSON-RPC error response.
func jsonErrorMessage(decoded map[string]any) (string, bool) {
	errObj, ok := decoded["error"].(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := errObj["message"].(string)
	return msg, ok
}
