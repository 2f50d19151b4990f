package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call records one command execution observed by a FakeExecutor.
type Call struct {
	Dir  string
	Name string
	Args []string
}

// Command returns the full command line as a single string.
func (c Call) Command() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Response is a canned result for a FakeExecutor.
type Response struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// FakeExecutor returns scripted responses keyed by command prefix. Responses
// registered for the same prefix are consumed in order, so a test can make
// the first "git rebase --continue" conflict and the second succeed.
type FakeExecutor struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []Call

	// Default is returned when no scripted response matches. The zero
	// value means success with empty output.
	Default Response
}

var _ CommandExecutor = (*FakeExecutor)(nil)

// NewFakeExecutor returns an empty scripted executor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{responses: make(map[string][]Response)}
}

// Script registers a canned response for any command line starting with prefix.
func (e *FakeExecutor) Script(prefix string, resp Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[prefix] = append(e.responses[prefix], resp)
}

// ScriptOutput registers a successful response with the given stdout.
func (e *FakeExecutor) ScriptOutput(prefix, stdout string) {
	e.Script(prefix, Response{Stdout: []byte(stdout)})
}

// ScriptError registers a failing response with the given combined output.
func (e *FakeExecutor) ScriptError(prefix, output string) {
	e.Script(prefix, Response{Stdout: []byte(output), Err: fmt.Errorf("exit status 1")})
}

// Calls returns a copy of every command executed so far.
func (e *FakeExecutor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallCount returns how many executed commands start with prefix.
func (e *FakeExecutor) CallCount(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(c.Command(), prefix) {
			n++
		}
	}
	return n
}

func (e *FakeExecutor) next(dir, name string, args []string) Response {
	e.mu.Lock()
	defer e.mu.Unlock()

	call := Call{Dir: dir, Name: name, Args: args}
	e.calls = append(e.calls, call)

	cmdline := call.Command()
	var bestPrefix string
	for prefix, queue := range e.responses {
		if len(queue) == 0 {
			continue
		}
		// Longest matching prefix wins so "git rebase --continue" beats "git rebase".
		if strings.HasPrefix(cmdline, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
		}
	}
	if bestPrefix == "" {
		return e.Default
	}
	queue := e.responses[bestPrefix]
	resp := queue[0]
	if len(queue) > 1 {
		e.responses[bestPrefix] = queue[1:]
	}
	return resp
}

func (e *FakeExecutor) Run(_ context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	resp := e.next(dir, name, args)
	return resp.Stdout, resp.Stderr, resp.Err
}

func (e *FakeExecutor) Output(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	resp := e.next(dir, name, args)
	return resp.Stdout, resp.Err
}

func (e *FakeExecutor) CombinedOutput(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	resp := e.next(dir, name, args)
	combined := append(append([]byte{}, resp.Stdout...), resp.Stderr...)
	return combined, resp.Err
}
