// Package probetest provides a scripted probe.Runner for tests.
package probetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/probe"
)

// Response is the scripted result of one command line.
type Response struct {
	Output string
	Err    error
}

// Call records one invocation.
type Call struct {
	Command string
	Timeout time.Duration
}

// Runner answers commands from a script. Unscripted commands report the tool as absent.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []Call
}

// New returns an empty script.
func New() *Runner {
	return &Runner{responses: make(map[string]Response)}
}

// Command renders a command line the way scripts are keyed.
func Command(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

// Set scripts a successful output for the command line.
func (r *Runner) Set(command, output string) *Runner {
	return r.SetResponse(command, Response{Output: output})
}

// Fail scripts an error for the command line.
func (r *Runner) Fail(command string, err error) *Runner {
	return r.SetResponse(command, Response{Err: err})
}

func (r *Runner) SetResponse(command string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[command] = resp
	return r
}

func (r *Runner) Run(_ context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	command := Command(name, args...)

	r.mu.Lock()
	r.calls = append(r.calls, Call{Command: command, Timeout: timeout})
	resp, ok := r.responses[command]
	r.mu.Unlock()

	if !ok {
		return nil, &probe.Error{Kind: probe.KindToolAbsent, Tool: name}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return []byte(resp.Output), nil
}

// Calls returns the invocations seen so far.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Commands returns the command lines seen so far.
func (r *Runner) Commands() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Command
	}
	return out
}

// Absent builds the error a missing tool produces.
func Absent(tool string) error {
	return &probe.Error{Kind: probe.KindToolAbsent, Tool: tool}
}

// Exit builds a non-zero exit error.
func Exit(tool string, code int) error {
	return &probe.Error{Kind: probe.KindNonZeroExit, Tool: tool, ExitCode: code}
}

// Timeout builds a timeout error.
func Timeout(tool string) error {
	return &probe.Error{Kind: probe.KindTimeout, Tool: tool}
}
