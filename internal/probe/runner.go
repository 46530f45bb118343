package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

const (
	defaultWaitDelay = 500 * time.Millisecond
	stderrLimit      = 4 << 10
)

// Runner executes one external command bounded by timeout and returns its stdout.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	return f(ctx, timeout, name, args...)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	// Paths overrides the executable used for a tool name.
	Paths map[string]string
	// WaitDelay bounds how long a killed child may keep its output pipes open.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// NewExecRunner returns a runner resolving tools through PATH unless overridden.
func NewExecRunner(paths map[string]string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExecRunner{
		Paths:     paths,
		WaitDelay: defaultWaitDelay,
		Logger:    logger.With("component", "probe"),
	}
}

func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	if timeout <= 0 {
		return nil, &Error{Kind: KindInternal, Tool: name, Err: fmt.Errorf("non-positive timeout %s", timeout)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := name
	if override, ok := r.Paths[name]; ok && override != "" {
		path = override
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	var stdout bytes.Buffer
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	if r.Logger != nil {
		r.Logger.Debug("probe finished", "tool", name, "args", args, "duration", time.Since(start), "err", err)
	}
	if err == nil {
		return stdout.Bytes(), nil
	}
	return nil, classifyRunError(ctx, name, err, stderr.String())
}

func classifyRunError(ctx context.Context, tool string, err error, stderr string) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindToolAbsent, Tool: tool, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: KindPermissionDenied, Tool: tool, Err: err}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Tool: tool, Err: ctxErr}
		}
		return &Error{Kind: KindIO, Tool: tool, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		wrapped := err
		if stderr != "" {
			wrapped = fmt.Errorf("%w: %s", err, bytes.TrimSpace([]byte(stderr)))
		}
		return &Error{Kind: KindNonZeroExit, Tool: tool, ExitCode: exitErr.ExitCode(), Err: wrapped}
	}

	return &Error{Kind: KindIO, Tool: tool, Err: err}
}

// ReadFile reads name relative to root without following links out of it.
func ReadFile(root, name string) ([]byte, error) {
	dir, err := os.OpenRoot(root)
	if err != nil {
		return nil, classifyReadError(name, fmt.Errorf("open root: %w", err))
	}
	defer dir.Close()

	data, err := dir.ReadFile(name)
	if err != nil {
		return nil, classifyReadError(name, err)
	}
	return data, nil
}

func classifyReadError(name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindToolAbsent, Tool: name, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: KindPermissionDenied, Tool: name, Err: err}
	default:
		return &Error{Kind: KindIO, Tool: name, Err: err}
	}
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
