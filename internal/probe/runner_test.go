package probe

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestExecRunnerSuccess(t *testing.T) {
	t.Parallel()
	requireBinary(t, "echo")

	runner := NewExecRunner(nil, nil)
	out, err := runner.Run(context.Background(), 2*time.Second, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestExecRunnerToolAbsent(t *testing.T) {
	t.Parallel()

	runner := NewExecRunner(nil, nil)
	_, err := runner.Run(context.Background(), time.Second, "gputelemetry-definitely-missing-tool")
	require.Error(t, err)
	assert.Equal(t, KindToolAbsent, KindOf(err))
	assert.ErrorIs(t, err, ErrToolAbsent)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExecRunnerPathOverride(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nvidia-smi")
	runner := NewExecRunner(map[string]string{"nvidia-smi": missing}, nil)
	_, err := runner.Run(context.Background(), time.Second, "nvidia-smi")
	require.Error(t, err)
	assert.Equal(t, KindToolAbsent, KindOf(err))

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "nvidia-smi", pe.Tool)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	t.Parallel()
	requireBinary(t, "false")

	runner := NewExecRunner(nil, nil)
	_, err := runner.Run(context.Background(), 2*time.Second, "false")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonZeroExit)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 1, pe.ExitCode)
	assert.Equal(t, "false: exited with status 1", pe.Error())
}

func TestExecRunnerTimeoutAbandonsChild(t *testing.T) {
	t.Parallel()
	requireBinary(t, "sleep")

	runner := NewExecRunner(nil, nil)
	start := time.Now()
	_, err := runner.Run(context.Background(), 100*time.Millisecond, "sleep", "10")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, elapsed, 3*time.Second)
}

func TestExecRunnerRejectsZeroTimeout(t *testing.T) {
	t.Parallel()

	runner := NewExecRunner(nil, nil)
	_, err := runner.Run(context.Background(), 0, "echo")
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "class", "drm", "card0", "device")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gpu_busy_percent"), []byte("42\n"), 0o644))

	data, err := ReadFile(root, "class/drm/card0/device/gpu_busy_percent")
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	_, err = ReadFile(root, "class/drm/card1/device/gpu_busy_percent")
	assert.ErrorIs(t, err, ErrToolAbsent)

	_, err = ReadFile(filepath.Join(root, "missing"), "anything")
	assert.Equal(t, KindToolAbsent, KindOf(err))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "typed", err: Malformed("lshw", errors.New("bad json")), want: KindMalformedOutput},
		{name: "wrapped typed", err: errors.Join(errors.New("ctx"), FieldCount("nvidia-smi", 1, 3, 6)), want: KindUnexpectedFieldCount},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "not found", err: exec.ErrNotFound, want: KindToolAbsent},
		{name: "permission", err: os.ErrPermission, want: KindPermissionDenied},
		{name: "other", err: errors.New("boom"), want: KindIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	kinds map[string]Kind
}

func (o *recordingObserver) ObserveProbe(tool string, kind Kind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds[tool] = kind
}

func TestInstrumentReportsOutcome(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{kinds: make(map[string]Kind)}
	inner := RunnerFunc(func(_ context.Context, _ time.Duration, name string, _ ...string) ([]byte, error) {
		if name == "ok" {
			return []byte("x"), nil
		}
		return nil, &Error{Kind: KindTimeout, Tool: name}
	})

	runner := Instrument(inner, obs)
	_, _ = runner.Run(context.Background(), time.Second, "ok")
	_, _ = runner.Run(context.Background(), time.Second, "slow")

	assert.Equal(t, map[string]Kind{"ok": KindNone, "slow": KindTimeout}, obs.kinds)
}
