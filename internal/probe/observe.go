package probe

import (
	"context"
	"time"
)

// Observer receives the outcome of every probe run.
type Observer interface {
	ObserveProbe(tool string, kind Kind, duration time.Duration)
}

// Instrument wraps runner so every call is reported to observer.
func Instrument(runner Runner, observer Observer) Runner {
	if observer == nil {
		return runner
	}
	return RunnerFunc(func(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
		start := time.Now()
		out, err := runner.Run(ctx, timeout, name, args...)
		observer.ObserveProbe(name, KindOf(err), time.Since(start))
		return out, err
	})
}
