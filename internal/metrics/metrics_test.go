package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputelemetry-web/internal/probe"
)

func TestObserveProbe(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveProbe("nvidia-smi", probe.KindNone, 10*time.Millisecond)
	m.ObserveProbe("nvidia-smi", probe.KindTimeout, time.Second)
	m.ObserveProbe("rocm-smi", probe.KindToolAbsent, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeRuns.WithLabelValues("nvidia-smi", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeRuns.WithLabelValues("nvidia-smi", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeRuns.WithLabelValues("rocm-smi", "tool_absent")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.probeDuration))
}

func TestObserveCollect(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveCollect(time.Second, nil)
	m.ObserveCollect(time.Second, errors.New("no uptime"))
	m.ObserveSource("amd", "skipped")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.collectErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourceOutcomes.WithLabelValues("amd", "skipped")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveProbe("lshw", probe.KindNonZeroExit, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gputelemetry_probe_runs_total{outcome="non_zero_exit",tool="lshw"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
