package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
	"github.com/skobkin/gputelemetry-web/internal/probe/probetest"
)

func TestParseNVIDIA(t *testing.T) {
	t.Parallel()

	out := []byte("NVIDIA GeForce RTX 3080, 10240, 1024, 9216, 45, 12\n" +
		"\n" +
		"Tesla T4, 15360, 0, 15360, [N/A], 0\n")

	devices, diags := ParseNVIDIA(out)
	require.Empty(t, diags)
	require.Len(t, devices, 2)

	first := devices[0]
	assert.Equal(t, "0", first.ID)
	assert.Equal(t, gpu.FamilyNVIDIA, first.Family)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", first.Name)
	require.NotNil(t, first.MemoryTotal)
	assert.Equal(t, uint64(10240*1024*1024), *first.MemoryTotal)
	assert.Equal(t, uint64(1024*1024*1024), *first.MemoryUsed)
	assert.Equal(t, uint64(9216*1024*1024), *first.MemoryFree)
	assert.Equal(t, 45.0, *first.Temperature)
	assert.Equal(t, 12.0, *first.Utilization)
	assert.Nil(t, first.Frequency)
	assert.Equal(t, "nvidia-smi", first.Source)
	assert.Equal(t, gpu.VendorNVIDIA, first.Vendor)

	second := devices[1]
	assert.Equal(t, "1", second.ID)
	assert.Nil(t, second.Temperature)
	require.NotNil(t, second.Utilization)
	assert.Equal(t, 0.0, *second.Utilization)
}

func TestParseNVIDIASkipsShortLines(t *testing.T) {
	t.Parallel()

	out := []byte("GPU A, 100, 10, 90, 40\n" +
		"GPU B, 200, 20, 180, 50, 7\n" +
		"garbage\n" +
		"GPU C, 300, 30, 270, 60, 9\n")

	devices, diags := ParseNVIDIA(out)
	require.Len(t, devices, 2)
	assert.Equal(t, "GPU B", devices[0].Name)
	assert.Equal(t, "0", devices[0].ID, "skipped rows must not consume device ids")
	assert.Equal(t, "GPU C", devices[1].Name)
	assert.Equal(t, "1", devices[1].ID)

	require.Len(t, diags, 2)
	for _, d := range diags {
		assert.ErrorIs(t, d, probe.ErrUnexpectedFieldCount)
	}
}

func TestParseNVIDIAEmpty(t *testing.T) {
	t.Parallel()

	devices, diags := ParseNVIDIA(nil)
	assert.Empty(t, devices)
	assert.Empty(t, diags)
}

func TestNVIDIAProbe(t *testing.T) {
	t.Parallel()

	runner := probetest.New().Set(probetest.Command(ToolNVIDIASMI, nvidiaQueryArgs...), "GPU, 1, 1, 0, 30, 5\n")
	src := &NVIDIA{Runner: runner, Timeout: 3 * time.Second}

	res, err := src.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 3*time.Second, calls[0].Timeout)
}

func TestNVIDIAProbeToolAbsent(t *testing.T) {
	t.Parallel()

	src := &NVIDIA{Runner: probetest.New(), Timeout: time.Second}
	res, err := src.Probe(context.Background())
	assert.ErrorIs(t, err, probe.ErrToolAbsent)
	assert.Empty(t, res.Devices)
}
