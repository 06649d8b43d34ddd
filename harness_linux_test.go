//go:build linux

package mmapcheck

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kernelOpts are the options for running against the test machine's
// kernel: Linux grants exec on anonymous memory, and root may map page 0.
func kernelOpts(t *testing.T, extra ...Option) []Option {
	t.Helper()
	opts := []Option{
		WithProfile(Tiny),
		WithExec(),
		WithSeed(1234),
		WithWorkDir(t.TempDir()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	if os.Geteuid() == 0 {
		opts = append(opts, WithSkip("mmap/zero-page"))
	}
	return append(opts, extra...)
}

func TestHarness_RunAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := New(kernelOpts(t, WithRegistry(reg))...)
	require.NoError(t, err)
	defer func() { assert.NoError(t, h.Close()) }()

	require.NoError(t, h.Run(context.Background()))
	assert.Empty(t, h.Oracle().Mappings())

	m := h.m
	assert.Equal(t, float64(len(scenarios)), testutil.ToFloat64(m.scenarios.WithLabelValues("pass")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.scenarios.WithLabelValues("fail")))
	assert.Positive(t, testutil.ToFloat64(m.ops.WithLabelValues("map", "ok")))
	assert.Positive(t, testutil.ToFloat64(m.faults.WithLabelValues("protection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("backing-object-truncated")))
}

func TestHarness_SecondRunLocked(t *testing.T) {
	dir := t.TempDir()
	h, err := New(WithWorkDir(dir))
	require.NoError(t, err)
	defer h.Close()

	_, err = New(WithWorkDir(dir))
	require.ErrorIs(t, err, ErrLocked)
}

// residentVM claims every page is resident.
type residentVM struct{ VM }

func (r residentVM) Residency(addr uintptr, length int) ([]byte, error) {
	vec, err := r.VM.Residency(addr, length)
	for i := range vec {
		vec[i] = 1
	}
	return vec, err
}

func TestHarness_ViolationStopsRun(t *testing.T) {
	kernel, err := NewKernelVM()
	require.NoError(t, err)
	h, err := New(kernelOpts(t, WithVM(residentVM{kernel}), WithScenarios("mincore", "mremap"))...)
	require.NoError(t, err)
	defer h.Close()

	err = h.Run(context.Background())
	v := requireViolation(t, err)
	assert.Equal(t, "mincore", v.Scenario)
	assert.Equal(t, "mincore", v.Op)
	assert.Contains(t, err.Error(), "fresh-anon")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.scenarios.WithLabelValues("fail")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.m.scenarios.WithLabelValues("pass")))
}

func TestHarness_Skip(t *testing.T) {
	h, err := New(kernelOpts(t,
		WithScenarios("mprotect"),
		WithSkip("mprotect/no-access", "mprotect/write-protect"),
	)...)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Run(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.m.faults.WithLabelValues("protection")))
}

func TestHarness_WritePages(t *testing.T) {
	h, err := New(kernelOpts(t)...)
	require.NoError(t, err)
	defer func() { assert.NoError(t, h.Close()) }()

	base, err := h.anon(2)
	require.NoError(t, err)
	require.NoError(t, h.writePages(base, 0))
	assert.Equal(t, byte(1), readByte(base))

	require.NoError(t, h.oracle.Reprotect(h.pageAt(base, 1), h.page, ProtRead))
	v := requireViolation(t, h.writePages(base, 0, 1))
	assert.Equal(t, "access completes", v.Want)
	assert.Equal(t, byte(0), readByte(h.pageAt(base, 1)))
	require.NoError(t, h.oracle.Release(base, 2*h.page))
}

func TestHarness_FileSteps(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := New(kernelOpts(t, WithRegistry(reg))...)
	require.NoError(t, err)
	defer func() { assert.NoError(t, h.Close()) }()

	before, err := os.ReadDir(h.fx.Dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.filePartialUnmap(ctx))
	assert.Empty(t, h.Oracle().Mappings())
	// tail, faulted head, middle, then the two isolated pages
	assert.Equal(t, 5.0, testutil.ToFloat64(h.m.ops.WithLabelValues("unmap", "ok")))

	require.NoError(t, h.fileClosedFD(ctx))
	assert.Empty(t, h.Oracle().Mappings())
	after, err := os.ReadDir(h.fx.Dir)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "closed-fd backing file left behind")
}
