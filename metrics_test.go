package mmapcheck

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics
	m.op("map", nil)
	m.fault(CauseProtection)
	m.scenario("mmap", time.Second, nil)
	assert.Equal(t, VM(nil), instrument(nil, nil))
}

func TestMetrics_CountingVM(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newMetrics(reg)
	require.NoError(t, err)

	o := NewOracle(instrument(newFakeVM(), m), nil, false)
	addr, err := o.Reserve(anonReq(2))
	require.NoError(t, err)
	_, err = o.Reserve(MapRequest{Length: fakePage, Prot: ProtRW})
	require.Error(t, err)
	require.NoError(t, o.Reprotect(addr, fakePage, ProtRead))
	_, err = o.Residency(addr, fakePage)
	require.NoError(t, err)
	require.NoError(t, o.Sync(addr, fakePage, SyncAsync))
	_, err = o.Relocate(addr, 2*fakePage, fakePage, 0, 0)
	require.NoError(t, err)
	require.NoError(t, o.Release(addr, fakePage))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("map", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("map", "invalid-argument")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("protect", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("residency", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("sync", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("remap", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("unmap", "ok")))
}

func TestMetrics_ScenarioAndFault(t *testing.T) {
	m, err := newMetrics(nil)
	require.NoError(t, err)
	m.scenario("mmap", 10*time.Millisecond, nil)
	m.scenario("mremap", time.Millisecond, errors.New("boom"))
	m.fault(CauseTruncated)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.scenarios.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scenarios.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("backing-object-truncated")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := newMetrics(reg)
	require.NoError(t, err)
	_, err = newMetrics(reg)
	require.Error(t, err)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", result(nil))
	assert.Equal(t, "out-of-memory", result(syscall.ENOMEM))
}
