package mmapcheck

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the run's prometheus collectors. A nil *metrics records
// nothing.
type metrics struct {
	ops       *prometheus.CounterVec
	faults    *prometheus.CounterVec
	scenarios *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmapcheck",
			Name:      "vm_ops_total",
			Help:      "VM operations issued against the system under test.",
		}, []string{"op", "result"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmapcheck",
			Name:      "faults_total",
			Help:      "Memory faults trapped, by attributed cause.",
		}, []string{"cause"}),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmapcheck",
			Name:      "scenarios_total",
			Help:      "Scenarios run, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mmapcheck",
			Name:      "scenario_duration_seconds",
			Help:      "Wall time of each scenario.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"scenario"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.ops, m.faults, m.scenarios, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return KindOf(err).String()
	}
	return "ok"
}

func (m *metrics) op(name string, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(name, result(err)).Inc()
}

func (m *metrics) fault(c Cause) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(c.String()).Inc()
}

func (m *metrics) scenario(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	res := "pass"
	if err != nil {
		res = "fail"
	}
	m.scenarios.WithLabelValues(res).Inc()
	m.duration.WithLabelValues(name).Observe(took.Seconds())
}

// countingVM counts every operation that reaches the system under test.
type countingVM struct {
	VM
	m *metrics
}

func instrument(vm VM, m *metrics) VM {
	if m == nil {
		return vm
	}
	return &countingVM{VM: vm, m: m}
}

func (c *countingVM) Map(req MapRequest) (uintptr, error) {
	addr, err := c.VM.Map(req)
	c.m.op("map", err)
	return addr, err
}

func (c *countingVM) Unmap(addr uintptr, length int) error {
	err := c.VM.Unmap(addr, length)
	c.m.op("unmap", err)
	return err
}

func (c *countingVM) Remap(addr uintptr, oldLen, newLen int, flags RemapFlags, target uintptr) (uintptr, error) {
	got, err := c.VM.Remap(addr, oldLen, newLen, flags, target)
	c.m.op("remap", err)
	return got, err
}

func (c *countingVM) Protect(addr uintptr, length int, prot Prot) error {
	err := c.VM.Protect(addr, length, prot)
	c.m.op("protect", err)
	return err
}

func (c *countingVM) Residency(addr uintptr, length int) ([]byte, error) {
	vec, err := c.VM.Residency(addr, length)
	c.m.op("residency", err)
	return vec, err
}

func (c *countingVM) Sync(addr uintptr, length int, flags SyncFlags) error {
	err := c.VM.Sync(addr, length, flags)
	c.m.op("sync", err)
	return err
}
