package mmapcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"
)

// step is one named check of a scenario.
type step struct {
	name string
	run  func(*Harness, context.Context) error
}

// scenario is an ordered group of steps sharing a name.
type scenario struct {
	name  string
	steps []step
}

// scenarios lists every scenario in run order.
var scenarios = []scenario{
	{"mmap", mmapSteps},
	{"mincore", mincoreSteps},
	{"mremap", mremapSteps},
	{"mprotect", mprotectSteps},
	{"file-backed", fileSteps},
	{"race", raceSteps},
	{"sigbus", sigbusSteps},
	{"user-memory", userMemSteps},
}

// Scenarios returns the scenario names in run order.
func Scenarios() []string {
	names := make([]string, len(scenarios))
	for i, s := range scenarios {
		names[i] = s.name
	}
	return names
}

// Harness runs the scenarios against one VM. It owns the oracle, the
// fixture directory and the run's metrics.
type Harness struct {
	cfg      config
	page     int
	vm       VM
	oracle   *Oracle
	faults   *FaultVerifier
	fx       *Fixtures
	m        *metrics
	lock     *os.File
	ownedDir string
	seed     uint64
	selected []scenario
	log      *slog.Logger
}

// New prepares a harness: it opens the VM, locks the work directory and
// writes the fixture files.
func New(opts ...Option) (*Harness, error) {
	cfg := applyOptions(opts)

	selected, err := selectScenarios(cfg.only)
	if err != nil {
		return nil, err
	}

	vm := cfg.vm
	if vm == nil {
		if vm, err = NewKernelVM(); err != nil {
			return nil, err
		}
	}
	page := vm.PageSize()
	if err := cfg.profile.validate(page); err != nil {
		return nil, err
	}

	seed := cfg.seed
	if !cfg.seedSet {
		seed = uint64(time.Now().UnixNano())
	}

	m, err := newMetrics(cfg.registry)
	if err != nil {
		return nil, fmt.Errorf("mmapcheck: register metrics: %w", err)
	}

	h := &Harness{
		cfg:      cfg,
		page:     page,
		vm:       instrument(vm, m),
		m:        m,
		seed:     seed,
		selected: selected,
		log:      cfg.log,
	}

	dir := cfg.workDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "mmapcheck-"); err != nil {
			return nil, fmt.Errorf("mmapcheck: work dir: %w", err)
		}
		h.ownedDir = dir
	}
	if h.lock, err = lockWorkDir(dir); err != nil {
		return nil, errors.Join(err, h.removeDir())
	}
	if h.fx, err = CreateFixtures(dir, page); err != nil {
		return nil, errors.Join(err, h.Close())
	}

	h.oracle = NewOracle(h.vm, cfg.log, cfg.zeroPage)
	h.faults = NewFaultVerifier(h.oracle, cfg.log, m)
	return h, nil
}

func selectScenarios(only []string) ([]scenario, error) {
	if len(only) == 0 {
		return scenarios, nil
	}
	for _, name := range only {
		if !slices.Contains(Scenarios(), name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTest, name)
		}
	}
	var out []scenario
	for _, s := range scenarios {
		if slices.Contains(only, s.name) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Seed returns the seed of the run's randomized passes.
func (h *Harness) Seed() uint64 { return h.seed }

// Oracle returns the harness's address-space oracle.
func (h *Harness) Oracle() *Oracle { return h.oracle }

// Run runs the selected scenarios in order and stops at the first
// failure. A detected contract break is returned as a *Violation naming
// its scenario.
func (h *Harness) Run(ctx context.Context) error {
	h.cfg.log.Info("starting run",
		"profile", h.cfg.profile.Name,
		"seed", h.seed,
		"page_size", h.page,
		"zero_page", h.cfg.zeroPage,
		"exec", h.cfg.exec,
	)
	for _, sc := range h.selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := h.runScenario(ctx, sc)
		took := time.Since(start)
		h.m.scenario(sc.name, took, err)
		if err != nil {
			err = inScenario(sc.name, err)
			h.log.Error("scenario failed", "err", err)
			return err
		}
		h.log.Info("scenario passed", "took", took)
	}
	h.log = h.cfg.log
	h.cfg.log.Info("all scenarios passed")
	return nil
}

func (h *Harness) runScenario(ctx context.Context, sc scenario) error {
	h.log = h.cfg.log.With("scenario", sc.name)
	for _, st := range sc.steps {
		if h.cfg.skip[sc.name+"/"+st.name] {
			h.log.Info("skipping " + st.name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		h.log.Info("performing " + st.name)
		if err := st.run(h, ctx); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return h.releaseLeftovers()
}

// releaseLeftovers unmaps whatever a scenario left mapped, so every
// scenario starts from an empty oracle.
func (h *Harness) releaseLeftovers() error {
	for _, m := range h.oracle.Mappings() {
		h.log.Debug("releasing leftover mapping", "base", fmt.Sprintf("%#x", m.Base), "len", m.Length)
		if err := h.oracle.Release(m.Base, m.Length); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every mapping, unlocks the work directory and removes it
// if the harness created it.
func (h *Harness) Close() error {
	var errs []error
	if h.oracle != nil {
		errs = append(errs, h.oracle.Close())
	}
	if h.lock != nil {
		errs = append(errs, unlockWorkDir(h.lock))
		h.lock = nil
	}
	errs = append(errs, h.removeDir())
	return errors.Join(errs...)
}

func (h *Harness) removeDir() error {
	if h.ownedDir == "" {
		return nil
	}
	dir := h.ownedDir
	h.ownedDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("mmapcheck: remove %s: %w", dir, err)
	}
	return nil
}

// anon maps pages of private anonymous read-write memory anywhere.
func (h *Harness) anon(pages int) (uintptr, error) {
	return h.oracle.Reserve(MapRequest{Length: pages * h.page, Prot: ProtRW, Sharing: Private})
}

// fill writes a position-dependent pattern seeded by tag into b.
func fill(b []byte, tag byte) {
	for i := range b {
		b[i] = byte(i) ^ tag
	}
}
