package mmapcheck

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Harness.
type Option func(*config)

type config struct {
	profile     Profile
	zeroPage    bool
	exec        bool
	seed        uint64
	seedSet     bool
	log         *slog.Logger
	workDir     string
	raceWorkers int
	registry    prometheus.Registerer
	only        []string
	skip        map[string]bool
	vm          VM
}

// WithProfile selects the problem sizes. The default is Basic.
func WithProfile(p Profile) Option {
	return func(c *config) {
		c.profile = p
	}
}

// WithZeroPage declares that the system allows mapping address zero, so
// the zero-page probes must succeed instead of fail.
func WithZeroPage() Option {
	return func(c *config) {
		c.zeroPage = true
	}
}

// WithExec declares that the system grants execute access on anonymous
// memory and on files without execute permission. The exec denial probes
// are skipped.
func WithExec() Option {
	return func(c *config) {
		c.exec = true
	}
}

// WithSeed fixes the seed of the second sparse mapping pass and of every
// other random choice. The default is time based.
func WithSeed(seed uint64) Option {
	return func(c *config) {
		c.seed = seed
		c.seedSet = true
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithWorkDir places fixture files in dir instead of a fresh temporary
// directory. The directory is locked for the life of the Harness.
func WithWorkDir(dir string) Option {
	return func(c *config) {
		c.workDir = dir
	}
}

// WithRaceWorkers sets the number of threads in the fault race.
func WithRaceWorkers(n int) Option {
	return func(c *config) {
		c.raceWorkers = n
	}
}

// WithRegistry registers the run's metrics with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.registry = reg
	}
}

// WithScenarios runs only the named scenarios, in the standard order.
func WithScenarios(names ...string) Option {
	return func(c *config) {
		c.only = append(c.only, names...)
	}
}

// WithSkip skips individual steps, named "scenario/step".
func WithSkip(steps ...string) Option {
	return func(c *config) {
		if c.skip == nil {
			c.skip = make(map[string]bool)
		}
		for _, s := range steps {
			c.skip[s] = true
		}
	}
}

// WithVM runs the harness against vm instead of the running kernel.
func WithVM(vm VM) Option {
	return func(c *config) {
		c.vm = vm
	}
}

func applyOptions(opts []Option) config {
	cfg := config{
		profile:     Basic,
		raceWorkers: DefaultRaceWorkers,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}
	return cfg
}
