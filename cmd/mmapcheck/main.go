package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CreditWorthy/mmapcheck"
)

var exitFunc = os.Exit
var stderr io.Writer = os.Stderr

func main() {
	fs := flag.NewFlagSet("mmapcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := run(context.Background(), fs, os.Args[1:]); err != nil {
		fmt.Fprintf(stderr, "mmapcheck: %v\n", err)
		exitFunc(1)
		return
	}
}

// run parses args and runs the harness. Besides the flags it accepts the
// words "intensive", "zeropage" and "exec" as positional arguments.
func run(ctx context.Context, fs *flag.FlagSet, args []string) error {
	profile := fs.String("profile", mmapcheck.Basic.Name, "problem sizes: basic, intensive or tiny")
	workDir := fs.String("workdir", "", "directory for fixture files (default: a fresh temporary directory)")
	seed := fs.Uint64("seed", 0, "seed of the randomized passes (default: time based)")
	level := fs.String("log-level", "info", "log level: debug, info, warn or error")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address while running")
	threads := fs.Int("threads", mmapcheck.DefaultRaceWorkers, "workers in the concurrent fault race")
	only := fs.String("scenarios", "", "comma-separated scenarios to run (default: all)")
	skip := fs.String("skip", "", "comma-separated scenario/step pairs to skip")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*level)); err != nil {
		return fmt.Errorf("bad -log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl}))

	opts := []mmapcheck.Option{
		mmapcheck.WithLogger(logger),
		mmapcheck.WithRaceWorkers(*threads),
	}
	prof, err := mmapcheck.ProfileByName(*profile)
	if err != nil {
		return err
	}
	for _, word := range fs.Args() {
		switch word {
		case "intensive":
			prof = mmapcheck.Intensive
		case "zeropage":
			opts = append(opts, mmapcheck.WithZeroPage())
		case "exec":
			opts = append(opts, mmapcheck.WithExec())
		default:
			return fmt.Errorf("unknown argument %q", word)
		}
	}
	opts = append(opts, mmapcheck.WithProfile(prof))
	if *workDir != "" {
		opts = append(opts, mmapcheck.WithWorkDir(*workDir))
	}
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			isSet = true
		}
	})
	if isSet {
		opts = append(opts, mmapcheck.WithSeed(*seed))
	}
	if *only != "" {
		opts = append(opts, mmapcheck.WithScenarios(strings.Split(*only, ",")...))
	}
	if *skip != "" {
		opts = append(opts, mmapcheck.WithSkip(strings.Split(*skip, ",")...))
	}

	reg := prometheus.NewRegistry()
	opts = append(opts, mmapcheck.WithRegistry(reg))
	if *metricsAddr != "" {
		_, stop, err := serveMetrics(*metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	h, err := mmapcheck.New(opts...)
	if err != nil {
		return err
	}
	runErr := h.Run(ctx)
	closeErr := h.Close()
	if runErr != nil {
		var v *mmapcheck.Violation
		if errors.As(runErr, &v) {
			logger.Error("violation", "scenario", v.Scenario, "op", v.Op, "args", v.Args, "want", v.Want, "got", v.Got, "seed", h.Seed())
		}
		return errors.Join(runErr, closeErr)
	}
	return closeErr
}

// serveMetrics serves reg on addr until the returned stop function is
// called. It returns the address actually bound.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handlers.CompressHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr(), func() { _ = srv.Close() }, nil
}
