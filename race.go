package mmapcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRaceWorkers is the worker count of the concurrent fault race.
const DefaultRaceWorkers = 4

// RacePhase is the state of one race scenario.
type RacePhase int32

const (
	PhaseSpawning RacePhase = iota
	PhaseReadyBarrier
	PhaseReleased
	PhaseJoined
)

func (p RacePhase) String() string {
	switch p {
	case PhaseSpawning:
		return "spawning"
	case PhaseReadyBarrier:
		return "ready-barrier"
	case PhaseReleased:
		return "released"
	case PhaseJoined:
		return "joined"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// RaceReport describes one race run. It is observational: a clean report
// does not prove that concurrent faults on one page are resolved once.
type RaceReport struct {
	Workers int
	// KernelBytes is what the kernel-mediated worker copied out of the page.
	KernelBytes int
	// Spread is the time between the first and last worker touching the page.
	Spread time.Duration
	// Elapsed covers release to join.
	Elapsed time.Duration
	// Phase is the last phase the race reached.
	Phase RacePhase
}

// raceState is the coordination state of one race. It is created and torn
// down by RunRace.
type raceState struct {
	page    []byte
	out     *os.File
	kernel  int
	mu      sync.Mutex
	ready   *sync.Cond
	enable  *sync.Cond
	running int
	enabled bool
	phase   atomic.Int32

	touchedAt []time.Time
	wrote     int
	errs      []error
}

func (s *raceState) setPhase(p RacePhase) { s.phase.Store(int32(p)) }

// Phase returns the current phase.
func (s *raceState) Phase() RacePhase { return RacePhase(s.phase.Load()) }

// await blocks until n workers wait at the barrier.
func (s *raceState) await(n int) {
	s.setPhase(PhaseReadyBarrier)
	s.mu.Lock()
	for s.running < n {
		s.ready.Wait()
	}
	s.mu.Unlock()
}

// release lifts the barrier for every waiting worker.
func (s *raceState) release() {
	s.mu.Lock()
	s.enabled = true
	s.setPhase(PhaseReleased)
	s.enable.Broadcast()
	s.mu.Unlock()
}

func (s *raceState) worker(n int, wg *sync.WaitGroup) {
	defer wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.mu.Lock()
	s.running++
	s.ready.Signal()
	for !s.enabled {
		s.enable.Wait()
	}
	if p := s.Phase(); p != PhaseReleased {
		s.errs = append(s.errs, fmt.Errorf("worker %d: passed barrier in phase %s", n, p))
	}
	s.mu.Unlock()

	var err error
	var wrote int
	if n == s.kernel {
		// the kernel faults the page in while copying it to s.out
		wrote, err = s.out.WriteAt(s.page, 0)
	} else {
		sink.Add(uint64(s.page[0]) | uint64(s.page[len(s.page)-1]))
	}
	now := time.Now()

	s.mu.Lock()
	s.touchedAt[n] = now
	if n == s.kernel {
		s.wrote = wrote
	}
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("worker %d: kernel copy: %w", n, err))
	}
	s.mu.Unlock()
}

// RunRace maps the first page of src privately and lets workers fault it
// at the same moment: worker 0 through the kernel, by writing the page to
// out, the rest by reading it. It checks that nobody crashed, that the
// kernel copied the full page, and that the copy matches the mapping.
func RunRace(ctx context.Context, o *Oracle, src, out *os.File, workers int) (RaceReport, error) {
	if workers <= 0 {
		workers = DefaultRaceWorkers
	}
	page := o.PageSize()
	addr, err := o.Reserve(MapRequest{Length: page, Prot: ProtRead, Sharing: Private, File: src})
	if err != nil {
		return RaceReport{}, err
	}

	s := &raceState{
		page:      Bytes(addr, page),
		out:       out,
		touchedAt: make([]time.Time, workers),
	}
	s.ready = sync.NewCond(&s.mu)
	s.enable = sync.NewCond(&s.mu)
	s.setPhase(PhaseSpawning)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker(i, &wg)
	}

	s.await(workers)
	s.release()
	released := time.Now()

	wg.Wait()
	s.setPhase(PhaseJoined)

	rep := RaceReport{Workers: workers, KernelBytes: s.wrote, Elapsed: time.Since(released), Phase: s.Phase()}
	first, last := s.touchedAt[0], s.touchedAt[0]
	for _, t := range s.touchedAt[1:] {
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	rep.Spread = last.Sub(first)

	if err := errors.Join(s.errs...); err != nil {
		return rep, errors.Join(err, o.Release(addr, page))
	}
	if err := ctx.Err(); err != nil {
		return rep, errors.Join(err, o.Release(addr, page))
	}
	if s.wrote != page {
		return rep, violationf("write", fmt.Sprintf("%s from %#x", out.Name(), addr), fmt.Sprintf("%d bytes", page), "%d", s.wrote)
	}
	copied := make([]byte, page)
	if _, err := out.ReadAt(copied, 0); err != nil {
		return rep, fmt.Errorf("mmapcheck: race: read back %s: %w", out.Name(), err)
	}
	if !bytes.Equal(copied, s.page) {
		return rep, violationf("write", fmt.Sprintf("%s from %#x", out.Name(), addr), "copy equals mapped page", "sha256 %x vs %x", Digest(copied), Digest(s.page))
	}
	if err := VerifyContentEqual(src.Name(), s.page, src, 0); err != nil {
		return rep, err
	}
	return rep, o.Release(addr, page)
}
