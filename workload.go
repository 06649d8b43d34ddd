package mmapcheck

import (
	"fmt"
	"math/rand/v2"
)

// chunkedLimit is the largest region released page by page.
const chunkedLimit = 2 << 20

// Workload draws sizes and orderings from a seeded sequence, so a failing
// run can be replayed with the same seed.
type Workload struct {
	rng      *rand.Rand
	seed     uint64
	minShift int
	maxShift int
}

// NewWorkload returns a generator seeded with seed, drawing sizes between
// 1<<minShift and 1<<maxShift bytes.
func NewWorkload(seed uint64, minShift, maxShift int) *Workload {
	return &Workload{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		seed:     seed,
		minShift: minShift,
		maxShift: maxShift,
	}
}

// Seed returns the seed the generator started from.
func (w *Workload) Seed() uint64 { return w.seed }

// Size returns a random power of two in [1<<minShift, 1<<maxShift].
func (w *Workload) Size() int {
	return 1 << (w.minShift + w.rng.IntN(w.maxShift-w.minShift+1))
}

// Intn returns a uniform int in [0, n). n <= 0 yields 0.
func (w *Workload) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return w.rng.IntN(n)
}

// Byte returns a random byte.
func (w *Workload) Byte() byte { return byte(w.rng.Uint32()) }

// Permutation returns a uniformly random permutation of 0..n-1.
func (w *Workload) Permutation(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := w.rng.IntN(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}

// region is one pending anonymous mapping of the sparse test.
type region struct {
	addr uintptr
	size int
}

// ChunkedRelease releases a region. Regions up to 2 MiB are released one
// page at a time in random order, so the system has to handle holes
// opening anywhere in a mapping, not just at its ends.
func (w *Workload) ChunkedRelease(o *Oracle, addr uintptr, size int) error {
	page := o.PageSize()
	if size > chunkedLimit {
		return o.Release(addr, size)
	}
	pages := (size + page - 1) / page
	for _, i := range w.Permutation(pages) {
		at := addr + uintptr(i*page)
		if err := o.Release(at, page); err != nil {
			return fmt.Errorf("release page %d of %#x+%d: %w", i, addr, size, err)
		}
	}
	return nil
}

// SparseAnon allocates count random-size anonymous mappings in bursts of
// burst. After each burst a random number of the oldest outstanding
// mappings is released, keeping the live set fragmented. Everything left
// is released at the end.
func (w *Workload) SparseAnon(o *Oracle, count, burst int) error {
	regions := make([]region, 0, count)
	freed := 0
	for b := 0; b < count/burst; b++ {
		for j := 0; j < burst; j++ {
			size := w.Size()
			addr, err := o.Reserve(MapRequest{Length: size, Prot: ProtRW, Sharing: Private})
			if err != nil {
				return fmt.Errorf("map %d bytes: %w", size, err)
			}
			regions = append(regions, region{addr: addr, size: size})
		}

		toFree := w.Intn(len(regions) - freed)
		for j := 0; j < toFree; j++ {
			r := regions[freed+j]
			if err := w.ChunkedRelease(o, r.addr, r.size); err != nil {
				return err
			}
		}
		freed += toFree
	}
	for ; freed < len(regions); freed++ {
		r := regions[freed]
		if err := w.ChunkedRelease(o, r.addr, r.size); err != nil {
			return err
		}
	}
	return nil
}
