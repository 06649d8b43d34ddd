package mmapcheck

import "fmt"

// Profile fixes the problem sizes of a run. It is chosen once and never
// changes afterwards.
type Profile struct {
	Name string

	// sparse anonymous mapping test
	MmapCount  int
	AllocBurst int

	// mremap growth test
	RemapInitSize   int
	RemapEndSize    int
	RemapMoveInc    int
	RemapIncrements int
	RemapFragments  int

	// random sizes are 1<<MinShift .. 1<<MaxShift bytes
	MinShift int
	MaxShift int

	LargeMapSize     int
	SharedStressSize int
}

var (
	Basic = Profile{
		Name:             "basic",
		MmapCount:        300,
		AllocBurst:       15,
		RemapInitSize:    1 << 12,
		RemapEndSize:     1 << 25,
		RemapMoveInc:     1 << 20,
		RemapIncrements:  1 << 5,
		RemapFragments:   1 << 9,
		MinShift:         1,
		MaxShift:         31,
		LargeMapSize:     4 << 30,
		SharedStressSize: 10 << 20,
	}

	Intensive = Profile{
		Name:             "intensive",
		MmapCount:        3000,
		AllocBurst:       150,
		RemapInitSize:    1 << 12,
		RemapEndSize:     1 << 31,
		RemapMoveInc:     1 << 21,
		RemapIncrements:  1 << 10,
		RemapFragments:   1 << 9,
		MinShift:         1,
		MaxShift:         31,
		LargeMapSize:     4 << 30,
		SharedStressSize: 10 << 20,
	}

	// Tiny keeps every scenario small enough for unit tests.
	Tiny = Profile{
		Name:             "tiny",
		MmapCount:        40,
		AllocBurst:       8,
		RemapInitSize:    1 << 12,
		RemapEndSize:     1 << 22,
		RemapMoveInc:     1 << 16,
		RemapIncrements:  8,
		RemapFragments:   16,
		MinShift:         1,
		MaxShift:         22,
		LargeMapSize:     64 << 20,
		SharedStressSize: 1 << 20,
	}
)

// ProfileByName returns the named built-in profile.
func ProfileByName(name string) (Profile, error) {
	for _, p := range []Profile{Basic, Intensive, Tiny} {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("mmapcheck: unknown profile %q", name)
}

func (p Profile) validate(pageSize int) error {
	switch {
	case p.AllocBurst <= 0 || p.MmapCount < p.AllocBurst:
		return fmt.Errorf("mmapcheck: profile %s: burst %d must be in (0, %d]", p.Name, p.AllocBurst, p.MmapCount)
	case p.MinShift < 0 || p.MaxShift < p.MinShift || p.MaxShift > 40:
		return fmt.Errorf("mmapcheck: profile %s: bad shift range [%d, %d]", p.Name, p.MinShift, p.MaxShift)
	case p.RemapInitSize < pageSize || p.RemapInitSize%pageSize != 0:
		return fmt.Errorf("mmapcheck: profile %s: remap init size %d not a page multiple", p.Name, p.RemapInitSize)
	case p.RemapMoveInc%pageSize != 0 || p.RemapMoveInc <= 0:
		return fmt.Errorf("mmapcheck: profile %s: remap increment %d not a page multiple", p.Name, p.RemapMoveInc)
	case p.SharedStressSize < pageSize:
		return fmt.Errorf("mmapcheck: profile %s: stress size %d below one page", p.Name, p.SharedStressSize)
	}
	return nil
}
