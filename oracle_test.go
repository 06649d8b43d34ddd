package mmapcheck

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOracle(t *testing.T) (*Oracle, *fakeVM) {
	t.Helper()
	vm := newFakeVM()
	return NewOracle(vm, nil, false), vm
}

func anonReq(pages int) MapRequest {
	return MapRequest{Length: pages * fakePage, Prot: ProtRW, Sharing: Private}
}

func requireViolation(t *testing.T, err error) *Violation {
	t.Helper()
	var v *Violation
	require.True(t, errors.As(err, &v), "want *Violation, got %v", err)
	return v
}

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "backing"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOracle_ReserveAndRelease(t *testing.T) {
	o, _ := newTestOracle(t)
	addr, err := o.Reserve(anonReq(2))
	require.NoError(t, err)

	m, ok := o.Lookup(addr + fakePage)
	require.True(t, ok)
	assert.Equal(t, addr, m.Base)
	assert.Equal(t, 2*fakePage, m.Length)
	assert.Equal(t, ProtRW, m.Prot)
	assert.True(t, o.Tracked(addr, 2*fakePage))

	require.NoError(t, o.Release(addr, 2*fakePage))
	assert.Empty(t, o.Mappings())
	assert.True(t, o.Free(addr, 2*fakePage))
}

func TestOracle_PredictedMapFailures(t *testing.T) {
	tests := []struct {
		name string
		req  MapRequest
		kind Kind
	}{
		{"zero length", MapRequest{Prot: ProtRW, Sharing: Private}, KindInvalidArgument},
		{"no sharing", MapRequest{Length: fakePage, Prot: ProtRW}, KindInvalidArgument},
		{"unaligned fixed", MapRequest{Addr: 0x1001, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed}, KindInvalidArgument},
		{"zero page", MapRequest{Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed}, KindPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOracle(t)
			_, err := o.Reserve(tt.req)
			require.Error(t, err)
			assert.False(t, isViolation(err), "got violation %v", err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Empty(t, o.Mappings())
		})
	}
}

func TestOracle_UnexpectedSuccessIsViolationAndAdopted(t *testing.T) {
	vm := &lyingVM{fakeVM: newFakeVM(), mapAt: 0x40000000, mapOK: true}
	o := NewOracle(vm, nil, false)
	req := MapRequest{Length: fakePage, Prot: ProtRW}

	_, err := o.Reserve(req)
	v := requireViolation(t, err)
	assert.Equal(t, "map", v.Op)
	assert.Equal(t, "success", v.Got)
	// adopted so Close still unmaps it
	assert.True(t, o.Tracked(0x40000000, fakePage))
}

func TestOracle_FixedForeignMemory(t *testing.T) {
	o, vm := newTestOracle(t)
	_, err := o.Reserve(MapRequest{Addr: 0x10000000, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed})
	require.ErrorIs(t, err, ErrNotOwned)
	assert.Empty(t, vm.calls, "request must not reach the VM")
}

func TestOracle_FixedSupersedes(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(3))
	require.NoError(t, err)

	mid := base + fakePage
	got, err := o.Reserve(MapRequest{Addr: mid, Length: fakePage, Prot: ProtRead, Sharing: Shared, Placement: PlaceFixed})
	require.NoError(t, err)
	assert.Equal(t, mid, got)

	ms := o.Mappings()
	require.Len(t, ms, 3)
	assert.Equal(t, ProtRW, ms[0].Prot)
	assert.Equal(t, ProtRead, ms[1].Prot)
	assert.Equal(t, Shared, ms[1].Sharing)
	assert.Equal(t, ProtRW, ms[2].Prot)
}

func TestOracle_FixedIntoVacated(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	require.NoError(t, o.Release(base, fakePage))

	got, err := o.Reserve(MapRequest{Addr: base, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed})
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestOracle_FixedNoReplaceOccupied(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	_, err = o.Reserve(MapRequest{Addr: base, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixedNoReplace})
	require.Error(t, err)
	assert.False(t, isViolation(err))
}

func TestOracle_FixedWrongAddress(t *testing.T) {
	fake := newFakeVM()
	vm := &lyingVM{fakeVM: fake}
	o := NewOracle(vm, nil, false)
	base, err := o.Reserve(anonReq(2))
	require.NoError(t, err)

	vm.mapAt = base + 64*fakePage
	_, err = o.Reserve(MapRequest{Addr: base, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed})
	v := requireViolation(t, err)
	assert.Contains(t, v.Want, "exactly")
}

func TestOracle_FixedNoReplaceRelocated(t *testing.T) {
	fake := newFakeVM()
	vm := &lyingVM{fakeVM: fake}
	o := NewOracle(vm, nil, false)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	require.NoError(t, o.Release(base, fakePage))

	vm.mapAt = base + 64*fakePage
	got, err := o.Reserve(MapRequest{Addr: base, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceFixedNoReplace})
	v := requireViolation(t, err)
	assert.Contains(t, v.Want, "exactly")
	assert.Equal(t, base+64*fakePage, got)
}

func TestOracle_OverlapIsViolation(t *testing.T) {
	vm := &lyingVM{fakeVM: newFakeVM()}
	o := NewOracle(vm, nil, false)
	base, err := o.Reserve(anonReq(2))
	require.NoError(t, err)

	vm.mapAt = base + fakePage
	_, err = o.Reserve(anonReq(1))
	v := requireViolation(t, err)
	assert.Equal(t, "non-overlapping range", v.Want)
}

func TestOracle_HintOverLiveMapping(t *testing.T) {
	vm := &lyingVM{fakeVM: newFakeVM()}
	o := NewOracle(vm, nil, false)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)

	// honest system: relocated
	got, err := o.Reserve(MapRequest{Addr: base, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceHint})
	require.NoError(t, err)
	assert.NotEqual(t, base, got)

	// lying system: honored the hint over a live mapping
	vm.mapAt = base
	_, err = o.Reserve(MapRequest{Addr: base, Length: fakePage, Prot: ProtRW, Sharing: Private, Placement: PlaceHint})
	requireViolation(t, err)
}

func TestOracle_ReleaseSplitsFileOffsets(t *testing.T) {
	o, _ := newTestOracle(t)
	f := tempFile(t, 4*fakePage)
	base, err := o.Reserve(MapRequest{Length: 4 * fakePage, Prot: ProtRead, Sharing: Private, File: f})
	require.NoError(t, err)

	require.NoError(t, o.Release(base+fakePage, fakePage))
	ms := o.Mappings()
	require.Len(t, ms, 2)
	assert.Equal(t, int64(0), ms[0].Offset)
	assert.Equal(t, fakePage, ms[0].Length)
	assert.Equal(t, base+2*fakePage, ms[1].Base)
	assert.Equal(t, int64(2*fakePage), ms[1].Offset)
	assert.Same(t, f, ms[1].File)
}

func TestOracle_ReleaseErrors(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)

	err = o.Release(base+1, fakePage)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	err = o.Release(base, 0)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	err = o.Release(base+8*fakePage, fakePage)
	assert.ErrorIs(t, err, ErrNotMapped)
	assert.True(t, o.Tracked(base, fakePage))
}

func TestOracle_RelocatePredictions(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(2))
	require.NoError(t, err)
	length := 2 * fakePage

	tests := []struct {
		name   string
		oldLen int
		newLen int
		flags  RemapFlags
		target uintptr
		kind   Kind
	}{
		{"fixed without may-move", length, length, RemapFixed, base + 0x100000, KindInvalidArgument},
		{"fixed onto itself", length, length, RemapMayMove | RemapFixed, base, KindInvalidArgument},
		{"zero new length", length, 0, RemapMayMove, 0, KindInvalidArgument},
		{"zero old length private", 0, length, RemapMayMove, 0, KindInvalidArgument},
		{"grow sub-range in place", fakePage, length, 0, 0, KindOutOfMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Relocate(base, tt.oldLen, tt.newLen, tt.flags, tt.target)
			require.Error(t, err)
			assert.False(t, isViolation(err), "got violation %v", err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.True(t, o.Tracked(base, length))
		})
	}
}

func TestOracle_RelocateMoves(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	blocker, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	require.Equal(t, base+2*fakePage, blocker)

	got, err := o.Relocate(base, fakePage, 4*fakePage, RemapMayMove, 0)
	require.NoError(t, err)
	assert.NotEqual(t, base, got)
	assert.True(t, o.Free(base, fakePage))
	assert.True(t, o.Tracked(got, 4*fakePage))

	// back into the vacated page with a fixed move
	back, err := o.Relocate(got, 4*fakePage, fakePage, RemapMayMove|RemapFixed, base)
	require.NoError(t, err)
	assert.Equal(t, base, back)
	assert.True(t, o.Free(got, 4*fakePage))
}

func TestOracle_RelocateFileSubrange(t *testing.T) {
	o, _ := newTestOracle(t)
	f := tempFile(t, 4*fakePage)
	base, err := o.Reserve(MapRequest{Length: 4 * fakePage, Prot: ProtRead, Sharing: Private, File: f})
	require.NoError(t, err)

	// page 3 is still mapped, so growing page 2 has to move it
	got, err := o.Relocate(base+2*fakePage, fakePage, 2*fakePage, RemapMayMove, 0)
	require.NoError(t, err)
	require.NotEqual(t, base+2*fakePage, got)

	m, ok := o.Lookup(got)
	require.True(t, ok)
	assert.Equal(t, int64(2*fakePage), m.Offset)
	assert.Equal(t, 2*fakePage, m.Length)
	assert.True(t, o.Free(base+2*fakePage, fakePage))

	m, ok = o.Lookup(base + 3*fakePage)
	require.True(t, ok)
	assert.Equal(t, int64(3*fakePage), m.Offset)
}

func TestOracle_RelocateFixedForeign(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	_, err = o.Relocate(base, fakePage, fakePage, RemapMayMove|RemapFixed, 0x10000000)
	require.ErrorIs(t, err, ErrNotOwned)
}

func TestOracle_RelocateViolations(t *testing.T) {
	vm := &lyingVM{fakeVM: newFakeVM()}
	o := NewOracle(vm, nil, false)
	base, err := o.Reserve(anonReq(4))
	require.NoError(t, err)

	vm.remapAt = base + 0x100000
	_, err = o.Relocate(base, 4*fakePage, 2*fakePage, 0, 0)
	v := requireViolation(t, err)
	assert.Contains(t, v.Want, "in place")
}

func TestOracle_SharedDuplicate(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(MapRequest{Length: 2 * fakePage, Prot: ProtRW, Sharing: Shared})
	require.NoError(t, err)
	dup, err := o.Relocate(base, 0, 2*fakePage, RemapMayMove, 0)
	require.NoError(t, err)
	assert.NotEqual(t, base, dup)
	assert.True(t, o.Tracked(base, 2*fakePage))
	assert.True(t, o.Tracked(dup, 2*fakePage))
}

func TestOracle_Reprotect(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(3))
	require.NoError(t, err)
	require.NoError(t, o.Reprotect(base+fakePage, fakePage, ProtNone))

	ms := o.Mappings()
	require.Len(t, ms, 3)
	assert.Equal(t, ProtNone, ms[1].Prot)

	err = o.Reprotect(base+16*fakePage, fakePage, ProtRead)
	require.Error(t, err)
	assert.False(t, isViolation(err))
	assert.Equal(t, KindOutOfMemory, KindOf(err))
}

func TestOracle_Residency(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(3))
	require.NoError(t, err)
	vec, err := o.Residency(base, 3*fakePage)
	require.NoError(t, err)
	assert.Len(t, vec, 3)

	require.NoError(t, o.Release(base, 3*fakePage))
	_, err = o.Residency(base, fakePage)
	require.Error(t, err)
	assert.False(t, isViolation(err))
}

func TestOracle_Sync(t *testing.T) {
	o, _ := newTestOracle(t)
	base, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	require.NoError(t, VerifySyncFlags(o, base, fakePage))
	err = o.Sync(base, fakePage, SyncAsync|SyncSync)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestOracle_Classify(t *testing.T) {
	o, _ := newTestOracle(t)
	f := tempFile(t, fakePage)
	ro, err := o.Reserve(MapRequest{Length: fakePage, Prot: ProtRead, Sharing: Private})
	require.NoError(t, err)
	fm, err := o.Reserve(MapRequest{Length: 2 * fakePage, Prot: ProtRead, Sharing: Shared, File: f})
	require.NoError(t, err)

	assert.Equal(t, CauseUnmapped, o.Classify(0x1000, ProtRead))
	assert.Equal(t, CauseProtection, o.Classify(ro+8, ProtWrite))
	assert.Equal(t, CauseUnknown, o.Classify(ro+8, ProtRead))
	assert.Equal(t, CauseUnknown, o.Classify(fm+8, ProtRead))
	assert.Equal(t, CauseTruncated, o.Classify(fm+fakePage+8, ProtRead))
}

func TestOracle_Close(t *testing.T) {
	o, vm := newTestOracle(t)
	_, err := o.Reserve(anonReq(1))
	require.NoError(t, err)
	_, err = o.Reserve(anonReq(2))
	require.NoError(t, err)

	require.NoError(t, o.Close())
	assert.Equal(t, 0, vm.live.Len())
	assert.Empty(t, o.Mappings())

	_, err = o.Reserve(anonReq(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, o.Release(0x1000, fakePage), ErrClosed)
	require.NoError(t, o.Close())
}
