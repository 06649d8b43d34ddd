package mmapcheck

import (
	"syscall"

	"github.com/CreditWorthy/mmapcheck/internal/interval"
)

const fakePage = 4096

type fakeSeg struct {
	prot   Prot
	shared bool
}

// fakeVM is an in-memory address space with Linux's error numbers. Its
// addresses are never dereferenced.
type fakeVM struct {
	next  uintptr
	live  *interval.Set[fakeSeg]
	calls []string
}

func newFakeVM() *fakeVM {
	return &fakeVM{next: 0x7f0000000000, live: interval.New[fakeSeg](nil)}
}

func (f *fakeVM) PageSize() int { return fakePage }

func roundUp(n int) uintptr {
	return uintptr((n + fakePage - 1) / fakePage * fakePage)
}

func (f *fakeVM) alloc(length int) uintptr {
	addr := f.next
	f.next += roundUp(length) + fakePage
	return addr
}

func (f *fakeVM) rng(addr uintptr, length int) interval.Range {
	return interval.Range{Start: addr, End: addr + roundUp(length)}
}

func (f *fakeVM) Map(req MapRequest) (uintptr, error) {
	f.calls = append(f.calls, "map")
	fixed := req.Placement == PlaceFixed || req.Placement == PlaceFixedNoReplace
	switch {
	case req.Length <= 0, req.Sharing == SharingUnset, req.Offset%fakePage != 0:
		return 0, syscall.EINVAL
	case fixed && req.Addr%fakePage != 0:
		return 0, syscall.EINVAL
	case fixed && req.Addr == 0:
		return 0, syscall.EPERM
	case req.Placement == PlaceFixedNoReplace && !f.live.IsFree(f.rng(req.Addr, req.Length)):
		return 0, syscall.EEXIST
	}
	addr := req.Addr
	switch req.Placement {
	case PlaceAny:
		addr = f.alloc(req.Length)
	case PlaceHint:
		if addr%fakePage != 0 || !f.live.IsFree(f.rng(addr, req.Length)) {
			addr = f.alloc(req.Length)
		}
	case PlaceFixed:
		f.live.Remove(f.rng(addr, req.Length))
	}
	_ = f.live.Insert(f.rng(addr, req.Length), fakeSeg{prot: req.Prot, shared: req.Sharing == Shared})
	return addr, nil
}

func (f *fakeVM) Unmap(addr uintptr, length int) error {
	f.calls = append(f.calls, "unmap")
	if addr%fakePage != 0 || length <= 0 {
		return syscall.EINVAL
	}
	f.live.Remove(f.rng(addr, length))
	return nil
}

func (f *fakeVM) Remap(addr uintptr, oldLen, newLen int, flags RemapFlags, target uintptr) (uintptr, error) {
	f.calls = append(f.calls, "remap")
	fixed := flags&RemapFixed != 0
	mayMove := flags&RemapMayMove != 0
	switch {
	case fixed && !mayMove, fixed && target == addr, addr%fakePage != 0, newLen <= 0:
		return 0, syscall.EINVAL
	}
	seg, ok := f.live.Find(addr)
	if !ok {
		return 0, syscall.EFAULT
	}
	if oldLen == 0 {
		if !seg.Value.shared {
			return 0, syscall.EINVAL
		}
		dst := f.alloc(newLen)
		_ = f.live.Insert(f.rng(dst, newLen), seg.Value)
		return dst, nil
	}
	switch {
	case fixed:
		f.live.Remove(f.rng(addr, oldLen))
		f.live.Remove(f.rng(target, newLen))
		_ = f.live.Insert(f.rng(target, newLen), seg.Value)
		return target, nil
	case newLen <= oldLen:
		f.live.Remove(f.rng(addr+uintptr(newLen), oldLen-newLen))
		return addr, nil
	case f.live.IsFree(f.rng(addr+roundUp(oldLen), newLen-oldLen)):
		f.live.Remove(f.rng(addr, oldLen))
		_ = f.live.Insert(f.rng(addr, newLen), seg.Value)
		return addr, nil
	case mayMove:
		f.live.Remove(f.rng(addr, oldLen))
		dst := f.alloc(newLen)
		_ = f.live.Insert(f.rng(dst, newLen), seg.Value)
		return dst, nil
	default:
		return 0, syscall.ENOMEM
	}
}

func (f *fakeVM) Protect(addr uintptr, length int, prot Prot) error {
	f.calls = append(f.calls, "protect")
	if addr%fakePage != 0 {
		return syscall.EINVAL
	}
	if !f.live.Covered(f.rng(addr, length)) {
		return syscall.ENOMEM
	}
	f.live.Update(f.rng(addr, length), func(s fakeSeg) fakeSeg {
		s.prot = prot
		return s
	})
	return nil
}

func (f *fakeVM) Residency(addr uintptr, length int) ([]byte, error) {
	f.calls = append(f.calls, "residency")
	if !f.live.Covered(f.rng(addr, length)) {
		return nil, syscall.ENOMEM
	}
	return make([]byte, roundUp(length)/fakePage), nil
}

func (f *fakeVM) Sync(addr uintptr, length int, flags SyncFlags) error {
	f.calls = append(f.calls, "sync")
	if flags&SyncAsync != 0 && flags&SyncSync != 0 || addr%fakePage != 0 {
		return syscall.EINVAL
	}
	if !f.live.Covered(f.rng(addr, length)) {
		return syscall.ENOMEM
	}
	return nil
}

func (f *fakeVM) Advise(uintptr, int, Advice) error { return nil }

// lyingVM returns results that contradict the contract.
type lyingVM struct {
	*fakeVM
	mapAt   uintptr
	remapAt uintptr
	mapOK   bool
}

func (l *lyingVM) Map(req MapRequest) (uintptr, error) {
	if l.mapOK {
		return l.mapAt, nil
	}
	addr, err := l.fakeVM.Map(req)
	if err == nil && l.mapAt != 0 {
		return l.mapAt, nil
	}
	return addr, err
}

func (l *lyingVM) Remap(addr uintptr, oldLen, newLen int, flags RemapFlags, target uintptr) (uintptr, error) {
	if _, err := l.fakeVM.Remap(addr, oldLen, newLen, flags, target); err != nil {
		return 0, err
	}
	return l.remapAt, nil
}
