//go:build linux

package mmapcheck

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// the syscalls are function vars so tests can inject failures
var mmapSyscall = func(addr, length, prot, flags, fd, offset uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, prot, flags, fd, offset)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

var munmapSyscall = func(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

var mremapSyscall = func(addr, oldLen, newLen, flags, target uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MREMAP, addr, oldLen, newLen, flags, target, 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

var mprotectSyscall = func(addr, length, prot uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, length, prot)
	if errno != 0 {
		return errno
	}
	return nil
}

var mincoreSyscall = func(addr, length uintptr, vec []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, addr, length, uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

var msyncSyscall = func(addr, length, flags uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MSYNC, addr, length, flags)
	if errno != 0 {
		return errno
	}
	return nil
}

var madviseSyscall = func(addr, length, advice uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, addr, length, advice)
	if errno != 0 {
		return errno
	}
	return nil
}

// kernelVM is the running Linux kernel, reached through raw syscalls.
// Raw syscalls rather than unix.Mmap because the harness needs to pass
// addresses, MAP_FIXED and MREMAP_FIXED straight through.
type kernelVM struct {
	pageSize int
}

// NewKernelVM returns the VM of the running kernel.
func NewKernelVM() (VM, error) {
	return &kernelVM{pageSize: unix.Getpagesize()}, nil
}

func (k *kernelVM) PageSize() int { return k.pageSize }

// sysProt <- converts our Prot set to the PROT_* bits mmap(2) expects
func (p Prot) sysProt() uintptr {
	var out int
	if p&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return uintptr(out)
}

// sysFlags builds the MAP_* word for req.
//
// SharingUnset sets neither MAP_PRIVATE nor MAP_SHARED, which the kernel
// must reject.
func (req MapRequest) sysFlags() uintptr {
	var flags int
	switch req.Sharing {
	case Private:
		flags |= unix.MAP_PRIVATE
	case Shared:
		flags |= unix.MAP_SHARED
	}
	if req.Anonymous() {
		flags |= unix.MAP_ANONYMOUS
	}
	switch req.Placement {
	case PlaceFixed:
		flags |= unix.MAP_FIXED
	case PlaceFixedNoReplace:
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	if req.Populate {
		flags |= unix.MAP_POPULATE
	}
	return uintptr(flags)
}

func (k *kernelVM) Map(req MapRequest) (uintptr, error) {
	fd := ^uintptr(0) // -1
	if req.File != nil {
		fd = req.File.Fd()
	}
	addr := req.Addr
	if req.Placement == PlaceAny {
		addr = 0
	}
	r, err := mmapSyscall(addr, uintptr(req.Length), req.Prot.sysProt(), req.sysFlags(), fd, uintptr(req.Offset))
	if err != nil {
		return 0, fmt.Errorf("mmap %s: %w", req, err)
	}
	return r, nil
}

func (k *kernelVM) Unmap(addr uintptr, length int) error {
	if err := munmapSyscall(addr, uintptr(length)); err != nil {
		return fmt.Errorf("munmap %#x+%d: %w", addr, length, err)
	}
	return nil
}

func (f RemapFlags) sysFlags() uintptr {
	var out int
	if f&RemapMayMove != 0 {
		out |= unix.MREMAP_MAYMOVE
	}
	if f&RemapFixed != 0 {
		out |= unix.MREMAP_FIXED
	}
	return uintptr(out)
}

func (k *kernelVM) Remap(addr uintptr, oldLen, newLen int, flags RemapFlags, target uintptr) (uintptr, error) {
	r, err := mremapSyscall(addr, uintptr(oldLen), uintptr(newLen), flags.sysFlags(), target)
	if err != nil {
		return 0, fmt.Errorf("mremap %#x %d->%d %s target=%#x: %w", addr, oldLen, newLen, flags, target, err)
	}
	return r, nil
}

func (k *kernelVM) Protect(addr uintptr, length int, prot Prot) error {
	if err := mprotectSyscall(addr, uintptr(length), prot.sysProt()); err != nil {
		return fmt.Errorf("mprotect %#x+%d %s: %w", addr, length, prot, err)
	}
	return nil
}

// Residency returns one byte per page; only bit 0 is defined by mincore(2).
func (k *kernelVM) Residency(addr uintptr, length int) ([]byte, error) {
	pages := (length + k.pageSize - 1) / k.pageSize
	vec := make([]byte, max(pages, 1))
	if err := mincoreSyscall(addr, uintptr(length), vec); err != nil {
		return nil, fmt.Errorf("mincore %#x+%d: %w", addr, length, err)
	}
	for i := range vec {
		vec[i] &= 1
	}
	return vec[:pages], nil
}

func (f SyncFlags) sysFlags() uintptr {
	var out int
	if f&SyncAsync != 0 {
		out |= unix.MS_ASYNC
	}
	if f&SyncInvalidate != 0 {
		out |= unix.MS_INVALIDATE
	}
	if f&SyncSync != 0 {
		out |= unix.MS_SYNC
	}
	return uintptr(out)
}

func (k *kernelVM) Sync(addr uintptr, length int, flags SyncFlags) error {
	if err := msyncSyscall(addr, uintptr(length), flags.sysFlags()); err != nil {
		return fmt.Errorf("msync %#x+%d %s: %w", addr, length, flags, err)
	}
	return nil
}

// Advise is only a hint; ENOSYS and EINVAL (THP compiled out) are swallowed
// instead of failing the caller.
func (k *kernelVM) Advise(addr uintptr, length int, advice Advice) error {
	var sys int
	switch advice {
	case AdviseNoHugePage:
		sys = unix.MADV_NOHUGEPAGE
	default:
		sys = unix.MADV_NORMAL
	}
	err := madviseSyscall(addr, uintptr(length), uintptr(sys))
	if err != nil && err != unix.ENOSYS && err != unix.EINVAL {
		return fmt.Errorf("madvise %#x+%d: %w", addr, length, err)
	}
	return nil
}
