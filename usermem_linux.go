//go:build linux

package mmapcheck

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// statInto has the kernel write the stat of path into the memory at addr
// and returns the size it wrote. The kernel reports EFAULT instead of
// faulting when addr is not writable.
func statInto(path string, addr uintptr) (int64, error) {
	st := (*unix.Stat_t)(unsafe.Pointer(addr))
	if err := unix.Stat(path, st); err != nil {
		return 0, fmt.Errorf("stat %s into %#x: %w", path, addr, err)
	}
	return st.Size, nil
}

// accessAt has the kernel read a NUL-terminated path out of the memory at
// addr and check that it exists.
func accessAt(addr uintptr) error {
	dirfd := unix.AT_FDCWD
	_, _, errno := unix.Syscall6(unix.SYS_FACCESSAT, uintptr(dirfd), addr, unix.F_OK, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("faccessat path at %#x: %w", addr, errno)
	}
	return nil
}

// openTmpFile returns an unnamed read-write file in dir. Filesystems
// without O_TMPFILE get a named file that is unlinked right away.
func openTmpFile(dir string) (*os.File, error) {
	f, err := os.OpenFile(dir, os.O_RDWR|unix.O_TMPFILE, 0o600)
	if err == nil {
		return f, nil
	}
	f, err = os.CreateTemp(dir, "mmapcheck-*")
	if err != nil {
		return nil, fmt.Errorf("mmapcheck: temp file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmapcheck: unlink temp file: %w", err)
	}
	return f, nil
}
