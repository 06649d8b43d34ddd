//go:build unix

package mmapcheck

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockWorkDir takes a non-blocking exclusive flock on a sidecar lock file
// in dir. Returns ErrLocked if another run holds it.
func lockWorkDir(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapcheck: open lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("mmapcheck: %s: %w", dir, ErrLocked)
		}
		return nil, fmt.Errorf("mmapcheck: flock exclusive: %w", err)
	}
	return f, nil
}

// unlockWorkDir releases the flock and closes the lock file.
func unlockWorkDir(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("mmapcheck: funlock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("mmapcheck: close lock: %w", closeErr)
	}
	return nil
}
