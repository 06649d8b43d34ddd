//go:build !linux

package mmapcheck

import "os"

func statInto(string, uintptr) (int64, error) { return 0, ErrUnsupportedOS }

func accessAt(uintptr) error { return ErrUnsupportedOS }

func openTmpFile(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, "mmapcheck-*")
	if err != nil {
		return nil, err
	}
	return f, os.Remove(f.Name())
}
