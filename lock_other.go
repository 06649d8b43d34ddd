//go:build !unix

package mmapcheck

import "os"

// Without flock the work directory is not locked.
func lockWorkDir(string) (*os.File, error) { return nil, nil }

func unlockWorkDir(*os.File) error { return nil }
