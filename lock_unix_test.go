//go:build unix

package mmapcheck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockWorkDir(t *testing.T) {
	dir := t.TempDir()
	f, err := lockWorkDir(dir)
	require.NoError(t, err)
	require.NoError(t, unlockWorkDir(f))

	// free again after unlock
	f, err = lockWorkDir(dir)
	require.NoError(t, err)
	require.NoError(t, unlockWorkDir(f))
}

func TestLockWorkDir_AlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	f1, err := lockWorkDir(dir)
	require.NoError(t, err)
	defer func() { assert.NoError(t, unlockWorkDir(f1)) }()

	_, err = lockWorkDir(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked), "got %v", err)
}

func TestLockWorkDir_MissingDir(t *testing.T) {
	_, err := lockWorkDir("/no/such/dir")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLocked))
}
