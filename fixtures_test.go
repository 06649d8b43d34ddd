package mmapcheck

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixtureBytes(t *testing.T) {
	a := fixtureBytes("mapfile", 100)
	assert.Len(t, a, 100)
	assert.Equal(t, a, fixtureBytes("mapfile", 100))
	assert.Equal(t, a[:40], fixtureBytes("mapfile", 40))
	assert.NotEqual(t, a, fixtureBytes("unmapme", 100))
}

func TestCreateFixtures(t *testing.T) {
	dir := t.TempDir()
	fx, err := CreateFixtures(dir, fakePage)
	require.NoError(t, err)

	sizes := map[string]int64{
		inFile:    fakePage + fakePage/2,
		mapFile:   mapFilePages * fakePage,
		raceFile:  fakePage,
		unmapFile: unmapFilePages * fakePage,
		statFile:  fakePage,
	}
	for name, want := range sizes {
		info, err := os.Stat(fx.Path(name))
		require.NoError(t, err, name)
		assert.Equal(t, want, info.Size(), name)
	}

	path, err := os.ReadFile(fx.Path(pathFile))
	require.NoError(t, err)
	assert.Equal(t, append([]byte(fx.Path(inFile)), 0), path)

	got, err := os.ReadFile(fx.Path(mapFile))
	require.NoError(t, err)
	assert.Equal(t, fixtureBytes(mapFile, len(got)), got)
}

func TestFixtures_CreateAndOpen(t *testing.T) {
	fx, err := CreateFixtures(t.TempDir(), fakePage)
	require.NoError(t, err)

	f, err := fx.Create(newFile, 3*fakePage)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(3*fakePage), info.Size())
	require.NoError(t, f.Close())

	_, err = fx.Open("missing", os.O_RDONLY)
	require.Error(t, err)
}

func TestCreateFixtures_MissingDir(t *testing.T) {
	_, err := CreateFixtures("/no/such/dir", fakePage)
	require.Error(t, err)
}
