package mmapcheck

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Fixtures are the input files the file-backed scenarios map. Their content
// is a deterministic function of the file name so runs are comparable.
type Fixtures struct {
	Dir      string
	pageSize int
}

// fixtureBytes returns n pseudo-random bytes derived from name.
func fixtureBytes(name string, n int) []byte {
	out := make([]byte, 0, n+sha256.Size)
	var ctr [8]byte
	for i := uint64(0); len(out) < n; i++ {
		binary.LittleEndian.PutUint64(ctr[:], i)
		h := sha256.New()
		h.Write([]byte(fixtureSeedTag))
		h.Write([]byte(name))
		h.Write(ctr[:])
		out = h.Sum(out)
	}
	return out[:n]
}

// CreateFixtures writes the input files into dir.
func CreateFixtures(dir string, pageSize int) (*Fixtures, error) {
	fx := &Fixtures{Dir: dir, pageSize: pageSize}
	files := []struct {
		name string
		data []byte
	}{
		// one and a half pages, so the first page reads in full
		{inFile, fixtureBytes(inFile, pageSize+pageSize/2)},
		{mapFile, fixtureBytes(mapFile, mapFilePages*pageSize)},
		{raceFile, fixtureBytes(raceFile, pageSize)},
		{unmapFile, fixtureBytes(unmapFile, unmapFilePages*pageSize)},
		{statFile, make([]byte, pageSize)},
		// NUL-terminated path the kernel reads out of a mapping
		{pathFile, append([]byte(fx.Path(inFile)), 0)},
	}
	for _, f := range files {
		if err := os.WriteFile(fx.Path(f.name), f.data, 0o600); err != nil {
			return nil, fmt.Errorf("mmapcheck: fixture %s: %w", f.name, err)
		}
	}
	return fx, nil
}

// Path returns the full path of a file in the fixture directory.
func (fx *Fixtures) Path(name string) string {
	return filepath.Join(fx.Dir, name)
}

// Open opens a fixture file.
func (fx *Fixtures) Open(name string, flag int) (*os.File, error) {
	f, err := os.OpenFile(fx.Path(name), flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapcheck: open %s: %w", name, err)
	}
	return f, nil
}

// Create creates (or truncates) a scratch file of size bytes.
func (fx *Fixtures) Create(name string, size int64) (*os.File, error) {
	f, err := os.OpenFile(fx.Path(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapcheck: create %s: %w", name, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmapcheck: truncate %s: %w", name, err)
	}
	return f, nil
}
