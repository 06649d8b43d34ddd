package mmapcheck

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// Digest fingerprints page contents for equality checks.
func Digest(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

// VerifyZeroFill checks that b, fresh anonymous memory, reads as zero.
func VerifyZeroFill(what string, b []byte) error {
	for i, c := range b {
		if c != 0 {
			return violationf("read", what, "zero-filled memory", "byte %#x at offset %d", c, i)
		}
	}
	return nil
}

// VerifyContentEqual checks that mapped equals the bytes at off in r read
// through ordinary I/O.
func VerifyContentEqual(what string, mapped []byte, r io.ReaderAt, off int64) error {
	want := make([]byte, len(mapped))
	n, err := r.ReadAt(want, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("mmapcheck: read %s at %d: %w", what, off, err)
	}
	// bytes past EOF read as zero through a mapping
	clear(want[n:])
	if !bytes.Equal(mapped, want) {
		return violationf("read", what, fmt.Sprintf("file content sha256 %x", Digest(want)), "sha256 %x", Digest(mapped))
	}
	return nil
}

// ResidencyModel is the test's own account of which pages of one mapping
// were touched.
type ResidencyModel struct {
	touched []bool
}

// NewResidencyModel starts with all pages untouched.
func NewResidencyModel(pages int) *ResidencyModel {
	return &ResidencyModel{touched: make([]bool, pages)}
}

// Touch records an access to page i.
func (m *ResidencyModel) Touch(i int) { m.touched[i] = true }

// Expected returns the residency vector the model predicts.
func (m *ResidencyModel) Expected() []byte {
	out := make([]byte, len(m.touched))
	for i, t := range m.touched {
		if t {
			out[i] = 1
		}
	}
	return out
}

// VerifyResidency queries [addr, addr+length) and compares the vector with
// want entry by entry.
func VerifyResidency(o *Oracle, addr uintptr, length int, want []byte) error {
	got, err := o.Residency(addr, length)
	if err != nil {
		return err
	}
	args := fmt.Sprintf("%#x, %d", addr, length)
	for i := range want {
		if got[i] != want[i] {
			return violationf("mincore", args, fmt.Sprintf("entry %d = %d", i, want[i]), "%d (vector %s)", got[i], formatVec(got))
		}
	}
	return nil
}

func formatVec(v []byte) string {
	const limit = 64
	var b bytes.Buffer
	for i, c := range v {
		if i == limit {
			fmt.Fprintf(&b, "...(%d more)", len(v)-limit)
			break
		}
		b.WriteByte('0' + c)
	}
	return b.String()
}

// VerifyCOW maps the first length bytes of f privately twice. The two must
// start identical, diverge after a write through one, and a fresh mapping
// of the unmodified side must still show the file's content.
func VerifyCOW(o *Oracle, f *os.File, length int) error {
	req := MapRequest{Length: length, Prot: ProtRW, Sharing: Private, File: f}
	p1, err := o.Reserve(req)
	if err != nil {
		return err
	}
	p2, err := o.Reserve(req)
	if err != nil {
		return err
	}
	b1, b2 := Bytes(p1, length), Bytes(p2, length)
	if !bytes.Equal(b1, b2) {
		return violationf("read", "two private maps of "+f.Name(), "identical content", "differing content")
	}
	orig := bytes.Clone(b1)

	b2[0]++
	if bytes.Equal(b1, b2) {
		return violationf("write", "private map of "+f.Name(), "write invisible to sibling private map", "sibling changed")
	}

	if err := o.Release(p1, length); err != nil {
		return err
	}
	p1, err = o.Reserve(req)
	if err != nil {
		return err
	}
	b1 = Bytes(p1, length)
	if bytes.Equal(b1, b2) {
		return violationf("read", "re-mapped private map of "+f.Name(), "original content", "modified content of sibling")
	}
	if !bytes.Equal(b1, orig) {
		return violationf("read", "re-mapped private map of "+f.Name(), "original content", "different content")
	}
	if err := VerifyContentEqual(f.Name(), b1, f, 0); err != nil {
		return err
	}
	return releaseAll(o, []uintptr{p1, p2}, length)
}

// VerifySharedVisibility maps the first length bytes of f shared twice and
// checks that a pattern written through one is visible through the other
// without a sync call. It returns the address of the first mapping, which
// stays mapped, and releases the second.
func VerifySharedVisibility(o *Oracle, f *os.File, length int) (uintptr, error) {
	req := MapRequest{Length: length, Prot: ProtRW, Sharing: Shared, File: f}
	p1, err := o.Reserve(req)
	if err != nil {
		return 0, err
	}
	p2, err := o.Reserve(req)
	if err != nil {
		return 0, err
	}
	b1, b2 := Bytes(p1, length), Bytes(p2, length)
	for i := range b1 {
		b1[i] = byte(i % 256)
	}
	if !bytes.Equal(b1, b2) {
		return 0, violationf("read", "second shared map of "+f.Name(), "primary's writes visible", "sha256 %x vs %x", Digest(b2), Digest(b1))
	}
	return p1, o.Release(p2, length)
}

// syncCase is one sync flag combination and whether it must be accepted.
type syncCase struct {
	flags SyncFlags
	valid bool
}

var syncCases = []syncCase{
	{SyncAsync, true},
	{SyncSync, true},
	{SyncInvalidate, true},
	{SyncAsync | SyncInvalidate, true},
	{SyncSync | SyncInvalidate, true},
	{SyncAsync | SyncSync, false},
	{SyncAsync | SyncSync | SyncInvalidate, false},
}

// VerifySyncFlags checks that sync accepts exactly the recognized flag
// combinations on a tracked range.
func VerifySyncFlags(o *Oracle, addr uintptr, length int) error {
	for _, c := range syncCases {
		err := o.Sync(addr, length, c.flags)
		if c.valid {
			if err != nil {
				return err
			}
			continue
		}
		if err := ExpectKind("msync", fmt.Sprintf("%#x, %d, %s", addr, length, c.flags), KindInvalidArgument, err); err != nil {
			return err
		}
	}
	return nil
}

func releaseAll(o *Oracle, addrs []uintptr, length int) error {
	for _, a := range addrs {
		if err := o.Release(a, length); err != nil {
			return err
		}
	}
	return nil
}
