package mmapcheck

import (
	"context"
	"fmt"
	"os"
)

var fileSteps = []step{
	{"second-page-digest", (*Harness).fileSecondPage},
	{"kernel-copy", (*Harness).fileKernelCopy},
	{"shared-visibility", (*Harness).fileSharedVisibility},
	{"cow", (*Harness).fileCOW},
	{"shared-stress", (*Harness).fileSharedStress},
	{"partial-unmap", (*Harness).filePartialUnmap},
	{"readonly-fd", (*Harness).fileReadOnlyFD},
	{"closed-fd", (*Harness).fileClosedFD},
}

// fileSecondPage faults in the second page of a file that ends halfway
// through it. The page must hold the file's tail followed by zeros.
func (h *Harness) fileSecondPage(context.Context) error {
	f, err := h.fx.Open(inFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	addr, err := h.oracle.Reserve(MapRequest{Length: 2 * h.page, Prot: ProtRead, Sharing: Private, File: f})
	if err != nil {
		return err
	}
	if err := VerifyContentEqual(f.Name()+" page 1", Bytes(addr+uintptr(h.page), h.page), f, int64(h.page)); err != nil {
		return err
	}
	return h.oracle.Release(addr, 2*h.page)
}

// fileKernelCopy has the kernel fault in a mapped page while writing it to
// another file.
func (h *Harness) fileKernelCopy(context.Context) error {
	f, err := h.fx.Open(inFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	out, err := openTmpFile(h.fx.Dir)
	if err != nil {
		return err
	}
	defer out.Close()

	addr, err := h.oracle.Reserve(MapRequest{Length: h.page, Prot: ProtRead, Sharing: Private, File: f})
	if err != nil {
		return err
	}
	n, err := out.WriteAt(Bytes(addr, h.page), 0)
	if err != nil {
		return fmt.Errorf("mmapcheck: write from mapping: %w", err)
	}
	if n != h.page {
		return violationf("write", fmt.Sprintf("%s from %#x", out.Name(), addr), fmt.Sprintf("%d bytes", h.page), "%d", n)
	}
	if err := VerifyContentEqual(out.Name(), Bytes(addr, h.page), out, 0); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}

func (h *Harness) fileSharedVisibility(context.Context) error {
	length := mapFilePages * h.page
	f, err := h.fx.Create(sharedFile, int64(length))
	if err != nil {
		return err
	}
	defer f.Close()

	addr, err := VerifySharedVisibility(h.oracle, f, length)
	if err != nil {
		return err
	}
	if err := VerifySyncFlags(h.oracle, addr, length); err != nil {
		return err
	}
	if err := h.oracle.Sync(addr, length, SyncSync); err != nil {
		return err
	}
	if err := VerifyContentEqual(f.Name(), Bytes(addr, length), f, 0); err != nil {
		return err
	}
	return h.oracle.Release(addr, length)
}

func (h *Harness) fileCOW(context.Context) error {
	f, err := h.fx.Open(mapFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	return VerifyCOW(h.oracle, f, mapFilePages*h.page)
}

// fileSharedStress fills a large shared file mapping with random bytes,
// syncs it and compares it with the file read through ordinary I/O.
func (h *Harness) fileSharedStress(context.Context) error {
	length := (h.cfg.profile.SharedStressSize + h.page - 1) / h.page * h.page
	f, err := h.fx.Create(stressFile, int64(length))
	if err != nil {
		return err
	}
	defer f.Close()
	addr, err := h.oracle.Reserve(MapRequest{Length: length, Prot: ProtRW, Sharing: Shared, File: f})
	if err != nil {
		return err
	}
	b := Bytes(addr, length)
	w := NewWorkload(h.seed, 0, 0)
	for i := range b {
		b[i] = w.Byte()
	}
	if err := h.oracle.Sync(addr, length, SyncSync); err != nil {
		return err
	}
	if err := VerifyContentEqual(f.Name(), b, f, 0); err != nil {
		return err
	}
	return h.oracle.Release(addr, length)
}

// filePartialUnmap cuts the tail, the head and the middle out of a
// five-page file mapping. Page 0 is faulted in before it is cut. After
// each cut every surviving piece must still show the file content at its
// own offset.
func (h *Harness) filePartialUnmap(context.Context) error {
	f, err := h.fx.Open(unmapFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	base, err := h.oracle.Reserve(MapRequest{Length: unmapFilePages * h.page, Prot: ProtRead, Sharing: Private, File: f})
	if err != nil {
		return err
	}
	for _, cut := range []int{4, 0, 2} {
		at := h.pageAt(base, cut)
		if cut == 0 {
			if err := h.faults.Complete("read", ProtRead, func() { loadByte(at) }); err != nil {
				return err
			}
		}
		if err := h.oracle.Release(at, h.page); err != nil {
			return err
		}
		if err := h.verifyFilePieces(f); err != nil {
			return fmt.Errorf("after unmapping page %d: %w", cut, err)
		}
	}
	// pages 1 and 3 are isolated now
	for _, i := range []int{1, 3} {
		m, ok := h.oracle.Lookup(h.pageAt(base, i))
		if !ok || m.Length != h.page {
			return fmt.Errorf("mmapcheck: page %d not isolated: %+v", i, m)
		}
		if err := h.oracle.Release(m.Base, m.Length); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) verifyFilePieces(f *os.File) error {
	for _, m := range h.oracle.Mappings() {
		if m.File != f {
			continue
		}
		what := fmt.Sprintf("%s at offset %d", f.Name(), m.Offset)
		if err := VerifyContentEqual(what, m.Bytes(), f, m.Offset); err != nil {
			return err
		}
	}
	return nil
}

// fileReadOnlyFD maps a read-only descriptor for writing. Shared must be
// refused, private must be granted.
func (h *Harness) fileReadOnlyFD(context.Context) error {
	f, err := h.fx.Open(mapFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()

	req := MapRequest{Length: h.page, Prot: ProtRW, Sharing: Shared, File: f}
	_, err = h.oracle.Reserve(req)
	if err := ExpectKind("mmap", req.String(), KindPermissionDenied, err); err != nil {
		return err
	}

	req.Sharing = Private
	addr, err := h.oracle.Reserve(req)
	if err != nil {
		return err
	}
	if err := h.faults.Complete("write", ProtWrite, func() { storeByte(addr, 1) }); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}

// fileClosedFD writes to a private mapping of an unlinked file after the
// descriptor is closed, so the first fault on the page finds no open file.
func (h *Harness) fileClosedFD(context.Context) error {
	f, err := openTmpFile(h.fx.Dir)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(h.page)); err != nil {
		f.Close()
		return fmt.Errorf("mmapcheck: truncate %s: %w", f.Name(), err)
	}
	name := f.Name()
	addr, err := h.oracle.Reserve(MapRequest{Length: h.page, Prot: ProtRW, Sharing: Private, File: f})
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("mmapcheck: close %s: %w", name, closeErr)
	}
	if err := h.faults.Complete("write", ProtWrite, func() { storeByte(addr, 0x7e) }); err != nil {
		return err
	}
	b := Bytes(addr, h.page)
	if b[0] != 0x7e {
		return violationf("read", fmt.Sprintf("%#x after closing %s", addr, name), "0x7e", "%#02x", b[0])
	}
	if err := VerifyZeroFill(fmt.Sprintf("rest of %#x after closing %s", addr, name), b[1:]); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}
