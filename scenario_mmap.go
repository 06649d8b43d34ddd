package mmapcheck

import (
	"context"
	"fmt"
	"os"
)

var mmapSteps = []step{
	{"illegal-flags", (*Harness).mmapIllegalFlags},
	{"new-file", (*Harness).mmapNewFile},
	{"exec-perm", (*Harness).mmapExecPerm},
	{"zero-page", (*Harness).mmapZeroPage},
	{"hole-punch", (*Harness).mmapHolePunch},
	{"hint-and-fixed", (*Harness).mmapHintAndFixed},
	{"large-map", (*Harness).mmapLarge},
	{"sparse-anon", (*Harness).mmapSparseAnon},
	{"flags-matrix", (*Harness).mmapFlagsMatrix},
	{"munmap", (*Harness).mmapUnmap},
}

func (h *Harness) mmapIllegalFlags(context.Context) error {
	req := MapRequest{Length: h.page, Prot: ProtRW, Sharing: SharingUnset}
	_, err := h.oracle.Reserve(req)
	return ExpectKind("mmap", req.String(), KindInvalidArgument, err)
}

func (h *Harness) mmapNewFile(context.Context) error {
	f, err := h.fx.Create(newFile, int64(h.page))
	if err != nil {
		return err
	}
	defer f.Close()

	addr, err := h.oracle.Reserve(MapRequest{Length: h.page, Prot: ProtRW, Sharing: Shared, File: f})
	if err != nil {
		return err
	}
	b := Bytes(addr, h.page)
	if err := VerifyZeroFill("new file "+f.Name(), b); err != nil {
		return err
	}
	fill(b, 0x5a)
	if err := VerifyContentEqual(f.Name(), b, f, 0); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}

// mmapExecPerm maps a file without execute permission for execution.
func (h *Harness) mmapExecPerm(context.Context) error {
	if h.cfg.exec {
		h.log.Info("exec permitted on non-executable files, not probing")
		return nil
	}
	f, err := h.fx.Create(noExecFile, int64(h.page))
	if err != nil {
		return err
	}
	defer f.Close()
	req := MapRequest{Length: h.page, Prot: ProtRead | ProtExec, Sharing: Private, File: f}
	_, err = h.oracle.Reserve(req)
	return ExpectKind("mmap", req.String(), KindPermissionDenied, err)
}

func (h *Harness) mmapZeroPage(context.Context) error {
	req := MapRequest{Addr: 0, Length: h.page, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed}
	addr, err := h.oracle.Reserve(req)
	if !h.cfg.zeroPage {
		return ExpectFailure("mmap", req.String(), err)
	}
	if err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}

// mmapHolePunch maps three pages of a file, then unmaps one page at the
// start, the middle and the end and maps the same file page back into the
// hole. The checksum of the whole range must be unchanged.
func (h *Harness) mmapHolePunch(context.Context) error {
	const pages = 3
	f, err := h.fx.Open(mapFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	length := pages * h.page
	addr, err := h.oracle.Reserve(MapRequest{Length: length, Prot: ProtRead, Sharing: Private, File: f})
	if err != nil {
		return err
	}
	sum := Digest(Bytes(addr, length))

	for _, hole := range []int{0, 1, 2} {
		at := h.pageAt(addr, hole)
		if err := h.oracle.Release(at, h.page); err != nil {
			return err
		}
		req := MapRequest{Addr: at, Length: h.page, Prot: ProtRead, Sharing: Private, Placement: PlaceFixed, File: f, Offset: int64(hole * h.page)}
		if _, err := h.oracle.Reserve(req); err != nil {
			return err
		}
		if got := Digest(Bytes(addr, length)); got != sum {
			return violationf("read", fmt.Sprintf("%#x, %d after refilling page %d", addr, length, hole), fmt.Sprintf("sha256 %x", sum), "sha256 %x", got)
		}
	}
	return h.oracle.Release(addr, length)
}

func (h *Harness) mmapHintAndFixed(context.Context) error {
	o := h.oracle
	addr, err := h.anon(2)
	if err != nil {
		return err
	}
	fill(Bytes(addr, 2*h.page), 0x9c)

	// hint at a live mapping: must land elsewhere
	hinted, err := o.Reserve(MapRequest{Addr: addr, Length: h.page, Prot: ProtRW, Sharing: Private, Placement: PlaceHint})
	if err != nil {
		return err
	}
	if err := o.Release(hinted, h.page); err != nil {
		return err
	}

	// fixed over the second page replaces it
	req := MapRequest{Addr: addr + uintptr(h.page), Length: h.page, Prot: ProtRead, Sharing: Private, Placement: PlaceFixed}
	if _, err := o.Reserve(req); err != nil {
		return err
	}
	if m, _ := o.Lookup(req.Addr); m.Base != req.Addr || m.Prot != ProtRead {
		return fmt.Errorf("mmapcheck: oracle kept superseded record %+v", m)
	}
	if err := VerifyZeroFill("fixed map over "+req.String(), Bytes(req.Addr, h.page)); err != nil {
		return err
	}

	req = MapRequest{Addr: addr, Length: h.page, Prot: ProtRW, Sharing: Private, Placement: PlaceFixedNoReplace}
	_, err = o.Reserve(req)
	if err := ExpectFailure("mmap", req.String(), err); err != nil {
		return err
	}

	req = MapRequest{Addr: addr + 1, Length: h.page, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed}
	_, err = o.Reserve(req)
	if err := ExpectKind("mmap", req.String(), KindInvalidArgument, err); err != nil {
		return err
	}

	if err := o.Release(addr, 2*h.page); err != nil {
		return err
	}
	// a hint at a free range is usually honored, but need not be
	got, err := o.Reserve(MapRequest{Addr: addr, Length: h.page, Prot: ProtRW, Sharing: Private, Placement: PlaceHint})
	if err != nil {
		return err
	}
	if got != addr {
		h.log.Warn("hint at free range not honored", "hint", fmt.Sprintf("%#x", addr), "got", fmt.Sprintf("%#x", got))
	}
	return o.Release(got, h.page)
}

func (h *Harness) mmapLarge(context.Context) error {
	size := h.cfg.profile.LargeMapSize
	addr, err := h.oracle.Reserve(MapRequest{Length: size, Prot: ProtRW, Sharing: Private})
	if err != nil {
		return err
	}
	storeByte(addr, 1)
	storeByte(addr+uintptr(size)-1, 1)
	if err := h.oracle.Release(addr, size); err != nil {
		return err
	}

	if h.cfg.exec {
		return nil
	}
	req := MapRequest{Length: h.page, Prot: ProtRead | ProtExec, Sharing: Private}
	_, err = h.oracle.Reserve(req)
	return ExpectKind("mmap", req.String(), KindPermissionDenied, err)
}

// mmapSparseAnon runs the sparse workload once with a fixed seed and once
// with the run seed.
func (h *Harness) mmapSparseAnon(context.Context) error {
	p := h.cfg.profile
	for _, seed := range []uint64{1, h.seed} {
		h.log.Info("sparse anonymous mappings", "seed", seed, "count", p.MmapCount)
		w := NewWorkload(seed, p.MinShift, p.MaxShift)
		if err := w.SparseAnon(h.oracle, p.MmapCount, p.AllocBurst); err != nil {
			return fmt.Errorf("seed %d: %w", seed, err)
		}
	}
	return nil
}

// mmapFlagsMatrix maps every combination of backing, sharing and
// placement and checks the initial content.
func (h *Harness) mmapFlagsMatrix(context.Context) error {
	f, err := h.fx.Open(mapFile, os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()
	length := mapFilePages * h.page

	for _, file := range []*os.File{nil, f} {
		for _, sharing := range []Sharing{Private, Shared} {
			for _, place := range []Placement{PlaceAny, PlaceFixed} {
				req := MapRequest{Length: length, Prot: ProtRW, Sharing: sharing, Placement: place, File: file}
				if err := h.mapAndCheck(req); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (h *Harness) mapAndCheck(req MapRequest) error {
	if req.Placement == PlaceFixed {
		landing, err := h.anon(req.Length / h.page)
		if err != nil {
			return err
		}
		req.Addr = landing
	}
	addr, err := h.oracle.Reserve(req)
	if err != nil {
		return err
	}
	b := Bytes(addr, req.Length)
	if req.Anonymous() {
		err = VerifyZeroFill(req.String(), b)
	} else {
		err = VerifyContentEqual(req.String(), b, req.File, req.Offset)
	}
	if err != nil {
		return err
	}
	return h.oracle.Release(addr, req.Length)
}

func (h *Harness) mmapUnmap(context.Context) error {
	addr, err := h.anon(1)
	if err != nil {
		return err
	}
	err = h.oracle.Release(addr+1, h.page)
	if err := ExpectKind("munmap", fmt.Sprintf("%#x, %d", addr+1, h.page), KindInvalidArgument, err); err != nil {
		return err
	}
	err = h.oracle.Release(addr, 0)
	if err := ExpectKind("munmap", fmt.Sprintf("%#x, 0", addr), KindInvalidArgument, err); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}
