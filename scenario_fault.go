package mmapcheck

import (
	"context"
	"fmt"
	"os"
)

var raceSteps = []step{
	{"concurrent-fault", (*Harness).raceConcurrentFault},
}

var sigbusSteps = []step{
	{"truncate", (*Harness).sigbusTruncate},
}

var userMemSteps = []step{
	{"populate", (*Harness).userMemPopulate},
	{"kernel-write-protnone", (*Harness).userMemWriteProtNone},
	{"kernel-read-path", (*Harness).userMemReadPath},
	{"kernel-write-stat", (*Harness).userMemWriteStat},
}

func (h *Harness) raceConcurrentFault(ctx context.Context) error {
	src, err := h.fx.Open(raceFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := openTmpFile(h.fx.Dir)
	if err != nil {
		return err
	}
	defer out.Close()

	rep, err := RunRace(ctx, h.oracle, src, out, h.cfg.raceWorkers)
	if err != nil {
		return err
	}
	// a clean report does not prove the absence of the race
	h.log.Info("race report (advisory)",
		"workers", rep.Workers,
		"kernel_bytes", rep.KernelBytes,
		"spread", rep.Spread,
		"elapsed", rep.Elapsed,
		"phase", rep.Phase,
	)
	return nil
}

// sigbusTruncate shrinks the file under a two-page shared mapping. The
// first page stays readable; reading the second must fault with the
// truncation cause.
func (h *Harness) sigbusTruncate(context.Context) error {
	length := 2 * h.page
	f, err := h.fx.Create(truncateFile, int64(length))
	if err != nil {
		return err
	}
	defer f.Close()
	addr, err := h.oracle.Reserve(MapRequest{Length: length, Prot: ProtRW, Sharing: Shared, File: f})
	if err != nil {
		return err
	}
	second := h.pageAt(addr, 1)
	if err := h.writePages(addr, 0, 1); err != nil {
		return err
	}

	if err := f.Truncate(int64(h.page)); err != nil {
		return fmt.Errorf("mmapcheck: truncate %s: %w", f.Name(), err)
	}
	if err := h.faults.Complete("read", ProtRead, func() { loadByte(addr) }); err != nil {
		return err
	}
	exp := FaultExpectation{Addr: second, Access: ProtRead, Cause: CauseTruncated}
	if err := h.faults.Expect(exp, func() { loadByte(second) }); err != nil {
		return err
	}
	return h.oracle.Release(addr, length)
}

// userMemPopulate checks a pre-faulted mapping is resident before any
// access.
func (h *Harness) userMemPopulate(context.Context) error {
	const pages = 8
	length := pages * h.page
	addr, err := h.oracle.Reserve(MapRequest{Length: length, Prot: ProtRW, Sharing: Private, Populate: true})
	if err != nil {
		return err
	}
	want := make([]byte, pages)
	for i := range want {
		want[i] = 1
	}
	if err := VerifyResidency(h.oracle, addr, length, want); err != nil {
		return err
	}
	return h.oracle.Release(addr, length)
}

// userMemWriteProtNone has the kernel store a stat result into an
// inaccessible page. The call must fail instead of faulting.
func (h *Harness) userMemWriteProtNone(context.Context) error {
	addr, err := h.oracle.Reserve(MapRequest{Length: h.page, Prot: ProtNone, Sharing: Private})
	if err != nil {
		return err
	}
	_, err = statInto(h.fx.Path(inFile), addr)
	if err := ExpectKind("stat", fmt.Sprintf("%s into %#x (---)", inFile, addr), KindBadAddress, err); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}

// userMemReadPath has the kernel read a path out of a shared file page.
func (h *Harness) userMemReadPath(context.Context) error {
	f, err := h.fx.Open(pathFile, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	addr, err := h.oracle.Reserve(MapRequest{Length: h.page, Prot: ProtRead, Sharing: Shared, File: f})
	if err != nil {
		return err
	}
	if err := accessAt(addr); err != nil {
		return violationf("faccessat", fmt.Sprintf("path mapped at %#x", addr), "success", "%v", err)
	}
	return h.oracle.Release(addr, h.page)
}

// userMemWriteStat has the kernel write a stat result into a fresh shared
// file page and reads it back through the mapping.
func (h *Harness) userMemWriteStat(context.Context) error {
	f, err := h.fx.Open(statFile, os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()
	addr, err := h.oracle.Reserve(MapRequest{Length: h.page, Prot: ProtRW, Sharing: Shared, File: f})
	if err != nil {
		return err
	}
	size, err := statInto(h.fx.Path(inFile), addr)
	if err != nil {
		return violationf("stat", fmt.Sprintf("%s into %#x", inFile, addr), "success", "%v", err)
	}
	if want := int64(h.page + h.page/2); size != want {
		return violationf("stat", fmt.Sprintf("%s into %#x", inFile, addr), fmt.Sprintf("size %d", want), "%d", size)
	}
	return h.oracle.Release(addr, h.page)
}
