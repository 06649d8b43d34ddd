package mmapcheck

import (
	"context"
	"fmt"
	"reflect"
)

var mprotectSteps = []step{
	{"zero-page", (*Harness).mprotectZeroPage},
	{"single-page", (*Harness).mprotectSinglePage},
	{"no-access", (*Harness).mprotectNoAccess},
	{"write-protect", (*Harness).mprotectWriteProtect},
	{"exec-anon", (*Harness).mprotectExecAnon},
	{"code-page", (*Harness).mprotectCodePage},
}

func (h *Harness) mprotectZeroPage(context.Context) error {
	if !h.cfg.zeroPage {
		err := h.oracle.Reprotect(0, h.page, ProtRead)
		return ExpectKind("mprotect", fmt.Sprintf("0, %d, r--", h.page), KindOutOfMemory, err)
	}
	req := MapRequest{Addr: 0, Length: h.page, Prot: ProtRW, Sharing: Private, Placement: PlaceFixed}
	if _, err := h.oracle.Reserve(req); err != nil {
		return err
	}
	if err := h.oracle.Reprotect(0, h.page, ProtRead); err != nil {
		return err
	}
	return h.oracle.Release(0, h.page)
}

// pageAt returns the address of page i of the mapping at base.
func (h *Harness) pageAt(base uintptr, i int) uintptr {
	return base + uintptr(i*h.page)
}

// writePages writes one byte to each listed page and reads it back. None
// may fault and every byte must read back unchanged.
func (h *Harness) writePages(base uintptr, pages ...int) error {
	for _, i := range pages {
		at := h.pageAt(base, i)
		want := byte(i) + 1
		var got byte
		err := h.faults.Complete("write", ProtWrite, func() {
			storeByte(at, want)
			got = readByte(at)
		})
		if err != nil {
			return err
		}
		if got != want {
			return violationf("read", fmt.Sprintf("%#x after write", at), fmt.Sprintf("%#02x", want), "%#02x", got)
		}
	}
	return nil
}

func (h *Harness) mprotectSinglePage(context.Context) error {
	base, err := h.anon(protectPages)
	if err != nil {
		return err
	}
	if err := h.oracle.Reprotect(h.pageAt(base, 1), h.page, ProtRead); err != nil {
		return err
	}
	if m, _ := h.oracle.Lookup(h.pageAt(base, 1)); m.Length != h.page {
		return fmt.Errorf("mmapcheck: reprotected page not split out: %+v", m)
	}
	if err := h.oracle.Reprotect(h.pageAt(base, 1), h.page, ProtRW); err != nil {
		return err
	}
	if err := h.writePages(base, 0, 1, 2, 3, 4); err != nil {
		return err
	}
	return h.oracle.Release(base, protectPages*h.page)
}

// mprotectNoAccess removes all access from the even pages; the odd pages
// between them stay writable and a read of page 0 faults.
func (h *Harness) mprotectNoAccess(context.Context) error {
	base, err := h.anon(protectPages)
	if err != nil {
		return err
	}
	for _, i := range []int{0, 2, 4} {
		if err := h.oracle.Reprotect(h.pageAt(base, i), h.page, ProtNone); err != nil {
			return err
		}
	}
	if err := h.writePages(base, 1, 3); err != nil {
		return err
	}
	exp := FaultExpectation{Addr: base, Access: ProtRead, Cause: CauseProtection}
	if err := h.faults.Expect(exp, func() { loadByte(base) }); err != nil {
		return err
	}
	return h.oracle.Release(base, protectPages*h.page)
}

// mprotectWriteProtect makes pages 1 and 3 read-only. Writes to pages 0, 2
// and 4 succeed, a read of page 3 succeeds and a write to page 1 faults.
func (h *Harness) mprotectWriteProtect(context.Context) error {
	base, err := h.anon(protectPages)
	if err != nil {
		return err
	}
	for _, i := range []int{1, 3} {
		if err := h.oracle.Reprotect(h.pageAt(base, i), h.page, ProtRead); err != nil {
			return err
		}
	}
	if err := h.writePages(base, 0, 2, 4); err != nil {
		return err
	}
	page3 := h.pageAt(base, 3)
	if err := h.faults.Complete("read", ProtRead, func() { loadByte(page3) }); err != nil {
		return err
	}
	page1 := h.pageAt(base, 1)
	exp := FaultExpectation{Addr: page1 + 8, Access: ProtWrite, Cause: CauseProtection}
	if err := h.faults.Expect(exp, func() { storeByte(page1+8, 1) }); err != nil {
		return err
	}
	return h.oracle.Release(base, protectPages*h.page)
}

func (h *Harness) mprotectExecAnon(context.Context) error {
	if h.cfg.exec {
		h.log.Info("exec permitted on anonymous memory, not probing")
		return nil
	}
	addr, err := h.anon(1)
	if err != nil {
		return err
	}
	err = h.oracle.Reprotect(addr, h.page, ProtRead|ProtExec)
	if err := ExpectKind("mprotect", fmt.Sprintf("%#x, %d, r-x", addr, h.page), KindPermissionDenied, err); err != nil {
		return err
	}
	return h.oracle.Release(addr, h.page)
}

// mprotectCodePage asks for a writable view of the harness's own code.
// The page is not the oracle's, so the request goes to the VM directly.
// Execute access is kept so a system that grants the request keeps
// running.
func (h *Harness) mprotectCodePage(context.Context) error {
	if h.cfg.exec {
		h.log.Info("exec permitted, code pages may be writable, not probing")
		return nil
	}
	code := reflect.ValueOf(NewWorkload).Pointer() &^ uintptr(h.page-1)
	err := h.vm.Protect(code, h.page, ProtRead|ProtWrite|ProtExec)
	return ExpectKind("mprotect", fmt.Sprintf("%#x, %d, rwx (code)", code, h.page), KindPermissionDenied, err)
}
