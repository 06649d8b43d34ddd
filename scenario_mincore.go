package mmapcheck

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"
)

var mincoreSteps = []step{
	{"stack", (*Harness).mincoreStack},
	{"heap", (*Harness).mincoreHeap},
	{"global", (*Harness).mincoreGlobal},
	{"fresh-anon", (*Harness).mincoreFreshAnon},
	{"sparse", (*Harness).mincoreSparse},
}

// residencyProbe spans several pages of the data segment.
var residencyProbe [1 << 16]byte

// residentRuntime checks that the page holding addr, which belongs to the
// Go runtime rather than the oracle, is resident. Such pages are queried
// on the VM directly.
func (h *Harness) residentRuntime(what string, addr uintptr) error {
	base := addr &^ uintptr(h.page-1)
	vec, err := h.vm.Residency(base, h.page)
	if err != nil {
		return fmt.Errorf("mmapcheck: %s page %#x: %w", what, base, err)
	}
	if vec[0] != 1 {
		return violationf("mincore", fmt.Sprintf("%#x, %d (%s)", base, h.page, what), "resident", "not resident")
	}
	return nil
}

func (h *Harness) mincoreStack(context.Context) error {
	var buf [256]byte
	buf[0] = 1
	err := h.residentRuntime("stack", uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(&buf)
	return err
}

func (h *Harness) mincoreHeap(context.Context) error {
	b := make([]byte, 4*h.page)
	for i := range b {
		b[i] = byte(i)
	}
	err := h.residentRuntime("heap", uintptr(unsafe.Pointer(&b[2*h.page])))
	runtime.KeepAlive(b)
	return err
}

func (h *Harness) mincoreGlobal(context.Context) error {
	mid := len(residencyProbe) / 2
	residencyProbe[mid] = 1
	return h.residentRuntime("global", uintptr(unsafe.Pointer(&residencyProbe[mid])))
}

// mincoreFreshAnon checks a new anonymous page is not resident until
// touched, and that the query fails once the page is released.
func (h *Harness) mincoreFreshAnon(context.Context) error {
	addr, err := h.anon(1)
	if err != nil {
		return err
	}
	if err := h.oracle.Advise(addr, h.page, AdviseNoHugePage); err != nil {
		return err
	}
	if err := VerifyResidency(h.oracle, addr, h.page, []byte{0}); err != nil {
		return err
	}
	storeByte(addr, 1)
	if err := VerifyResidency(h.oracle, addr, h.page, []byte{1}); err != nil {
		return err
	}
	if err := h.oracle.Release(addr, h.page); err != nil {
		return err
	}
	_, err = h.oracle.Residency(addr, h.page)
	return ExpectFailure("mincore", fmt.Sprintf("%#x, %d after unmap", addr, h.page), err)
}

// mincoreSparse touches every fifth page of a large mapping and compares
// the whole residency vector with the touched set.
func (h *Harness) mincoreSparse(context.Context) error {
	length := sparseMapPages * h.page
	addr, err := h.anon(sparseMapPages)
	if err != nil {
		return err
	}
	if err := h.oracle.Advise(addr, length, AdviseNoHugePage); err != nil {
		return err
	}
	model := NewResidencyModel(sparseMapPages)
	for i := 0; i < sparseMapPages; i += sparseTouchStep {
		storeByte(addr+uintptr(i*h.page), 1)
		model.Touch(i)
	}
	if err := VerifyResidency(h.oracle, addr, length, model.Expected()); err != nil {
		return err
	}
	return h.oracle.Release(addr, length)
}
