package mmapcheck

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/CreditWorthy/mmapcheck/internal/trap"
)

// FaultExpectation is armed right before an access that must fault and
// cleared right after it.
type FaultExpectation struct {
	// Addr is the address the access touches.
	Addr uintptr
	// Access is the right the access needs (ProtRead or ProtWrite).
	Access Prot
	// Cause is the attribution the fault must carry.
	Cause Cause
}

func (e FaultExpectation) String() string {
	return fmt.Sprintf("%s fault at %#x (%s access)", e.Cause, e.Addr, e.Access)
}

// FaultVerifier runs accesses through a fault trap and checks each fault
// against the single armed expectation. Faults outside Expect and
// Complete are not trapped and take the process down.
type FaultVerifier struct {
	oracle *Oracle
	log    *slog.Logger
	m      *metrics
	armed  *FaultExpectation
}

// NewFaultVerifier returns a verifier that attributes faults with o.
func NewFaultVerifier(o *Oracle, log *slog.Logger, m *metrics) *FaultVerifier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FaultVerifier{oracle: o, log: log, m: m}
}

// Armed returns the current expectation, if any.
func (f *FaultVerifier) Armed() (FaultExpectation, bool) {
	if f.armed == nil {
		return FaultExpectation{}, false
	}
	return *f.armed, true
}

// Expect runs access, which must fault on the page of exp.Addr with
// exp.Cause. Returning at all proves the fault was recoverable.
func (f *FaultVerifier) Expect(exp FaultExpectation, access func()) error {
	f.armed = &exp
	out := trap.Run(access)
	f.armed = nil

	if !out.Faulted {
		return &Violation{Op: "access", Args: exp.String(), Want: "fault", Got: "completed"}
	}
	cause := f.oracle.Classify(out.Addr, exp.Access)
	f.m.fault(cause)
	f.log.Info("trapped fault", "addr", fmt.Sprintf("%#x", out.Addr), "cause", cause.String())

	mask := ^uintptr(f.oracle.PageSize() - 1)
	if out.Addr&mask != exp.Addr&mask {
		return violationf("access", exp.String(), fmt.Sprintf("fault on page %#x", exp.Addr&mask), "fault at %#x", out.Addr)
	}
	if cause != exp.Cause {
		return violationf("access", exp.String(), exp.Cause.String(), "%s", cause)
	}
	return nil
}

// Complete runs access, which needs the rights in need and must not fault.
// A fault is reported as a Violation naming op.
func (f *FaultVerifier) Complete(op string, need Prot, access func()) error {
	out := trap.Run(access)
	if !out.Faulted {
		return nil
	}
	cause := f.oracle.Classify(out.Addr, need)
	f.m.fault(cause)
	return violationf(op, fmt.Sprintf("%#x", out.Addr), "access completes", "unexpected %s fault (%v)", cause, out.Err)
}

// sink keeps loads from being optimized away.
var sink atomic.Uint64

// loadByte reads the byte at addr.
func loadByte(addr uintptr) {
	sink.Add(uint64(*(*byte)(unsafe.Pointer(addr))))
}

// readByte returns the byte at addr.
func readByte(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

// storeByte writes v to addr.
func storeByte(addr uintptr, v byte) {
	*(*byte)(unsafe.Pointer(addr)) = v
}
