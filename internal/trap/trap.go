// Package trap runs a memory access and reports whether it faulted.
//
// The access runs on its own goroutine with runtime/debug.SetPanicOnFault
// enabled, so a SIGSEGV or SIGBUS raised by the access surfaces as a
// recoverable runtime panic instead of killing the process. Faults raised
// anywhere else are left alone and stay fatal.
package trap

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Outcome is the result of Run: either the access completed, or it faulted
// at Addr.
type Outcome struct {
	Faulted bool
	Addr    uintptr
	// Err is the runtime error the fault was converted into.
	Err error
}

func (o Outcome) String() string {
	if !o.Faulted {
		return "completed"
	}
	return fmt.Sprintf("faulted at %#x", o.Addr)
}

// addrError is implemented by the runtime error produced for a fault when
// panic-on-fault is enabled.
type addrError interface {
	error
	Addr() uintptr
}

// Run calls fn and reports whether it took a memory fault. Panics that are
// not memory faults are re-raised on the calling goroutine.
func Run(fn func()) Outcome {
	type result struct {
		out   Outcome
		other any
	}
	done := make(chan result, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		old := debug.SetPanicOnFault(true)
		defer debug.SetPanicOnFault(old)

		var res result
		defer func() {
			if r := recover(); r != nil {
				res.out, res.other = classify(r)
			}
			done <- res
		}()
		fn()
	}()

	res := <-done
	if res.other != nil {
		panic(res.other)
	}
	return res.out
}

func classify(r any) (Outcome, any) {
	if ae, ok := r.(addrError); ok {
		return Outcome{Faulted: true, Addr: ae.Addr(), Err: ae}, nil
	}
	// Faults below the first page are reported as a plain nil dereference
	// without an address.
	if re, ok := r.(runtime.Error); ok && isNilDeref(re) {
		return Outcome{Faulted: true, Addr: 0, Err: re}, nil
	}
	return Outcome{}, r
}

func isNilDeref(err runtime.Error) bool {
	return err.Error() == "runtime error: invalid memory address or nil pointer dereference"
}
