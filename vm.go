package mmapcheck

import (
	"fmt"
	"os"
	"strings"
	"unsafe"
)

// Prot is a set of page access rights.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Allows reports whether p grants every right in access.
func (p Prot) Allows(access Prot) bool {
	return p&access == access
}

// Sharing selects copy-on-write or write-through semantics.
// SharingUnset is deliberately invalid; it exists to probe flag validation.
type Sharing uint8

const (
	SharingUnset Sharing = iota
	Private
	Shared
)

func (s Sharing) String() string {
	switch s {
	case Private:
		return "private"
	case Shared:
		return "shared"
	default:
		return "unset"
	}
}

// Placement says how strictly the requested address must be honored.
type Placement uint8

const (
	// PlaceAny lets the system choose; Addr is ignored.
	PlaceAny Placement = iota
	// PlaceHint asks for Addr but accepts any other free range.
	PlaceHint
	// PlaceFixed maps exactly at Addr, replacing whatever is there.
	PlaceFixed
	// PlaceFixedNoReplace maps exactly at Addr or fails if it is occupied.
	PlaceFixedNoReplace
)

func (p Placement) String() string {
	switch p {
	case PlaceHint:
		return "hint"
	case PlaceFixed:
		return "fixed"
	case PlaceFixedNoReplace:
		return "fixed-noreplace"
	default:
		return "any"
	}
}

// MapRequest describes one map call. A nil File means anonymous memory.
type MapRequest struct {
	Addr      uintptr
	Length    int
	Prot      Prot
	Sharing   Sharing
	Placement Placement
	File      *os.File
	Offset    int64
	// Populate asks the system to pre-fault the range.
	Populate bool
}

// Anonymous reports whether the request has no backing file.
func (r MapRequest) Anonymous() bool { return r.File == nil }

func (r MapRequest) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "addr=%#x len=%d prot=%s %s %s", r.Addr, r.Length, r.Prot, r.Sharing, r.Placement)
	if r.File != nil {
		fmt.Fprintf(&b, " file=%s off=%d", r.File.Name(), r.Offset)
	} else {
		b.WriteString(" anon")
	}
	if r.Populate {
		b.WriteString(" populate")
	}
	return b.String()
}

// RemapFlags control whether a remap may move the mapping.
type RemapFlags uint8

const (
	RemapMayMove RemapFlags = 1 << iota
	RemapFixed
)

func (f RemapFlags) String() string {
	var parts []string
	if f&RemapMayMove != 0 {
		parts = append(parts, "maymove")
	}
	if f&RemapFixed != 0 {
		parts = append(parts, "fixed")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// SyncFlags select how a sync-to-backing-store call behaves. SyncAsync and
// SyncSync are mutually exclusive.
type SyncFlags uint8

const (
	SyncAsync SyncFlags = 1 << iota
	SyncInvalidate
	SyncSync
)

func (f SyncFlags) String() string {
	var parts []string
	if f&SyncAsync != 0 {
		parts = append(parts, "async")
	}
	if f&SyncInvalidate != 0 {
		parts = append(parts, "invalidate")
	}
	if f&SyncSync != 0 {
		parts = append(parts, "sync")
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Advice is a paging hint.
type Advice uint8

const (
	AdviseNormal Advice = iota
	// AdviseNoHugePage keeps residency page granular.
	AdviseNoHugePage
)

// VM is the virtual-memory interface under test. Implementations return the
// raw platform error so callers can classify it with KindOf.
type VM interface {
	PageSize() int
	Map(req MapRequest) (uintptr, error)
	Unmap(addr uintptr, length int) error
	Remap(addr uintptr, oldLen, newLen int, flags RemapFlags, target uintptr) (uintptr, error)
	Protect(addr uintptr, length int, prot Prot) error
	Residency(addr uintptr, length int) ([]byte, error)
	Sync(addr uintptr, length int, flags SyncFlags) error
	Advise(addr uintptr, length int, advice Advice) error
}

// Bytes returns a slice over n bytes of mapped memory at addr. The caller
// must keep the range mapped while the slice is in use.
func Bytes(addr uintptr, n int) []byte {
	// unsafe.Slice over memory the Go heap does not own; the oracle keeps
	// the mapping alive.
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
