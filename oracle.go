package mmapcheck

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/CreditWorthy/mmapcheck/internal/interval"
)

// Mapping is the oracle's belief about one live mapping.
type Mapping struct {
	Base    uintptr
	Length  int
	Prot    Prot
	Sharing Sharing
	File    *os.File
	Offset  int64
}

// End returns the first address past the mapping.
func (m Mapping) End() uintptr { return m.Base + uintptr(m.Length) }

// Bytes returns the mapping's memory.
func (m Mapping) Bytes() []byte { return Bytes(m.Base, m.Length) }

type record struct {
	prot    Prot
	sharing Sharing
	file    *os.File
	offset  int64
}

func splitRecord(r record, delta uintptr) record {
	if r.file != nil {
		r.offset += int64(delta)
	}
	return r
}

// Cause is the attributed reason of a memory fault.
type Cause int

const (
	CauseUnknown Cause = iota
	// CauseUnmapped is an access to an address no mapping covers.
	CauseUnmapped
	// CauseProtection is an access the mapping's protection forbids.
	CauseProtection
	// CauseTruncated is an access past the end of the backing object.
	CauseTruncated
)

func (c Cause) String() string {
	switch c {
	case CauseUnmapped:
		return "unmapped"
	case CauseProtection:
		return "protection"
	case CauseTruncated:
		return "backing-object-truncated"
	default:
		return "unknown"
	}
}

// Oracle forwards VM operations to the system under test and keeps its own
// record of what must now be mapped. Records change only when the system
// reports success. Predicted failures and outcomes that contradict the
// oracle are returned as *Violation.
//
// An Oracle is not safe for concurrent use.
type Oracle struct {
	vm       VM
	page     int
	set      *interval.Set[record]
	vacated  *interval.Set[struct{}]
	log      *slog.Logger
	zeroPage bool
	closed   bool
}

// NewOracle returns an empty oracle over vm. When zeroPage is set, mapping
// address zero is expected to succeed.
func NewOracle(vm VM, log *slog.Logger, zeroPage bool) *Oracle {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Oracle{
		vm:       vm,
		page:     vm.PageSize(),
		set:      interval.New(splitRecord),
		vacated:  interval.New[struct{}](nil),
		log:      log,
		zeroPage: zeroPage,
	}
}

// PageSize returns the VM's page size.
func (o *Oracle) PageSize() int { return o.page }

// VM returns the system under test.
func (o *Oracle) VM() VM { return o.vm }

func (o *Oracle) aligned(n uintptr) bool { return n%uintptr(o.page) == 0 }

func (o *Oracle) pageRange(addr uintptr, length int) interval.Range {
	end := addr + uintptr(length)
	if rem := end % uintptr(o.page); rem != 0 {
		end += uintptr(o.page) - rem
	}
	return interval.Range{Start: addr, End: end}
}

// Lookup returns the mapping containing addr.
func (o *Oracle) Lookup(addr uintptr) (Mapping, bool) {
	seg, ok := o.set.Find(addr)
	if !ok {
		return Mapping{}, false
	}
	return toMapping(seg), true
}

// Mappings returns every live mapping in address order.
func (o *Oracle) Mappings() []Mapping {
	segs := o.set.Segments()
	out := make([]Mapping, len(segs))
	for i, s := range segs {
		out[i] = toMapping(s)
	}
	return out
}

// Tracked reports whether [addr, addr+length) is fully covered by live
// mappings.
func (o *Oracle) Tracked(addr uintptr, length int) bool {
	return o.set.Covered(o.pageRange(addr, length))
}

// Free reports whether no live mapping intersects [addr, addr+length).
func (o *Oracle) Free(addr uintptr, length int) bool {
	return o.set.IsFree(o.pageRange(addr, length))
}

// owned reports whether every page of r is either tracked or was released
// by this oracle and not reused since. Only such ranges may be targeted by
// fixed placement.
func (o *Oracle) owned(r interval.Range) bool {
	next := r.Start
	for next < r.End {
		if seg, ok := o.set.Find(next); ok {
			next = seg.End
			continue
		}
		if seg, ok := o.vacated.Find(next); ok {
			next = seg.End
			continue
		}
		return false
	}
	return true
}

// claim moves r from the vacated set into the live set.
func (o *Oracle) claim(r interval.Range, rec record) error {
	o.vacated.Remove(r)
	return o.set.Insert(r, rec)
}

// vacate moves r from the live set into the vacated set.
func (o *Oracle) vacate(r interval.Range) {
	for _, seg := range o.set.Remove(r) {
		o.vacated.Remove(seg.Range)
		_ = o.vacated.Insert(seg.Range, struct{}{})
	}
}

func toMapping(s interval.Segment[record]) Mapping {
	return Mapping{
		Base:    s.Start,
		Length:  int(s.Len()),
		Prot:    s.Value.prot,
		Sharing: s.Value.sharing,
		File:    s.Value.file,
		Offset:  s.Value.offset,
	}
}

// prediction is the outcome the oracle expects from an operation.
type prediction struct {
	fail bool
	// kind is checked only when it is not KindNone.
	kind   Kind
	reason string
}

var predictSuccess = prediction{}

func predictFail(kind Kind, reason string) prediction {
	return prediction{fail: true, kind: kind, reason: reason}
}

// check compares err with p. It returns nil when the result matches a
// predicted success, the raw error when it matches a predicted failure, a
// *Violation when the system contradicts the prediction, and err unchanged
// when the oracle had no definite prediction.
func (p prediction) check(op, args string, err error) error {
	if !p.fail {
		return err
	}
	if err == nil {
		return &Violation{Op: op, Args: args, Want: "failure: " + p.reason, Got: "success"}
	}
	if p.kind != KindNone && KindOf(err) != p.kind {
		return &Violation{Op: op, Args: args, Want: p.kind.String() + ": " + p.reason, Got: fmt.Sprintf("%s (%v)", KindOf(err), err)}
	}
	return err
}

func (o *Oracle) predictMap(req MapRequest) prediction {
	fixed := req.Placement == PlaceFixed || req.Placement == PlaceFixedNoReplace
	switch {
	case req.Length <= 0:
		return predictFail(KindInvalidArgument, "zero length")
	case req.Sharing == SharingUnset:
		return predictFail(KindInvalidArgument, "neither private nor shared")
	case req.Offset%int64(o.page) != 0:
		return predictFail(KindInvalidArgument, "unaligned file offset")
	case fixed && !o.aligned(req.Addr):
		return predictFail(KindInvalidArgument, "unaligned fixed address")
	case fixed && req.Addr == 0 && !o.zeroPage:
		return predictFail(KindNone, "zero page is not mappable")
	case req.Placement == PlaceFixedNoReplace && !o.Free(req.Addr, req.Length):
		return predictFail(KindNone, "no-replace target occupied")
	}
	return predictSuccess
}

// Reserve maps req and records the result.
//
// Fixed placement is only issued over memory the oracle already tracks (or
// address zero), so a misbehaving system cannot clobber the harness.
func (o *Oracle) Reserve(req MapRequest) (uintptr, error) {
	if o.closed {
		return 0, ErrClosed
	}
	p := o.predictMap(req)
	want := o.pageRange(req.Addr, max(req.Length, 0))
	if req.Placement == PlaceFixed && !p.fail && req.Addr != 0 && !o.owned(want) {
		return 0, fmt.Errorf("%w: %s", ErrNotOwned, req)
	}
	hintTaken := req.Placement == PlaceHint && !o.Free(req.Addr, req.Length)

	addr, vmErr := o.vm.Map(req)
	o.log.Debug("map", "req", req.String(), "addr", fmt.Sprintf("%#x", addr), "err", vmErr)
	if err := p.check("map", req.String(), vmErr); err != nil || p.fail {
		if vmErr == nil {
			o.adopt(addr, req)
		}
		return 0, err
	}

	got := o.pageRange(addr, req.Length)
	switch {
	case !o.aligned(addr):
		o.adopt(addr, req)
		return addr, violationf("map", req.String(), "page-aligned address", "%#x", addr)
	case (req.Placement == PlaceFixed || req.Placement == PlaceFixedNoReplace) && addr != req.Addr:
		o.adopt(addr, req)
		return addr, violationf("map", req.String(), fmt.Sprintf("exactly %#x", req.Addr), "%#x", addr)
	case hintTaken && addr == req.Addr:
		o.adopt(addr, req)
		return addr, violationf("map", req.String(), "hint relocated away from live mapping", "mapping placed over %s", got)
	case req.Placement != PlaceFixed && !o.set.IsFree(got):
		ov := o.set.Overlapping(got)
		return addr, violationf("map", req.String(), "non-overlapping range", "%s overlaps live %s", got, ov[0].Range)
	}

	if req.Placement == PlaceFixed {
		o.set.Remove(got)
	}
	if err := o.claim(got, recordOf(req)); err != nil {
		return addr, fmt.Errorf("mmapcheck: map: %w", err)
	}
	return addr, nil
}

func recordOf(req MapRequest) record {
	return record{prot: req.Prot, sharing: req.Sharing, file: req.File, offset: req.Offset}
}

// adopt records a mapping the system created against the oracle's
// prediction so Close still releases it.
func (o *Oracle) adopt(addr uintptr, req MapRequest) {
	if req.Length <= 0 {
		return
	}
	r := o.pageRange(addr&^uintptr(o.page-1), req.Length)
	o.set.Remove(r)
	_ = o.claim(r, recordOf(req))
}

func isViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Release unmaps [addr, addr+length). The range must be tracked unless the
// call is predicted to fail.
func (o *Oracle) Release(addr uintptr, length int) error {
	if o.closed {
		return ErrClosed
	}
	args := fmt.Sprintf("%#x, %d", addr, length)
	var p prediction
	switch {
	case !o.aligned(addr):
		p = predictFail(KindInvalidArgument, "unaligned address")
	case length <= 0:
		p = predictFail(KindInvalidArgument, "zero length")
	case !o.Tracked(addr, length):
		return fmt.Errorf("%w: unmap %s", ErrNotMapped, args)
	}

	err := p.check("unmap", args, o.vm.Unmap(addr, length))
	o.log.Debug("unmap", "addr", fmt.Sprintf("%#x", addr), "len", length, "err", err)
	if err != nil || p.fail {
		return err
	}
	o.vacate(o.pageRange(addr, length))
	return nil
}

// Relocate remaps [addr, addr+oldLen) to newLen bytes.
func (o *Oracle) Relocate(addr uintptr, oldLen, newLen int, flags RemapFlags, target uintptr) (uintptr, error) {
	if o.closed {
		return 0, ErrClosed
	}
	args := fmt.Sprintf("%#x, %d, %d, %s, %#x", addr, oldLen, newLen, flags, target)
	src, tracked := o.Lookup(addr)
	fixed := flags&RemapFixed != 0
	mayMove := flags&RemapMayMove != 0

	var p prediction
	switch {
	case fixed && !mayMove:
		p = predictFail(KindInvalidArgument, "fixed without may-move")
	case fixed && target == addr:
		p = predictFail(KindInvalidArgument, "fixed destination equals source")
	case !o.aligned(addr):
		p = predictFail(KindInvalidArgument, "unaligned address")
	case newLen <= 0:
		p = predictFail(KindInvalidArgument, "zero new length")
	case fixed && !o.aligned(target):
		p = predictFail(KindInvalidArgument, "unaligned destination")
	case !tracked:
		return 0, fmt.Errorf("%w: mremap %s", ErrNotMapped, args)
	case oldLen == 0 && src.Sharing != Shared:
		p = predictFail(KindInvalidArgument, "zero old length on private mapping")
	case oldLen > 0 && !o.Tracked(addr, oldLen):
		return 0, fmt.Errorf("%w: mremap source %s", ErrNotMapped, args)
	case !mayMove && newLen > oldLen && !o.Free(addr+uintptr(oldLen), newLen-oldLen):
		p = predictFail(KindNone, "adjoining space occupied")
	case fixed && !o.owned(o.pageRange(target, newLen)):
		return 0, fmt.Errorf("%w: mremap target %s", ErrNotOwned, args)
	}

	got, err := o.vm.Remap(addr, oldLen, newLen, flags, target)
	o.log.Debug("mremap", "args", args, "addr", fmt.Sprintf("%#x", got), "err", err)
	if err = p.check("mremap", args, err); err != nil || p.fail {
		return 0, err
	}

	switch {
	case oldLen == newLen && !fixed && got != addr:
		return got, violationf("mremap", args, fmt.Sprintf("same-length no-op at %#x", addr), "%#x", got)
	case !mayMove && got != addr:
		return got, violationf("mremap", args, fmt.Sprintf("in place at %#x", addr), "moved to %#x", got)
	case fixed && got != target:
		return got, violationf("mremap", args, fmt.Sprintf("exactly %#x", target), "%#x", got)
	case !o.aligned(got):
		return got, violationf("mremap", args, "page-aligned address", "%#x", got)
	}

	rec := splitRecord(record{prot: src.Prot, sharing: src.Sharing, file: src.File, offset: src.Offset}, addr-src.Base)
	if oldLen > 0 {
		o.vacate(o.pageRange(addr, oldLen))
	}
	dst := o.pageRange(got, newLen)
	if fixed {
		o.set.Remove(dst)
	}
	if !o.set.IsFree(dst) {
		ov := o.set.Overlapping(dst)
		return got, violationf("mremap", args, "non-overlapping destination", "%s overlaps live %s", dst, ov[0].Range)
	}
	if err := o.claim(dst, rec); err != nil {
		return got, fmt.Errorf("mmapcheck: mremap: %w", err)
	}
	return got, nil
}

// Reprotect changes the protection of [addr, addr+length).
func (o *Oracle) Reprotect(addr uintptr, length int, prot Prot) error {
	if o.closed {
		return ErrClosed
	}
	args := fmt.Sprintf("%#x, %d, %s", addr, length, prot)
	var p prediction
	switch {
	case !o.aligned(addr):
		p = predictFail(KindInvalidArgument, "unaligned address")
	case !o.Tracked(addr, length):
		p = predictFail(KindNone, "range not mapped")
	}
	err := p.check("mprotect", args, o.vm.Protect(addr, length, prot))
	o.log.Debug("mprotect", "args", args, "err", err)
	if err != nil || p.fail {
		return err
	}
	o.set.Update(o.pageRange(addr, length), func(r record) record {
		r.prot = prot
		return r
	})
	return nil
}

// Residency queries the residency vector of [addr, addr+length). The query
// must fail on ranges the oracle does not track.
func (o *Oracle) Residency(addr uintptr, length int) ([]byte, error) {
	args := fmt.Sprintf("%#x, %d", addr, length)
	var p prediction
	if !o.Tracked(addr, length) {
		p = predictFail(KindNone, "range not mapped")
	}
	vec, err := o.vm.Residency(addr, length)
	if err = p.check("mincore", args, err); err != nil || p.fail {
		return nil, err
	}
	if want := (length + o.page - 1) / o.page; len(vec) != want {
		return vec, violationf("mincore", args, fmt.Sprintf("%d entries", want), "%d", len(vec))
	}
	return vec, nil
}

// Sync flushes [addr, addr+length) to its backing store.
func (o *Oracle) Sync(addr uintptr, length int, flags SyncFlags) error {
	args := fmt.Sprintf("%#x, %d, %s", addr, length, flags)
	var p prediction
	switch {
	case flags&SyncAsync != 0 && flags&SyncSync != 0:
		p = predictFail(KindInvalidArgument, "async and sync are exclusive")
	case !o.aligned(addr):
		p = predictFail(KindInvalidArgument, "unaligned address")
	case !o.Tracked(addr, length):
		p = predictFail(KindNone, "range not mapped")
	}
	return p.check("msync", args, o.vm.Sync(addr, length, flags))
}

// Advise passes a paging hint for a tracked range.
func (o *Oracle) Advise(addr uintptr, length int, advice Advice) error {
	if !o.Tracked(addr, length) {
		return fmt.Errorf("%w: madvise %#x, %d", ErrNotMapped, addr, length)
	}
	return o.vm.Advise(addr, length, advice)
}

// Classify attributes a fault at addr during an access needing access
// rights. It never touches the faulting memory.
func (o *Oracle) Classify(addr uintptr, access Prot) Cause {
	m, ok := o.Lookup(addr)
	if !ok {
		return CauseUnmapped
	}
	if !m.Prot.Allows(access) {
		return CauseProtection
	}
	if m.File == nil {
		return CauseUnknown
	}
	info, err := m.File.Stat()
	if err != nil {
		return CauseUnknown
	}
	pg := int64(o.page)
	covered := (info.Size() + pg - 1) / pg * pg
	if m.Offset+int64(addr-m.Base) >= covered {
		return CauseTruncated
	}
	return CauseUnknown
}

// Close releases every mapping the oracle still tracks.
func (o *Oracle) Close() error {
	if o.closed {
		return nil
	}
	var errs []error
	for _, m := range o.Mappings() {
		if err := o.vm.Unmap(m.Base, m.Length); err != nil {
			errs = append(errs, err)
		}
	}
	o.set.Clear()
	o.vacated.Clear()
	o.closed = true
	if len(errs) > 0 {
		return fmt.Errorf("mmapcheck: close oracle: %w", errors.Join(errs...))
	}
	return nil
}
