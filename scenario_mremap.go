package mmapcheck

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
)

var mremapSteps = []step{
	{"invalid-flags", (*Harness).mremapInvalidFlags},
	{"fixed-move", (*Harness).mremapFixedMove},
	{"extend", (*Harness).mremapExtend},
	{"grow-subrange", (*Harness).mremapGrowSubrange},
	{"shrink", (*Harness).mremapShrink},
	{"same-size", (*Harness).mremapSameSize},
	{"growth", (*Harness).mremapGrowth},
	{"shared-dup", (*Harness).mremapSharedDup},
}

// sameDigest reports a Violation if the digest of b is not want.
func sameDigest(op, what string, b []byte, want [sha256.Size]byte) error {
	if got := Digest(b); got != want {
		return violationf(op, what, fmt.Sprintf("content sha256 %x", want), "sha256 %x", got)
	}
	return nil
}

func (h *Harness) mremapInvalidFlags(context.Context) error {
	length := 2 * h.page
	addr, err := h.anon(2)
	if err != nil {
		return err
	}
	cases := []struct {
		oldLen int
		flags  RemapFlags
		target uintptr
	}{
		{length, RemapFixed, addr + uintptr(length)},
		{length, RemapMayMove | RemapFixed, addr},
		{0, RemapMayMove, 0},
	}
	for _, c := range cases {
		_, err := h.oracle.Relocate(addr, c.oldLen, length, c.flags, c.target)
		args := fmt.Sprintf("%#x, %d, %d, %s, %#x", addr, c.oldLen, length, c.flags, c.target)
		if err := ExpectKind("mremap", args, KindInvalidArgument, err); err != nil {
			return err
		}
	}
	return h.oracle.Release(addr, length)
}

// mremapFixedMove moves a mapping onto a landing region and back again.
func (h *Harness) mremapFixedMove(context.Context) error {
	length := 2 * h.page
	src, err := h.anon(2)
	if err != nil {
		return err
	}
	fill(Bytes(src, length), 0x11)
	sum := Digest(Bytes(src, length))
	landing, err := h.anon(2)
	if err != nil {
		return err
	}

	got, err := h.oracle.Relocate(src, length, length, RemapMayMove|RemapFixed, landing)
	if err != nil {
		return err
	}
	if err := sameDigest("mremap", fmt.Sprintf("moved %#x to %#x", src, got), Bytes(got, length), sum); err != nil {
		return err
	}
	back, err := h.oracle.Relocate(got, length, length, RemapMayMove|RemapFixed, src)
	if err != nil {
		return err
	}
	if err := sameDigest("mremap", fmt.Sprintf("moved %#x back to %#x", got, back), Bytes(back, length), sum); err != nil {
		return err
	}
	return h.oracle.Release(back, length)
}

// mremapExtend grows a mapping in place into space it vacated itself.
func (h *Harness) mremapExtend(context.Context) error {
	size := h.cfg.profile.RemapInitSize
	addr, err := h.oracle.Reserve(MapRequest{Length: 2 * size, Prot: ProtRW, Sharing: Private})
	if err != nil {
		return err
	}
	fill(Bytes(addr, size), 0x3c)
	sum := Digest(Bytes(addr, size))
	if err := h.oracle.Release(addr+uintptr(size), size); err != nil {
		return err
	}

	if _, err := h.oracle.Relocate(addr, size, 2*size, 0, 0); err != nil {
		return err
	}
	if err := sameDigest("mremap", fmt.Sprintf("extended %#x", addr), Bytes(addr, size), sum); err != nil {
		return err
	}
	if err := VerifyZeroFill("extension of "+fmt.Sprintf("%#x", addr), Bytes(addr+uintptr(size), size)); err != nil {
		return err
	}
	return h.oracle.Release(addr, 2*size)
}

// mremapGrowSubrange grows the first page of a mapping in place, which the
// rest of the mapping blocks.
func (h *Harness) mremapGrowSubrange(context.Context) error {
	addr, err := h.anon(3)
	if err != nil {
		return err
	}
	_, err = h.oracle.Relocate(addr, h.page, 2*h.page, 0, 0)
	if err := ExpectFailure("mremap", fmt.Sprintf("%#x, %d, %d, 0", addr, h.page, 2*h.page), err); err != nil {
		return err
	}
	return h.oracle.Release(addr, 3*h.page)
}

func (h *Harness) mremapShrink(context.Context) error {
	addr, err := h.anon(4)
	if err != nil {
		return err
	}
	fill(Bytes(addr, 2*h.page), 0x42)
	sum := Digest(Bytes(addr, 2*h.page))
	if _, err := h.oracle.Relocate(addr, 4*h.page, 2*h.page, 0, 0); err != nil {
		return err
	}
	if err := sameDigest("mremap", fmt.Sprintf("shrunk %#x", addr), Bytes(addr, 2*h.page), sum); err != nil {
		return err
	}
	_, err = h.oracle.Residency(addr+uintptr(2*h.page), h.page)
	if err := ExpectFailure("mincore", fmt.Sprintf("%#x, %d past shrunk mapping", addr+uintptr(2*h.page), h.page), err); err != nil {
		return err
	}
	return h.oracle.Release(addr, 2*h.page)
}

func (h *Harness) mremapSameSize(context.Context) error {
	addr, err := h.anon(2)
	if err != nil {
		return err
	}
	if _, err := h.oracle.Relocate(addr, 2*h.page, 2*h.page, RemapMayMove, 0); err != nil {
		return err
	}
	return h.oracle.Release(addr, 2*h.page)
}

// mremapGrowth fragments the address space with small mappings, then grows
// one mapping step by step with may-move. The content of its first page
// must follow it through every move.
func (h *Harness) mremapGrowth(context.Context) error {
	p := h.cfg.profile
	w := NewWorkload(h.seed, 0, 0)

	frags := make([]region, 0, p.RemapFragments)
	for range p.RemapFragments {
		n := (1 + w.Intn(8)) * h.page
		addr, err := h.oracle.Reserve(MapRequest{Length: n, Prot: ProtRW, Sharing: Private})
		if err != nil {
			return err
		}
		frags = append(frags, region{addr: addr, size: n})
	}
	for i := 0; i < len(frags); i += 2 {
		if err := h.oracle.Release(frags[i].addr, frags[i].size); err != nil {
			return err
		}
	}

	size := p.RemapInitSize
	addr, err := h.oracle.Reserve(MapRequest{Length: size, Prot: ProtRW, Sharing: Private})
	if err != nil {
		return err
	}
	marker := Bytes(addr, h.page)
	fill(marker, 0xa5)
	sum := Digest(marker)
	moves := 0
	for i := 0; i < p.RemapIncrements && size+p.RemapMoveInc <= p.RemapEndSize; i++ {
		next := size + p.RemapMoveInc
		got, err := h.oracle.Relocate(addr, size, next, RemapMayMove, 0)
		if err != nil {
			return fmt.Errorf("grow step %d: %w", i, err)
		}
		if got != addr {
			moves++
		}
		if err := sameDigest("mremap", fmt.Sprintf("grown %#x to %d bytes at %#x", addr, next, got), Bytes(got, h.page), sum); err != nil {
			return err
		}
		storeByte(got+uintptr(next)-1, 1)
		addr, size = got, next
	}
	h.log.Info("growth done", "size", size, "moves", moves)
	if err := h.oracle.Release(addr, size); err != nil {
		return err
	}
	for i := 1; i < len(frags); i += 2 {
		if err := h.oracle.Release(frags[i].addr, frags[i].size); err != nil {
			return err
		}
	}
	return nil
}

// mremapSharedDup makes a second view of a shared anonymous mapping by
// remapping it with zero old length.
func (h *Harness) mremapSharedDup(context.Context) error {
	length := 2 * h.page
	addr, err := h.oracle.Reserve(MapRequest{Length: length, Prot: ProtRW, Sharing: Shared})
	if err != nil {
		return err
	}
	fill(Bytes(addr, length), 0x77)
	dup, err := h.oracle.Relocate(addr, 0, length, RemapMayMove, 0)
	if err != nil {
		return err
	}
	if !bytes.Equal(Bytes(dup, length), Bytes(addr, length)) {
		return violationf("read", fmt.Sprintf("duplicate %#x of %#x", dup, addr), "same content", "different content")
	}
	storeByte(dup, 0xee)
	if Bytes(addr, 1)[0] != 0xee {
		return violationf("write", fmt.Sprintf("duplicate %#x of %#x", dup, addr), "write visible through original", "not visible")
	}
	return releaseAll(h.oracle, []uintptr{addr, dup}, length)
}
