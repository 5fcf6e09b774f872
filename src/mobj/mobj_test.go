package mobj

import (
	"testing"

	"weenix/src/mem"
	"weenix/src/res"
)

func newPager(t *testing.T) *mem.Physmem {
	t.Helper()
	return mem.NewPager(64)
}

func readByte(t *testing.T, pager mem.Pager, pf *PFrame) byte {
	t.Helper()
	return pager.Dmap(pf.Pa)[0]
}

func writeByte(t *testing.T, pager mem.Pager, pf *PFrame, b byte) {
	t.Helper()
	pager.Dmap(pf.Pa)[0] = b
}

func TestAnonFillIsZeroed(t *testing.T) {
	pager := newPager(t)
	a := NewAnon(pager)
	pf, err := a.GetPframe(0, false)
	if err != 0 {
		t.Fatalf("GetPframe: %d", err)
	}
	if got := readByte(t, pager, pf); got != 0 {
		t.Fatalf("fresh anon page byte = %d, want 0", got)
	}
}

func TestShadowForkWriteDivergence(t *testing.T) {
	// Simulates fork-and-write divergence (spec.md §8 scenario 1):
	// parent writes 0xAA to a page, then a shadow "child" view of the
	// same bottom object writes 0xBB; each must observe only its own
	// byte.
	pager := newPager(t)
	bottom := NewAnon(pager)

	parentShadow := NewShadow(pager, bottom, bottom)
	childShadow := NewShadow(pager, bottom, bottom)

	ppf, err := parentShadow.GetPframe(0, true)
	if err != 0 {
		t.Fatalf("parent GetPframe: %d", err)
	}
	writeByte(t, pager, ppf, 0xAA)

	cpf, err := childShadow.GetPframe(0, true)
	if err != 0 {
		t.Fatalf("child GetPframe: %d", err)
	}
	writeByte(t, pager, cpf, 0xBB)

	// Re-fetch to make sure each shadow's own copy, not a transient
	// reference, carries the divergent byte.
	ppf2, _ := parentShadow.GetPframe(0, false)
	cpf2, _ := childShadow.GetPframe(0, false)
	if got := readByte(t, pager, ppf2); got != 0xAA {
		t.Fatalf("parent page = %#x, want 0xAA", got)
	}
	if got := readByte(t, pager, cpf2); got != 0xBB {
		t.Fatalf("child page = %#x, want 0xBB", got)
	}
}

func TestShadowReadFallsThroughWithoutCopying(t *testing.T) {
	pager := newPager(t)
	bottom := NewAnon(pager)
	bpf, _ := bottom.GetPframe(3, true)
	writeByte(t, pager, bpf, 0x42)

	s := NewShadow(pager, bottom, bottom)
	// A read-only fault should observe bottom's data without
	// materializing a private copy in s.
	pf, err := s.GetPframe(3, false)
	if err != 0 {
		t.Fatalf("GetPframe: %d", err)
	}
	if got := readByte(t, pager, pf); got != 0x42 {
		t.Fatalf("shadow read = %#x, want 0x42", got)
	}
	if _, ok := s.frame(3); ok {
		t.Fatalf("read-only fault must not materialize a local copy")
	}
}

func TestShadowReadMissFallsThroughToBottomWithoutCopying(t *testing.T) {
	// Unlike the above, bottom has nothing resident yet at this page:
	// findResidentDown must report not-found, and the read must still
	// delegate straight to bottom.GetPframe rather than fill a local
	// copy in s via getOrFill.
	pager := newPager(t)
	bottom := NewAnon(pager)
	s := NewShadow(pager, bottom, bottom)

	pf, err := s.GetPframe(5, false)
	if err != 0 {
		t.Fatalf("GetPframe: %d", err)
	}
	if got := readByte(t, pager, pf); got != 0 {
		t.Fatalf("fresh read-through page = %d, want 0", got)
	}
	if _, ok := s.frame(5); ok {
		t.Fatalf("read-only miss must not materialize a local copy in the shadow")
	}
	if _, ok := bottom.frame(5); !ok {
		t.Fatalf("read-only miss must fill the page in bottom, not the shadow")
	}
}

func TestShadowChainWalkIsIterativeAndBounded(t *testing.T) {
	// Build a long shadow chain (simulating repeated forks) and make
	// sure a read at the bottom still resolves, consuming exactly one
	// budget unit per hop (spec.md §9: iterative, never recursive).
	pager := newPager(t)
	bottom := NewAnon(pager)
	bpf, _ := bottom.GetPframe(0, true)
	writeByte(t, pager, bpf, 7)

	const depth = 500
	chain := MObj(bottom)
	for i := 0; i < depth; i++ {
		s := NewShadow(pager, chain, bottom)
		chain = s
	}

	res.Reset()
	pf, err := chain.GetPframe(0, false)
	if err != 0 {
		t.Fatalf("GetPframe across %d-deep chain: %d", depth, err)
	}
	if got := readByte(t, pager, pf); got != 7 {
		t.Fatalf("deep chain read = %d, want 7", got)
	}

	// Exhausting the budget must fail cleanly rather than recurse
	// forever.
	prev := res.SetBudget(1)
	defer res.SetBudget(prev)
	if _, err := chain.GetPframe(0, false); err == 0 {
		t.Fatalf("expected ENOHEAP when budget is exhausted walking a deep chain")
	}
}

func TestShadowCollapseNeverLosesPframes(t *testing.T) {
	pager := newPager(t)
	bottom := NewAnon(pager)

	mid := NewShadow(pager, bottom, bottom)
	midPf, _ := mid.GetPframe(1, true)
	writeByte(t, pager, midPf, 9)

	top := NewShadow(pager, mid, bottom)
	// top now holds its own reference to mid; retire the local
	// variable's original reference the same way proc.Fork retires a
	// reshadowed area's pre-fork reference, so mid ends up solely
	// owned by top (refcount 1) and eligible for collapse.
	mid.Put()
	topPf, _ := top.GetPframe(2, true)
	writeByte(t, pager, topPf, 11)

	// Before collapse, top can see both its own page 2 and mid's page
	// 1 (via fall-through).
	before1, ok1 := top.GetPframe(1, false)
	if ok1 != 0 {
		t.Fatalf("pre-collapse read of page 1: %d", ok1)
	}
	beforeByte1 := readByte(t, pager, before1)

	top.Collapse()

	after1, err := top.GetPframe(1, false)
	if err != 0 {
		t.Fatalf("post-collapse read of page 1: %d", err)
	}
	if got := readByte(t, pager, after1); got != beforeByte1 {
		t.Fatalf("collapse lost page 1: got %d, want %d", got, beforeByte1)
	}
	after2, err := top.GetPframe(2, false)
	if err != 0 {
		t.Fatalf("post-collapse read of page 2: %d", err)
	}
	if got := readByte(t, pager, after2); got != 11 {
		t.Fatalf("collapse lost page 2: got %d, want 11", got)
	}

	// mid had refcount 1 (only top referenced it), so collapse must
	// have spliced it out of the chain entirely: top.shadowed now
	// points straight at bottom.
	if top.shadowed != MObj(bottom) {
		t.Fatalf("collapse did not splice mid out of the chain")
	}
}

func TestShadowCollapseSkipsSharedMiddle(t *testing.T) {
	pager := newPager(t)
	bottom := NewAnon(pager)
	mid := NewShadow(pager, bottom, bottom)
	mid.Ref() // a second owner besides `top`, so retiring the local
	// variable's own reference still leaves refcount > 1

	top := NewShadow(pager, mid, bottom)
	mid.Put()
	top.Collapse()

	if top.shadowed != mid {
		t.Fatalf("collapse must not splice out a shadowed link with refcount > 1")
	}
}

func TestAnonPutFreesFrames(t *testing.T) {
	pager := newPager(t)
	before := pager.Free()
	a := NewAnon(pager)
	pf, _ := a.GetPframe(0, true)
	_ = pf
	if pager.Free() == before {
		t.Fatalf("expected a page to be consumed")
	}
	a.Put()
	if pager.Free() != before {
		t.Fatalf("Put did not return the anon object's frames to the pager")
	}
}
