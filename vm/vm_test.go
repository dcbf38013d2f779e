package vm

import (
	"bytes"
	"testing"

	"kern/defs"
	"kern/mem"
)

const testVa = 0x10000

func mkAs(t *testing.T, pm *mem.PageManager_t, pages int) *Vm_t {
	t.Helper()
	as, ok := NewVm(pm)
	if !ok {
		t.Fatal("NewVm failed")
	}
	as.Vmadd_anon(testVa, pages*PGSIZE, PTE_R|PTE_W|PTE_U)
	return as
}

func TestAnonFaultPopulatesPage(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 4)
	defer as.Uvmfree()

	if err := as.Pgfault(testVa+123, true); err != 0 {
		t.Fatalf("fault on anon region failed: %v", err)
	}
	pte, ok := as.Lookup(testVa)
	if !ok || !pte.Valid() {
		t.Fatal("faulted page is not mapped")
	}
	if !pte.Writable() || !pte.User() {
		t.Errorf("faulted page flags = %#x, want writable user page", pte.Flags())
	}
	if n := pm.Refcnt(pte.Pa()); n != 1 {
		t.Errorf("fresh anon page refcnt = %d, want 1", n)
	}
}

func TestFaultOutsideAnyRegion(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 1)
	defer as.Uvmfree()

	if err := as.Pgfault(0x7f000000, false); err != -defs.VirtualPageNotMapped {
		t.Errorf("fault outside regions = %v, want VirtualPageNotMapped", err)
	}
}

func TestCopyRoundTripAcrossPages(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 4)
	defer as.Uvmfree()

	// straddle a page boundary on purpose.
	uva := testVa + PGSIZE - 100
	src := make([]uint8, 300)
	for i := range src {
		src[i] = uint8(i)
	}
	if err := as.K2user(src, uva); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	dst := make([]uint8, len(src))
	if err := as.User2k(dst, uva); err != 0 {
		t.Fatalf("User2k failed: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatal("K2user/User2k round trip corrupted data")
	}
}

func TestUserstr(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 2)
	defer as.Uvmfree()

	if err := as.K2user(append([]byte("hello/path"), 0), testVa+50); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	s, err := as.Userstr(testVa+50, 64)
	if err != 0 {
		t.Fatalf("Userstr failed: %v", err)
	}
	if s.String() != "hello/path" {
		t.Errorf("Userstr = %q, want %q", s.String(), "hello/path")
	}
}

func TestUserstrTooLong(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 2)
	defer as.Uvmfree()

	long := bytes.Repeat([]byte{'a'}, 200)
	if err := as.K2user(long, testVa); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	if _, err := as.Userstr(testVa, 100); err != -defs.ArgumentListTooLong {
		t.Errorf("unterminated Userstr = %v, want ArgumentListTooLong", err)
	}
}

// TestCowCloneRefcounts is the page-sharing invariant: after a clone,
// each shared page's refcount equals the number of PTEs pointing at it,
// and resolving the COW faults brings the counts back down.
func TestCowCloneRefcounts(t *testing.T) {
	pm := mem.NewPageManager(128)
	parent := mkAs(t, pm, 3)
	defer parent.Uvmfree()

	for i := 0; i < 3; i++ {
		if err := parent.K2user([]byte{uint8(0x10 + i)}, testVa+i*PGSIZE); err != 0 {
			t.Fatalf("populate page %d: %v", i, err)
		}
	}

	child, ok := NewVm(pm)
	if !ok {
		t.Fatal("NewVm for child failed")
	}
	defer child.Uvmfree()
	if err := child.ClonePagesFrom(parent); err != 0 {
		t.Fatalf("ClonePagesFrom failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		va := testVa + i*PGSIZE
		ppte, _ := parent.Lookup(va)
		cpte, ok := child.Lookup(va)
		if !ok {
			t.Fatalf("child lacks a mapping for page %d", i)
		}
		if ppte.Pa() != cpte.Pa() {
			t.Fatalf("page %d not shared after clone", i)
		}
		if ppte.Writable() || cpte.Writable() {
			t.Errorf("page %d still writable after COW clone", i)
		}
		if !ppte.Cow() || !cpte.Cow() {
			t.Errorf("page %d not marked COW after clone", i)
		}
		if n := pm.Refcnt(ppte.Pa()); n != 2 {
			t.Errorf("shared page %d refcnt = %d, want 2 (one per PTE)", i, n)
		}
	}

	// child writes page 0: the page must be duplicated and both sides
	// drop back to sole ownership.
	if err := child.Pgfault(testVa, true); err != 0 {
		t.Fatalf("COW fault failed: %v", err)
	}
	ppte, _ := parent.Lookup(testVa)
	cpte, _ := child.Lookup(testVa)
	if ppte.Pa() == cpte.Pa() {
		t.Fatal("write fault did not duplicate the shared page")
	}
	if !cpte.Writable() || cpte.Cow() {
		t.Errorf("child page flags after COW resolve = %#x, want writable non-COW", cpte.Flags())
	}
	if n := pm.Refcnt(ppte.Pa()); n != 1 {
		t.Errorf("parent page refcnt = %d after duplication, want 1", n)
	}
	if n := pm.Refcnt(cpte.Pa()); n != 1 {
		t.Errorf("child page refcnt = %d after duplication, want 1", n)
	}
	// the copy carries the parent's bytes.
	if got := pm.Deref(cpte.Pa())[0]; got != 0x10 {
		t.Errorf("duplicated page byte = %#x, want 0x10", got)
	}

	// parent writes page 1 while it is the... still-shared case first:
	// after the child resolves page 1 too, the parent is sole owner and
	// its own fault flips the flags in place without copying.
	if err := child.Pgfault(testVa+PGSIZE, true); err != 0 {
		t.Fatalf("child COW fault on page 1 failed: %v", err)
	}
	before, _ := parent.Lookup(testVa + PGSIZE)
	if err := parent.Pgfault(testVa+PGSIZE, true); err != 0 {
		t.Fatalf("parent COW fault on page 1 failed: %v", err)
	}
	after, _ := parent.Lookup(testVa + PGSIZE)
	if before.Pa() != after.Pa() {
		t.Error("sole owner's COW fault copied instead of reclaiming the page")
	}
	if !after.Writable() || after.Cow() {
		t.Errorf("sole owner's flags = %#x, want writable non-COW", after.Flags())
	}
}

func TestMapAddrsAndUnmapAddrs(t *testing.T) {
	pm := mem.NewPageManager(64)
	as, ok := NewVm(pm)
	if !ok {
		t.Fatal("NewVm failed")
	}
	defer as.Uvmfree()

	const pages = 3
	if err := as.MapAddrs(testVa, pages*PGSIZE, PTE_R|PTE_W|PTE_U, true); err != 0 {
		t.Fatalf("MapAddrs failed: %v", err)
	}
	for i := 0; i < pages; i++ {
		pte, ok := as.Lookup(testVa + i*PGSIZE)
		if !ok || !pte.Valid() {
			t.Fatalf("page %d not mapped after MapAddrs", i)
		}
		if n := pm.Refcnt(pte.Pa()); n != 1 {
			t.Errorf("page %d refcnt = %d, want 1", i, n)
		}
	}

	as.UnmapAddrs(testVa, pages*PGSIZE)
	for i := 0; i < pages; i++ {
		if _, ok := as.Lookup(testVa + i*PGSIZE); ok {
			t.Errorf("page %d still mapped after UnmapAddrs", i)
		}
	}
}

func TestMapAddrsRollsBackOnExhaustion(t *testing.T) {
	// room for the root, one directory chain, and one data page only.
	pm := mem.NewPageManager(4)
	as, ok := NewVm(pm)
	if !ok {
		t.Fatal("NewVm failed")
	}

	if err := as.MapAddrs(testVa, 8*PGSIZE, PTE_R|PTE_W|PTE_U, false); err != -defs.NoFreePage {
		t.Fatalf("MapAddrs over a tiny arena = %v, want NoFreePage", err)
	}
	// the partial mapping must have been unwound: no leaf pages remain
	// referenced.
	free, total := pm.Stats()
	inUse := total - free
	if inUse > 3 { // root + at most two directory levels
		t.Errorf("%d pages still in use after rollback, want only page-table pages", inUse)
	}
}

func TestUvmfreeReturnsEveryPage(t *testing.T) {
	pm := mem.NewPageManager(128)
	as := mkAs(t, pm, 4)
	for i := 0; i < 4; i++ {
		if err := as.K2user([]byte{1}, testVa+i*PGSIZE); err != 0 {
			t.Fatalf("populate page %d: %v", i, err)
		}
	}
	as.Uvmfree()

	free, total := pm.Stats()
	if free != total {
		t.Errorf("teardown leaked pages: %d free of %d total", free, total)
	}
}

// TestValidateThenCopyNeverFaults is the validation property: once
// Validate accepts a range, the copies through its buffer cannot hit
// an invalid address.
func TestValidateThenCopyNeverFaults(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 4)
	defer as.Uvmfree()

	uva := testVa + PGSIZE - 64 // crosses a page boundary
	v, err := as.Validate(uva, 128, PTE_U|PTE_W)
	if err != 0 {
		t.Fatalf("Validate of a mapped anon range failed: %v", err)
	}
	defer v.Release()

	payload := bytes.Repeat([]byte{0x5a}, 128)
	n, werr := v.Userbuf().Uiowrite(payload)
	if werr != 0 || n != len(payload) {
		t.Fatalf("copy into validated range moved %d bytes, err %v", n, werr)
	}
	back := make([]uint8, 128)
	if err := as.User2k(back, uva); err != 0 {
		t.Fatalf("readback failed: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Fatal("validated copy round trip corrupted data")
	}
}

func TestValidateRejectsUnmappedRange(t *testing.T) {
	pm := mem.NewPageManager(64)
	as := mkAs(t, pm, 1)
	defer as.Uvmfree()

	if _, err := as.Validate(0x40000000, 64, PTE_U|PTE_R); err != -defs.BadAddress {
		t.Errorf("Validate of unmapped range = %v, want BadAddress", err)
	}
}

func TestValidateCowCountsAsWritable(t *testing.T) {
	pm := mem.NewPageManager(128)
	parent := mkAs(t, pm, 1)
	defer parent.Uvmfree()
	if err := parent.K2user([]byte{1}, testVa); err != 0 {
		t.Fatalf("populate failed: %v", err)
	}

	child, ok := NewVm(pm)
	if !ok {
		t.Fatal("NewVm failed")
	}
	defer child.Uvmfree()
	if err := child.ClonePagesFrom(parent); err != 0 {
		t.Fatalf("clone failed: %v", err)
	}

	// the page is now read-only + C in both spaces; a write validation
	// must still pass, with the duplication deferred to the copy.
	v, err := child.Validate(testVa, 16, PTE_U|PTE_W)
	if err != 0 {
		t.Fatalf("Validate of a COW page for writing = %v, want success", err)
	}
	defer v.Release()
	if n, werr := v.Userbuf().Uiowrite([]byte("abcdefghijklmnop")); werr != 0 || n != 16 {
		t.Fatalf("write through validated COW range moved %d, err %v", n, werr)
	}
	// the parent's copy must be untouched.
	var got [1]uint8
	if err := parent.User2k(got[:], testVa); err != 0 {
		t.Fatalf("parent readback failed: %v", err)
	}
	if got[0] != 1 {
		t.Errorf("parent saw the child's write through a COW page: %d", got[0])
	}
}
