package vmm

import (
	"emberos/kernel/mm"
	"testing"
)

func TestMapTranslateRoundTrip(t *testing.T) {
	for _, levels := range []uint8{4, 5} {
		env := newTestEnv(t, levels, true)
		as := env.kernelSpace(t)

		specs := []struct {
			virtAddr uintptr
			physAddr mm.PhysAddr
			flags    MapFlags
		}{
			{0x1000, 0x2000, MapWrite},
			{0x7fff_ffff_f000, 0x1234_5000, MapUser | MapExec},
			{0xffff_8800_0000_0000, 0xfee0_0000, MapWrite | CacheMMIO},
			{0xffff_ffff_ffff_f000, 0xf_ffff_f000, MapGlobal},
		}

		for specIndex, spec := range specs {
			if err := as.Map(spec.virtAddr, spec.physAddr, spec.flags); err != nil {
				t.Fatalf("[levels %d spec %d] unexpected Map error: %v", levels, specIndex, err)
			}

			if got, err := as.Translate(spec.virtAddr + 0x123); err != nil || got != spec.physAddr+0x123 {
				t.Errorf("[levels %d spec %d] expected Translate to return 0x%x; got 0x%x, %v", levels, specIndex, spec.physAddr+0x123, got, err)
			}

			m, ok := as.Lookup(spec.virtAddr)
			if !ok || m.Flags != spec.flags || m.PageSize != mm.PageSize {
				t.Errorf("[levels %d spec %d] expected Lookup to report flags 0x%x; got %+v, %t", levels, specIndex, spec.flags, m, ok)
			}

			flushes := env.mmu.Flushes()
			if len(flushes) == 0 || flushes[len(flushes)-1] != spec.virtAddr {
				t.Errorf("[levels %d spec %d] expected TLB entry for 0x%x to be flushed", levels, specIndex, spec.virtAddr)
			}

			if err := as.Unmap(spec.virtAddr, spec.flags); err != nil {
				t.Fatalf("[levels %d spec %d] unexpected Unmap error: %v", levels, specIndex, err)
			}

			if got, err := as.Translate(spec.virtAddr); err != ErrInvalidMapping || got != mm.InvalidPhysAddr {
				t.Errorf("[levels %d spec %d] expected unmapped address to be reported as invalid; got 0x%x, %v", levels, specIndex, got, err)
			}
		}
	}
}

func TestMapArgumentErrors(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	specs := []struct {
		virtAddr uintptr
		physAddr mm.PhysAddr
		flags    MapFlags
		expErr   error
	}{
		{0x1001, 0x2000, MapWrite, ErrMisaligned},
		{0x1000, 0x2010, MapWrite, ErrMisaligned},
		{0x201000, 0x200000, MapPage2M, ErrMisaligned},
		{0x40000000, 0x40200000, MapPage1G, ErrMisaligned},
		{0x1000, 0x2000, MapPage2M | MapPage1G, ErrInvalidFlags},
		{0x1000, 0x2000, cacheModes, ErrInvalidFlags},
	}

	for specIndex, spec := range specs {
		if err := as.Map(spec.virtAddr, spec.physAddr, spec.flags); err != spec.expErr {
			t.Errorf("[spec %d] expected Map error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if err := as.Unmap(0x1000, MapWrite); err != ErrAddressUnreachable {
		t.Errorf("expected unmapping an unmapped page to fail with ErrAddressUnreachable; got %v", err)
	}
	if err := as.SetFlags(0x1000, MapWrite); err != ErrAddressUnreachable {
		t.Errorf("expected SetFlags on an unmapped page to fail with ErrAddressUnreachable; got %v", err)
	}
	if err := as.Remap(0x1000, 0x2000, MapWrite); err != ErrInvalidMapping {
		t.Errorf("expected Remap of an unmapped page to fail with ErrInvalidMapping; got %v", err)
	}
}

func TestLargePageSplit(t *testing.T) {
	specs := []struct {
		largeFlags MapFlags
		smallFlags MapFlags
		expFlags   MapFlags
	}{
		{MapWrite | MapPage2M, MapExec | CacheWriteThrough, MapWrite},
		{MapWrite | MapGlobal | CacheWriteProtect | MapPage2M, MapUser, MapWrite | MapGlobal | CacheWriteProtect},
		{MapExec | CacheUncached | MapPage2M, MapWrite | CacheMMIO, MapExec | CacheUncached},
	}

	for _, levels := range []uint8{4, 5} {
		for specIndex, spec := range specs {
			env := newTestEnv(t, levels, true)
			as := env.kernelSpace(t)

			var (
				virtAddr  = uintptr(0x4000_0000)
				physAddr  = mm.PhysAddr(0x20_0000)
				splitAddr = virtAddr + 5*mm.PageSize
			)
			if err := as.Map(virtAddr, physAddr, spec.largeFlags); err != nil {
				t.Fatalf("[levels %d spec %d] unexpected Map error: %v", levels, specIndex, err)
			}
			if m, _ := as.Lookup(virtAddr); m.PageSize != mm.LargePageSize {
				t.Fatalf("[levels %d spec %d] expected a 2M page; got %+v", levels, specIndex, m)
			}

			if err := as.Map(splitAddr, 0x90_0000, spec.smallFlags); err != nil {
				t.Fatalf("[levels %d spec %d] unexpected Map error: %v", levels, specIndex, err)
			}

			for i := uintptr(0); i < mm.LargePageSize/mm.PageSize; i++ {
				m, ok := as.Lookup(virtAddr + i*mm.PageSize)
				if !ok || m.PageSize != mm.PageSize {
					t.Fatalf("[levels %d spec %d] expected page %d to be mapped as a 4K page; got %+v, %t", levels, specIndex, i, m, ok)
				}

				expPhys, expFlags := physAddr+mm.PhysAddr(i*mm.PageSize), spec.expFlags
				if i == 5 {
					expPhys, expFlags = 0x90_0000, spec.smallFlags
				}
				if m.Phys != expPhys || m.Flags != expFlags {
					t.Fatalf("[levels %d spec %d] expected page %d to map 0x%x with flags 0x%x; got 0x%x with flags 0x%x", levels, specIndex, i, expPhys, expFlags, m.Phys, m.Flags)
				}
			}
		}
	}
}

func TestGiantPageSplitInto2M(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	virtAddr := uintptr(0xffff_9000_0000_0000)
	if err := as.Map(virtAddr, 0x4000_0000, MapWrite|MapPage1G); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	// Unmapping a 2M chunk splits the 1G leaf into 2M leaves only.
	if err := as.Unmap(virtAddr+mm.LargePageSize, MapPage2M); err != nil {
		t.Fatalf("unexpected Unmap error: %v", err)
	}

	if _, ok := as.Lookup(virtAddr + mm.LargePageSize + 0x1000); ok {
		t.Fatal("expected unmapped 2M chunk to stay unmapped")
	}
	m, ok := as.Lookup(virtAddr + 2*mm.LargePageSize)
	if !ok || m.PageSize != mm.LargePageSize || m.Phys != 0x4040_0000 || m.Flags != MapWrite|MapPage2M {
		t.Fatalf("expected neighbouring chunk to be a 2M page at 0x40400000; got %+v, %t", m, ok)
	}
}

func TestGiantPageDecomposition(t *testing.T) {
	specs := []struct {
		giant    bool
		expSize  uintptr
		expFlags MapFlags
	}{
		{true, mm.GiantPageSize, MapWrite | MapPage1G},
		{false, mm.LargePageSize, MapWrite | MapPage2M},
	}

	for _, spec := range specs {
		env := newTestEnv(t, 4, spec.giant)
		as := env.kernelSpace(t)

		virtAddr := uintptr(0xffff_a000_0000_0000)
		if err := as.Map(virtAddr, 0x1_0000_0000, MapWrite|MapPage1G); err != nil {
			t.Fatalf("giant=%t: unexpected Map error: %v", spec.giant, err)
		}

		m, ok := as.Lookup(virtAddr + 0x30_0000)
		if !ok || m.PageSize != spec.expSize || m.Flags != spec.expFlags {
			t.Errorf("giant=%t: expected page of size %d with flags 0x%x; got %+v, %t", spec.giant, spec.expSize, spec.expFlags, m, ok)
		}

		lastByte := virtAddr + mm.GiantPageSize - 1
		if got, err := as.Translate(lastByte); err != nil || got != 0x1_3fff_ffff {
			t.Errorf("giant=%t: expected last byte to translate to 0x13fffffff; got 0x%x, %v", spec.giant, got, err)
		}

		if err := as.Unmap(virtAddr, MapPage1G); err != nil {
			t.Fatalf("giant=%t: unexpected Unmap error: %v", spec.giant, err)
		}
		if _, err := as.Translate(lastByte); err != ErrInvalidMapping {
			t.Errorf("giant=%t: expected ErrInvalidMapping after Unmap; got %v", spec.giant, err)
		}
	}
}

func TestLargePageReplacesTable(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	virtAddr := uintptr(0x60_0000)
	if err := as.Map(virtAddr+mm.PageSize, 0x3000, MapWrite); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	used := env.usedFrames()
	if err := as.Map(virtAddr, 0x80_0000, MapWrite|MapPage2M); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	if got := env.usedFrames(); got != used-1 {
		t.Errorf("expected the replaced page table to be freed; used frames went from %d to %d", used, got)
	}
	if got, _ := as.Translate(virtAddr + mm.PageSize); got != 0x80_1000 {
		t.Errorf("expected the 2M page to take over; got 0x%x", got)
	}
}

func TestSetFlags(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	virtAddr := uintptr(0x7000)
	if err := as.Map(virtAddr, 0xa000, MapWrite); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}
	if err := as.SetFlags(virtAddr, MapUser|CacheWriteCombining); err != nil {
		t.Fatalf("unexpected SetFlags error: %v", err)
	}

	m, ok := as.Lookup(virtAddr)
	if !ok || m.Phys != 0xa000 || m.Flags != MapUser|CacheWriteCombining {
		t.Fatalf("expected SetFlags to keep the address and replace the flags; got %+v, %t", m, ok)
	}

	// A table cannot have its flags set as if it were a 2M page.
	if err := as.SetFlags(0, MapPage2M); err != ErrAddressUnreachable {
		t.Fatalf("expected ErrAddressUnreachable; got %v", err)
	}
}

func TestRemap(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	if err := as.Map(0x10000, 0x5000, MapWrite); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}
	if err := as.Remap(0x10000, 0x20000, MapExec); err != nil {
		t.Fatalf("unexpected Remap error: %v", err)
	}

	if _, err := as.Translate(0x10000); err != ErrInvalidMapping {
		t.Errorf("expected old address to be unmapped; got %v", err)
	}
	m, ok := as.Lookup(0x20000)
	if !ok || m.Phys != 0x5000 || m.Flags != MapExec {
		t.Errorf("expected new address to map 0x5000 with MapExec; got %+v, %t", m, ok)
	}
}

func TestRemapRejectsSmallerPages(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	var (
		oldVirt  = uintptr(0x4000_0000)
		newVirt  = uintptr(0x8000_0000)
		physAddr = mm.PhysAddr(0x10_0000)
	)
	if err := as.MapRange(oldVirt, physAddr, 4, MapWrite); err != nil {
		t.Fatalf("unexpected MapRange error: %v", err)
	}
	used := env.usedFrames()

	if err := as.Remap(oldVirt, newVirt, MapWrite|MapPage2M); err != ErrAddressUnreachable {
		t.Errorf("expected a 2M remap of 4K pages to fail with ErrAddressUnreachable; got %v", err)
	}
	if err := as.Unmap(oldVirt, MapPage2M); err != ErrAddressUnreachable {
		t.Errorf("expected a 2M unmap of 4K pages to fail with ErrAddressUnreachable; got %v", err)
	}

	for i := uintptr(0); i < 4; i++ {
		m, ok := as.Lookup(oldVirt + i*mm.PageSize)
		if exp := physAddr + mm.PhysAddr(i*mm.PageSize); !ok || m.Phys != exp || m.PageSize != mm.PageSize {
			t.Errorf("page %d: expected the 4K mapping of 0x%x to survive; got %+v, %t", i, exp, m, ok)
		}
	}
	if _, ok := as.Lookup(newVirt); ok {
		t.Error("expected nothing to be mapped at the target address")
	}
	if got := env.usedFrames(); got != used {
		t.Errorf("expected no page tables to be released; used frames went from %d to %d", used, got)
	}
}

func TestRemapLargePages(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	// a 4K piece of a 2M page
	if err := as.Map(0x60_0000, 0x80_0000, MapWrite|MapPage2M); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}
	if err := as.Remap(0x60_3000, 0x9000, MapWrite); err != nil {
		t.Fatalf("unexpected Remap error: %v", err)
	}
	if m, ok := as.Lookup(0x9000); !ok || m.Phys != 0x80_3000 || m.PageSize != mm.PageSize {
		t.Errorf("expected the moved piece to map 0x803000; got %+v, %t", m, ok)
	}
	if _, ok := as.Lookup(0x60_3000); ok {
		t.Error("expected the moved piece to be unmapped at its old address")
	}
	if m, ok := as.Lookup(0x60_4000); !ok || m.Phys != 0x80_4000 {
		t.Errorf("expected the rest of the 2M page to stay mapped; got %+v, %t", m, ok)
	}

	// a whole 2M page
	if err := as.Map(0xc0_0000, 0x100_0000, MapWrite|MapPage2M); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}
	if err := as.Remap(0xc0_0000, 0xe0_0000, MapPage2M); err != nil {
		t.Fatalf("unexpected Remap error: %v", err)
	}
	if m, ok := as.Lookup(0xe0_1000); !ok || m.Phys != 0x100_0000 || m.PageSize != mm.LargePageSize || m.Flags != MapPage2M {
		t.Errorf("expected a read-only 2M page at 0x1000000; got %+v, %t", m, ok)
	}
}

func TestRangeOperations(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	var (
		virtAddr = uintptr(0x1f_e000)
		newVirt  = uintptr(0x4000_0000)
		count    = uintptr(6)
	)

	if err := as.MapRange(virtAddr, 0x10_0000, count, MapWrite); err != nil {
		t.Fatalf("unexpected MapRange error: %v", err)
	}
	if err := as.SetFlagsRange(virtAddr, count, MapUser); err != nil {
		t.Fatalf("unexpected SetFlagsRange error: %v", err)
	}
	for i := uintptr(0); i < count; i++ {
		m, ok := as.Lookup(virtAddr + i*mm.PageSize)
		if !ok || m.Phys != 0x10_0000+mm.PhysAddr(i*mm.PageSize) || m.Flags != MapUser {
			t.Fatalf("page %d: unexpected mapping %+v, %t", i, m, ok)
		}
	}

	if err := as.RemapRange(virtAddr, newVirt, count, MapWrite); err != nil {
		t.Fatalf("unexpected RemapRange error: %v", err)
	}
	for i := uintptr(0); i < count; i++ {
		if _, ok := as.Lookup(virtAddr + i*mm.PageSize); ok {
			t.Fatalf("page %d: expected old address to be unmapped", i)
		}
		if got, _ := as.Translate(newVirt + i*mm.PageSize); got != 0x10_0000+mm.PhysAddr(i*mm.PageSize) {
			t.Fatalf("page %d: expected remapped page to keep its frame; got 0x%x", i, got)
		}
	}

	if err := as.UnmapRange(newVirt, count+1, MapWrite); err != ErrAddressUnreachable {
		t.Fatalf("expected UnmapRange to report the unmapped tail; got %v", err)
	}
	for i := uintptr(0); i < count; i++ {
		if _, ok := as.Lookup(newVirt + i*mm.PageSize); ok {
			t.Fatalf("page %d: expected UnmapRange to unmap every page", i)
		}
	}
}

func TestMapRangeRollback(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	// Only the tables for the first 2M are available; the second half of
	// the range needs another page table.
	as.mgr.frames = &failingFrames{FrameAllocator: env.frames, remaining: 3}

	virtAddr := uintptr(0x1f_e000)
	if err := as.MapRange(virtAddr, 0x10_0000, 4, MapWrite); err != ErrAddressUnreachable {
		t.Fatalf("expected ErrAddressUnreachable; got %v", err)
	}

	for i := uintptr(0); i < 4; i++ {
		if _, ok := as.Lookup(virtAddr + i*mm.PageSize); ok {
			t.Errorf("page %d: expected mapped prefix to be rolled back", i)
		}
	}
}

func TestMapTableAllocationFailure(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	if err := as.Map(0x4000_0000, 0, MapWrite|MapPage1G); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	as.mgr.frames = &failingFrames{FrameAllocator: env.frames}
	if err := as.Map(0x4000_1000, 0x1000, MapWrite); err != ErrAddressUnreachable {
		t.Fatalf("expected ErrAddressUnreachable when a split cannot allocate; got %v", err)
	}
	if m, ok := as.Lookup(0x4000_1000); !ok || m.PageSize != mm.GiantPageSize {
		t.Fatalf("expected the 1G page to survive a failed split; got %+v, %t", m, ok)
	}
}
