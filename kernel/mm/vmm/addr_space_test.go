package vmm

import (
	"bytes"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"strings"
	"testing"
)

func TestDestroyLogsRejectedTableRelease(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	env := newTestEnv(t, 4, true)
	env.kernelSpace(t)

	user, err := env.mgr.NewAddressSpace(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := user.Map(0x1000, 0x9000, MapUser); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	used := env.usedFrames()
	env.mgr.frames = rejectingFrames{FrameAllocator: env.frames}
	defer func() { env.mgr.frames = env.frames }()

	user.Destroy()
	if got := env.usedFrames(); got != used {
		t.Fatalf("expected rejected releases to leave %d frames in use; got %d", used, got)
	}
	if !strings.Contains(buf.String(), "[vmm] unable to release page table at 0x") {
		t.Fatalf("expected the rejected release to be logged; got %q", buf.String())
	}
}

func TestInitAddressSpace(t *testing.T) {
	env := newTestEnv(t, 4, true)

	var user AddressSpace
	if err := env.mgr.InitAddressSpace(&user, false); err != errNoKernelSpace {
		t.Fatalf("expected errNoKernelSpace; got %v", err)
	}

	used := env.usedFrames()
	kernelAS := env.kernelSpace(t)
	if got, exp := env.usedFrames()-used, uintptr(1+entriesPerTable/2); got != exp {
		t.Fatalf("expected kernel space to allocate %d tables; got %d", exp, got)
	}
	if !kernelAS.IsKernel() || env.mgr.KernelSpace() != kernelAS {
		t.Fatal("expected the manager to track the kernel space")
	}

	root := env.mgr.table(kernelAS.Root())
	for i := 0; i < entriesPerTable; i++ {
		present := root[i].HasFlags(FlagPresent)
		if exp := i >= entriesPerTable/2; present != exp {
			t.Fatalf("root entry %d: expected present=%t", i, exp)
		}
	}

	if err := env.mgr.InitAddressSpace(&user, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	userRoot := env.mgr.table(user.Root())
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		if userRoot[i] != root[i] {
			t.Fatalf("root entry %d: expected user space to share the kernel table", i)
		}
	}
}

func TestPATProgrammedOnce(t *testing.T) {
	env := newTestEnv(t, 4, true)

	for i := 0; i < 3; i++ {
		_ = env.kernelSpace(t)
	}

	value, writes := env.mmu.PAT()
	if writes != 1 || value != patValue {
		t.Fatalf("expected one PAT write of 0x%x; got %d writes, last value 0x%x", patValue, writes, value)
	}
}

func TestUserSpaceSeesKernelMappings(t *testing.T) {
	env := newTestEnv(t, 4, true)
	kernelAS := env.kernelSpace(t)
	user, err := env.mgr.NewAddressSpace(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mappings made after the user space was created are visible through
	// the shared upper half tables.
	virtAddr := uintptr(0xffff_9000_0020_0000)
	if err := kernelAS.Map(virtAddr, 0x4000, MapWrite|MapGlobal); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}
	if got, err := user.Translate(virtAddr); err != nil || got != 0x4000 {
		t.Fatalf("expected user space to translate kernel mapping to 0x4000; got 0x%x, %v", got, err)
	}

	if err := user.Map(0x40_0000, 0x8000, MapUser|MapWrite); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}
	if _, err := kernelAS.Translate(0x40_0000); err != ErrInvalidMapping {
		t.Fatalf("expected user mapping to be private; got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	for _, levels := range []uint8{4, 5} {
		env := newTestEnv(t, levels, true)
		kernelAS := env.kernelSpace(t)

		used := env.usedFrames()
		user, err := env.mgr.NewAddressSpace(false)
		if err != nil {
			t.Fatalf("[levels %d] unexpected error: %v", levels, err)
		}

		for _, virtAddr := range []uintptr{0x1000, 0x20_0000, 0x4000_0000, 0x7f00_0000_0000} {
			if err := user.Map(virtAddr, 0x9000, MapUser); err != nil {
				t.Fatalf("[levels %d] unexpected Map error: %v", levels, err)
			}
		}
		if err := user.Map(0x8000_0000, 0, MapUser|MapPage1G); err != nil {
			t.Fatalf("[levels %d] unexpected Map error: %v", levels, err)
		}

		user.Destroy()
		if got := env.usedFrames(); got != used {
			t.Fatalf("[levels %d] expected Destroy to free every table; used frames went from %d to %d", levels, used, got)
		}
		if user.Root().Valid() {
			t.Fatalf("[levels %d] expected destroyed space to lose its root", levels)
		}
		user.Destroy()

		if got, exp := env.usedFrames(), uintptr(entriesPerTable/2+1); got < exp {
			t.Fatalf("[levels %d] expected kernel tables to survive; only %d frames in use", levels, got)
		}

		kernelAS.Destroy()
		if env.mgr.KernelSpace() != nil {
			t.Fatalf("[levels %d] expected destroying the kernel space to clear it from the manager", levels)
		}
		if got, exp := env.usedFrames(), used-uintptr(entriesPerTable/2+1); got != exp {
			t.Fatalf("[levels %d] expected every kernel table to be freed; got %d used frames, want %d", levels, got, exp)
		}
	}
}

func TestLoadSave(t *testing.T) {
	env := newTestEnv(t, 4, true)
	kernelAS := env.kernelSpace(t)
	user, _ := env.mgr.NewAddressSpace(false)

	specs := []*AddressSpace{kernelAS, user}
	for _, as := range specs {
		as.Load()
		if got := env.mmu.ActivePDT(); got != uintptr(as.Root().Address()) {
			t.Fatalf("expected active root 0x%x; got 0x%x", uintptr(as.Root().Address()), got)
		}

		var saved AddressSpace
		env.mgr.Save(&saved)
		if saved.Root() != as.Root() || saved.IsKernel() != as.IsKernel() {
			t.Fatalf("expected Save to capture root %d (kernel=%t); got %d (kernel=%t)",
				as.Root(), as.IsKernel(), saved.Root(), saved.IsKernel())
		}
	}
}

func TestLookupUnmappedSpan(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	if err := as.Map(0x20_1000, 0x1000, MapWrite); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	specs := []struct {
		virtAddr uintptr
		expSpan  uintptr
	}{
		{0x20_0000, mm.PageSize},
		{0x40_0000, mm.LargePageSize},
		{0x4000_0000, mm.GiantPageSize},
		{0x80_0000_0000, 1 << 39},
		{0xffff_9000_0000_0000, mm.GiantPageSize},
	}

	for _, spec := range specs {
		m, ok := as.Lookup(spec.virtAddr)
		if ok {
			t.Fatalf("expected 0x%x to be unmapped", spec.virtAddr)
		}
		if m.PageSize != spec.expSpan || m.Phys != mm.InvalidPhysAddr {
			t.Errorf("expected 0x%x to report a free span of 0x%x; got %+v", spec.virtAddr, spec.expSpan, m)
		}
	}
}

func TestAddressSpaceBytes(t *testing.T) {
	env := newTestEnv(t, 4, true)
	as := env.kernelSpace(t)

	frame, err := env.frames.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	virtAddr := uintptr(0xffff_c000_0000_0000)
	if err := as.Map(virtAddr, frame.Address(), MapWrite); err != nil {
		t.Fatalf("unexpected Map error: %v", err)
	}

	var vm mm.VirtualMemory = as
	copy(vm.Bytes(virtAddr+16, 4), "goph")
	if got := string(env.ram[frame.Address()+16 : frame.Address()+20]); got != "goph" {
		t.Fatalf("expected write to reach the backing frame; got %q", got)
	}

	if !mm.Zero(vm, virtAddr, mm.PageSize) {
		t.Fatal("expected Zero to succeed on a mapped page")
	}
	if env.ram[frame.Address()+16] != 0 {
		t.Fatal("expected Zero to clear the backing frame")
	}

	if vm.Bytes(virtAddr+mm.PageSize-2, 4) != nil {
		t.Fatal("expected Bytes to reject ranges crossing a page boundary")
	}
	if vm.Bytes(virtAddr+mm.PageSize, 1) != nil {
		t.Fatal("expected Bytes to reject unmapped addresses")
	}
}
