package vmm

import (
	"emberos/kernel"
	"emberos/kernel/mm"
	"emberos/kernel/sync"
)

// AddressSpace is a page table hierarchy. The upper half of every address
// space shares the tables of the kernel address space.
type AddressSpace struct {
	lock sync.Spinlock

	mgr      *Manager
	root     mm.Frame
	isKernel bool
}

// Mapping describes the page that covers a virtual address.
type Mapping struct {
	// Phys is the physical address of the start of the page.
	Phys mm.PhysAddr

	// Flags describes the access rights, cache mode and size of the page.
	Flags MapFlags

	// PageSize is the size of the page. For unmapped addresses it is the
	// size of the aligned range around the address that is known to be
	// unmapped.
	PageSize uintptr
}

// Root returns the frame holding the root table.
func (as *AddressSpace) Root() mm.Frame { return as.root }

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.isKernel }

// Load installs as on the calling core.
func (as *AddressSpace) Load() {
	as.mgr.mmu.SwitchPDT(uintptr(as.root.Address()))
}

// Destroy frees every table owned by as. The upper half tables of a user
// space belong to the kernel space and are left alone. The frames mapped by
// leaf entries are not freed.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	defer as.lock.Release()

	if !as.root.Valid() {
		return
	}

	end := entriesPerTable / 2
	if as.isKernel {
		end = entriesPerTable
		if as.mgr.kernel == as {
			as.mgr.kernel = nil
		}
	}
	as.mgr.releaseTables(as.root, as.mgr.levels-1, end)
	as.root = mm.InvalidFrame
}

// Translate returns the physical address that corresponds to virtAddr or
// ErrInvalidMapping if virtAddr is not mapped.
func (as *AddressSpace) Translate(virtAddr uintptr) (mm.PhysAddr, *kernel.Error) {
	m, ok := as.Lookup(virtAddr)
	if !ok {
		return mm.InvalidPhysAddr, ErrInvalidMapping
	}
	return m.Phys + mm.PhysAddr(virtAddr&(m.PageSize-1)), nil
}

// Lookup returns the page covering virtAddr. The boolean result is false if
// virtAddr is not mapped.
func (as *AddressSpace) Lookup(virtAddr uintptr) (Mapping, bool) {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.lookupLocked(virtAddr)
}

func (as *AddressSpace) lookupLocked(virtAddr uintptr) (Mapping, bool) {
	pte, level, err := as.walk(virtAddr, 0, walkLookup)
	if err != nil {
		return Mapping{Phys: mm.InvalidPhysAddr, PageSize: pageSizeAt(level)}, false
	}

	size := pageSizeAt(level)
	if !pte.HasFlags(FlagPresent) {
		return Mapping{Phys: mm.InvalidPhysAddr, PageSize: size}, false
	}

	return Mapping{
		Phys:     pte.address(level),
		Flags:    fromHardware(pte.flags(level), level),
		PageSize: size,
	}, true
}

// Bytes implements mm.VirtualMemory by translating virtAddr through as and
// reaching the backing frame through the direct map.
func (as *AddressSpace) Bytes(virtAddr, size uintptr) []byte {
	if virtAddr&(mm.PageSize-1)+size > mm.PageSize {
		return nil
	}

	phys, err := as.Translate(virtAddr)
	if err != nil {
		return nil
	}
	return as.mgr.dm.Bytes(phys, size)
}
