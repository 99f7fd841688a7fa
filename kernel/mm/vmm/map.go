package vmm

import (
	"emberos/kernel"
	"emberos/kernel/mm"
)

// checkArgs validates flags and the alignment of the supplied addresses
// against the page size requested by flags.
func checkArgs(flags MapFlags, addrs ...uintptr) *kernel.Error {
	if !flags.Valid() {
		return ErrInvalidFlags
	}

	mask := flags.PageSize() - 1
	for _, addr := range addrs {
		if addr&mask != 0 {
			return ErrMisaligned
		}
	}
	return nil
}

// withLevel replaces the size hint of f with the one for level.
func (f MapFlags) withLevel(level uint8) MapFlags {
	f &^= sizeMask
	switch level {
	case 1:
		f |= MapPage2M
	case 2:
		f |= MapPage1G
	}
	return f
}

// Map establishes a mapping between virtAddr and physAddr using the page
// size requested by flags. Missing tables are allocated and large pages
// covering virtAddr are split as required. A large page mapped over a
// table replaces the table and everything below it.
func (as *AddressSpace) Map(virtAddr uintptr, physAddr mm.PhysAddr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, virtAddr, uintptr(physAddr)); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()
	return as.mapLocked(virtAddr, physAddr, flags)
}

func (as *AddressSpace) mapLocked(virtAddr uintptr, physAddr mm.PhysAddr, flags MapFlags) *kernel.Error {
	m := as.mgr
	level := flags.level()
	if leaf := m.leafLevels[level]; leaf != level {
		var (
			step  = pageSizeAt(leaf)
			count = pageSizeAt(level) / step
			sub   = flags.withLevel(leaf)
		)
		for i := uintptr(0); i < count; i++ {
			if err := as.mapLocked(virtAddr+i*step, physAddr+mm.PhysAddr(i*step), sub); err != nil {
				for ; i > 0; i-- {
					_ = as.unmapLocked(virtAddr+(i-1)*step, leaf)
				}
				return err
			}
		}
		return nil
	}

	if uintptr(physAddr)&(pageSizeAt(level)-1) != 0 {
		return ErrMisaligned
	}

	pte, _, err := as.walk(virtAddr, level, walkAllocate)
	if err != nil {
		return err
	}

	old := *pte
	*pte = makeLeaf(physAddr, flags.toHardware(level))
	m.mmu.FlushTLBEntry(virtAddr)

	if level > 0 && old.HasFlags(FlagPresent) && !old.isLeaf(level) {
		m.releaseTables(old.Frame(), level-1, entriesPerTable)
	}
	return nil
}

// Unmap removes the mapping of the page at virtAddr whose size is given by
// the size hint in flags. Unmapping part of a large page splits it first.
// ErrAddressUnreachable is returned if nothing is mapped at virtAddr or if
// the memory there is mapped with smaller pages than requested.
func (as *AddressSpace) Unmap(virtAddr uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, virtAddr); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()
	return as.unmapLocked(virtAddr, flags.level())
}

func (as *AddressSpace) unmapLocked(virtAddr uintptr, level uint8) *kernel.Error {
	m := as.mgr
	if leaf := m.leafLevels[level]; leaf != level {
		var (
			step     = pageSizeAt(leaf)
			count    = pageSizeAt(level) / step
			firstErr *kernel.Error
		)
		for i := uintptr(0); i < count; i++ {
			if err := as.unmapLocked(virtAddr+i*step, leaf); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	pte, _, err := as.walk(virtAddr, level, walkSplit)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) || !pte.isLeaf(level) {
		return ErrAddressUnreachable
	}

	pte.Reset()
	m.mmu.FlushTLBEntry(virtAddr)
	return nil
}

// SetFlags rewrites the flags of the page at virtAddr while preserving the
// physical address it maps. The size hint in flags selects the page size;
// changing part of a large page splits it first.
func (as *AddressSpace) SetFlags(virtAddr uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, virtAddr); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()
	return as.setFlagsLocked(virtAddr, flags)
}

func (as *AddressSpace) setFlagsLocked(virtAddr uintptr, flags MapFlags) *kernel.Error {
	m := as.mgr
	level := flags.level()
	if leaf := m.leafLevels[level]; leaf != level {
		var (
			step  = pageSizeAt(leaf)
			count = pageSizeAt(level) / step
			sub   = flags.withLevel(leaf)
		)
		for i := uintptr(0); i < count; i++ {
			if err := as.setFlagsLocked(virtAddr+i*step, sub); err != nil {
				return err
			}
		}
		return nil
	}

	pte, _, err := as.walk(virtAddr, level, walkSplit)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) || !pte.isLeaf(level) {
		return ErrAddressUnreachable
	}

	*pte = makeLeaf(pte.address(level), flags.toHardware(level))
	m.mmu.FlushTLBEntry(virtAddr)
	return nil
}

// Remap moves the page mapped at oldVirtAddr to newVirtAddr and applies
// flags to the new mapping. The memory at oldVirtAddr must be mapped with
// pages at least as large as the size requested by flags; otherwise
// ErrAddressUnreachable is returned and nothing changes. Callers must make
// sure that oldVirtAddr is not accessed while Remap runs.
func (as *AddressSpace) Remap(oldVirtAddr, newVirtAddr uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, oldVirtAddr, newVirtAddr); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()
	return as.remapLocked(oldVirtAddr, newVirtAddr, flags)
}

func (as *AddressSpace) remapLocked(oldVirtAddr, newVirtAddr uintptr, flags MapFlags) *kernel.Error {
	var (
		level = flags.level()
		leaf  = as.mgr.leafLevels[level]
		step  = pageSizeAt(leaf)
		count = pageSizeAt(level) / step
		sub   = flags.withLevel(leaf)
	)

	// validate every chunk before touching the tables
	for i := uintptr(0); i < count; i++ {
		cur, ok := as.lookupLocked(oldVirtAddr + i*step)
		if !ok {
			return ErrInvalidMapping
		}
		if cur.PageSize < step {
			return ErrAddressUnreachable
		}
	}

	for i := uintptr(0); i < count; i++ {
		virtAddr := oldVirtAddr + i*step
		cur, _ := as.lookupLocked(virtAddr)
		physAddr := cur.Phys + mm.PhysAddr(virtAddr&(cur.PageSize-1))

		if err := as.unmapLocked(virtAddr, leaf); err != nil {
			return err
		}
		if err := as.mapLocked(newVirtAddr+i*step, physAddr, sub); err != nil {
			return err
		}
	}
	return nil
}

// MapRange maps count consecutive pages of the size requested by flags
// starting at virtAddr to the physical range starting at physAddr. If a
// page cannot be mapped, the pages mapped so far are unmapped again.
func (as *AddressSpace) MapRange(virtAddr uintptr, physAddr mm.PhysAddr, count uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, virtAddr, uintptr(physAddr)); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	size := flags.PageSize()
	for off := uintptr(0); off < count*size; off += size {
		if err := as.mapLocked(virtAddr+off, physAddr+mm.PhysAddr(off), flags); err != nil {
			for ; off > 0; off -= size {
				_ = as.unmapLocked(virtAddr+off-size, flags.level())
			}
			return err
		}
	}
	return nil
}

// UnmapRange unmaps count consecutive pages of the size requested by flags
// starting at virtAddr. All pages are processed; the first error is
// returned.
func (as *AddressSpace) UnmapRange(virtAddr uintptr, count uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, virtAddr); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	var firstErr *kernel.Error
	size := flags.PageSize()
	for i := uintptr(0); i < count; i++ {
		if err := as.unmapLocked(virtAddr+i*size, flags.level()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetFlagsRange applies flags to count consecutive pages starting at
// virtAddr. It stops at the first page that cannot be updated.
func (as *AddressSpace) SetFlagsRange(virtAddr uintptr, count uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, virtAddr); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	size := flags.PageSize()
	for i := uintptr(0); i < count; i++ {
		if err := as.setFlagsLocked(virtAddr+i*size, flags); err != nil {
			return err
		}
	}
	return nil
}

// RemapRange moves count consecutive pages from oldVirtAddr to newVirtAddr.
// It stops at the first page that cannot be moved.
func (as *AddressSpace) RemapRange(oldVirtAddr, newVirtAddr uintptr, count uintptr, flags MapFlags) *kernel.Error {
	if err := checkArgs(flags, oldVirtAddr, newVirtAddr); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	size := flags.PageSize()
	for i := uintptr(0); i < count; i++ {
		if err := as.remapLocked(oldVirtAddr+i*size, newVirtAddr+i*size, flags); err != nil {
			return err
		}
	}
	return nil
}
