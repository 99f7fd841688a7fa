package vmm

import "emberos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// pageTable is a single level of the page table hierarchy.
type pageTable [entriesPerTable]pageTableEntry

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | uintptr(frame.Address()))
}

// Reset clears the address and the flags of the entry in a single store.
func (pte *pageTableEntry) Reset() {
	*pte = 0
}

// isLeaf returns true if the entry at level maps memory instead of pointing
// to a lower level table.
func (pte pageTableEntry) isLeaf(level uint8) bool {
	return level == 0 || pte.HasFlags(FlagHugePage)
}

// address returns the physical address of the page mapped by a leaf entry
// at level. The PAT bit of large entries lives inside the address bits so it
// is masked away together with the offset bits.
func (pte pageTableEntry) address(level uint8) mm.PhysAddr {
	return mm.PhysAddr(uintptr(pte) & ptePhysPageMask &^ (pageSizeAt(level) - 1))
}

// flags returns the hardware flags of a leaf entry at level.
func (pte pageTableEntry) flags(level uint8) PageTableEntryFlag {
	f := PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
	if level != 0 {
		f |= PageTableEntryFlag(uintptr(pte) & uintptr(FlagLargePAT))
	}
	return f
}

// makeLeaf builds a leaf entry mapping physAddr with the supplied hardware
// flags.
func makeLeaf(physAddr mm.PhysAddr, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry(uintptr(physAddr)&ptePhysPageMask | uintptr(flags))
}

// pageSizeAt returns the number of bytes covered by an entry at level, where
// level 0 is the last level of the hierarchy.
func pageSizeAt(level uint8) uintptr {
	return uintptr(1) << (mm.PageShift + uintptr(level)*pageLevelBits)
}

// tableIndex returns the index of the entry that covers virtAddr in a table
// at level.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> (mm.PageShift + uintptr(level)*pageLevelBits)) & (entriesPerTable - 1)
}
