package vmm

import (
	"emberos/kernel"
	"emberos/kernel/mm"
)

type walkMode uint8

const (
	// walkLookup stops at the first entry that is absent or maps memory.
	walkLookup walkMode = iota

	// walkSplit splits large leaves above the target level and fails on
	// missing tables.
	walkSplit

	// walkAllocate splits large leaves above the target level and
	// allocates missing tables.
	walkAllocate
)

// walk descends the page tables of as towards the entry covering virtAddr
// at level target and returns it along with its level. In lookup mode the
// returned entry may belong to a higher level.
func (as *AddressSpace) walk(virtAddr uintptr, target uint8, mode walkMode) (*pageTableEntry, uint8, *kernel.Error) {
	m := as.mgr
	frame := as.root
	for level := m.levels - 1; ; level-- {
		table := m.table(frame)
		if table == nil {
			return nil, level, ErrAddressUnreachable
		}

		pte := &table[tableIndex(virtAddr, level)]
		if level == target {
			return pte, level, nil
		}

		switch {
		case !pte.HasFlags(FlagPresent):
			if mode == walkLookup {
				return pte, level, nil
			}
			if mode == walkSplit {
				return nil, level, ErrAddressUnreachable
			}

			child, err := m.allocTable()
			if err != nil {
				return nil, level, ErrAddressUnreachable
			}
			*pte = makeLeaf(child.Address(), tableFlags)
		case pte.HasFlags(FlagHugePage):
			if mode == walkLookup {
				return pte, level, nil
			}
			if err := as.split(pte, level, virtAddr); err != nil {
				return nil, level, err
			}
		}

		frame = pte.Frame()
	}
}

// split replaces the large leaf pte at level with a table of leaves one
// level down that map the same memory with the same flags.
func (as *AddressSpace) split(pte *pageTableEntry, level uint8, virtAddr uintptr) *kernel.Error {
	m := as.mgr
	frame, err := m.allocTable()
	if err != nil {
		return ErrAddressUnreachable
	}

	var (
		table      = m.table(frame)
		base       = pte.address(level)
		flags      = pte.flags(level)
		childLevel = level - 1
		step       = pageSizeAt(childLevel)
	)
	if childLevel == 0 {
		largePAT := flags&FlagLargePAT != 0
		flags &^= FlagHugePage | FlagLargePAT
		if largePAT {
			flags |= FlagPAT
		}
	}

	for i := range table {
		table[i] = makeLeaf(base+mm.PhysAddr(uintptr(i)*step), flags)
	}
	*pte = makeLeaf(frame.Address(), tableFlags)
	m.mmu.FlushTLBEntry(virtAddr &^ (pageSizeAt(level) - 1))
	return nil
}
