package vmm

const (
	// maxPageLevels is the deepest page table hierarchy supported by the
	// amd64 architecture (5-level paging).
	maxPageLevels = 5

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// pageLevelBits is the number of virtual address bits consumed by each
	// page table level.
	pageLevelBits = 9

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// patValue programs the page attribute table so that each cache mode
	// gets its own index. Index = PAT<<2 | PCD<<1 | PWT:
	//  0: WB  1: WT  2: UC  3: WC  4: WT  5: WP  6: WB  7: UC-
	patValue = uint64(0x0706050401000406)
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects the PWT bit of the PAT index.
	FlagWriteThroughCaching

	// FlagDoNotCache selects the PCD bit of the PAT index.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on page directory and page directory pointer
	// entries that map a 2M or 1G page instead of pointing to a table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal
)

const (
	// FlagPAT selects the PAT bit of the PAT index in 4K page entries. It
	// shares its position with FlagHugePage.
	FlagPAT = FlagHugePage

	// FlagLargePAT selects the PAT bit of the PAT index in 2M and 1G page
	// entries.
	FlagLargePAT PageTableEntryFlag = 1 << 12

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63

	// tableFlags are used for entries pointing to a lower level table.
	// Access restrictions are enforced by the leaf entries.
	tableFlags = FlagPresent | FlagRW | FlagUserAccessible
)
