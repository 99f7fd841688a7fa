package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// LargePageSize is the size of a page mapped by a page directory entry.
	LargePageSize = uintptr(1 << 21)

	// GiantPageSize is the size of a page mapped by a page directory
	// pointer table entry.
	GiantPageSize = uintptr(1 << 30)

	// LowMemoryLimit is the end of the 32-bit physical address range.
	LowMemoryLimit = PhysAddr(1 << 32)
)
