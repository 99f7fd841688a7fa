package vmm

import (
	"emberos/kernel"
	"emberos/kernel/cpu"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrAddressUnreachable is returned when a page table walk cannot be
	// completed, either because a table is missing or because a new table
	// could not be allocated.
	ErrAddressUnreachable = &kernel.Error{Module: "vmm", Message: "page table walk could not be completed"}

	// ErrInvalidFlags is returned for malformed MapFlags.
	ErrInvalidFlags = &kernel.Error{Module: "vmm", Message: "invalid mapping flags"}

	// ErrMisaligned is returned when an address is not aligned to the
	// requested page size.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "address not aligned to page size"}

	// ErrInvalidMapping is returned when trying to look up a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoKernelSpace = &kernel.Error{Module: "vmm", Message: "kernel address space has not been initialized"}
	errInvalidConfig = &kernel.Error{Module: "vmm", Message: "invalid page table manager configuration"}
)

// Config describes the environment a Manager operates in.
type Config struct {
	// Frames supplies the frames for page tables.
	Frames mm.FrameAllocator

	// DirectMap is used to access page tables by physical address.
	DirectMap mm.DirectMap

	// MMU receives TLB invalidations, root switches and the PAT setup.
	MMU cpu.MMU

	// Levels is the depth of the page table hierarchy (4 or 5).
	Levels uint8

	// GiantPages allows 1G leaves. When unset, 1G requests are served
	// with 2M leaves.
	GiantPages bool
}

// Manager owns the state shared by all address spaces: where page tables
// come from, how they are reached and the kernel address space whose upper
// half every other space shares.
type Manager struct {
	frames mm.FrameAllocator
	dm     mm.DirectMap
	mmu    cpu.MMU
	levels uint8

	// leafLevels maps each requested leaf level to the level that is
	// actually written. Requests for unsupported sizes are decomposed
	// into leaves of the smaller size.
	leafLevels [3]uint8

	patSet uint32
	kernel *AddressSpace

	// windowStart and windowEnd delimit the kernel virtual range that
	// BootstrapKernel left unused.
	windowStart uintptr
	windowEnd   uintptr
}

// Init prepares m for use with the supplied configuration.
func (m *Manager) Init(cfg Config) *kernel.Error {
	if cfg.Frames == nil || cfg.MMU == nil || (cfg.Levels != 4 && cfg.Levels != maxPageLevels) {
		return errInvalidConfig
	}

	*m = Manager{
		frames:     cfg.Frames,
		dm:         cfg.DirectMap,
		mmu:        cfg.MMU,
		levels:     cfg.Levels,
		leafLevels: [3]uint8{0, 1, 1},
	}
	if cfg.GiantPages {
		m.leafLevels[2] = 2
	}
	return nil
}

// Levels returns the depth of the page table hierarchy.
func (m *Manager) Levels() uint8 { return m.levels }

// DirectMap returns the window used to reach page tables.
func (m *Manager) DirectMap() mm.DirectMap { return m.dm }

// KernelSpace returns the kernel address space or nil if it has not been
// initialized yet.
func (m *Manager) KernelSpace() *AddressSpace { return m.kernel }

// VirtualWindow returns the kernel virtual range that is free for dynamic
// allocations once BootstrapKernel has run.
func (m *Manager) VirtualWindow() (uintptr, uintptr) {
	return m.windowStart, m.windowEnd
}

// NewAddressSpace allocates and initializes a new address space.
func (m *Manager) NewAddressSpace(isKernel bool) (*AddressSpace, *kernel.Error) {
	as := new(AddressSpace)
	if err := m.InitAddressSpace(as, isKernel); err != nil {
		return nil, err
	}
	return as, nil
}

// InitAddressSpace allocates an empty root table for as. A kernel space
// also gets a fresh table for every upper half entry and programs the PAT
// the first time it runs. Any other space shares the upper half tables of
// the kernel space.
func (m *Manager) InitAddressSpace(as *AddressSpace, isKernel bool) *kernel.Error {
	if !isKernel && m.kernel == nil {
		return errNoKernelSpace
	}

	root, err := m.allocTable()
	if err != nil {
		return err
	}
	*as = AddressSpace{mgr: m, root: root, isKernel: isKernel}

	table := m.table(root)
	if !isKernel {
		kernelRoot := m.table(m.kernel.root)
		copy(table[entriesPerTable/2:], kernelRoot[entriesPerTable/2:])
		return nil
	}

	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		child, err := m.allocTable()
		if err != nil {
			m.releaseTables(root, m.levels-1, entriesPerTable)
			as.root = mm.InvalidFrame
			return err
		}
		table[i] = makeLeaf(child.Address(), tableFlags)
	}

	if atomic.CompareAndSwapUint32(&m.patSet, 0, 1) {
		m.mmu.SetPAT(patValue)
	}
	m.kernel = as
	return nil
}

// Save points as at the root table currently installed in the MMU.
func (m *Manager) Save(as *AddressSpace) {
	root := mm.FrameFromAddress(mm.PhysAddr(m.mmu.ActivePDT()))
	*as = AddressSpace{
		mgr:      m,
		root:     root,
		isKernel: m.kernel != nil && m.kernel.root == root,
	}
}

// allocTable returns a zeroed frame for a page table.
func (m *Manager) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrames(1)
	if err != nil {
		return mm.InvalidFrame, err
	}

	table := m.table(frame)
	if table == nil {
		m.freeTable(frame)
		return mm.InvalidFrame, ErrAddressUnreachable
	}
	*table = pageTable{}
	return frame, nil
}

// freeTable returns the frame of a page table to the frame allocator. A
// rejected release leaks the frame and is logged.
func (m *Manager) freeTable(frame mm.Frame) {
	if err := m.frames.FreeFrames(frame, 1); err != nil {
		kfmt.Printf("[vmm] unable to release page table at 0x%x: %s\n",
			uintptr(frame.Address()), err.Message)
	}
}

// table returns the page table stored in frame or nil if frame cannot be
// reached through the direct map.
func (m *Manager) table(frame mm.Frame) *pageTable {
	b := m.dm.Bytes(frame.Address(), mm.PageSize)
	if b == nil {
		return nil
	}
	return (*pageTable)(unsafe.Pointer(&b[0]))
}

// tableCursor tracks the progress of releaseTables through one table.
type tableCursor struct {
	frame mm.Frame
	level uint8
	next  int
	end   int
}

// releaseTables frees the table in frame at level together with every table
// reachable from its first end entries. Frames mapped by leaves are left
// alone.
func (m *Manager) releaseTables(frame mm.Frame, level uint8, end int) {
	var stack [maxPageLevels]tableCursor

	top := 0
	stack[0] = tableCursor{frame: frame, level: level, end: end}
	for top >= 0 {
		c := &stack[top]
		if c.level == 0 || c.next >= c.end {
			m.freeTable(c.frame)
			top--
			continue
		}

		table := m.table(c.frame)
		if table == nil {
			c.next = c.end
			continue
		}

		pte := table[c.next]
		c.next++
		if pte.HasFlags(FlagPresent) && !pte.isLeaf(c.level) {
			top++
			stack[top] = tableCursor{frame: pte.Frame(), level: c.level - 1, end: entriesPerTable}
		}
	}
}
