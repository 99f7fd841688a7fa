// Package mmtest runs the frame allocator and the page table manager
// against simulated RAM so that the memory subsystem can be exercised as a
// regular process.
package mmtest

import (
	"emberos/kernel"
	"emberos/kernel/cpu"
	"emberos/kernel/mm"
	"emberos/kernel/mm/pmm"
	"emberos/kernel/mm/vmm"
	"unsafe"
)

const (
	// DirectMapOffset is the virtual address of physical address 0.
	DirectMapOffset = uintptr(0xffff800000000000)

	// KernelVirtBase and KernelPhysBase describe where the simulated
	// kernel image lives.
	KernelVirtBase = uintptr(0xffffffff80100000)
	KernelPhysBase = mm.PhysAddr(0x100000)
	KernelSize     = uintptr(0x10000)
)

// Options controls the shape of a simulated machine.
type Options struct {
	// RAMSize is the amount of simulated RAM in bytes. It is rounded up to
	// a page; the default is 16M.
	RAMSize uintptr

	// Levels selects 4 or 5 level paging; the default is 4.
	Levels uint8

	// GiantPages allows 1G pages.
	GiantPages bool

	// DebugFrames enables double-free detection in the frame allocator.
	DebugFrames bool
}

// Machine is a simulated computer with an initialized frame allocator and a
// bootstrapped kernel address space.
type Machine struct {
	RAM       []byte
	DirectMap mm.DirectMap
	Regions   []mm.MemoryRegion
	Image     vmm.KernelImage

	MMU     *cpu.Emulated
	Frames  *pmm.BitmapAllocator
	Manager *vmm.Manager
	Kernel  *vmm.AddressSpace
}

// NewRAM returns a page-aligned buffer that simulates size bytes of physical
// memory starting at address 0.
func NewRAM(size uintptr) []byte {
	buf := make([]byte, size+mm.PageSize)
	offset := mm.AlignUp(uintptr(unsafe.Pointer(&buf[0])), mm.PageSize) - uintptr(unsafe.Pointer(&buf[0]))
	return buf[offset : offset+size]
}

// Regions returns a memory map for ramSize bytes of RAM: the first frame
// and the kernel image are reserved and everything else is usable.
func Regions(ramSize uintptr) []mm.MemoryRegion {
	kernelEnd := uintptr(KernelPhysBase) + KernelSize
	return []mm.MemoryRegion{
		{Base: 0, Length: mm.Size(mm.PageSize), Type: mm.RegionReserved},
		{Base: mm.PhysAddr(mm.PageSize), Length: mm.Size(uintptr(KernelPhysBase) - mm.PageSize), Type: mm.RegionUsable},
		{Base: KernelPhysBase, Length: mm.Size(KernelSize), Type: mm.RegionReserved},
		{Base: mm.PhysAddr(kernelEnd), Length: mm.Size(ramSize - kernelEnd), Type: mm.RegionUsable},
	}
}

// NewMachine builds a machine according to opts.
func NewMachine(opts Options) (*Machine, *kernel.Error) {
	if opts.RAMSize == 0 {
		opts.RAMSize = 16 << 20
	}
	if opts.Levels == 0 {
		opts.Levels = 4
	}

	ramSize := mm.AlignUp(opts.RAMSize, mm.PageSize)
	m := &Machine{
		RAM:     NewRAM(ramSize),
		Regions: Regions(ramSize),
		Image: vmm.KernelImage{
			VirtBase: KernelVirtBase,
			PhysBase: KernelPhysBase,
			Size:     KernelSize,
		},
		MMU:     new(cpu.Emulated),
		Frames:  new(pmm.BitmapAllocator),
		Manager: new(vmm.Manager),
	}
	m.DirectMap = mm.NewSimulatedDirectMap(DirectMapOffset, m.RAM)

	if err := m.Frames.Init(m.DirectMap, m.Regions, opts.DebugFrames); err != nil {
		return nil, err
	}

	cfg := vmm.Config{
		Frames:     m.Frames,
		DirectMap:  m.DirectMap,
		MMU:        m.MMU,
		Levels:     opts.Levels,
		GiantPages: opts.GiantPages,
	}
	if err := m.Manager.Init(cfg); err != nil {
		return nil, err
	}

	var err *kernel.Error
	if m.Kernel, err = m.Manager.NewAddressSpace(true); err != nil {
		return nil, err
	}
	if err = m.Manager.BootstrapKernel(m.Kernel, m.Regions, m.Image); err != nil {
		return nil, err
	}
	return m, nil
}

// Phys returns the simulated RAM contents at physAddr.
func (m *Machine) Phys(physAddr mm.PhysAddr, size uintptr) []byte {
	return m.DirectMap.Bytes(physAddr, size)
}
