package kmain

import (
	"emberos/kernel"
	"emberos/kernel/cpu"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/mm/heap"
	"emberos/kernel/mm/pmm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/mm/vspace"
	"emberos/multiboot"
)

const (
	maxRegions  = 64
	maxSections = 32
)

var (
	visitMemRegionsFn    = multiboot.VisitMemRegions
	getFramebufferInfoFn = multiboot.GetFramebufferInfo
	visitElfSectionsFn   = multiboot.VisitElfSections
	visitCmdLineFn       = multiboot.VisitCmdLine

	// Storage for the boot-time tables; the heap does not exist yet when
	// they are built.
	regionBuf  [maxRegions]mm.MemoryRegion
	sectionBuf [maxSections]vmm.KernelSection
)

// MemorySetup carries everything InitMemory needs to bring up the memory
// subsystem.
type MemorySetup struct {
	DirectMap mm.DirectMap
	MMU       cpu.MMU

	// VM gives the heap access to its arena; nil selects the kernel
	// address space.
	VM mm.VirtualMemory

	// Levels is the paging depth; HasGiantPages reports whether the CPU
	// can map 1G pages.
	Levels        uint8
	HasGiantPages bool

	Regions []mm.MemoryRegion
	Image   vmm.KernelImage
	Config  mm.Config
}

// InitMemory initializes the frame allocator, the page table manager and
// the kernel address space, the virtual address space allocator and the
// kernel heap, in this order.
func InitMemory(setup MemorySetup) *kernel.Error {
	if err := pmm.Init(setup.DirectMap, setup.Regions, setup.Config); err != nil {
		return err
	}

	vmmCfg := vmm.Config{
		Frames:     pmm.Allocator(),
		DirectMap:  setup.DirectMap,
		MMU:        setup.MMU,
		Levels:     setup.Levels,
		GiantPages: setup.HasGiantPages && setup.Config.GiantPages,
	}
	if err := vmm.Init(vmmCfg, setup.Regions, setup.Image); err != nil {
		return err
	}

	if err := vspace.Init(vmm.DefaultManager(), pmm.Allocator()); err != nil {
		return err
	}

	vm := setup.VM
	if vm == nil {
		vm = vmm.KernelSpace()
	}
	return heap.Init(vspace.Kernel(), vm, pmm.GetStats().UsablePages, setup.Config)
}

// BootConfig returns the default memory configuration overridden by any
// recognized key=value pairs on the kernel command line.
func BootConfig() mm.Config {
	cfg := mm.DefaultConfig()
	visitCmdLineFn(func(key, value string) {
		if len(key) > 3 && key[:3] == "mm." && !cfg.Set(key, value) {
			kfmt.Printf("[kmain] ignoring invalid setting %s=%s\n", key, value)
		}
	})
	return cfg
}

// MemoryMap converts the bootloader memory map into memory regions. Usable
// regions overlapping the kernel image [kernelStart, kernelEnd) are split
// around it and the image itself is reported as reserved. The framebuffer,
// if any, is appended as a RegionFramebuffer. Entries beyond the capacity
// of the internal table are dropped with a warning.
func MemoryMap(kernelStart, kernelEnd mm.PhysAddr) []mm.MemoryRegion {
	var count int
	add := func(region mm.MemoryRegion) {
		if region.Length == 0 {
			return
		}
		if count == maxRegions {
			kfmt.Printf("[kmain] memory map too large; dropping region at 0x%x\n", uintptr(region.Base))
			return
		}
		regionBuf[count] = region
		count++
	}

	visitMemRegionsFn(func(entry *multiboot.MemoryMapEntry) bool {
		region := mm.MemoryRegion{
			Base:   mm.PhysAddr(entry.PhysAddress),
			Length: mm.Size(entry.Length),
			Type:   regionType(entry.Type),
		}

		if region.Type != mm.RegionUsable || region.End() <= kernelStart || region.Base >= kernelEnd {
			add(region)
			return true
		}

		if region.Base < kernelStart {
			add(mm.MemoryRegion{Base: region.Base, Length: mm.Size(kernelStart - region.Base), Type: mm.RegionUsable})
		}
		if region.End() > kernelEnd {
			add(mm.MemoryRegion{Base: kernelEnd, Length: mm.Size(region.End() - kernelEnd), Type: mm.RegionUsable})
		}
		return true
	})

	add(mm.MemoryRegion{Base: kernelStart, Length: mm.Size(kernelEnd - kernelStart), Type: mm.RegionReserved})

	if fb := getFramebufferInfoFn(); fb != nil {
		add(mm.MemoryRegion{Base: mm.PhysAddr(fb.PhysAddr), Length: mm.Size(fb.Size()), Type: mm.RegionFramebuffer})
	}

	return regionBuf[:count]
}

func regionType(t multiboot.MemoryEntryType) mm.RegionType {
	switch t {
	case multiboot.MemAvailable:
		return mm.RegionUsable
	case multiboot.MemAcpiReclaimable:
		return mm.RegionReclaimable
	default:
		return mm.RegionReserved
	}
}

// KernelImage describes the loaded kernel: the image spans [physStart,
// physEnd) and is linked at physStart+pageOffset. Allocated ELF sections
// inside the image are mapped with their own access rights.
func KernelImage(physStart, physEnd mm.PhysAddr, pageOffset uintptr) vmm.KernelImage {
	image := vmm.KernelImage{
		VirtBase: uintptr(physStart) + pageOffset,
		PhysBase: physStart,
		Size:     mm.AlignUp(uintptr(physEnd-physStart), mm.PageSize),
	}

	var count int
	visitElfSectionsFn(func(_ string, flags multiboot.ElfSectionFlag, addr uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 || addr < image.VirtBase || addr >= image.VirtBase+image.Size {
			return
		}
		if count == maxSections {
			kfmt.Printf("[kmain] too many kernel sections; mapping the image RWX\n")
			count = -1
		}
		if count < 0 {
			return
		}

		start := mm.AlignDown(addr, mm.PageSize)
		section := vmm.KernelSection{
			VirtAddr: start,
			Size:     mm.AlignUp(addr+uintptr(size), mm.PageSize) - start,
			Flags:    vmm.MapRead,
		}
		if flags&multiboot.ElfSectionWritable != 0 {
			section.Flags |= vmm.MapWrite
		}
		if flags&multiboot.ElfSectionExecutable != 0 {
			section.Flags |= vmm.MapExec
		}
		sectionBuf[count] = section
		count++
	})

	if count > 0 {
		image.Sections = sectionBuf[:count]
	}
	return image
}
