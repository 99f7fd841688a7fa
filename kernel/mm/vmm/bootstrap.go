package vmm

import (
	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
)

// KernelSection describes a loaded section of the kernel image.
type KernelSection struct {
	VirtAddr uintptr
	Size     uintptr
	Flags    MapFlags
}

// KernelImage describes where the kernel was loaded.
type KernelImage struct {
	VirtBase uintptr
	PhysBase mm.PhysAddr
	Size     uintptr

	// Sections, when present, get individual access rights. Otherwise the
	// whole image is mapped writable and executable.
	Sections []KernelSection
}

const directMapFlags = MapWrite | MapGlobal

// BootstrapKernel populates the kernel address space as with the direct map
// of physical memory and the kernel image and then installs it. The low 4G
// of physical memory are always mapped; regions above are mapped
// individually. Framebuffers are mapped write-combining.
func (m *Manager) BootstrapKernel(as *AddressSpace, regions []mm.MemoryRegion, image KernelImage) *kernel.Error {
	if !as.isKernel {
		return errNoKernelSpace
	}

	offset := m.dm.Offset()
	if err := as.mapSpan(offset, 0, uintptr(mm.LowMemoryLimit), directMapFlags); err != nil {
		return err
	}

	highest := mm.LowMemoryLimit
	for _, region := range regions {
		var (
			start = mm.PhysAddr(mm.AlignDown(uintptr(region.Base), mm.PageSize))
			end   = mm.PhysAddr(mm.AlignUp(uintptr(region.End()), mm.PageSize))
			flags = directMapFlags
		)
		if end <= start {
			continue
		}
		if region.Type == mm.RegionFramebuffer {
			flags |= CacheWriteCombining
		}

		switch {
		case start >= mm.LowMemoryLimit:
			if err := as.mapSpan(offset+uintptr(start), start, uintptr(end-start), flags); err != nil {
				return err
			}
		case region.Type == mm.RegionFramebuffer:
			if end > mm.LowMemoryLimit {
				if err := as.mapSpan(offset+uintptr(mm.LowMemoryLimit), mm.LowMemoryLimit, uintptr(end-mm.LowMemoryLimit), flags); err != nil {
					return err
				}
				end = mm.LowMemoryLimit
			}
			if err := as.setFlagsSpan(offset+uintptr(start), uintptr(end-start), flags); err != nil {
				return err
			}
		case end > mm.LowMemoryLimit:
			if err := as.mapSpan(offset+uintptr(mm.LowMemoryLimit), mm.LowMemoryLimit, uintptr(end-mm.LowMemoryLimit), flags); err != nil {
				return err
			}
		}

		if end > highest {
			highest = end
		}
	}

	if err := m.mapKernelImage(as, image); err != nil {
		return err
	}

	as.Load()

	m.windowStart = offset + uintptr(highest)
	m.windowEnd = image.VirtBase &^ (mm.GiantPageSize - 1)
	kfmt.Printf("[vmm] direct map: 0x%16x - 0x%16x\n", offset, m.windowStart)
	kfmt.Printf("[vmm] kernel window: 0x%16x - 0x%16x\n", m.windowStart, m.windowEnd)
	return nil
}

func (m *Manager) mapKernelImage(as *AddressSpace, image KernelImage) *kernel.Error {
	if len(image.Sections) == 0 {
		size := mm.AlignUp(image.Size, mm.PageSize)
		return as.MapRange(image.VirtBase, image.PhysBase, size>>mm.PageShift, MapWrite|MapExec|MapGlobal)
	}

	for _, sec := range image.Sections {
		var (
			start = mm.AlignDown(sec.VirtAddr, mm.PageSize)
			end   = mm.AlignUp(sec.VirtAddr+sec.Size, mm.PageSize)
			phys  = image.PhysBase + mm.PhysAddr(start-image.VirtBase)
		)
		if end <= start {
			continue
		}
		flags := (sec.Flags &^ sizeMask) | MapGlobal
		if err := as.MapRange(start, phys, (end-start)>>mm.PageShift, flags); err != nil {
			return err
		}
	}
	return nil
}

// spanStep returns the flags and size of the largest page that can map the
// start of a span of size bytes at virtAddr and physAddr.
func (m *Manager) spanStep(virtAddr uintptr, physAddr mm.PhysAddr, size uintptr, flags MapFlags) (MapFlags, uintptr) {
	for level := uint8(2); level > 0; level-- {
		step := pageSizeAt(level)
		if m.leafLevels[level] == level && size >= step &&
			(virtAddr|uintptr(physAddr))&(step-1) == 0 {
			return flags.withLevel(level), step
		}
	}
	return flags.withLevel(0), mm.PageSize
}

// mapSpan maps size bytes using the largest pages allowed by alignment.
func (as *AddressSpace) mapSpan(virtAddr uintptr, physAddr mm.PhysAddr, size uintptr, flags MapFlags) *kernel.Error {
	for size > 0 {
		f, step := as.mgr.spanStep(virtAddr, physAddr, size, flags)
		if err := as.Map(virtAddr, physAddr, f); err != nil {
			return err
		}
		virtAddr, physAddr, size = virtAddr+step, physAddr+mm.PhysAddr(step), size-step
	}
	return nil
}

// setFlagsSpan applies flags to an already mapped span of size bytes,
// splitting large pages that are only partially covered.
func (as *AddressSpace) setFlagsSpan(virtAddr uintptr, size uintptr, flags MapFlags) *kernel.Error {
	for size > 0 {
		f, step := as.mgr.spanStep(virtAddr, 0, size, flags)
		if err := as.SetFlags(virtAddr, f); err != nil {
			return err
		}
		virtAddr, size = virtAddr+step, size-step
	}
	return nil
}
