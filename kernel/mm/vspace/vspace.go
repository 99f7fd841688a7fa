// Package vspace hands out ranges of kernel virtual memory, either backed by
// freshly allocated frames or aliasing known physical memory.
package vspace

import (
	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free virtual range or no physical
	// frames are available.
	ErrOutOfMemory = &kernel.Error{Module: "vspace", Message: "out of memory"}

	// ErrAlreadyInUse is returned by AllocateAt when the alias of a
	// physical page maps a different frame.
	ErrAlreadyInUse = &kernel.Error{Module: "vspace", Message: "virtual range maps other memory"}

	// ErrInvalidArgument is returned for zero-sized requests.
	ErrInvalidArgument = &kernel.Error{Module: "vspace", Message: "invalid range"}

	errNoKernelSpace = &kernel.Error{Module: "vspace", Message: "kernel address space has not been initialized"}

	// panicFn is invoked when frames run out while backing an allocation.
	// Tests override it to observe the failure instead of halting.
	panicFn = kfmt.Panic
)

// Allocator finds free ranges inside a window of the kernel address space
// and backs them with frames.
type Allocator struct {
	lock sync.Spinlock

	as     *vmm.AddressSpace
	frames mm.FrameAllocator
	dm     mm.DirectMap

	// start and end delimit the search window.
	start uintptr
	end   uintptr
}

// Init binds a to the kernel address space of mgr. Allocations are served
// from the virtual window that mgr reserved when bootstrapping the kernel.
func (a *Allocator) Init(mgr *vmm.Manager, frames mm.FrameAllocator) *kernel.Error {
	as := mgr.KernelSpace()
	if as == nil {
		return errNoKernelSpace
	}

	start, end := mgr.VirtualWindow()
	*a = Allocator{
		as:     as,
		frames: frames,
		dm:     mgr.DirectMap(),
		start:  start,
		end:    end,
	}
	return nil
}

// Window returns the range searched by Allocate.
func (a *Allocator) Window() (uintptr, uintptr) {
	return a.start, a.end
}

// Allocate maps count pages of the size requested by flags at the first
// free range in the window and returns its address. Each page is backed by
// its own naturally aligned run of frames. Running out of frames is fatal;
// if the system survives, the pages mapped so far are released again.
func (a *Allocator) Allocate(count uintptr, flags vmm.MapFlags) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, ErrInvalidArgument
	}
	if !flags.Valid() {
		return 0, vmm.ErrInvalidFlags
	}

	pageSize := flags.PageSize()
	total := count * pageSize
	if total/pageSize != count {
		return 0, ErrOutOfMemory
	}

	a.lock.Acquire()
	defer a.lock.Release()

	virtAddr, ok := a.findFree(total, pageSize)
	if !ok {
		return 0, ErrOutOfMemory
	}

	for off := uintptr(0); off < total; off += pageSize {
		frame, err := a.allocAligned(pageSize)
		if err != nil {
			kfmt.Printf("[vspace] out of frames while backing 0x%16x\n", virtAddr+off)
			panicFn(err)
			a.release(virtAddr, off)
			return 0, ErrOutOfMemory
		}

		if err = a.as.Map(virtAddr+off, frame.Address(), flags); err != nil {
			a.freeFrames(frame, pageSize>>mm.PageShift)
			a.release(virtAddr, off)
			return 0, err
		}
	}

	return virtAddr, nil
}

// AllocateAt maps count pages starting at the page that contains physAddr
// to their direct map alias and returns the alias of physAddr. Pages that
// already map the same memory are kept, with their flags updated if
// needed, so overlapping requests return the same address.
func (a *Allocator) AllocateAt(physAddr mm.PhysAddr, count uintptr, flags vmm.MapFlags) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, ErrInvalidArgument
	}

	var (
		pageSize = flags.PageSize()
		base     = mm.PhysAddr(mm.AlignDown(uintptr(physAddr), pageSize))
		virtBase = uintptr(a.dm.ToHigherHalf(base))
	)

	a.lock.Acquire()
	defer a.lock.Release()

	for i := uintptr(0); i < count; i++ {
		var (
			virtAddr = virtBase + i*pageSize
			phys     = base + mm.PhysAddr(i*pageSize)
		)

		cur, ok := a.as.Lookup(virtAddr)
		switch {
		case !ok:
			if err := a.as.Map(virtAddr, phys, flags); err != nil {
				return 0, err
			}
		case cur.Phys+mm.PhysAddr(virtAddr&(cur.PageSize-1)) != phys:
			return 0, ErrAlreadyInUse
		case cur.PageSize < pageSize:
			if err := a.as.Map(virtAddr, phys, flags); err != nil {
				return 0, err
			}
		case cur.Flags.Attrs() != flags.Attrs():
			if err := a.as.SetFlags(virtAddr, flags); err != nil {
				return 0, err
			}
		}
	}

	return uintptr(a.dm.ToHigherHalf(physAddr)), nil
}

// Free unmaps count pages of the size requested by flags starting at
// virtAddr and returns their frames. Addresses that are not mapped are
// skipped. Only addresses inside the window are released and pages mapped
// at the alias of their own frame, as handed out by AllocateAt, are left
// alone since they do not own that frame.
func (a *Allocator) Free(virtAddr, count uintptr, flags vmm.MapFlags) {
	start := mm.AlignDown(virtAddr, mm.PageSize)
	end := virtAddr + count*flags.PageSize()
	if start < a.start {
		start = a.start
	}
	if end > a.end || end < virtAddr {
		end = a.end
	}
	if end <= start {
		return
	}

	a.lock.Acquire()
	a.release(start, end-start)
	a.lock.Release()
}

// release unmaps the size bytes at virtAddr and frees the backing frames.
// Large pages that are only partially covered are split and only the
// covered part is released.
func (a *Allocator) release(virtAddr, size uintptr) {
	end := virtAddr + size
	for virt := virtAddr; virt < end; {
		m, ok := a.as.Lookup(virt)
		pageBase := mm.AlignDown(virt, m.PageSize)
		next := pageBase + m.PageSize
		if !ok || uintptr(a.dm.ToHigherHalf(m.Phys)) == pageBase {
			virt = next
			continue
		}

		if pageBase >= virtAddr && next <= end {
			if a.as.Unmap(pageBase, m.Flags) == nil {
				a.freeFrames(mm.FrameFromAddress(m.Phys), m.PageSize>>mm.PageShift)
			}
			virt = next
			continue
		}

		if a.as.Unmap(virt, m.Flags.Attrs()) == nil {
			a.freeFrames(mm.FrameFromAddress(m.Phys+mm.PhysAddr(virt-pageBase)), 1)
		}
		virt += mm.PageSize
	}
}

// findFree returns the first address in the window that is aligned to
// align and starts size bytes of unmapped memory. Lookup reports the size
// of unmapped ranges so whole missing tables are skipped at once.
func (a *Allocator) findFree(size, align uintptr) (uintptr, bool) {
	candidate := mm.AlignUp(a.start, align)
	for candidate >= a.start && candidate+size > candidate && candidate+size <= a.end {
		virt, free := candidate, true
		for virt < candidate+size {
			m, ok := a.as.Lookup(virt)
			next := mm.AlignDown(virt, m.PageSize) + m.PageSize
			if ok {
				candidate, free = mm.AlignUp(next, align), false
				break
			}
			virt = next
		}

		if free {
			return candidate, true
		}
	}
	return 0, false
}

// freeFrames returns count frames starting at frame to the frame allocator.
// A rejected release leaks the frames; it is logged and otherwise ignored.
func (a *Allocator) freeFrames(frame mm.Frame, count uintptr) {
	if err := a.frames.FreeFrames(frame, count); err != nil {
		kfmt.Printf("[vspace] unable to release %d frames at 0x%x: %s\n",
			count, uintptr(frame.Address()), err.Message)
	}
}

// allocAligned returns a run of frames covering size bytes whose address is
// aligned to size. If the first attempt is misaligned, a larger run is
// requested and trimmed.
func (a *Allocator) allocAligned(size uintptr) (mm.Frame, *kernel.Error) {
	count := size >> mm.PageShift
	frame, err := a.frames.AllocFrames(count)
	if err != nil || uintptr(frame.Address())&(size-1) == 0 {
		return frame, err
	}
	a.freeFrames(frame, count)

	span := 2*count - 1
	if frame, err = a.frames.AllocFrames(span); err != nil {
		return mm.InvalidFrame, err
	}

	first := mm.FrameFromAddress(mm.PhysAddr(mm.AlignUp(uintptr(frame.Address()), size)))
	if lead := uintptr(first - frame); lead > 0 {
		a.freeFrames(frame, lead)
	}
	if tail := span - uintptr(first-frame) - count; tail > 0 {
		a.freeFrames(first+mm.Frame(count), tail)
	}
	return first, nil
}
