package mm

import (
	"emberos/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((uintptr(physAddr) & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PhysAddr is an address in the physical address space. It cannot be
// dereferenced directly; use a DirectMap to reach the memory behind it.
type PhysAddr uintptr

// InvalidPhysAddr is returned by translations that do not resolve to any
// physical memory. No frame can ever start at this address.
const InvalidPhysAddr = PhysAddr(math.MaxUint64)

// Valid returns true unless a is InvalidPhysAddr.
func (a PhysAddr) Valid() bool {
	return a != InvalidPhysAddr
}

// AlignUp rounds v up to the next multiple of align which must be a power
// of 2.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) & ^(align - 1)
}

// AlignDown rounds v down to a multiple of align which must be a power of 2.
func AlignDown(v, align uintptr) uintptr {
	return v & ^(align - 1)
}

// FrameAllocator is implemented by physical memory allocators.
type FrameAllocator interface {
	// AllocFrames reserves count contiguous zeroed frames and returns
	// the first one.
	AllocFrames(count uintptr) (Frame, *kernel.Error)

	// FreeFrames releases count contiguous frames starting at frame.
	FreeFrames(frame Frame, count uintptr) *kernel.Error
}
