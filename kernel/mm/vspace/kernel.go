package vspace

import (
	"emberos/kernel"
	"emberos/kernel/mm"
	"emberos/kernel/mm/vmm"
)

var kernelAllocator Allocator

// Init sets up the allocator used by the running kernel.
func Init(mgr *vmm.Manager, frames mm.FrameAllocator) *kernel.Error {
	return kernelAllocator.Init(mgr, frames)
}

// Kernel returns the allocator configured by Init.
func Kernel() *Allocator { return &kernelAllocator }

// Allocate reserves count pages of kernel virtual memory backed by new
// frames.
func Allocate(count uintptr, flags vmm.MapFlags) (uintptr, *kernel.Error) {
	return kernelAllocator.Allocate(count, flags)
}

// AllocateAt maps the physical pages starting at physAddr to their direct
// map alias.
func AllocateAt(physAddr mm.PhysAddr, count uintptr, flags vmm.MapFlags) (uintptr, *kernel.Error) {
	return kernelAllocator.AllocateAt(physAddr, count, flags)
}

// Free releases memory obtained from Allocate.
func Free(virtAddr, count uintptr, flags vmm.MapFlags) {
	kernelAllocator.Free(virtAddr, count, flags)
}
