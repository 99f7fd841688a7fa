// Package heap provides the general purpose kernel allocator.
package heap

import (
	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/mm/vspace"
	"math/bits"
)

var kernelHeap Heap

// ArenaPages returns the number of pages given to the heap for usablePages
// pages of usable memory: 1/divisor of it rounded up to a power of 2.
func ArenaPages(usablePages, divisor uintptr) uintptr {
	if divisor == 0 {
		divisor = mm.DefaultConfig().HeapDivisor
	}

	pages := usablePages / divisor
	if pages <= 1 {
		return 1
	}
	return uintptr(1) << bits.Len64(uint64(pages-1))
}

// Init allocates the kernel heap arena from space and prepares it for use.
// The arena is accessed through vm.
func Init(space *vspace.Allocator, vm mm.VirtualMemory, usablePages uintptr, cfg mm.Config) *kernel.Error {
	pages := ArenaPages(usablePages, cfg.HeapDivisor)

	base, err := space.Allocate(pages, vmm.MapWrite|vmm.MapGlobal)
	if err != nil {
		return err
	}
	if err = kernelHeap.Init(vm, base, pages<<mm.PageShift); err != nil {
		space.Free(base, pages, vmm.MapWrite)
		return err
	}

	kfmt.Printf("[heap] arena: %d pages at 0x%16x\n", pages, base)
	kfmt.RegisterDiagnostic(kernelHeap.DumpStats)
	return nil
}

// Kernel returns the heap configured by Init.
func Kernel() *Heap { return &kernelHeap }

// Malloc allocates size bytes from the kernel heap.
func Malloc(size uintptr) uintptr { return kernelHeap.Malloc(size) }

// Calloc allocates count zeroed elements of size bytes from the kernel heap.
func Calloc(count, size uintptr) uintptr { return kernelHeap.Calloc(count, size) }

// Realloc resizes a block of the kernel heap.
func Realloc(ptr, size uintptr) uintptr { return kernelHeap.Realloc(ptr, size) }

// Free returns a block to the kernel heap.
func Free(ptr uintptr) { kernelHeap.Free(ptr) }

// GetStats returns the usage of the kernel heap.
func GetStats() Stats { return kernelHeap.Stats() }
