package vmm

import (
	"emberos/kernel"
	"emberos/kernel/mm"
)

var (
	manager     Manager
	kernelSpace AddressSpace
)

// Init sets up the page table manager used by the running kernel, builds
// the kernel address space for the supplied memory map and kernel image and
// activates it.
func Init(cfg Config, regions []mm.MemoryRegion, image KernelImage) *kernel.Error {
	if err := manager.Init(cfg); err != nil {
		return err
	}
	if err := manager.InitAddressSpace(&kernelSpace, true); err != nil {
		return err
	}
	return manager.BootstrapKernel(&kernelSpace, regions, image)
}

// DefaultManager returns the manager configured by Init.
func DefaultManager() *Manager { return &manager }

// KernelSpace returns the kernel address space configured by Init.
func KernelSpace() *AddressSpace { return &kernelSpace }

// Map establishes a mapping in the kernel address space.
func Map(virtAddr uintptr, physAddr mm.PhysAddr, flags MapFlags) *kernel.Error {
	return kernelSpace.Map(virtAddr, physAddr, flags)
}

// Unmap removes a mapping from the kernel address space.
func Unmap(virtAddr uintptr, flags MapFlags) *kernel.Error {
	return kernelSpace.Unmap(virtAddr, flags)
}

// Translate returns the physical address mapped at virtAddr in the kernel
// address space.
func Translate(virtAddr uintptr) (mm.PhysAddr, *kernel.Error) {
	return kernelSpace.Translate(virtAddr)
}
