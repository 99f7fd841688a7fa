// Package kmain contains the kernel entrypoint and the boot sequence that
// brings up the memory subsystem.
package kmain

import (
	"emberos/kernel"
	"emberos/kernel/console"
	"emberos/kernel/cpu"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	bootConsole console.Text
)

// Kmain is invoked by the rt0 code once it has set up a stack and an
// initial set of page tables that map the kernel image at kernelPageOffset
// and all physical memory at directMapOffset.
//
// multibootInfoPtr is the virtual address of the multiboot info block while
// kernelStart and kernelEnd are the physical extents of the loaded image.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPageOffset, directMapOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	multiboot.SetPhysOffset(directMapOffset)

	dm := mm.NewDirectMap(directMapOffset, 0)
	attachConsole(dm)
	kfmt.Printf("[kmain] booting emberos (loader: %s)\n", multiboot.LoaderName())

	var (
		start = mm.PhysAddr(kernelStart)
		end   = mm.PhysAddr(mm.AlignUp(kernelEnd, mm.PageSize))
	)

	setup := MemorySetup{
		DirectMap:     dm,
		MMU:           cpu.Native{},
		VM:            mm.ActiveMemory{},
		Levels:        cpu.PagingLevels(),
		HasGiantPages: cpu.HasGiantPages(),
		Regions:       MemoryMap(start, end),
		Image:         KernelImage(start, end, kernelPageOffset),
		Config:        BootConfig(),
	}
	if err := InitMemory(setup); err != nil {
		kfmt.Panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// attachConsole routes kfmt output to the EGA text console when the
// bootloader left the display in text mode. Otherwise output stays in the
// early ring buffer.
func attachConsole(dm mm.DirectMap) {
	fb := getFramebufferInfoFn()
	if fb == nil || fb.Type != multiboot.FramebufferTypeEGA {
		return
	}

	buf := dm.Bytes(mm.PhysAddr(fb.PhysAddr), uintptr(fb.Width)*uintptr(fb.Height)*2)
	if buf == nil || !bootConsole.Init(buf, fb.Width, fb.Height) {
		return
	}

	bootConsole.Clear()
	kfmt.SetOutputSink(&bootConsole)
}
