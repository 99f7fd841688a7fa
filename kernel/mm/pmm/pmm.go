// Package pmm implements the physical frame allocator.
package pmm

import (
	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
)

var (
	// bitmapAllocator is the frame allocator used by the kernel.
	bitmapAllocator BitmapAllocator
)

// Init logs the memory map, sets up the kernel frame allocator and registers
// its statistics with the fatal error diagnostics.
func Init(dm mm.DirectMap, regions []mm.MemoryRegion, cfg mm.Config) *kernel.Error {
	printMemoryMap(regions)

	if err := bitmapAllocator.Init(dm, regions, cfg.DebugFrames); err != nil {
		return err
	}

	kfmt.RegisterDiagnostic(func() { bitmapAllocator.DumpStats() })
	return nil
}

// Allocator returns the kernel frame allocator.
func Allocator() *BitmapAllocator {
	return &bitmapAllocator
}

// AllocFrames reserves count contiguous frames from the kernel allocator.
func AllocFrames(count uintptr) (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrames(count)
}

// FreeFrames returns count frames to the kernel allocator.
func FreeFrames(frame mm.Frame, count uintptr) *kernel.Error {
	return bitmapAllocator.FreeFrames(frame, count)
}

// GetStats returns a snapshot of the kernel allocator counters.
func GetStats() Stats {
	return bitmapAllocator.Stats()
}

func printMemoryMap(regions []mm.MemoryRegion) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalUsable mm.Size
	for _, region := range regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			uintptr(region.Base), uintptr(region.End()), uint64(region.Length), region.Type.String())

		if region.Type == mm.RegionUsable {
			totalUsable += region.Length
		}
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalUsable/mm.Kb))
}
