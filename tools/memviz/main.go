// Command memviz boots the memory subsystem against simulated RAM, runs a
// small allocation workload and renders the resulting frame bitmap and
// allocator statistics to a PNG image.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"emberos/kernel/cpu"
	"emberos/kernel/kfmt"
	"emberos/kernel/kmain"
	"emberos/kernel/mm"
	"emberos/kernel/mm/heap"
	"emberos/kernel/mm/mmtest"
	"emberos/kernel/mm/pmm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/mm/vspace"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memviz] error: %s\n", err.Error())
	os.Exit(1)
}

// workload fragments physical memory by allocating runs of varying length
// from the kernel window and releasing every other one, then carves a few
// blocks out of the heap.
func workload(runs int) error {
	for i := 0; i < runs; i++ {
		count := uintptr(1 + i%7)
		addr, err := vspace.Allocate(count, vmm.MapWrite)
		if err != nil {
			return err
		}
		if i%2 == 1 {
			vspace.Free(addr, count, vmm.MapWrite)
		}
	}

	for i := 0; i < runs; i++ {
		if heap.Malloc(uintptr(64<<(i%6))) == 0 {
			return errors.New("heap exhausted")
		}
	}
	return nil
}

func main() {
	var (
		ramMiB  = flag.Uint("ram", 16, "simulated RAM size in MiB")
		levels  = flag.Uint("levels", 4, "page table levels (4 or 5)")
		giant   = flag.Bool("giant", true, "allow 1G pages")
		heapDiv = flag.Uint("heapdiv", uint(mm.DefaultConfig().HeapDivisor), "heap arena divisor")
		runs    = flag.Int("runs", 64, "number of allocation runs in the workload")
		columns = flag.Int("columns", 128, "frames per row")
		cell    = flag.Int("cell", 4, "cell size in pixels")
		verbose = flag.Bool("v", false, "print kernel log output")
		out     = flag.String("o", "memviz.png", "output PNG file")
	)
	flag.Parse()

	if *verbose {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[kernel] ")})
	}
	kfmt.SetHaltFn(func() { os.Exit(2) })

	ramSize := uintptr(*ramMiB) << 20
	cfg := mm.DefaultConfig()
	cfg.HeapDivisor = uintptr(*heapDiv)
	cfg.GiantPages = *giant

	setup := kmain.MemorySetup{
		DirectMap:     mm.NewSimulatedDirectMap(mmtest.DirectMapOffset, mmtest.NewRAM(ramSize)),
		MMU:           new(cpu.Emulated),
		Levels:        uint8(*levels),
		HasGiantPages: true,
		Regions:       mmtest.Regions(ramSize),
		Image: vmm.KernelImage{
			VirtBase: mmtest.KernelVirtBase,
			PhysBase: mmtest.KernelPhysBase,
			Size:     mmtest.KernelSize,
		},
		Config: cfg,
	}
	if err := kmain.InitMemory(setup); err != nil {
		exit(err)
	}

	if err := workload(*runs); err != nil {
		exit(err)
	}

	states := classify(pmm.Allocator(), setup.Regions)
	dc := render(states, statsLines(pmm.GetStats(), heap.GetStats()), layout{columns: *columns, cellSize: *cell})
	if err := dc.SavePNG(*out); err != nil {
		exit(err)
	}

	fmt.Printf("wrote %d frames to %s\n", len(states), *out)
}
