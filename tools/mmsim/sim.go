package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"emberos/kernel/cpu"
	"emberos/kernel/kmain"
	"emberos/kernel/mm"
	"emberos/kernel/mm/heap"
	"emberos/kernel/mm/mmtest"
	"emberos/kernel/mm/pmm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/mm/vspace"
)

var (
	errQuit        = errors.New("quit")
	errUsage       = errors.New("wrong number of arguments")
	errUnknownCmd  = errors.New("unknown command; type help for a list")
	errUnknownFlag = errors.New("unknown mapping flag")
	errNullPointer = errors.New("allocation failed")
	errCacheModes  = errors.New("at most one cache mode may be given")
)

// command is a REPL command operating on the simulated kernel.
type command struct {
	args  string
	help  string
	nargs int
	run   func(w io.Writer, args []uint64, flags vmm.MapFlags) error
}

// flagNames maps the tokens accepted in a flag list to mapping flags.
var flagNames = map[string]vmm.MapFlags{
	"r":  vmm.MapRead,
	"w":  vmm.MapWrite,
	"x":  vmm.MapExec,
	"u":  vmm.MapUser,
	"g":  vmm.MapGlobal,
	"2m": vmm.MapPage2M,
	"1g": vmm.MapPage1G,
	"wb": vmm.CacheWriteBack,
	"wt": vmm.CacheWriteThrough,
	"wc": vmm.CacheWriteCombining,
	"wp": vmm.CacheWriteProtect,
	"uc": vmm.CacheUncached,
	"io": vmm.CacheMMIO,
}

var commands = map[string]command{
	"alloc":   {"<pages> [flags]", "allocate pages from the kernel window", 1, cmdAlloc},
	"free":    {"<addr> <pages> [flags]", "release pages allocated with alloc", 2, cmdFree},
	"at":      {"<phys> <pages> [flags]", "map physical memory into the direct map", 2, cmdAllocAt},
	"map":     {"<virt> <phys> [flags]", "map a page in the kernel address space", 2, cmdMap},
	"unmap":   {"<virt> [flags]", "remove a mapping", 1, cmdUnmap},
	"remap":   {"<old> <new> [flags]", "move a mapping to another address", 2, cmdRemap},
	"prot":    {"<virt> <flags>", "change the flags of a mapping", 1, cmdProtect},
	"look":    {"<virt>", "show the mapping covering an address", 1, cmdLookup},
	"frame":   {"<count>", "allocate contiguous physical frames", 1, cmdFrames},
	"lowfr":   {"<count> <limit>", "allocate frames below a physical address", 2, cmdFramesBelow},
	"reserve": {"<frame> <count>", "mark specific frames as used", 2, cmdReserveFrames},
	"ffree":   {"<frame> <count>", "release physical frames", 2, cmdFreeFrames},
	"malloc":  {"<size>", "allocate from the kernel heap", 1, cmdMalloc},
	"calloc":  {"<count> <size>", "allocate zeroed memory from the kernel heap", 2, cmdCalloc},
	"realloc": {"<ptr> <size>", "resize a heap block", 2, cmdRealloc},
	"mfree":   {"<ptr>", "release a heap block", 1, cmdHeapFree},
	"poke":    {"<virt> <byte>", "store a byte at a kernel address", 2, cmdPoke},
	"peek":    {"<virt>", "load a byte from a kernel address", 1, cmdPeek},
	"stats":   {"", "print allocator statistics", 0, cmdStats},
}

// exec runs a single command line and writes its result to w.
func exec(w io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "help", "?":
		printHelp(w)
		return nil
	}

	cmd, ok := commands[fields[0]]
	if !ok {
		return errUnknownCmd
	}

	params := fields[1:]
	if len(params) < cmd.nargs || len(params) > cmd.nargs+1 {
		return fmt.Errorf("%w; usage: %s %s", errUsage, fields[0], cmd.args)
	}

	args := make([]uint64, cmd.nargs)
	for i := range args {
		v, err := strconv.ParseUint(params[i], 0, 64)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		args[i] = v
	}

	var flags vmm.MapFlags
	if len(params) > cmd.nargs {
		var err error
		if flags, err = parseFlags(params[cmd.nargs]); err != nil {
			return err
		}
	}

	return cmd.run(w, args, flags)
}

func printHelp(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-8s %-24s %s\n", name, cmd.args, cmd.help)
	}
	fmt.Fprintf(w, "  %-8s %-24s %s\n", "quit", "", "leave the simulator")
	fmt.Fprintf(w, "flags: comma separated list of r,w,x,u,g,2m,1g,wb,wt,wc,wp,uc,io\n")
}

// parseFlags converts a comma separated list of flag names.
func parseFlags(s string) (vmm.MapFlags, error) {
	var flags vmm.MapFlags
	for _, name := range strings.Split(s, ",") {
		f, ok := flagNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("%w %q", errUnknownFlag, name)
		}
		if f.Cache() != 0 && flags.Cache() != 0 {
			return 0, errCacheModes
		}
		flags |= f
	}
	if !flags.Valid() {
		return 0, vmm.ErrInvalidFlags
	}
	return flags, nil
}

// formatFlags renders flags as a comma separated list.
func formatFlags(flags vmm.MapFlags) string {
	parts := []string{"r"}
	for _, name := range []string{"w", "x", "u", "g", "2m", "1g"} {
		if flags&flagNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	for _, name := range []string{"io", "wc", "wt", "wp", "wb", "uc"} {
		if flags.Cache() == flagNames[name] {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}

func cmdAlloc(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	addr, err := vspace.Allocate(uintptr(args[0]), flags)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "0x%x\n", addr)
	return nil
}

func cmdFree(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	vspace.Free(uintptr(args[0]), uintptr(args[1]), flags)
	return nil
}

func cmdAllocAt(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	addr, err := vspace.AllocateAt(mm.PhysAddr(args[0]), uintptr(args[1]), flags)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "0x%x\n", addr)
	return nil
}

func cmdMap(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	if err := vmm.Map(uintptr(args[0]), mm.PhysAddr(args[1]), flags); err != nil {
		return err
	}
	return nil
}

func cmdUnmap(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	if err := vmm.Unmap(uintptr(args[0]), flags); err != nil {
		return err
	}
	return nil
}

func cmdRemap(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	if err := vmm.KernelSpace().Remap(uintptr(args[0]), uintptr(args[1]), flags); err != nil {
		return err
	}
	return nil
}

func cmdProtect(w io.Writer, args []uint64, flags vmm.MapFlags) error {
	if err := vmm.KernelSpace().SetFlags(uintptr(args[0]), flags); err != nil {
		return err
	}
	return nil
}

func cmdLookup(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	m, ok := vmm.KernelSpace().Lookup(uintptr(args[0]))
	if !ok {
		fmt.Fprintf(w, "unmapped (%d KiB span)\n", m.PageSize>>10)
		return nil
	}

	phys, err := vmm.Translate(uintptr(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "0x%x -> page 0x%x (%d KiB, %s)\n", uintptr(phys), uintptr(m.Phys), m.PageSize>>10, formatFlags(m.Flags))
	return nil
}

func cmdFrames(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	frame, err := pmm.AllocFrames(uintptr(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "frame %d (0x%x)\n", uintptr(frame), uintptr(frame.Address()))
	return nil
}

func cmdFramesBelow(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	frame, err := pmm.Allocator().AllocFramesBelow(uintptr(args[0]), mm.PhysAddr(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "frame %d (0x%x)\n", uintptr(frame), uintptr(frame.Address()))
	return nil
}

func cmdReserveFrames(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	if err := pmm.Allocator().ReserveFrames(mm.Frame(args[0]), uintptr(args[1])); err != nil {
		return err
	}
	return nil
}

func cmdFreeFrames(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	if err := pmm.FreeFrames(mm.Frame(args[0]), uintptr(args[1])); err != nil {
		return err
	}
	return nil
}

func printPtr(w io.Writer, ptr uintptr) error {
	if ptr == 0 {
		return errNullPointer
	}
	fmt.Fprintf(w, "0x%x\n", ptr)
	return nil
}

func cmdMalloc(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	return printPtr(w, heap.Malloc(uintptr(args[0])))
}

func cmdCalloc(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	return printPtr(w, heap.Calloc(uintptr(args[0]), uintptr(args[1])))
}

func cmdRealloc(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	ptr := heap.Realloc(uintptr(args[0]), uintptr(args[1]))
	if ptr == 0 && args[1] == 0 {
		fmt.Fprintf(w, "freed\n")
		return nil
	}
	return printPtr(w, ptr)
}

func cmdHeapFree(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	heap.Free(uintptr(args[0]))
	return nil
}

func cmdPoke(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	b := vmm.KernelSpace().Bytes(uintptr(args[0]), 1)
	if b == nil {
		return vmm.ErrAddressUnreachable
	}
	b[0] = byte(args[1])
	return nil
}

func cmdPeek(w io.Writer, args []uint64, _ vmm.MapFlags) error {
	b := vmm.KernelSpace().Bytes(uintptr(args[0]), 1)
	if b == nil {
		return vmm.ErrAddressUnreachable
	}
	fmt.Fprintf(w, "0x%02x\n", b[0])
	return nil
}

func cmdStats(w io.Writer, _ []uint64, _ vmm.MapFlags) error {
	ps, hs := pmm.GetStats(), heap.GetStats()
	fmt.Fprintf(w, "frames: %d usable, %d used, %d free, %d reserved\n", ps.UsablePages, ps.UsedPages, ps.FreePages, ps.ReservedPages)
	fmt.Fprintf(w, "heap:   %d bytes used, %d free, %d blocks\n", hs.UsedBytes, hs.FreeBytes, hs.LiveBlocks)
	return nil
}

// machine describes the simulated computer the REPL runs on.
type machine struct {
	ramSize uintptr
	levels  uint8
	cfg     mm.Config
}

// boot brings up the memory subsystem against simulated RAM.
func boot(m machine) error {
	setup := kmain.MemorySetup{
		DirectMap:     mm.NewSimulatedDirectMap(mmtest.DirectMapOffset, mmtest.NewRAM(m.ramSize)),
		MMU:           new(cpu.Emulated),
		Levels:        m.levels,
		HasGiantPages: true,
		Regions:       mmtest.Regions(m.ramSize),
		Image: vmm.KernelImage{
			VirtBase: mmtest.KernelVirtBase,
			PhysBase: mmtest.KernelPhysBase,
			Size:     mmtest.KernelSize,
		},
		Config: m.cfg,
	}
	if err := kmain.InitMemory(setup); err != nil {
		return err
	}
	return nil
}
