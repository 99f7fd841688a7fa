package cpu

var (
	cpuidFn   = ID
	readCR4Fn = ReadCR4
)

const (
	// MSRPAT is the model specific register holding the page attribute table.
	MSRPAT = 0x277

	cr4LA57       = 1 << 12
	cpuidPAT      = 1 << 16
	cpuidPage1GB  = 1 << 26
	cpuidExtLeaf  = 0x80000000
	cpuidExtFeats = 0x80000001
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uint64

// ReadMSR returns the value of a model specific register.
func ReadMSR(reg uint32) uint64

// WriteMSR stores value into a model specific register.
func WriteMSR(reg uint32, value uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasPAT returns true if the CPU supports the page attribute table.
func HasPAT() bool {
	_, _, _, edx := cpuidFn(1)
	return edx&cpuidPAT != 0
}

// HasGiantPages returns true if the CPU can map 1 GiB pages.
func HasGiantPages() bool {
	if maxLeaf, _, _, _ := cpuidFn(cpuidExtLeaf); maxLeaf < cpuidExtFeats {
		return false
	}

	_, _, _, edx := cpuidFn(cpuidExtFeats)
	return edx&cpuidPage1GB != 0
}

// PagingLevels returns the number of page table levels used by the active
// paging mode: 5 when LA57 is enabled and 4 otherwise.
func PagingLevels() uint8 {
	if readCR4Fn()&cr4LA57 != 0 {
		return 5
	}

	return 4
}

// Native drives the translation hardware of the core it runs on.
type Native struct{}

// FlushTLBEntry implements MMU.
func (Native) FlushTLBEntry(virtAddr uintptr) { FlushTLBEntry(virtAddr) }

// SwitchPDT implements MMU.
func (Native) SwitchPDT(pdtPhysAddr uintptr) { SwitchPDT(pdtPhysAddr) }

// ActivePDT implements MMU.
func (Native) ActivePDT() uintptr { return ActivePDT() }

// SetPAT implements MMU. The MSR is left untouched if it already holds value;
// otherwise it is written with interrupts disabled.
func (Native) SetPAT(value uint64) {
	if ReadMSR(MSRPAT) == value {
		return
	}

	DisableInterrupts()
	WriteMSR(MSRPAT, value)
	EnableInterrupts()
}
