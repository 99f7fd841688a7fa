package cpu

import "emberos/kernel/sync"

// MMU exposes the translation control state of the calling core.
type MMU interface {
	// FlushTLBEntry invalidates any cached translation for virtAddr on
	// the calling core.
	FlushTLBEntry(virtAddr uintptr)

	// SwitchPDT installs the root page table located at pdtPhysAddr.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the installed root table.
	ActivePDT() uintptr

	// SetPAT programs the page attribute table.
	SetPAT(value uint64)
}

// flushLogSize is the number of invalidated addresses Emulated remembers.
const flushLogSize = 64

// Emulated is an MMU that records the requested operations instead of
// executing privileged instructions. It allows the memory subsystem to run
// as a regular process against simulated RAM.
type Emulated struct {
	lock sync.Spinlock

	activePDT uintptr
	pat       uint64
	patWrites int

	// flushes is a ring holding the most recent flushLogSize entries;
	// flushCount counts every flush since the last SwitchPDT.
	flushes    [flushLogSize]uintptr
	flushCount int
}

// FlushTLBEntry implements MMU.
func (e *Emulated) FlushTLBEntry(virtAddr uintptr) {
	e.lock.Acquire()
	e.flushes[e.flushCount%flushLogSize] = virtAddr
	e.flushCount++
	e.lock.Release()
}

// SwitchPDT implements MMU.
func (e *Emulated) SwitchPDT(pdtPhysAddr uintptr) {
	e.lock.Acquire()
	e.activePDT = pdtPhysAddr
	e.flushCount = 0
	e.lock.Release()
}

// ActivePDT implements MMU.
func (e *Emulated) ActivePDT() uintptr {
	e.lock.Acquire()
	defer e.lock.Release()
	return e.activePDT
}

// SetPAT implements MMU.
func (e *Emulated) SetPAT(value uint64) {
	e.lock.Acquire()
	e.pat = value
	e.patWrites++
	e.lock.Release()
}

// PAT returns the last value passed to SetPAT and the number of SetPAT calls.
func (e *Emulated) PAT() (uint64, int) {
	e.lock.Acquire()
	defer e.lock.Release()
	return e.pat, e.patWrites
}

// Flushes returns, oldest first, up to the last flushLogSize addresses
// invalidated since the last SwitchPDT call.
func (e *Emulated) Flushes() []uintptr {
	e.lock.Acquire()
	defer e.lock.Release()

	n := e.flushCount
	if n > flushLogSize {
		n = flushLogSize
	}
	out := make([]uintptr, n)
	for i := range out {
		out[i] = e.flushes[(e.flushCount-n+i)%flushLogSize]
	}
	return out
}

// FlushCount returns the number of FlushTLBEntry calls since the last
// SwitchPDT call.
func (e *Emulated) FlushCount() int {
	e.lock.Acquire()
	defer e.lock.Release()
	return e.flushCount
}
