package mm

import "emberos/kernel"

// HigherHalf is the virtual alias of a physical address inside the direct
// map window. It is a distinct type so that physical addresses and their
// aliases cannot be mixed up.
type HigherHalf uintptr

// DirectMap describes the window through which all physical memory is
// reachable at a fixed virtual offset.
type DirectMap struct {
	offset uintptr

	// limit bounds the physical addresses that may be accessed through
	// the window; zero means unbounded.
	limit PhysAddr

	// ram, when set, backs physical memory with a byte slice instead of
	// the running core's own mappings.
	ram []byte
}

// NewDirectMap returns a DirectMap for a window that starts at offset and
// is already mapped by the active page tables. Physical addresses at or
// above limit are rejected; a zero limit disables the check.
func NewDirectMap(offset uintptr, limit PhysAddr) DirectMap {
	return DirectMap{offset: offset, limit: limit}
}

// NewSimulatedDirectMap returns a DirectMap whose aliases start at offset
// but whose contents are served from ram. Physical address p corresponds to
// ram[p]. The first byte of ram must be page-aligned.
func NewSimulatedDirectMap(offset uintptr, ram []byte) DirectMap {
	return DirectMap{offset: offset, limit: PhysAddr(len(ram)), ram: ram}
}

// Offset returns the virtual address of physical address zero.
func (d DirectMap) Offset() uintptr { return d.offset }

// Limit returns the first physical address that is not accessible through
// the window or zero if the window is unbounded.
func (d DirectMap) Limit() PhysAddr { return d.limit }

// ToHigherHalf returns the alias of p.
func (d DirectMap) ToHigherHalf(p PhysAddr) HigherHalf {
	return HigherHalf(d.offset + uintptr(p))
}

// FromHigherHalf returns the physical address aliased by h.
func (d DirectMap) FromHigherHalf(h HigherHalf) PhysAddr {
	return PhysAddr(uintptr(h) - d.offset)
}

// Bytes returns a slice overlaying the size bytes of physical memory that
// start at p. It returns nil if the range lies outside the window.
func (d DirectMap) Bytes(p PhysAddr, size uintptr) []byte {
	end := uintptr(p) + size
	if end < uintptr(p) || (d.limit != 0 && end > uintptr(d.limit)) {
		return nil
	}

	if d.ram != nil {
		return d.ram[p:end:end]
	}
	return kernel.Overlay(d.offset+uintptr(p), size)
}
