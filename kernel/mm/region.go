package mm

// RegionType classifies a MemoryRegion.
type RegionType uint8

const (
	// RegionUsable is free RAM.
	RegionUsable RegionType = iota

	// RegionReserved must never be touched.
	RegionReserved

	// RegionReclaimable holds firmware tables that can be reused once
	// they have been parsed.
	RegionReclaimable

	// RegionFramebuffer is the linear framebuffer set up by the firmware.
	RegionFramebuffer
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionReclaimable:
		return "reclaimable"
	case RegionFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryRegion is one entry of the firmware-supplied memory map.
type MemoryRegion struct {
	Base   PhysAddr
	Length Size
	Type   RegionType
}

// End returns the first physical address past the region.
func (r MemoryRegion) End() PhysAddr {
	return r.Base + PhysAddr(r.Length)
}
