// Package multiboot decodes the multiboot2 information block handed over by
// the bootloader. None of the accessors allocate so they can be used before
// the kernel heap exists.
package multiboot

import (
	"reflect"
	"unsafe"
)

var (
	infoData uintptr

	// physOffset is added to physical addresses embedded in the info block
	// (e.g. the ELF string table) before dereferencing them.
	physOffset uintptr
)

type tagType uint32

// nolint
const (
	tagEnd tagType = iota
	tagCmdLine
	tagLoaderName
	tagModules
	tagBasicMemInfo
	tagBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebuffer
	tagElfSections
	tagApmTable
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8
	tagAlignment   = 8
)

type tagHeader struct {
	typ tagType

	// Size of the tag including this header but excluding padding.
	size uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType classifies a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable memory can be handed to the frame allocator.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved memory must never be touched.
	MemReserved

	// MemAcpiReclaimable holds ACPI tables and becomes usable once they
	// have been parsed.
	MemAcpiReclaimable

	// MemNvs must be preserved across hibernation.
	MemNvs

	// MemBad marks defective RAM.
	MemBad

	memTypeCount
)

func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	case MemBad:
		return "bad"
	}
	return "unknown"
}

// MemoryMapEntry is a single entry of the bootloader memory map.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
	reserved    uint32
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory map entry.
// Returning false stops the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// FramebufferType describes the video mode set up by the bootloader.
type FramebufferType uint8

const (
	FramebufferTypeIndexed FramebufferType = iota
	FramebufferTypeRGB
	FramebufferTypeEGA
)

// FramebufferInfo mirrors the framebuffer tag payload.
type FramebufferInfo struct {
	PhysAddr uint64
	Pitch    uint32

	// Width and Height are measured in characters for EGA text mode and in
	// pixels otherwise.
	Width, Height uint32
	Bpp           uint8
	Type          FramebufferType
	reserved      uint16

	colorInfo [0]byte
}

// Size returns the number of bytes spanned by the framebuffer.
func (i *FramebufferInfo) Size() uint64 {
	return uint64(i.Pitch) * uint64(i.Height)
}

// RGBColorInfo returns the channel layout of an RGB framebuffer or nil for
// any other framebuffer type.
func (i *FramebufferInfo) RGBColorInfo() *FramebufferRGBColorInfo {
	if i.Type != FramebufferTypeRGB {
		return nil
	}
	return (*FramebufferRGBColorInfo)(unsafe.Pointer(&i.colorInfo))
}

// FramebufferRGBColorInfo holds the bit position and width of each channel.
type FramebufferRGBColorInfo struct {
	RedPosition   uint8
	RedMaskSize   uint8
	GreenPosition uint8
	GreenMaskSize uint8
	BluePosition  uint8
	BlueMaskSize  uint8
}

// ElfSectionFlag is a bitmask of ELF section attributes.
type ElfSectionFlag uint32

const (
	ElfSectionWritable ElfSectionFlag = 1 << iota
	ElfSectionAllocated
	ElfSectionExecutable
)

// ElfSectionVisitor is invoked by VisitElfSections for each non-empty
// section of the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

type elfSections struct {
	count       uint32
	entrySize   uint32
	strtabIndex uint32
	sections    [0]byte
}

type elfSection64 struct {
	nameIndex uint32
	typ       uint32
	flags     uint64
	address   uint64
	offset    uint64
	size      uint64
	link      uint32
	info      uint32
	addrAlign uint64
	entSize   uint64
}

// CmdLineVisitor is invoked by VisitCmdLine for every whitespace separated
// token of the kernel command line. Tokens without '=' yield an empty value.
type CmdLineVisitor func(key, value string)

// SetInfoPtr sets the address of the multiboot info block. It must be
// called before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// SetPhysOffset sets the offset added to physical addresses stored inside
// the info block once they are no longer identity mapped.
func SetPhysOffset(offset uintptr) {
	physOffset = offset
}

// VisitMemRegions invokes visitor for each entry of the memory map. Entry
// types the kernel does not recognize are reported as MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	ptr, size := findTag(tagMemoryMap)
	if size < uint32(unsafe.Sizeof(mmapHeader{})) {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(ptr))
	if hdr.entrySize == 0 {
		return
	}

	end := ptr + uintptr(size)
	for cur := ptr + unsafe.Sizeof(*hdr); cur+uintptr(hdr.entrySize) <= end; cur += uintptr(hdr.entrySize) {
		entry := (*MemoryMapEntry)(unsafe.Pointer(cur))
		if entry.Type == 0 || entry.Type >= memTypeCount {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// GetFramebufferInfo returns the framebuffer set up by the bootloader or nil
// if the info block does not describe one.
func GetFramebufferInfo() *FramebufferInfo {
	ptr, size := findTag(tagFramebuffer)
	if size == 0 {
		return nil
	}
	return (*FramebufferInfo)(unsafe.Pointer(ptr))
}

// VisitElfSections invokes visitor for each section of the kernel image that
// occupies memory.
func VisitElfSections(visitor ElfSectionVisitor) {
	ptr, size := findTag(tagElfSections)
	if size == 0 {
		return
	}

	var (
		tbl    = (*elfSections)(unsafe.Pointer(ptr))
		first  = uintptr(unsafe.Pointer(&tbl.sections))
		stride = uintptr(tbl.entrySize)
	)
	if stride == 0 || tbl.strtabIndex >= tbl.count {
		return
	}

	strtab := (*elfSection64)(unsafe.Pointer(first + uintptr(tbl.strtabIndex)*stride))
	strBase := uintptr(strtab.address) + physOffset

	for i := uint32(0); i < tbl.count; i++ {
		sec := (*elfSection64)(unsafe.Pointer(first + uintptr(i)*stride))
		if sec.size == 0 {
			continue
		}

		visitor(cString(strBase+uintptr(sec.nameIndex)), ElfSectionFlag(sec.flags), uintptr(sec.address), sec.size)
	}
}

// VisitCmdLine splits the kernel command line into key=value tokens and
// invokes visitor for each one. The strings passed to visitor point into the
// info block and must be copied if retained after it is reclaimed.
func VisitCmdLine(visitor CmdLineVisitor) {
	line := CmdLine()

	for start := 0; start < len(line); {
		for start < len(line) && isSpace(line[start]) {
			start++
		}

		end := start
		for end < len(line) && !isSpace(line[end]) {
			end++
		}
		if end == start {
			break
		}

		token := line[start:end]
		key, value := token, ""
		for j := 0; j < len(token); j++ {
			if token[j] == '=' {
				key, value = token[:j], token[j+1:]
				break
			}
		}
		if key != "" {
			visitor(key, value)
		}
		start = end
	}
}

// CmdLine returns the raw kernel command line.
func CmdLine() string {
	ptr, size := findTag(tagCmdLine)
	if size == 0 {
		return ""
	}
	return cStringN(ptr, uintptr(size))
}

// LoaderName returns the name reported by the bootloader.
func LoaderName() string {
	ptr, size := findTag(tagLoaderName)
	if size == 0 {
		return ""
	}
	return cStringN(ptr, uintptr(size))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n'
}

// cString wraps the NUL terminated string at ptr without copying it.
func cString(ptr uintptr) string {
	n := uintptr(0)
	for *(*byte)(unsafe.Pointer(ptr + n)) != 0 {
		n++
	}
	return makeString(ptr, n)
}

// cStringN is like cString but never reads more than max bytes.
func cStringN(ptr, max uintptr) string {
	n := uintptr(0)
	for n < max && *(*byte)(unsafe.Pointer(ptr + n)) != 0 {
		n++
	}
	return makeString(ptr, n)
}

func makeString(ptr, n uintptr) string {
	if n == 0 {
		return ""
	}

	var s string
	hdr := (*reflect.StringHeader)(unsafe.Pointer(&s))
	hdr.Data = ptr
	hdr.Len = int(n)
	return s
}

// findTag returns the payload address and size of the first tag of type
// typ, or (0, 0) when the info block has no such tag.
func findTag(typ tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	total := uintptr(*(*uint32)(unsafe.Pointer(infoData)))
	end := infoData + total

	for cur := infoData + infoHeaderSize; cur+tagHeaderSize <= end; {
		hdr := (*tagHeader)(unsafe.Pointer(cur))
		if hdr.typ == tagEnd || hdr.size < tagHeaderSize {
			break
		}
		if hdr.typ == typ {
			return cur + tagHeaderSize, hdr.size - tagHeaderSize
		}
		cur += (uintptr(hdr.size) + tagAlignment - 1) &^ (tagAlignment - 1)
	}

	return 0, 0
}
