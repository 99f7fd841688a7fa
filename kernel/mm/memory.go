package mm

import "emberos/kernel"

// VirtualMemory provides access to the contents of mapped virtual memory.
type VirtualMemory interface {
	// Bytes returns a slice overlaying size bytes starting at virtAddr or
	// nil if the address is not mapped. The range must not cross a page
	// boundary.
	Bytes(virtAddr, size uintptr) []byte
}

// ActiveMemory reaches virtual memory through the running core's MMU.
type ActiveMemory struct{}

// Bytes implements VirtualMemory.
func (ActiveMemory) Bytes(virtAddr, size uintptr) []byte {
	return kernel.Overlay(virtAddr, size)
}

// Zero clears size bytes of virtual memory starting at virtAddr. It returns
// false if any page in the range is not mapped.
func Zero(vm VirtualMemory, virtAddr, size uintptr) bool {
	for size > 0 {
		chunk := chunkSize(virtAddr, size)
		b := vm.Bytes(virtAddr, chunk)
		if b == nil {
			return false
		}
		kernel.Memset(b, 0)
		virtAddr, size = virtAddr+chunk, size-chunk
	}
	return true
}

// Copy copies size bytes of virtual memory from src to dst. It returns false
// if any page in either range is not mapped.
func Copy(vm VirtualMemory, dst, src, size uintptr) bool {
	for size > 0 {
		chunk := chunkSize(dst, size)
		if c := chunkSize(src, size); c < chunk {
			chunk = c
		}

		to, from := vm.Bytes(dst, chunk), vm.Bytes(src, chunk)
		if to == nil || from == nil {
			return false
		}
		copy(to, from)
		dst, src, size = dst+chunk, src+chunk, size-chunk
	}
	return true
}

// chunkSize returns how many of the size bytes at addr fit before the next
// page boundary.
func chunkSize(addr, size uintptr) uintptr {
	if rem := PageSize - addr&(PageSize-1); rem < size {
		return rem
	}
	return size
}
