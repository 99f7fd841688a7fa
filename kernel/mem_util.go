package kernel

import (
	"reflect"
	"unsafe"
)

// Overlay returns a byte slice whose backing array is the size bytes that
// start at addr. The caller must ensure that the region is mapped.
func Overlay(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// Memset sets all bytes of target to value. Instead of a byte-by-byte loop it
// performs log2(len(target)) copy calls which is considerably faster for
// page-sized targets.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}
