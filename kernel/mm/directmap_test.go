package mm

import (
	"testing"
	"unsafe"
)

func TestSimulatedDirectMap(t *testing.T) {
	ram := make([]byte, 4*PageSize)
	dm := NewSimulatedDirectMap(0xffff800000000000, ram)

	if exp, got := HigherHalf(0xffff800000002000), dm.ToHigherHalf(0x2000); got != exp {
		t.Fatalf("expected alias 0x%x; got 0x%x", exp, got)
	}

	if exp, got := PhysAddr(0x2000), dm.FromHigherHalf(0xffff800000002000); got != exp {
		t.Fatalf("expected physical address 0x%x; got 0x%x", exp, got)
	}

	b := dm.Bytes(PhysAddr(PageSize), 16)
	if len(b) != 16 {
		t.Fatalf("expected 16 byte slice; got %d", len(b))
	}
	b[0] = 0xAB
	if ram[PageSize] != 0xAB {
		t.Fatal("expected writes to reach the backing RAM")
	}

	specs := []struct {
		addr PhysAddr
		size uintptr
	}{
		{PhysAddr(4 * PageSize), 1},
		{PhysAddr(3 * PageSize), PageSize + 1},
		{InvalidPhysAddr, 2},
	}

	for specIndex, spec := range specs {
		if got := dm.Bytes(spec.addr, spec.size); got != nil {
			t.Errorf("[spec %d] expected out of range access to return nil", specIndex)
		}
	}
}

func TestDirectMapOverlay(t *testing.T) {
	buf := make([]byte, 64)
	dm := NewDirectMap(uintptr(unsafe.Pointer(&buf[0])), 64)

	dm.Bytes(8, 8)[0] = 0x42
	if buf[8] != 0x42 {
		t.Fatal("expected writes through the window to reach the underlying memory")
	}

	if dm.Bytes(60, 8) != nil {
		t.Fatal("expected access past the limit to fail")
	}
}

type sliceMemory struct {
	base uintptr
	data []byte
}

func (m sliceMemory) Bytes(virtAddr, size uintptr) []byte {
	if virtAddr < m.base || virtAddr+size > m.base+uintptr(len(m.data)) {
		return nil
	}
	if virtAddr/PageSize != (virtAddr+size-1)/PageSize {
		panic("access crosses a page boundary")
	}
	off := virtAddr - m.base
	return m.data[off : off+size]
}

func TestZeroAndCopy(t *testing.T) {
	vm := sliceMemory{base: 0x10000, data: make([]byte, 3*PageSize)}
	for i := range vm.data {
		vm.data[i] = 0xFF
	}

	if !Zero(vm, 0x10000+100, 2*PageSize) {
		t.Fatal("expected Zero to succeed")
	}
	for i, b := range vm.data {
		exp := byte(0)
		if i < 100 || i >= 100+int(2*PageSize) {
			exp = 0xFF
		}
		if b != exp {
			t.Fatalf("expected byte %d to be 0x%x; got 0x%x", i, exp, b)
		}
	}

	for i := 0; i < int(PageSize); i++ {
		vm.data[i] = byte(i)
	}
	if !Copy(vm, 0x10000+PageSize+10, 0x10000+5, PageSize-5) {
		t.Fatal("expected Copy to succeed")
	}
	for i := 0; i < int(PageSize-5); i++ {
		if exp, got := byte(i+5), vm.data[int(PageSize)+10+i]; got != exp {
			t.Fatalf("expected copied byte %d to be 0x%x; got 0x%x", i, exp, got)
		}
	}

	if Zero(vm, 0x10000+2*PageSize, 2*PageSize) {
		t.Fatal("expected Zero over an unmapped page to fail")
	}
}
