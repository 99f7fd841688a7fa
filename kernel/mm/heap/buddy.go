package heap

import (
	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/sync"
	"math/bits"
	"unsafe"
)

const (
	// minOrder is log2 of the smallest block size.
	minOrder = 6

	// maxOrders bounds the number of free lists.
	maxOrders = 48

	// headerSize is the part of an allocated block reserved for its
	// header. Pointers returned by Malloc are aligned to it.
	headerSize = 16

	magicFree = uint32(0x46524545)
	magicUsed = uint32(0x55534544)
)

var (
	errArenaSize      = &kernel.Error{Module: "heap", Message: "arena size must be a power of 2 of at least 64 bytes"}
	errArenaAlignment = &kernel.Error{Module: "heap", Message: "arena must be page-aligned"}
	errArenaMapping   = &kernel.Error{Module: "heap", Message: "arena is not mapped"}
)

// blockHeader is stored at the start of every block. The list links are
// only meaningful for free blocks and overlap the user data of allocated
// ones.
type blockHeader struct {
	magic uint32
	order uint32
	next  uintptr
	prev  uintptr
}

// Stats describes the arena usage.
type Stats struct {
	ArenaBase  uintptr
	ArenaSize  uintptr
	UsedBytes  uintptr
	FreeBytes  uintptr
	LiveBlocks uintptr
}

// Heap is a buddy allocator whose bookkeeping lives inside the arena it
// manages. Blocks are powers of two in size and aligned to their size
// relative to the arena start. The arena is accessed through a
// mm.VirtualMemory so it can live in any address space.
type Heap struct {
	lock sync.Spinlock

	vm       mm.VirtualMemory
	base     uintptr
	size     uintptr
	maxOrder uint

	// heads holds the address of the first free block of each order.
	heads [maxOrders]uintptr

	stats Stats
}

// Init hands the size bytes at base to h. The range must be mapped in vm.
func (h *Heap) Init(vm mm.VirtualMemory, base, size uintptr) *kernel.Error {
	if size < 1<<minOrder || size&(size-1) != 0 || bits.TrailingZeros64(uint64(size)) >= maxOrders {
		return errArenaSize
	}
	if base&(mm.PageSize-1) != 0 {
		return errArenaAlignment
	}

	*h = Heap{
		vm:       vm,
		base:     base,
		size:     size,
		maxOrder: uint(bits.TrailingZeros64(uint64(size))),
		stats:    Stats{ArenaBase: base, ArenaSize: size, FreeBytes: size},
	}
	if h.header(base) == nil {
		return errArenaMapping
	}
	h.push(base, h.maxOrder)
	return nil
}

// Malloc returns the address of a block that can hold size bytes or 0 if
// size is zero or the arena cannot satisfy the request.
func (h *Heap) Malloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	h.lock.Acquire()
	defer h.lock.Release()
	return h.malloc(size)
}

// Calloc returns a zeroed block for count elements of size bytes or 0 if
// either is zero, the total overflows or the arena is exhausted.
func (h *Heap) Calloc(count, size uintptr) uintptr {
	if count == 0 || size == 0 {
		return 0
	}
	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 {
		return 0
	}

	h.lock.Acquire()
	defer h.lock.Release()

	ptr := h.malloc(uintptr(total))
	if ptr != 0 {
		mm.Zero(h.vm, ptr, uintptr(total))
	}
	return ptr
}

// Realloc resizes the block at ptr. Blocks that are large enough are kept
// in place; otherwise the contents move to a new block. A zero size frees
// ptr and returns 0. A zero ptr returns 0. If a new block cannot be found,
// ptr is left untouched and 0 is returned.
func (h *Heap) Realloc(ptr, size uintptr) uintptr {
	if ptr == 0 {
		return 0
	}

	h.lock.Acquire()
	defer h.lock.Release()

	block, order, ok := h.lookup(ptr)
	if !ok {
		h.reportInvalid(ptr)
		return 0
	}

	if size == 0 {
		h.release(block, order)
		return 0
	}

	if want, fits := orderFor(size); fits && want <= order {
		return ptr
	}

	newPtr := h.malloc(size)
	if newPtr == 0 {
		return 0
	}

	keep := (uintptr(1) << order) - headerSize
	if size < keep {
		keep = size
	}
	mm.Copy(h.vm, newPtr, ptr, keep)
	h.release(block, order)
	return newPtr
}

// Free returns the block at ptr to the arena. A zero ptr is ignored.
// Pointers that were not returned by h are reported and ignored.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	h.lock.Acquire()
	defer h.lock.Release()

	block, order, ok := h.lookup(ptr)
	if !ok {
		h.reportInvalid(ptr)
		return
	}
	h.release(block, order)
}

// Stats returns a snapshot of the arena usage.
func (h *Heap) Stats() Stats {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.stats
}

// DumpStats prints the arena usage without taking the lock so that it can
// be used while panicking.
func (h *Heap) DumpStats() {
	kfmt.Printf("[heap] arena 0x%16x, size %d: used %d, free %d, live blocks %d\n",
		h.stats.ArenaBase, h.stats.ArenaSize, h.stats.UsedBytes, h.stats.FreeBytes, h.stats.LiveBlocks)
}

// orderFor returns the order of the smallest block that holds size bytes
// and its header.
func orderFor(size uintptr) (uint, bool) {
	total := size + headerSize
	if total < size {
		return 0, false
	}

	order := uint(bits.Len64(uint64(total - 1)))
	if order < minOrder {
		order = minOrder
	}
	return order, order < maxOrders
}

func (h *Heap) malloc(size uintptr) uintptr {
	want, ok := orderFor(size)
	if !ok || want > h.maxOrder {
		return 0
	}

	order := want
	for order <= h.maxOrder && h.heads[order] == 0 {
		order++
	}
	if order > h.maxOrder {
		return 0
	}

	block := h.heads[order]
	h.remove(block, order)
	for order > want {
		order--
		h.push(block+uintptr(1)<<order, order)
	}

	hdr := h.header(block)
	hdr.magic, hdr.order = magicUsed, uint32(want)

	h.stats.UsedBytes += uintptr(1) << want
	h.stats.FreeBytes -= uintptr(1) << want
	h.stats.LiveBlocks++
	return block + headerSize
}

// lookup validates ptr and returns the block that holds it.
func (h *Heap) lookup(ptr uintptr) (uintptr, uint, bool) {
	block := ptr - headerSize
	if ptr < h.base+headerSize || block >= h.base+h.size || (block-h.base)&(1<<minOrder-1) != 0 {
		return 0, 0, false
	}

	hdr := h.header(block)
	if hdr == nil || hdr.magic != magicUsed {
		return 0, 0, false
	}

	order := uint(hdr.order)
	if order < minOrder || order > h.maxOrder || (block-h.base)&(uintptr(1)<<order-1) != 0 {
		return 0, 0, false
	}
	return block, order, true
}

// release frees block and merges it with its buddy as long as the buddy is
// free and of the same order.
func (h *Heap) release(block uintptr, order uint) {
	h.stats.UsedBytes -= uintptr(1) << order
	h.stats.FreeBytes += uintptr(1) << order
	h.stats.LiveBlocks--

	for order < h.maxOrder {
		buddy := h.base + ((block - h.base) ^ (uintptr(1) << order))
		hdr := h.header(buddy)
		if hdr.magic != magicFree || uint(hdr.order) != order {
			break
		}

		h.remove(buddy, order)
		if buddy < block {
			block, buddy = buddy, block
		}
		h.header(buddy).magic = 0
		order++
	}
	h.push(block, order)
}

func (h *Heap) push(block uintptr, order uint) {
	hdr := h.header(block)
	hdr.magic, hdr.order = magicFree, uint32(order)
	hdr.prev, hdr.next = 0, h.heads[order]
	if hdr.next != 0 {
		h.header(hdr.next).prev = block
	}
	h.heads[order] = block
}

func (h *Heap) remove(block uintptr, order uint) {
	hdr := h.header(block)
	if hdr.prev != 0 {
		h.header(hdr.prev).next = hdr.next
	} else {
		h.heads[order] = hdr.next
	}
	if hdr.next != 0 {
		h.header(hdr.next).prev = hdr.prev
	}
	hdr.next, hdr.prev = 0, 0
}

// header returns the header of the block at addr or nil if the address is
// not mapped.
func (h *Heap) header(addr uintptr) *blockHeader {
	b := h.vm.Bytes(addr, unsafe.Sizeof(blockHeader{}))
	if b == nil {
		return nil
	}
	return (*blockHeader)(unsafe.Pointer(&b[0]))
}

func (h *Heap) reportInvalid(ptr uintptr) {
	kfmt.Printf("[heap] ignoring invalid pointer 0x%16x\n", ptr)
}
