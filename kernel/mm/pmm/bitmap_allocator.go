package pmm

import (
	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/sync"
	"math"
	"math/bits"
	"reflect"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when no run of free frames satisfies an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidArgument is returned for zero-sized requests and frames
	// outside the managed range.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid frame range"}

	// ErrAlreadyInUse is returned when reserving frames that are in use.
	ErrAlreadyInUse = &kernel.Error{Module: "pmm", Message: "frame already in use"}

	// ErrDoubleFree is returned in debug mode when freeing a free frame.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is not in use"}

	errNoUsableMemory  = &kernel.Error{Module: "pmm", Message: "memory map contains no usable memory"}
	errNoBitmapStorage = &kernel.Error{Module: "pmm", Message: "no usable region can hold the frame bitmap"}
	errBitmapMapping   = &kernel.Error{Module: "pmm", Message: "frame bitmap is not reachable through the direct map"}
)

// Stats is a point-in-time copy of the allocator counters.
type Stats struct {
	// HighestPhysicalAddr is the end of the highest region of any type.
	HighestPhysicalAddr mm.PhysAddr

	// LowestUsableAddr and HighestUsableAddr delimit the usable frames;
	// HighestUsableAddr is exclusive.
	LowestUsableAddr  mm.PhysAddr
	HighestUsableAddr mm.PhysAddr

	// TotalPages counts the frames below HighestPhysicalAddr.
	TotalPages uintptr

	// UsablePages counts the frames inside usable regions. UsedPages and
	// FreePages always add up to UsablePages.
	UsablePages uintptr
	UsedPages   uintptr
	FreePages   uintptr

	// ReservedPages counts the frames inside non-usable regions.
	ReservedPages uintptr
}

// BitmapAllocator tracks the state of every physical frame below the highest
// usable address with one bit: set for used (or unusable) frames and clear
// for free frames. A second bitmap of the same size marks the frames that can
// never be handed out: non-usable regions and the bitmap storage. Both
// bitmaps live in frames taken from the memory they describe.
type BitmapAllocator struct {
	lock sync.Spinlock

	dm       mm.DirectMap
	bitmap   []uint64
	reserved []uint64

	// frameCount is the number of frames covered by the bitmap.
	frameCount uintptr

	// bitmapFrame and bitmapPages locate the bitmap storage.
	bitmapFrame mm.Frame
	bitmapPages uintptr

	// lowestFrame is the first usable frame; cursor is where the next
	// scan starts.
	lowestFrame uintptr
	cursor      uintptr

	debug bool
	stats Stats
}

// Init sets up the allocator from the firmware memory map. Frames inside
// RegionUsable entries start free; everything else, including the frames
// holding the bitmap, starts used. Usable regions are shrunk to page
// boundaries and non-usable regions win over overlapping usable ones.
//
// Init must complete before any other method is invoked.
func (alloc *BitmapAllocator) Init(dm mm.DirectMap, regions []mm.MemoryRegion, debug bool) *kernel.Error {
	*alloc = BitmapAllocator{dm: dm, debug: debug}

	var (
		lowest  = mm.PhysAddr(math.MaxUint64)
		highest mm.PhysAddr
	)
	for _, region := range regions {
		if region.End() > alloc.stats.HighestPhysicalAddr {
			alloc.stats.HighestPhysicalAddr = region.End()
		}

		start, end, ok := usableExtents(region)
		if !ok {
			continue
		}
		if start < lowest {
			lowest = start
		}
		if end > highest {
			highest = end
		}
	}

	if highest == 0 {
		return errNoUsableMemory
	}

	alloc.stats.LowestUsableAddr = lowest
	alloc.stats.HighestUsableAddr = highest
	alloc.stats.TotalPages = mm.AlignUp(uintptr(alloc.stats.HighestPhysicalAddr), mm.PageSize) >> mm.PageShift
	alloc.frameCount = uintptr(highest) >> mm.PageShift
	alloc.lowestFrame = uintptr(lowest) >> mm.PageShift
	alloc.cursor = alloc.lowestFrame

	// The bitmap is carved from the top of the first usable region that
	// can hold it so that the low frames of that region stay available.
	words := (alloc.frameCount + 63) >> 6
	alloc.bitmapPages = mm.AlignUp(2*words<<3, mm.PageSize) >> mm.PageShift
	bitmapAddr := mm.InvalidPhysAddr
	for _, region := range regions {
		start, end, ok := usableExtents(region)
		if !ok || uintptr(end-start)>>mm.PageShift < alloc.bitmapPages {
			continue
		}

		bitmapAddr = end - mm.PhysAddr(alloc.bitmapPages<<mm.PageShift)
		break
	}

	if !bitmapAddr.Valid() {
		return errNoBitmapStorage
	}

	storage := dm.Bytes(bitmapAddr, alloc.bitmapPages<<mm.PageShift)
	if storage == nil {
		return errBitmapMapping
	}

	alloc.bitmapFrame = mm.FrameFromAddress(bitmapAddr)
	all := *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(2 * words),
		Cap:  int(2 * words),
		Data: uintptr(unsafe.Pointer(&storage[0])),
	}))
	alloc.bitmap, alloc.reserved = all[:words:words], all[words:]

	for i := range all {
		all[i] = math.MaxUint64
	}

	for _, region := range regions {
		if start, end, ok := usableExtents(region); ok {
			alloc.setRange(uintptr(start)>>mm.PageShift, uintptr(end-start)>>mm.PageShift, false)
		}
	}

	for _, region := range regions {
		if region.Type == mm.RegionUsable || region.Length == 0 {
			continue
		}

		first := mm.AlignDown(uintptr(region.Base), mm.PageSize) >> mm.PageShift
		last := mm.AlignUp(uintptr(region.End()), mm.PageSize) >> mm.PageShift
		alloc.stats.ReservedPages += last - first
		if last > alloc.frameCount {
			last = alloc.frameCount
		}
		if first < last {
			alloc.setRange(first, last-first, true)
		}
	}

	var free uintptr
	for _, word := range alloc.bitmap {
		free += uintptr(bits.OnesCount64(^word))
	}
	alloc.stats.UsablePages = free

	alloc.setRange(uintptr(alloc.bitmapFrame), alloc.bitmapPages, true)
	copy(alloc.reserved, alloc.bitmap)
	alloc.stats.UsedPages = alloc.bitmapPages
	alloc.stats.FreePages = alloc.stats.UsablePages - alloc.stats.UsedPages

	kfmt.Printf("[pmm] frame bitmap: %d pages at 0x%x, tracking %d frames\n",
		alloc.bitmapPages, uintptr(bitmapAddr), alloc.frameCount)
	alloc.printStats()

	return nil
}

// usableExtents returns the page-aligned extents of a usable region. It
// returns false for other region types and for usable regions that do not
// contain a single whole page.
func usableExtents(region mm.MemoryRegion) (mm.PhysAddr, mm.PhysAddr, bool) {
	if region.Type != mm.RegionUsable {
		return 0, 0, false
	}

	start := mm.PhysAddr(mm.AlignUp(uintptr(region.Base), mm.PageSize))
	end := mm.PhysAddr(mm.AlignDown(uintptr(region.End()), mm.PageSize))
	return start, end, start < end
}

// AllocFrames reserves count contiguous frames and returns the first one.
// The frames are zeroed before being returned.
func (alloc *BitmapAllocator) AllocFrames(count uintptr) (mm.Frame, *kernel.Error) {
	return alloc.AllocFramesBelow(count, 0)
}

// AllocFrame reserves a single zeroed frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFramesBelow(1, 0)
}

// AllocFramesBelow behaves like AllocFrames but only considers frames that
// end at or below limit. A zero limit means no restriction.
func (alloc *BitmapAllocator) AllocFramesBelow(count uintptr, limit mm.PhysAddr) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrInvalidArgument
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	end := alloc.frameCount
	if limitFrame := uintptr(limit) >> mm.PageShift; limit != 0 && limitFrame < end {
		end = limitFrame
	}

	start := alloc.cursor
	if start < alloc.lowestFrame || start >= end {
		start = alloc.lowestFrame
	}

	first, ok := alloc.findRun(start, end, count)
	if !ok && start != alloc.lowestFrame {
		// wrap around once; the run may extend past the original start
		first, ok = alloc.findRun(alloc.lowestFrame, end, count)
	}

	if !ok {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	alloc.setRange(first, count, true)
	alloc.cursor = first + count
	alloc.stats.UsedPages += count
	alloc.stats.FreePages -= count

	kernel.Memset(alloc.dm.Bytes(mm.Frame(first).Address(), count<<mm.PageShift), 0)

	return mm.Frame(first), nil
}

// FreeFrames marks count frames starting at frame as free. Frames that can
// never be allocated, such as reserved regions or the bitmap storage, are
// rejected with ErrInvalidArgument. When debug checks are enabled the call
// fails with ErrDoubleFree if one of the frames is already free. A failed
// call changes no state.
func (alloc *BitmapAllocator) FreeFrames(frame mm.Frame, count uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.inRange(frame, count) {
		return ErrInvalidArgument
	}

	for f := uintptr(frame); f < uintptr(frame)+count; f++ {
		if alloc.reserved[f>>6]&(1<<(f&63)) != 0 {
			return ErrInvalidArgument
		}
	}

	if alloc.debug {
		for f := uintptr(frame); f < uintptr(frame)+count; f++ {
			if !alloc.isUsed(f) {
				return ErrDoubleFree
			}
		}
	}

	for f := uintptr(frame); f < uintptr(frame)+count; f++ {
		if alloc.isUsed(f) {
			alloc.stats.UsedPages--
			alloc.stats.FreePages++
		}
	}
	alloc.setRange(uintptr(frame), count, false)

	return nil
}

// ReserveFrames marks count specific frames as used. It fails with
// ErrAlreadyInUse, without changing any state, if any of them is not free.
func (alloc *BitmapAllocator) ReserveFrames(frame mm.Frame, count uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.inRange(frame, count) {
		return ErrInvalidArgument
	}

	for f := uintptr(frame); f < uintptr(frame)+count; f++ {
		if alloc.isUsed(f) {
			return ErrAlreadyInUse
		}
	}

	alloc.setRange(uintptr(frame), count, true)
	alloc.stats.UsedPages += count
	alloc.stats.FreePages -= count
	return nil
}

// IsUsed returns true if frame is allocated or not usable.
func (alloc *BitmapAllocator) IsUsed(frame mm.Frame) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return uintptr(frame) >= alloc.frameCount || alloc.isUsed(uintptr(frame))
}

// Stats returns a copy of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.stats
}

// FrameCount returns the number of frames tracked by the bitmap.
func (alloc *BitmapAllocator) FrameCount() uintptr {
	return alloc.frameCount
}

// BitmapLocation returns the first frame and the number of frames that hold
// the bitmap.
func (alloc *BitmapAllocator) BitmapLocation() (mm.Frame, uintptr) {
	return alloc.bitmapFrame, alloc.bitmapPages
}

// DumpStats prints the allocator counters. It does not acquire the lock so it
// can run from the fatal error path.
func (alloc *BitmapAllocator) DumpStats() {
	alloc.printStats()
}

func (alloc *BitmapAllocator) printStats() {
	st := &alloc.stats
	kfmt.Printf("[pmm] highest physical address: 0x%x\n", uintptr(st.HighestPhysicalAddr))
	kfmt.Printf("[pmm] usable range: 0x%x - 0x%x\n", uintptr(st.LowestUsableAddr), uintptr(st.HighestUsableAddr))
	kfmt.Printf("[pmm] pages: total %d, usable %d, used %d, free %d, reserved %d\n",
		st.TotalPages, st.UsablePages, st.UsedPages, st.FreePages, st.ReservedPages)
}

func (alloc *BitmapAllocator) inRange(frame mm.Frame, count uintptr) bool {
	end := uintptr(frame) + count
	return count != 0 && end > uintptr(frame) && end <= alloc.frameCount
}

func (alloc *BitmapAllocator) isUsed(frame uintptr) bool {
	return alloc.bitmap[frame>>6]&(1<<(frame&63)) != 0
}

// setRange sets or clears the bits of count frames starting at first.
func (alloc *BitmapAllocator) setRange(first, count uintptr, used bool) {
	for f := first; f < first+count; {
		// whole words are updated in one go
		if f&63 == 0 && first+count-f >= 64 {
			if used {
				alloc.bitmap[f>>6] = math.MaxUint64
			} else {
				alloc.bitmap[f>>6] = 0
			}
			f += 64
			continue
		}

		if used {
			alloc.bitmap[f>>6] |= 1 << (f & 63)
		} else {
			alloc.bitmap[f>>6] &^= 1 << (f & 63)
		}
		f++
	}
}

// findRun returns the first frame of a run of count free frames that lies in
// [from, to).
func (alloc *BitmapAllocator) findRun(from, to, count uintptr) (uintptr, bool) {
	var run uintptr
	for f := from; f < to; {
		if f&63 == 0 && alloc.bitmap[f>>6] == math.MaxUint64 {
			run = 0
			f += 64
			continue
		}

		if alloc.isUsed(f) {
			run = 0
		} else if run++; run == count {
			return f + 1 - count, true
		}
		f++
	}

	return 0, false
}
