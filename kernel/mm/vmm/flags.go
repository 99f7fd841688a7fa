package vmm

import "emberos/kernel/mm"

// MapFlags describes the access rights, page size hint and cache mode of a
// mapping independently of the page table format. Read access is implied.
type MapFlags uint32

const (
	// MapRead is implied by every mapping.
	MapRead MapFlags = 0

	// MapWrite allows writes to the mapping.
	MapWrite MapFlags = 1 << (iota - 1)

	// MapExec allows instruction fetches from the mapping.
	MapExec

	// MapUser allows user-mode access to the mapping.
	MapUser

	// MapGlobal keeps the mapping in the TLB across address space switches.
	MapGlobal

	// MapPage2M requests 2M pages.
	MapPage2M

	// MapPage1G requests 1G pages.
	MapPage1G
)

// cacheShift is the position of the cache mode field.
const cacheShift = 8

// Cache modes. Exactly one may be encoded in the cache field.
const (
	CacheDefault MapFlags = iota << cacheShift
	CacheMMIO
	CacheWriteCombining
	CacheWriteThrough
	CacheWriteProtect
	CacheWriteBack
	CacheUncached

	cacheModes

	cacheMask = MapFlags(0xf) << cacheShift
	sizeMask  = MapPage2M | MapPage1G
	knownMask = MapWrite | MapExec | MapUser | MapGlobal | sizeMask | cacheMask
)

// patIndex maps each cache mode to the PAT entry programmed with it.
var patIndex = [cacheModes >> cacheShift]uint8{0, 2, 3, 4, 5, 6, 7}

// Cache returns the cache mode encoded in f.
func (f MapFlags) Cache() MapFlags { return f & cacheMask }

// Attrs returns f without its page size hint.
func (f MapFlags) Attrs() MapFlags { return f &^ sizeMask }

// PageSize returns the page size requested by f.
func (f MapFlags) PageSize() uintptr {
	switch {
	case f&MapPage1G != 0:
		return mm.GiantPageSize
	case f&MapPage2M != 0:
		return mm.LargePageSize
	default:
		return mm.PageSize
	}
}

// Valid reports whether f only contains known flags, at most one size
// hint and a valid cache mode.
func (f MapFlags) Valid() bool {
	return f&^knownMask == 0 &&
		f&sizeMask != sizeMask &&
		f.Cache() < cacheModes
}

// level returns the page table level of the leaves requested by f.
func (f MapFlags) level() uint8 {
	switch {
	case f&MapPage1G != 0:
		return 2
	case f&MapPage2M != 0:
		return 1
	default:
		return 0
	}
}

// toHardware converts f to the flags of a leaf entry at level.
func (f MapFlags) toHardware(level uint8) PageTableEntryFlag {
	hw := FlagPresent
	if f&MapWrite != 0 {
		hw |= FlagRW
	}
	if f&MapUser != 0 {
		hw |= FlagUserAccessible
	}
	if f&MapGlobal != 0 {
		hw |= FlagGlobal
	}
	if f&MapExec == 0 {
		hw |= FlagNoExecute
	}

	idx := patIndex[f.Cache()>>cacheShift]
	if idx&1 != 0 {
		hw |= FlagWriteThroughCaching
	}
	if idx&2 != 0 {
		hw |= FlagDoNotCache
	}
	if level == 0 {
		if idx&4 != 0 {
			hw |= FlagPAT
		}
		return hw
	}

	hw |= FlagHugePage
	if idx&4 != 0 {
		hw |= FlagLargePAT
	}
	return hw
}

// fromHardware converts the flags of a leaf entry at level back to
// MapFlags, including the size hint for large leaves.
func fromHardware(hw PageTableEntryFlag, level uint8) MapFlags {
	var f MapFlags
	if hw&FlagRW != 0 {
		f |= MapWrite
	}
	if hw&FlagUserAccessible != 0 {
		f |= MapUser
	}
	if hw&FlagGlobal != 0 {
		f |= MapGlobal
	}
	if hw&FlagNoExecute == 0 {
		f |= MapExec
	}

	var idx uint8
	if hw&FlagWriteThroughCaching != 0 {
		idx |= 1
	}
	if hw&FlagDoNotCache != 0 {
		idx |= 2
	}
	switch {
	case level == 0 && hw&FlagPAT != 0,
		level != 0 && hw&FlagLargePAT != 0:
		idx |= 4
	}
	f |= cacheFromIndex(idx)

	switch level {
	case 1:
		f |= MapPage2M
	case 2:
		f |= MapPage1G
	}
	return f
}

// cacheFromIndex returns the cache mode programmed at PAT entry idx.
func cacheFromIndex(idx uint8) MapFlags {
	if idx == 1 {
		return CacheWriteThrough
	}
	for mode, i := range patIndex {
		if i == idx {
			return MapFlags(mode) << cacheShift
		}
	}
	return CacheDefault
}
