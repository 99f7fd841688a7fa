package vmm

import "testing"

// allMapFlags enumerates every valid flag combination.
func allMapFlags() []MapFlags {
	var out []MapFlags
	for rights := MapFlags(0); rights < 16; rights++ {
		for _, size := range []MapFlags{0, MapPage2M, MapPage1G} {
			for cache := CacheDefault; cache < cacheModes; cache += 1 << cacheShift {
				out = append(out, rights|size|cache)
			}
		}
	}
	return out
}

func TestMapFlagsHardwareRoundTrip(t *testing.T) {
	for _, f := range allMapFlags() {
		if !f.Valid() {
			t.Fatalf("expected flags 0x%x to be valid", f)
		}

		level := f.level()
		hw := f.toHardware(level)
		back := fromHardware(hw, level)
		if back != f {
			t.Errorf("expected fromHardware(toHardware(0x%x)) to return the same flags; got 0x%x", f, back)
		}
		if got := back.toHardware(level); got != hw {
			t.Errorf("expected hardware encoding of 0x%x to be stable; got 0x%x, then 0x%x", f, hw, got)
		}
	}
}

func TestMapFlagsToHardware(t *testing.T) {
	specs := []struct {
		flags MapFlags
		exp   PageTableEntryFlag
	}{
		{MapRead, FlagPresent | FlagNoExecute},
		{MapWrite | MapExec, FlagPresent | FlagRW},
		{MapUser | MapGlobal | MapExec, FlagPresent | FlagUserAccessible | FlagGlobal},
		{MapExec | CacheMMIO, FlagPresent | FlagDoNotCache},
		{MapExec | CacheWriteCombining, FlagPresent | FlagWriteThroughCaching | FlagDoNotCache},
		{MapExec | CacheWriteThrough, FlagPresent | FlagPAT},
		{MapExec | CacheWriteThrough | MapPage2M, FlagPresent | FlagHugePage | FlagLargePAT},
		{MapExec | CacheUncached | MapPage1G, FlagPresent | FlagHugePage | FlagLargePAT | FlagWriteThroughCaching | FlagDoNotCache},
		{MapExec | CacheWriteBack, FlagPresent | FlagPAT | FlagDoNotCache},
	}

	for specIndex, spec := range specs {
		if got := spec.flags.toHardware(spec.flags.level()); got != spec.exp {
			t.Errorf("[spec %d] expected hardware flags 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestFromHardwareWriteThroughAlias(t *testing.T) {
	// PAT entry 1 is also programmed as write-through.
	if got := fromHardware(FlagPresent|FlagWriteThroughCaching, 0).Cache(); got != CacheWriteThrough {
		t.Fatalf("expected PWT-only entries to decode as write-through; got 0x%x", got)
	}
}

func TestMapFlagsValidate(t *testing.T) {
	specs := []MapFlags{
		MapPage2M | MapPage1G,
		MapFlags(1 << 20),
		cacheModes,
		cacheMask,
	}

	for _, f := range specs {
		if f.Valid() {
			t.Errorf("expected flags 0x%x to be rejected", f)
		}
	}
}

func TestPATValue(t *testing.T) {
	expModes := []uint64{6, 4, 0, 1, 4, 5, 6, 7}
	for idx, exp := range expModes {
		if got := (patValue >> (8 * uint(idx))) & 0xff; got != exp {
			t.Errorf("expected PAT entry %d to hold memory type %d; got %d", idx, exp, got)
		}
	}
}

func TestMapFlagsAccessors(t *testing.T) {
	f := MapWrite | CacheMMIO | MapPage2M
	if got := f.Attrs(); got != MapWrite|CacheMMIO {
		t.Errorf("expected Attrs to drop the size hint; got 0x%x", got)
	}
	if got := f.Cache(); got != CacheMMIO {
		t.Errorf("expected cache mode CacheMMIO; got 0x%x", got)
	}
	if got := f.PageSize(); got != 1<<21 {
		t.Errorf("expected 2M page size; got 0x%x", got)
	}
	if got := (MapWrite | MapPage1G).PageSize(); got != 1<<30 {
		t.Errorf("expected 1G page size; got 0x%x", got)
	}
}
