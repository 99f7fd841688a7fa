package mm

import "testing"

func TestConfigSet(t *testing.T) {
	specs := []struct {
		key, value string
		expOK      bool
		exp        Config
	}{
		{ConfigHeapDivisor, "32", true, Config{HeapDivisor: 32, GiantPages: true}},
		{ConfigHeapDivisor, "0", false, DefaultConfig()},
		{ConfigHeapDivisor, "x2", false, DefaultConfig()},
		{ConfigHeapDivisor, "", false, DefaultConfig()},
		{ConfigDebugFrames, "1", true, Config{HeapDivisor: 16, DebugFrames: true, GiantPages: true}},
		{ConfigDebugFrames, "maybe", false, DefaultConfig()},
		{ConfigGiantPages, "off", true, Config{HeapDivisor: 16}},
		{"mm.unknown", "1", false, DefaultConfig()},
	}

	for specIndex, spec := range specs {
		cfg := DefaultConfig()
		if got := cfg.Set(spec.key, spec.value); got != spec.expOK {
			t.Errorf("[spec %d] expected Set to return %t; got %t", specIndex, spec.expOK, got)
		}

		if cfg != spec.exp {
			t.Errorf("[spec %d] expected config %+v; got %+v", specIndex, spec.exp, cfg)
		}
	}
}
