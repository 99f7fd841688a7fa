package mm

// Config holds the boot-time tunables of the memory subsystem.
type Config struct {
	// HeapDivisor sets the heap arena size to 1/HeapDivisor of the
	// usable memory (rounded up to a power of 2 pages).
	HeapDivisor uintptr

	// DebugFrames enables double-free detection in the frame allocator.
	DebugFrames bool

	// GiantPages allows 1 GiB mappings when the CPU supports them.
	GiantPages bool
}

// Command line keys understood by Config.Set.
const (
	ConfigHeapDivisor = "mm.heapdiv"
	ConfigDebugFrames = "mm.debug"
	ConfigGiantPages  = "mm.hugepages"
)

// DefaultConfig returns the settings used when the command line does not
// override them.
func DefaultConfig() Config {
	return Config{
		HeapDivisor: 16,
		GiantPages:  true,
	}
}

// Set applies a single key=value pair from the kernel command line. It
// returns false if the key is unknown or the value cannot be parsed, leaving
// the config unchanged.
func (c *Config) Set(key, value string) bool {
	switch key {
	case ConfigHeapDivisor:
		n, ok := parseUint(value)
		if !ok || n == 0 {
			return false
		}
		c.HeapDivisor = n
	case ConfigDebugFrames:
		b, ok := parseBool(value)
		if !ok {
			return false
		}
		c.DebugFrames = b
	case ConfigGiantPages:
		b, ok := parseBool(value)
		if !ok {
			return false
		}
		c.GiantPages = b
	default:
		return false
	}

	return true
}

// parseUint converts a decimal string without allocating on failure.
func parseUint(s string) (uintptr, bool) {
	if len(s) == 0 || len(s) > 9 {
		return 0, false
	}

	var n uintptr
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + uintptr(s[i]-'0')
	}
	return n, true
}

func parseBool(s string) (bool, bool) {
	switch s {
	case "1", "on", "true":
		return true, true
	case "0", "off", "false":
		return false, true
	}
	return false, false
}
