package kfmt

import (
	"emberos/kernel"
	"emberos/kernel/cpu"
)

// maxDiagnostics is the number of diagnostic dump hooks that can be
// registered with RegisterDiagnostic.
const maxDiagnostics = 4

var (
	// cpuHaltFn is invoked once a fatal error has been reported. Tests and
	// hosted tools replace it via SetHaltFn.
	cpuHaltFn = cpu.Halt

	diagnosticFns   [maxDiagnostics]func()
	diagnosticCount int

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFn overrides the function that Panic invokes after printing its
// diagnostic. Passing nil restores the CPU halt.
func SetHaltFn(fn func()) {
	if fn == nil {
		fn = cpu.Halt
	}
	cpuHaltFn = fn
}

// RegisterDiagnostic adds fn to the list of functions that Panic invokes to
// dump the last known state of a subsystem. Registrations beyond the first
// maxDiagnostics are ignored.
func RegisterDiagnostic(fn func()) {
	if diagnosticCount == maxDiagnostics {
		return
	}
	diagnosticFns[diagnosticCount] = fn
	diagnosticCount++
}

// Panic outputs the supplied error (if not nil) followed by the output of
// every registered diagnostic function and halts the CPU. When running on
// hardware Panic never returns.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	for i := 0; i < diagnosticCount; i++ {
		diagnosticFns[i]()
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
