package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"emberos/kernel"
)

func TestPanic(t *testing.T) {
	defer func() {
		SetHaltFn(nil)
		SetOutputSink(nil)
	}()

	var cpuHaltCalled bool
	SetHaltFn(func() {
		cpuHaltCalled = true
	})

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		descr string
		err   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cpuHaltCalled = false
			buf.Reset()

			Panic(spec.err)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected the halt function to be called by Panic")
			}
		})
	}
}

func TestPanicDiagnostics(t *testing.T) {
	defer func(origCount int) {
		SetHaltFn(nil)
		SetOutputSink(nil)
		diagnosticCount = origCount
	}(diagnosticCount)

	SetHaltFn(func() {})

	var buf bytes.Buffer
	SetOutputSink(&buf)

	diagnosticCount = 0
	for i := 0; i < maxDiagnostics+1; i++ {
		RegisterDiagnostic(func() { Printf("[diag] state dump\n") })
	}

	if diagnosticCount != maxDiagnostics {
		t.Fatalf("expected %d registered diagnostics; got %d", maxDiagnostics, diagnosticCount)
	}

	Panic(&kernel.Error{Module: "test", Message: "oom"})

	if got := bytes.Count(buf.Bytes(), []byte("[diag] state dump\n")); got != maxDiagnostics {
		t.Fatalf("expected diagnostics to be dumped %d times; got %d", maxDiagnostics, got)
	}
}
