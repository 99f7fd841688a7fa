// Command mmsim boots the memory subsystem against simulated RAM and offers
// an interactive prompt for allocating, mapping and inspecting memory.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"emberos/kernel/kfmt"
	"emberos/kernel/mm"

	tty "github.com/mattn/go-tty"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mmsim] error: %s\n", err.Error())
	os.Exit(1)
}

// runScript executes the ';' separated commands in script and stops at the
// first failure.
func runScript(w io.Writer, script string) error {
	for _, line := range strings.Split(script, ";") {
		fmt.Fprintf(w, "> %s\n", strings.TrimSpace(line))
		if err := exec(w, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
	}
	return nil
}

// repl reads commands from the terminal until quit or end of input.
func repl(t *tty.TTY) error {
	out := t.Output()
	fmt.Fprintf(out, "mmsim: type help for a list of commands\n")

	for {
		fmt.Fprintf(out, "mmsim> ")
		line, err := t.ReadString()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch err := exec(out, line); {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
}

func main() {
	var (
		ramMiB  = flag.Uint("ram", 64, "simulated RAM size in MiB")
		levels  = flag.Uint("levels", 4, "page table levels (4 or 5)")
		giant   = flag.Bool("giant", true, "allow 1G pages")
		debug   = flag.Bool("debug", false, "detect double frees")
		heapDiv = flag.Uint("heapdiv", uint(mm.DefaultConfig().HeapDivisor), "heap arena divisor")
		script  = flag.String("e", "", "run ';' separated commands and exit")
	)
	flag.Parse()

	cfg := mm.DefaultConfig()
	cfg.HeapDivisor = uintptr(*heapDiv)
	cfg.GiantPages = *giant
	cfg.DebugFrames = *debug

	if *script != "" {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[kernel] ")})
		kfmt.SetHaltFn(func() { os.Exit(2) })

		if err := boot(machine{ramSize: uintptr(*ramMiB) << 20, levels: uint8(*levels), cfg: cfg}); err != nil {
			exit(err)
		}
		if err := runScript(os.Stdout, *script); err != nil {
			exit(err)
		}
		return
	}

	t, err := tty.Open()
	if err != nil {
		exit(err)
	}

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: t.Output(), Prefix: []byte("[kernel] ")})
	kfmt.SetHaltFn(func() {
		t.Close()
		os.Exit(2)
	})

	if err = boot(machine{ramSize: uintptr(*ramMiB) << 20, levels: uint8(*levels), cfg: cfg}); err == nil {
		err = repl(t)
	}
	t.Close()

	if err != nil {
		exit(err)
	}
}
