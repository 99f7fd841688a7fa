// Package kfmt implements the allocation-free formatted output used by the
// memory subsystem before (and while) it brings up the allocators that the
// fmt package depends on.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers. It also caps the
// width that can be requested for a numeric verb.
const maxBufSize = 64

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	digits = "0123456789abcdef"

	numFmtBuf [maxBufSize]byte

	// singleByte is a shared buffer for emitting one character at a time;
	// slicing the format string would make the compiler allocate.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. When nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any data accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf or nil if
// output is being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf is a minimal Printf implementation that does not allocate memory.
// It supports the following subset of the fmt verbs:
//
//	%s string or []byte
//	%d base 10 integer
//	%x base 16 integer, lower-case letters
//	%o base 8 integer
//	%t boolean
//	%% a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base 10 values
// are left-padded with spaces; base 8 and 16 values are left-padded with
// zeroes. Only the built-in integer types are recognized: named types such as
// mm.Frame must be converted by the caller.
//
// Output goes to the sink registered via SetOutputSink or, if none is set, to
// an in-memory ring buffer.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// intValue splits any built-in integer into a sign and a magnitude.
func intValue(v interface{}) (neg bool, mag uint64, ok bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return false, uint64(t), true
	case uint16:
		return false, uint64(t), true
	case uint32:
		return false, uint64(t), true
	case uint64:
		return false, t, true
	case uint:
		return false, uint64(t), true
	case uintptr:
		return false, uint64(t), true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return false, 0, false
	}

	if sval < 0 {
		return true, uint64(-sval), true
	}
	return false, uint64(sval), true
}

// fmtInt renders v in the requested base right-aligned to width. The buffer
// is filled backwards starting from its end.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	neg, mag, ok := intValue(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if width > maxBufSize {
		width = maxBufSize
	}

	pos := maxBufSize
	for {
		pos--
		numFmtBuf[pos] = digits[mag%base]
		if mag /= base; mag == 0 {
			break
		}
	}

	sign := 0
	if neg {
		sign = 1
	}

	if base == 10 {
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
		for maxBufSize-pos < width {
			pos--
			numFmtBuf[pos] = ' '
		}
	} else {
		for maxBufSize-pos+sign < width {
			pos--
			numFmtBuf[pos] = '0'
		}
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
	}

	doWrite(w, numFmtBuf[pos:])
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// doWrite hides p from escape analysis. Since the compiler cannot tell what
// the io.Writer does with p, it would otherwise flag p as escaping and every
// Printf call would allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
