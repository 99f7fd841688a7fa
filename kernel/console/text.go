// Package console provides the boot console used as the kfmt output sink
// before any device driver is loaded.
package console

// Standard EGA palette indices.
const (
	ColorBlack     uint8 = 0
	ColorBlue      uint8 = 1
	ColorRed       uint8 = 4
	ColorLightGray uint8 = 7
	ColorWhite     uint8 = 15

	maxColor = 15
)

// Text drives an EGA-compatible text mode framebuffer. Each cell occupies
// two bytes: the character code followed by the attribute byte holding the
// background (high nibble) and foreground (low nibble) colors.
//
// Text interprets \r, \n, \b and \t and scrolls its contents up once the
// cursor moves past the last row. It never allocates.
type Text struct {
	fb            []byte
	width, height uint32

	fg, bg   uint8
	tabWidth uint32

	// cursor position; zero-based.
	x, y uint32
}

// NewText returns a console for a columns x rows framebuffer that is
// accessible through fb. It returns nil if fb is too small.
func NewText(fb []byte, columns, rows uint32) *Text {
	t := new(Text)
	if !t.Init(fb, columns, rows) {
		return nil
	}
	return t
}

// Init is the allocation-free counterpart of NewText for consoles that
// live in static storage. It returns false if fb is too small.
func (t *Text) Init(fb []byte, columns, rows uint32) bool {
	if columns == 0 || rows == 0 || uint64(len(fb)) < uint64(columns)*uint64(rows)*2 {
		return false
	}

	*t = Text{
		fb:       fb,
		width:    columns,
		height:   rows,
		fg:       ColorLightGray,
		bg:       ColorBlack,
		tabWidth: 4,
	}
	return true
}

// Dimensions returns the console size in characters.
func (t *Text) Dimensions() (uint32, uint32) {
	return t.width, t.height
}

// Cursor returns the zero-based cursor position.
func (t *Text) Cursor() (uint32, uint32) {
	return t.x, t.y
}

// SetColors selects the attributes used for subsequent output. Out of range
// colors are ignored.
func (t *Text) SetColors(fg, bg uint8) {
	if fg <= maxColor {
		t.fg = fg
	}
	if bg <= maxColor {
		t.bg = bg
	}
}

// Clear blanks the console and homes the cursor.
func (t *Text) Clear() {
	for i := uint32(0); i < t.width*t.height; i++ {
		t.put(i, ' ')
	}
	t.x, t.y = 0, 0
}

// Char returns the character and attribute byte stored at (x, y).
func (t *Text) Char(x, y uint32) (byte, uint8) {
	if x >= t.width || y >= t.height {
		return 0, 0
	}
	off := 2 * (y*t.width + x)
	return t.fb[off], t.fb[off+1]
}

// Write implements io.Writer.
func (t *Text) Write(p []byte) (int, error) {
	for _, b := range p {
		t.writeByte(b)
	}
	return len(p), nil
}

func (t *Text) writeByte(b byte) {
	switch b {
	case '\r':
		t.x = 0
	case '\n':
		t.newline()
	case '\b':
		if t.x > 0 {
			t.x--
			t.put(t.y*t.width+t.x, ' ')
		}
	case '\t':
		for i := uint32(0); i < t.tabWidth; i++ {
			t.advance(' ')
		}
	default:
		t.advance(b)
	}
}

func (t *Text) advance(b byte) {
	t.put(t.y*t.width+t.x, b)
	if t.x++; t.x == t.width {
		t.newline()
	}
}

func (t *Text) newline() {
	t.x = 0
	if t.y+1 < t.height {
		t.y++
		return
	}

	stride := 2 * t.width
	copy(t.fb, t.fb[stride:stride*t.height])
	last := (t.height - 1) * t.width
	for i := uint32(0); i < t.width; i++ {
		t.put(last+i, ' ')
	}
}

func (t *Text) put(cell uint32, ch byte) {
	t.fb[2*cell] = ch
	t.fb[2*cell+1] = t.bg<<4 | t.fg
}
