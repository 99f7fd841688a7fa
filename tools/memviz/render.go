package main

import (
	"fmt"
	"image/color"

	"emberos/kernel/mm"
	"emberos/kernel/mm/heap"
	"emberos/kernel/mm/pmm"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// frameMap is the view of the frame allocator needed to draw its bitmap.
type frameMap interface {
	FrameCount() uintptr
	IsUsed(mm.Frame) bool
	BitmapLocation() (mm.Frame, uintptr)
}

type frameState uint8

const (
	frameFree frameState = iota
	frameUsed
	frameReserved
	frameBitmap
	frameStates
)

var (
	palette = [frameStates]color.RGBA{
		frameFree:     {R: 0x3c, G: 0xb3, B: 0x71, A: 0xff},
		frameUsed:     {R: 0xe6, G: 0x7e, B: 0x22, A: 0xff},
		frameReserved: {R: 0x55, G: 0x55, B: 0x55, A: 0xff},
		frameBitmap:   {R: 0x29, G: 0x80, B: 0xb9, A: 0xff},
	}

	stateNames = [frameStates]string{
		frameFree:     "free",
		frameUsed:     "allocated",
		frameReserved: "reserved",
		frameBitmap:   "frame bitmap",
	}
)

const (
	lineHeight = 16
	margin     = 8
)

// layout controls the size of the rendered grid.
type layout struct {
	columns  int
	cellSize int
}

// classify returns the state of every frame tracked by frames.
func classify(frames frameMap, regions []mm.MemoryRegion) []frameState {
	states := make([]frameState, frames.FrameCount())
	for i := range states {
		if frames.IsUsed(mm.Frame(i)) {
			states[i] = frameUsed
		}
	}

	for _, region := range regions {
		if region.Type == mm.RegionUsable {
			continue
		}
		first := mm.AlignDown(uintptr(region.Base), mm.PageSize) >> mm.PageShift
		last := mm.AlignUp(uintptr(region.End()), mm.PageSize) >> mm.PageShift
		for f := first; f < last && f < uintptr(len(states)); f++ {
			states[f] = frameReserved
		}
	}

	bitmap, pages := frames.BitmapLocation()
	for f := uintptr(bitmap); f < uintptr(bitmap)+pages && f < uintptr(len(states)); f++ {
		states[f] = frameBitmap
	}
	return states
}

// statsLines formats the allocator statistics printed above the grid.
func statsLines(ps pmm.Stats, hs heap.Stats) []string {
	return []string{
		fmt.Sprintf("frames: %d total, %d usable, %d used, %d free, %d reserved",
			ps.TotalPages, ps.UsablePages, ps.UsedPages, ps.FreePages, ps.ReservedPages),
		fmt.Sprintf("usable range: 0x%x - 0x%x", uintptr(ps.LowestUsableAddr), uintptr(ps.HighestUsableAddr)),
		fmt.Sprintf("heap: %d KiB arena at 0x%x, %d bytes in %d blocks",
			hs.ArenaSize>>10, hs.ArenaBase, hs.UsedBytes, hs.LiveBlocks),
	}
}

// render draws a legend, the text lines and one cell per frame.
func render(states []frameState, text []string, l layout) *gg.Context {
	if l.columns <= 0 {
		l.columns = 128
	}
	if l.cellSize <= 0 {
		l.cellSize = 4
	}

	var (
		rows    = (len(states) + l.columns - 1) / l.columns
		header  = margin + lineHeight*(len(text)+1)
		width   = 2*margin + l.columns*l.cellSize
		height  = header + margin + rows*l.cellSize
		minText = 2*margin + 7*maxLen(text)
	)
	if width < minText {
		width = minText
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetFontFace(basicfont.Face7x13)

	y := float64(margin + lineHeight - 4)
	x := float64(margin)
	for state := frameState(0); state < frameStates; state++ {
		dc.SetColor(palette[state])
		dc.DrawRectangle(x, y-10, 10, 10)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawString(stateNames[state], x+14, y)
		x += 14 + float64(7*len(stateNames[state])) + 16
	}

	for _, line := range text {
		y += lineHeight
		dc.DrawString(line, margin, y)
	}

	for i, state := range states {
		cx := margin + (i%l.columns)*l.cellSize
		cy := header + margin + (i/l.columns)*l.cellSize
		dc.SetColor(palette[state])
		dc.DrawRectangle(float64(cx), float64(cy), float64(l.cellSize), float64(l.cellSize))
		dc.Fill()
	}

	return dc
}

func maxLen(lines []string) int {
	var n int
	for _, line := range lines {
		if len(line) > n {
			n = len(line)
		}
	}
	return n
}
