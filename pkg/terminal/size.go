package terminal

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// Fallback per-cell pixel estimate used when neither the emulator nor the
// kernel reports pixel dimensions.
const (
	FallbackCellWidth  = 8
	FallbackCellHeight = 16
)

// Geometry describes the terminal grid in cells and device pixels.
type Geometry struct {
	Rows        int     // character rows
	Cols        int     // character columns
	PixelWidth  int     // total drawable pixel width
	PixelHeight int     // total drawable pixel height
	CellWidth   float64 // pixel width of one cell
	CellHeight  float64 // pixel height of one cell
	PaddingX    float64 // estimated horizontal padding on each side
	PaddingY    float64 // estimated vertical padding on each side
}

// Valid reports whether the derived cell dimensions are usable.
func (g Geometry) Valid() bool {
	return g.Rows > 0 && g.Cols > 0 && g.CellWidth > 0 && g.CellHeight > 0
}

// CellsToPixels converts a cell box extent to device pixels, rounding down.
func (g Geometry) CellsToPixels(cols, rows int) (w, h int) {
	return int(float64(cols) * g.CellWidth), int(float64(rows) * g.CellHeight)
}

// CellOrigin returns the pixel offset of the top-left corner of cell (x, y)
// relative to the terminal window's client area.
func (g Geometry) CellOrigin(x, y int) (px, py int) {
	return int(g.PaddingX + float64(x)*g.CellWidth), int(g.PaddingY + float64(y)*g.CellHeight)
}

// Override replaces measured metrics. Zero fields keep the measured value.
type Override struct {
	CellWidth  float64
	CellHeight float64
	PaddingX   float64
	PaddingY   float64
}

// IsZero reports whether the override changes nothing.
func (o Override) IsZero() bool {
	return o == Override{}
}

// apply returns g with the override fields substituted and the pixel
// totals recomputed so the grid stays internally consistent.
func (o Override) apply(g Geometry) Geometry {
	if o.IsZero() {
		return g
	}
	if o.CellWidth > 0 {
		g.CellWidth = o.CellWidth
	}
	if o.CellHeight > 0 {
		g.CellHeight = o.CellHeight
	}
	if o.PaddingX > 0 {
		g.PaddingX = o.PaddingX
	}
	if o.PaddingY > 0 {
		g.PaddingY = o.PaddingY
	}
	g.PixelWidth = int(math.Round(float64(g.Cols)*g.CellWidth + 2*g.PaddingX))
	g.PixelHeight = int(math.Round(float64(g.Rows)*g.CellHeight + 2*g.PaddingY))
	return g
}

// computeGeometry derives per-cell metrics from total pixel and cell
// counts. Each axis is computed independently since fonts need not be
// square. Zero pixel totals select the fixed fallback estimate.
func computeGeometry(rows, cols, pixelW, pixelH int) Geometry {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	if pixelW <= 0 {
		pixelW = cols * FallbackCellWidth
	}
	if pixelH <= 0 {
		pixelH = rows * FallbackCellHeight
	}

	padX := guessPadding(cols, float64(pixelW))
	padY := guessPadding(rows, float64(pixelH))
	return Geometry{
		Rows:        rows,
		Cols:        cols,
		PixelWidth:  pixelW,
		PixelHeight: pixelH,
		CellWidth:   guessCellSize(cols, float64(pixelW), padX),
		CellHeight:  guessCellSize(rows, float64(pixelH), padY),
		PaddingX:    padX,
		PaddingY:    padY,
	}
}

// guessPadding estimates the padding on each side of one axis as half of
// the pixels left over after fitting a whole number of nominal cells.
func guessPadding(chars int, pixels float64) float64 {
	nominal := math.Floor(pixels / float64(chars))
	return (pixels - nominal*float64(chars)) / 2
}

// guessCellSize returns the effective glyph size along one axis.
func guessCellSize(chars int, pixels, padding float64) float64 {
	return (pixels - 2*padding) / float64(chars)
}

// winsize holds the TIOCGWINSZ fields we care about.
type winsize struct {
	Rows, Cols     int
	XPixel, YPixel int
}

// readWinsize queries the kernel's idea of the terminal size. Zero fields
// are returned as-is; computeGeometry substitutes defaults for them.
func readWinsize(fd int) (winsize, error) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return winsize{}, fmt.Errorf("TIOCGWINSZ: %w", err)
	}
	return winsize{
		Rows:   int(ws.Row),
		Cols:   int(ws.Col),
		XPixel: int(ws.Xpixel),
		YPixel: int(ws.Ypixel),
	}, nil
}
