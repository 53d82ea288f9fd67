package canvas

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/x/ansi"
	"github.com/disintegration/imaging"
	"github.com/muesli/termenv"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
)

const (
	upperHalf = "▀"
	lowerHalf = "▄"
	sgrReset  = termenv.CSI + termenv.ResetSeq + "m"
	bgDefault = termenv.CSI + "49m"
)

// halfblockEncoder draws two vertical pixels per cell with the upper half
// block: the top pixel is the foreground, the bottom pixel the background.
// Colours are degraded to what the profile supports.
type halfblockEncoder struct {
	profile termenv.Profile
}

func (halfblockEncoder) name() string { return "halfblocks" }

// layout keeps alpha: transparent pixels leave the terminal background.
func (halfblockEncoder) layout() image.Layout { return image.LayoutRGBA }

// encode resamples the buffer to one pixel column per cell and two pixel
// rows per cell. Rows are positioned with CUP, never with a newline, so
// the terminal cannot scroll.
func (h halfblockEncoder) encode(out *bytes.Buffer, p *Placement) error {
	cols, rows := p.Drawn.Width, p.Drawn.Height
	if cols <= 0 || rows <= 0 {
		return nil
	}
	src := p.Buffer.Image()
	img := imaging.Resize(src, cols, rows*2, imaging.Box)
	out.Grow(cols * rows * 30)

	for row := 0; row < rows; row++ {
		if row > 0 {
			out.WriteString(sgrReset)
			out.WriteString(ansi.CursorPosition(p.Cells.X+1, p.Cells.Y+row+1))
		}
		y := row * 2
		for x := 0; x < cols; x++ {
			top := img.NRGBAAt(x, y)
			bot := img.NRGBAAt(x, y+1)
			switch {
			case top.A == 0 && bot.A == 0:
				out.WriteString(sgrReset)
				out.WriteByte(' ')
			case top.A == 0:
				h.color(out, bot.R, bot.G, bot.B, false)
				out.WriteString(bgDefault)
				out.WriteString(lowerHalf)
			case bot.A == 0:
				h.color(out, top.R, top.G, top.B, false)
				out.WriteString(bgDefault)
				out.WriteString(upperHalf)
			default:
				h.color(out, top.R, top.G, top.B, false)
				h.color(out, bot.R, bot.G, bot.B, true)
				out.WriteString(upperHalf)
			}
		}
	}
	out.WriteString(sgrReset)
	return nil
}

func (h halfblockEncoder) color(out *bytes.Buffer, r, g, b uint8, bg bool) {
	seq := h.profile.Color(fmt.Sprintf("#%02x%02x%02x", r, g, b)).Sequence(bg)
	if seq == "" {
		return
	}
	out.WriteString(termenv.CSI)
	out.WriteString(seq)
	out.WriteByte('m')
}

func (halfblockEncoder) erase(*bytes.Buffer, *Placement) bool { return false }

