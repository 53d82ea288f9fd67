package image

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"os"
)

// gifDefaultDelay replaces zero frame delays, in hundredths of a second,
// the way browsers do.
const gifDefaultDelay = 10

// gifDecoder composites GIF frames onto the logical screen one at a time
// and fits each composite into the box.
type gifDecoder struct {
	g      *gif.GIF
	screen *image.NRGBA
	saved  *image.NRGBA // screen before a DisposalPrevious frame
	index  int
	boxW   int
	boxH   int
	layout Layout
	fps    float64
	frame  *Buffer
}

// openGIF decodes every frame of path. A single-frame GIF, or any GIF when
// animation was not requested, becomes a still.
func openGIF(path string, boxW, boxH int, layout Layout, animated bool) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: %s: no frames", ErrDecode, path)
	}

	d := newGIFDecoder(g, boxW, boxH, layout)
	if !animated || len(g.Image) == 1 {
		return &stillDecoder{frame: d.frame}, nil
	}
	return d, nil
}

func newGIFDecoder(g *gif.GIF, boxW, boxH int, layout Layout) *gifDecoder {
	w, h := g.Config.Width, g.Config.Height
	if w <= 0 || h <= 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}
	d := &gifDecoder{
		g:      g,
		screen: image.NewNRGBA(image.Rect(0, 0, w, h)),
		boxW:   boxW,
		boxH:   boxH,
		layout: layout,
		fps:    gifFramerate(g.Delay),
	}
	d.render(0)
	return d
}

// render composites frame i on top of the screen left by frame i-1 and
// converts the result. Frame 0 always starts from a cleared screen, so a
// full cycle reproduces the first frame exactly.
func (d *gifDecoder) render(i int) {
	if i == 0 {
		clear(d.screen.Pix)
		d.saved = nil
	} else {
		prev := d.g.Image[i-1].Bounds()
		switch d.disposal(i - 1) {
		case gif.DisposalBackground:
			draw.Draw(d.screen, prev, image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			if d.saved != nil {
				copy(d.screen.Pix, d.saved.Pix)
			}
		}
	}

	if d.disposal(i) == gif.DisposalPrevious {
		if d.saved == nil {
			d.saved = image.NewNRGBA(d.screen.Rect)
		}
		copy(d.saved.Pix, d.screen.Pix)
	}

	src := d.g.Image[i]
	draw.Draw(d.screen, src.Bounds(), src, src.Bounds().Min, draw.Over)

	d.index = i
	d.frame = Convert(ResizeToFit(d.screen, d.boxW, d.boxH), d.layout)
}

func (d *gifDecoder) disposal(i int) byte {
	if i < len(d.g.Disposal) {
		return d.g.Disposal[i]
	}
	return 0
}

func (d *gifDecoder) Frame() *Buffer { return d.frame }

// Next advances one frame, wrapping to the first after the last.
func (d *gifDecoder) Next() (*Buffer, error) {
	d.render((d.index + 1) % len(d.g.Image))
	return d.frame, nil
}

func (d *gifDecoder) Framerate() float64 { return d.fps }

func (d *gifDecoder) Animated() bool { return true }

func (d *gifDecoder) Close() error { return nil }

// FrameCount returns the number of frames in one loop.
func (d *gifDecoder) FrameCount() int { return len(d.g.Image) }

// gifFramerate converts per-frame delays (1/100 s) to frames per second.
func gifFramerate(delays []int) float64 {
	if len(delays) == 0 {
		return UnknownFramerate
	}
	total := 0
	for _, delay := range delays {
		if delay <= 0 {
			delay = gifDefaultDelay
		}
		total += delay
	}
	return 100 * float64(len(delays)) / float64(total)
}
