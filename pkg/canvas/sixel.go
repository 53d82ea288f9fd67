package canvas

import (
	"bytes"

	"github.com/mattn/go-sixel"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
)

// sixelEncoder emits DEC sixel graphics for terminals that answer DA1
// with attribute 4.
type sixelEncoder struct{}

func (sixelEncoder) name() string { return "sixel" }

// Sixel has no alpha.
func (sixelEncoder) layout() image.Layout { return image.LayoutRGB }

func (sixelEncoder) encode(out *bytes.Buffer, p *Placement) error {
	enc := sixel.NewEncoder(out)
	enc.Dither = true
	return enc.Encode(p.Buffer.Image())
}

// Sixel pixels live in the text cells, so blanking the cells removes them.
func (sixelEncoder) erase(*bytes.Buffer, *Placement) bool { return false }
