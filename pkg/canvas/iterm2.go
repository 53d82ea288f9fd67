package canvas

import (
	"bytes"
	"errors"
	"strings"

	"github.com/blacktop/go-termimg"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
)

// iterm2Encoder emits the iTerm2 inline image protocol (OSC 1337), sized
// to the placement's cell footprint.
type iterm2Encoder struct{}

func (iterm2Encoder) name() string { return "iterm2" }

func (iterm2Encoder) layout() image.Layout { return image.LayoutRGB }

func (iterm2Encoder) encode(out *bytes.Buffer, p *Placement) error {
	ti := termimg.New(p.Buffer.Image())
	if ti == nil {
		return errors.New("go-termimg: failed to create image wrapper")
	}
	s, err := ti.Protocol(termimg.ITerm2).Size(p.Drawn.Width, p.Drawn.Height).Scale(termimg.ScaleFit).Render()
	if err != nil {
		return err
	}
	// A trailing newline would move the cursor past the placement.
	out.WriteString(strings.TrimRight(s, "\r\n"))
	return nil
}

func (iterm2Encoder) erase(*bytes.Buffer, *Placement) bool { return false }
