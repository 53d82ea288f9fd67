package canvas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

// encoder turns a placement's buffer into the payload an in-band protocol
// emits at the cursor.
type encoder interface {
	name() string

	// layout is the pixel layout encode wants buffers decoded to.
	layout() image.Layout

	// encode appends the payload for p.Buffer to out.
	encode(out *bytes.Buffer, p *Placement) error

	// erase appends the bytes that remove p from the screen, or returns
	// false to use the default blank-the-cells erase.
	erase(out *bytes.Buffer, p *Placement) bool
}

// inBand drives any escape sequence protocol: every draw is wrapped in a
// cursor save, an absolute move to the placement origin and a cursor
// restore, so output never scrolls the terminal. Each operation reaches
// the writer as a single Write.
type inBand struct {
	registry
	w      io.Writer
	enc    encoder
	logger *slog.Logger
}

func newInBand(w io.Writer, geom terminal.Geometry, enc encoder, logger *slog.Logger) *inBand {
	return &inBand{registry: newRegistry(geom), w: w, enc: enc, logger: logger}
}

func (c *inBand) Name() string { return c.enc.name() }

func (c *inBand) Layout() image.Layout { return c.enc.layout() }

func (c *inBand) Add(id string, buf *image.Buffer, cells Box) error {
	if buf == nil {
		return errors.New("nil buffer")
	}
	var out bytes.Buffer
	if old, ok := c.items[id]; ok {
		c.eraseTo(&out, old)
		delete(c.items, id)
	}

	p := &Placement{ID: id, Cells: cells}
	c.resolve(p, buf)
	if err := c.drawTo(&out, p); err != nil {
		// The old drawing is already gone; flush its erase.
		c.flush(&out)
		return err
	}
	c.items[id] = p
	c.logger.Debug("placement drawn",
		"backend", c.enc.name(),
		"id", id,
		"x", cells.X,
		"y", cells.Y,
		"cols", p.Drawn.Width,
		"rows", p.Drawn.Height,
		"output", humanize.Bytes(uint64(out.Len())),
	)
	return c.flush(&out)
}

func (c *inBand) Update(id string, buf *image.Buffer) error {
	p, err := c.get(id)
	if err != nil {
		return err
	}
	if buf == nil {
		return errors.New("nil buffer")
	}
	c.resolve(p, buf)
	var out bytes.Buffer
	if err := c.drawTo(&out, p); err != nil {
		return err
	}
	return c.flush(&out)
}

func (c *inBand) Redraw(id string) error {
	p, err := c.get(id)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := c.drawTo(&out, p); err != nil {
		return err
	}
	return c.flush(&out)
}

func (c *inBand) Remove(id string) error {
	p, err := c.get(id)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	c.eraseTo(&out, p)
	delete(c.items, id)
	return c.flush(&out)
}

func (c *inBand) Clear() error {
	var out bytes.Buffer
	for _, id := range c.ids() {
		c.eraseTo(&out, c.items[id])
		delete(c.items, id)
	}
	return c.flush(&out)
}

func (c *inBand) Close() error {
	return c.Clear()
}

func (c *inBand) drawTo(out *bytes.Buffer, p *Placement) error {
	if p.Buffer == nil {
		return nil
	}
	mark := out.Len()
	out.WriteString(ansi.SaveCursor)
	out.WriteString(ansi.CursorPosition(p.Cells.X+1, p.Cells.Y+1))
	if err := c.enc.encode(out, p); err != nil {
		out.Truncate(mark)
		return fmt.Errorf("%s encode %q: %w", c.enc.name(), p.ID, err)
	}
	out.WriteString(ansi.RestoreCursor)
	return nil
}

// eraseTo removes p's drawing. The default blanks every covered row with
// ECH, which erases without moving the cursor or wrapping.
func (c *inBand) eraseTo(out *bytes.Buffer, p *Placement) {
	if c.enc.erase(out, p) {
		return
	}
	if p.Drawn.Width <= 0 || p.Drawn.Height <= 0 {
		return
	}
	out.WriteString(ansi.SaveCursor)
	for row := 0; row < p.Drawn.Height; row++ {
		out.WriteString(ansi.CursorPosition(p.Drawn.X+1, p.Drawn.Y+row+1))
		out.WriteString(ansi.EraseCharacter(p.Drawn.Width))
	}
	out.WriteString(ansi.RestoreCursor)
}

func (c *inBand) flush(out *bytes.Buffer) error {
	if out.Len() == 0 {
		return nil
	}
	if _, err := c.w.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write %s output: %w", c.enc.name(), err)
	}
	return nil
}
