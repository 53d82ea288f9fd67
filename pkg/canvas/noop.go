package canvas

import (
	"errors"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

// Noop records placements without drawing anything. It backs the none
// protocol and degraded sessions.
type Noop struct {
	registry
}

// NewNoop returns an empty Noop canvas.
func NewNoop() *Noop {
	return &Noop{registry: newRegistry(terminal.Geometry{})}
}

func (*Noop) Name() string { return "none" }

func (*Noop) Layout() image.Layout { return image.LayoutRGBA }

func (n *Noop) Add(id string, buf *image.Buffer, cells Box) error {
	if buf == nil {
		return errors.New("nil buffer")
	}
	p := &Placement{ID: id, Cells: cells}
	n.resolve(p, buf)
	n.items[id] = p
	return nil
}

func (n *Noop) Update(id string, buf *image.Buffer) error {
	p, err := n.get(id)
	if err != nil {
		return err
	}
	n.resolve(p, buf)
	return nil
}

func (n *Noop) Redraw(id string) error {
	_, err := n.get(id)
	return err
}

func (n *Noop) Remove(id string) error {
	if _, err := n.get(id); err != nil {
		return err
	}
	delete(n.items, id)
	return nil
}

func (n *Noop) Clear() error {
	clear(n.items)
	return nil
}

func (n *Noop) Close() error { return n.Clear() }
