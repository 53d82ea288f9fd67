package canvas

import (
	"math"
	"sort"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

// registry maps placement ids to their records. Every backend embeds one.
type registry struct {
	items map[string]*Placement
	geom  terminal.Geometry
}

func newRegistry(geom terminal.Geometry) registry {
	return registry{items: make(map[string]*Placement), geom: geom}
}

func (r *registry) get(id string) (*Placement, error) {
	p, ok := r.items[id]
	if !ok {
		return nil, ErrUnknownPlacement
	}
	return p, nil
}

// ids returns the placed identifiers in sorted order.
func (r *registry) ids() []string {
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Placements returns copies of every record, sorted by id.
func (r *registry) Placements() []Placement {
	out := make([]Placement, 0, len(r.items))
	for _, id := range r.ids() {
		p := *r.items[id]
		p.state = nil
		out = append(out, p)
	}
	return out
}

// SetGeometry replaces the cell metrics used by resolve.
func (r *registry) SetGeometry(g terminal.Geometry) {
	r.geom = g
	for _, p := range r.items {
		r.resolve(p, p.Buffer)
	}
}

// resolve computes the drawn footprint and pixel rectangle of p for buf.
// The footprint never exceeds the requested box.
func (r *registry) resolve(p *Placement, buf *image.Buffer) {
	cw, ch := r.geom.CellWidth, r.geom.CellHeight
	if cw <= 0 {
		cw = terminal.FallbackCellWidth
	}
	if ch <= 0 {
		ch = terminal.FallbackCellHeight
	}

	p.Buffer = buf
	p.Drawn = Box{X: p.Cells.X, Y: p.Cells.Y}
	p.Pixels = Box{}
	if buf == nil {
		return
	}
	p.Drawn.Width = clampCells(int(math.Ceil(float64(buf.Width)/cw)), p.Cells.Width)
	p.Drawn.Height = clampCells(int(math.Ceil(float64(buf.Height)/ch)), p.Cells.Height)

	px, py := r.geom.CellOrigin(p.Cells.X, p.Cells.Y)
	p.Pixels = Box{X: px, Y: py, Width: buf.Width, Height: buf.Height}
}

func clampCells(n, limit int) int {
	if limit > 0 && n > limit {
		n = limit
	}
	return max(n, 1)
}
