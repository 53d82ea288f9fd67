package canvas

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

const (
	// putImageHeader is the fixed size of a PutImage request in bytes.
	putImageHeader = 24

	// maxSearchDepth bounds the window tree walk for _NET_WM_PID.
	maxSearchDepth = 6
)

// x11State is the overlay window drawn for one placement.
type x11State struct {
	win xproto.Window
	gc  xproto.Gcontext
}

// X11 draws each placement into its own override-redirect child of the
// root window, positioned over the terminal's client area. Track keeps the
// windows glued to the terminal when it moves and repaints exposed
// windows.
type X11 struct {
	registry
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	term   xproto.Window
	budget int

	originX, originY int

	logger *slog.Logger
}

func newX11(profile terminal.Profile, geom terminal.Geometry, logger *slog.Logger) (*X11, error) {
	if !profile.X11 {
		return nil, fmt.Errorf("%w: no local X display", ErrBackendUnavailable)
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("%w: connect to X server: %v", ErrBackendUnavailable, err)
	}
	setup := xproto.Setup(conn)
	c := &X11{
		registry: newRegistry(geom),
		conn:     conn,
		screen:   setup.DefaultScreen(conn),
		budget:   putImageBudget(int(setup.MaximumRequestLength)),
		logger:   logger,
	}

	c.term, err = c.findTerminal(profile)
	if err == nil {
		err = c.updateOrigin()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	logger.Debug("x11 overlay attached",
		"window", fmt.Sprintf("0x%x", uint32(c.term)),
		"origin_x", c.originX,
		"origin_y", c.originY,
		"request_budget", c.budget,
	)
	return c, nil
}

func (*X11) Name() string { return "x11" }

// Layout is BGRA, the ZPixmap byte order of 24 and 32 bit little-endian
// visuals.
func (*X11) Layout() image.Layout { return image.LayoutBGRA }

func (c *X11) Add(id string, buf *image.Buffer, cells Box) error {
	if buf == nil {
		return errors.New("nil buffer")
	}
	if old, ok := c.items[id]; ok {
		c.destroy(old)
		delete(c.items, id)
	}
	p := &Placement{ID: id, Cells: cells}
	c.resolve(p, buf)
	if err := c.create(p); err != nil {
		return err
	}
	c.items[id] = p
	return c.paint(p)
}

func (c *X11) Update(id string, buf *image.Buffer) error {
	p, err := c.get(id)
	if err != nil {
		return err
	}
	if buf == nil {
		return errors.New("nil buffer")
	}
	prev := p.Pixels
	c.resolve(p, buf)
	if p.Pixels != prev {
		c.configure(p)
	}
	return c.paint(p)
}

func (c *X11) Redraw(id string) error {
	p, err := c.get(id)
	if err != nil {
		return err
	}
	return c.paint(p)
}

func (c *X11) Remove(id string) error {
	p, err := c.get(id)
	if err != nil {
		return err
	}
	c.destroy(p)
	delete(c.items, id)
	return nil
}

func (c *X11) Clear() error {
	for _, id := range c.ids() {
		c.destroy(c.items[id])
		delete(c.items, id)
	}
	return nil
}

// SetGeometry re-resolves every placement and moves its window.
func (c *X11) SetGeometry(g terminal.Geometry) {
	c.registry.SetGeometry(g)
	for _, p := range c.items {
		c.configure(p)
	}
}

func (c *X11) Close() error {
	err := c.Clear()
	c.conn.Close()
	return err
}

// Track follows the terminal window and repaints exposed overlays.
func (c *X11) Track() error {
	x, y := c.originX, c.originY
	if err := c.updateOrigin(); err != nil {
		return fmt.Errorf("locate terminal window: %w", err)
	}
	if x != c.originX || y != c.originY {
		for _, p := range c.items {
			c.configure(p)
		}
	}

	for {
		ev, xerr := c.conn.PollForEvent()
		if ev == nil && xerr == nil {
			return nil
		}
		if xerr != nil {
			c.logger.Debug("x11 error event", "error", xerr)
			continue
		}
		expose, ok := ev.(xproto.ExposeEvent)
		if !ok || expose.Count != 0 {
			continue
		}
		for _, p := range c.items {
			if st, ok := p.state.(x11State); ok && st.win == expose.Window {
				if err := c.paint(p); err != nil {
					return err
				}
			}
		}
	}
}

// findTerminal returns the explicit WINDOWID or the first window whose
// _NET_WM_PID names the emulator process.
func (c *X11) findTerminal(profile terminal.Profile) (xproto.Window, error) {
	if profile.WindowID != 0 {
		return xproto.Window(profile.WindowID), nil
	}
	if profile.PID <= 0 {
		return 0, errors.New("terminal window unknown: no WINDOWID and no emulator pid")
	}
	atom, err := xproto.InternAtom(c.conn, true, uint16(len("_NET_WM_PID")), "_NET_WM_PID").Reply()
	if err != nil {
		return 0, fmt.Errorf("intern _NET_WM_PID: %w", err)
	}
	if atom.Atom == xproto.AtomNone {
		return 0, errors.New("window manager does not publish _NET_WM_PID")
	}
	if win, ok := c.searchPID(c.screen.Root, atom.Atom, uint32(profile.PID), 0); ok {
		return win, nil
	}
	return 0, fmt.Errorf("no window for emulator pid %d", profile.PID)
}

func (c *X11) searchPID(win xproto.Window, atom xproto.Atom, pid uint32, depth int) (xproto.Window, bool) {
	prop, err := xproto.GetProperty(c.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
	if err == nil && prop.Format == 32 && prop.ValueLen == 1 && xgb.Get32(prop.Value) == pid {
		return win, true
	}
	if depth >= maxSearchDepth {
		return 0, false
	}
	tree, err := xproto.QueryTree(c.conn, win).Reply()
	if err != nil {
		return 0, false
	}
	for _, child := range tree.Children {
		if found, ok := c.searchPID(child, atom, pid, depth+1); ok {
			return found, true
		}
	}
	return 0, false
}

func (c *X11) updateOrigin() error {
	reply, err := xproto.TranslateCoordinates(c.conn, c.term, c.screen.Root, 0, 0).Reply()
	if err != nil {
		return err
	}
	c.originX, c.originY = int(reply.DstX), int(reply.DstY)
	return nil
}

func (c *X11) create(p *Placement) error {
	win, err := xproto.NewWindowId(c.conn)
	if err != nil {
		return fmt.Errorf("allocate window id: %w", err)
	}
	x, y := c.position(p)
	err = xproto.CreateWindowChecked(c.conn, c.screen.RootDepth, win, c.screen.Root,
		int16(x), int16(y), uint16(max(p.Pixels.Width, 1)), uint16(max(p.Pixels.Height, 1)), 0,
		xproto.WindowClassInputOutput, c.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwOverrideRedirect|xproto.CwEventMask,
		[]uint32{0, 1, xproto.EventMaskExposure},
	).Check()
	if err != nil {
		return fmt.Errorf("create overlay window: %w", err)
	}
	gc, err := xproto.NewGcontextId(c.conn)
	if err != nil {
		xproto.DestroyWindow(c.conn, win)
		return fmt.Errorf("allocate gc id: %w", err)
	}
	if err := xproto.CreateGCChecked(c.conn, gc, xproto.Drawable(win), 0, nil).Check(); err != nil {
		xproto.DestroyWindow(c.conn, win)
		return fmt.Errorf("create gc: %w", err)
	}
	xproto.MapWindow(c.conn, win)
	p.state = x11State{win: win, gc: gc}
	return nil
}

func (c *X11) destroy(p *Placement) {
	st, ok := p.state.(x11State)
	if !ok {
		return
	}
	xproto.FreeGC(c.conn, st.gc)
	xproto.DestroyWindow(c.conn, st.win)
	p.state = nil
}

func (c *X11) position(p *Placement) (x, y int) {
	return c.originX + p.Pixels.X, c.originY + p.Pixels.Y
}

func (c *X11) configure(p *Placement) {
	st, ok := p.state.(x11State)
	if !ok {
		return
	}
	x, y := c.position(p)
	xproto.ConfigureWindow(c.conn, st.win,
		xproto.ConfigWindowX|xproto.ConfigWindowY|xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(int32(x)), uint32(int32(y)), uint32(max(p.Pixels.Width, 1)), uint32(max(p.Pixels.Height, 1))},
	)
}

// paint uploads the placement's buffer in bands that fit the server's
// maximum request length.
func (c *X11) paint(p *Placement) error {
	st, ok := p.state.(x11State)
	if !ok || p.Buffer == nil {
		return nil
	}
	buf := p.Buffer
	if buf.Layout != image.LayoutBGRA {
		buf = image.Convert(buf.Image(), image.LayoutBGRA)
	}
	stride := buf.Stride()
	for _, b := range bands(buf.Height, stride, c.budget) {
		data := buf.Pix[b.y*stride : (b.y+b.rows)*stride]
		err := xproto.PutImageChecked(c.conn, xproto.ImageFormatZPixmap, xproto.Drawable(st.win), st.gc,
			uint16(buf.Width), uint16(b.rows), 0, int16(b.y), 0, c.screen.RootDepth, data).Check()
		if err != nil {
			return fmt.Errorf("put image %q: %w", p.ID, err)
		}
	}
	return nil
}

// putImageBudget converts the server's maximum request length, counted in
// 4-byte units, into the pixel bytes one PutImage can carry.
func putImageBudget(maxRequestUnits int) int {
	return max(maxRequestUnits*4-putImageHeader, 4)
}

type band struct {
	y, rows int
}

// bands splits height rows of stride bytes into runs of at most budget
// bytes. A band always carries at least one row.
func bands(height, stride, budget int) []band {
	if height <= 0 || stride <= 0 {
		return nil
	}
	per := max(budget/stride, 1)
	out := make([]band, 0, (height+per-1)/per)
	for y := 0; y < height; y += per {
		out = append(out, band{y: y, rows: min(per, height-y)})
	}
	return out
}
