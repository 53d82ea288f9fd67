// Package session applies control channel commands to the canvas.
//
// A Session is the single owner of the canvas and placement state. Commands
// arrive from the local command loop, from socket clients and from the
// animation players; every canvas call happens under one mutex so escape
// sequences from different sources never interleave. Decoding runs outside
// the lock and the canvas handoff re-acquires it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"time"

	"gitlab.com/tinyland/lab/pixelpane/pkg/canvas"
	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

// DefaultFramerate paces animations whose source declares no rate.
const DefaultFramerate = 10

// State is the terminal health of a session.
type State int

const (
	Ready State = iota
	Degraded
)

func (s State) String() string {
	if s == Degraded {
		return "degraded"
	}
	return "ready"
}

// Terminal is the part of *terminal.Terminal a session uses.
type Terminal interface {
	Geometry() terminal.Geometry
	Profile() terminal.Profile
	Refresh() (terminal.Geometry, error)
	ApplyOverride(terminal.Override) terminal.Geometry
	Close() error
}

// LoadFunc opens a source. image.Load is the default.
type LoadFunc func(ctx context.Context, path string, opts image.LoadOptions) (image.Decoder, error)

// Options configures New.
type Options struct {
	// Override is the configured geometry override. Command cell size
	// hints are layered on top of it.
	Override terminal.Override

	FFmpeg  string
	FFprobe string

	// Framerate paces animations with an unknown rate; zero means
	// DefaultFramerate.
	Framerate float64

	// Load replaces image.Load.
	Load LoadFunc

	Logger *slog.Logger
}

// entry is the session side of one placement: the command that created it,
// its decoder and the frame last handed to the canvas.
type entry struct {
	id    string
	cmd   Command
	cells canvas.Box

	mu     sync.Mutex // guards dec and closed
	dec    image.Decoder
	closed bool

	frame  *image.Buffer
	cancel context.CancelFunc
}

// next advances the decoder. It holds only the entry lock.
// A closed entry never touches its decoder again.
func (e *entry) next() (*image.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, image.ErrClosed
	}
	return e.dec.Next()
}

func (e *entry) close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.dec.Close()
}

// Session is the shared rendering state.
type Session struct {
	mu       sync.Mutex
	term     Terminal
	canvas   canvas.Canvas
	opts     Options
	logger   *slog.Logger
	override terminal.Override
	geom     terminal.Geometry
	entries  map[string]*entry
	state    State
	closed   bool
	fault    error // first failure reported through Fail

	ctx    context.Context // lifetime of decoders and players
	cancel context.CancelFunc
	wg     sync.WaitGroup

	exitOnce  sync.Once
	exit      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New returns a Ready session drawing on cv. The session owns term and cv
// and closes both in Close.
func New(term Terminal, cv canvas.Canvas, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Load == nil {
		opts.Load = image.Load
	}
	if opts.Framerate <= 0 {
		opts.Framerate = DefaultFramerate
	}
	ctx, cancel := context.WithCancel(context.Background())
	geom := term.Geometry()
	cv.SetGeometry(geom)
	return &Session{
		term:     term,
		canvas:   cv,
		opts:     opts,
		logger:   opts.Logger,
		override: opts.Override,
		geom:     geom,
		entries:  make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
		exit:     make(chan struct{}),
	}
}

// Done is closed when a client sent exit.
func (s *Session) Done() <-chan struct{} {
	return s.exit
}

// State returns the current terminal state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Backend returns the active canvas name.
func (s *Session) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvas.Name()
}

// Execute parses, validates and applies one command line. Failures are
// reported in the reply; Execute never panics on bad input and never stops
// the session except for exit.
func (s *Session) Execute(ctx context.Context, line []byte) Reply {
	cmd, err := ParseCommand(line)
	if err != nil {
		s.logger.Debug("rejected command", "error", err)
		return errReply(cmd, err)
	}
	reply, err := s.Apply(ctx, cmd)
	if err != nil {
		s.logger.Warn("command failed", "action", cmd.Action, "identifier", cmd.Identifier, "error", err)
		return errReply(cmd, err)
	}
	return reply
}

// Apply dispatches a validated command.
func (s *Session) Apply(ctx context.Context, cmd Command) (Reply, error) {
	switch cmd.Action {
	case ActionAdd:
		return s.add(ctx, cmd)
	case ActionRemove:
		return s.remove(cmd)
	case ActionMove:
		return s.move(ctx, cmd)
	case ActionQuery:
		return s.query(cmd)
	case ActionTick, ActionAnimateTick:
		return s.tick(cmd)
	case ActionClear:
		return s.clear(cmd)
	case ActionExit:
		s.exitOnce.Do(func() { close(s.exit) })
		return okReply(cmd), nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Action)
	}
}

// usable reports why draw commands cannot run. Callers hold s.mu.
func (s *Session) usable() error {
	if s.closed {
		return ErrClosed
	}
	if s.state == Degraded {
		return ErrDegraded
	}
	return nil
}

func (s *Session) add(ctx context.Context, cmd Command) (Reply, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return Reply{}, err
	}
	if cmd.CellWidth > 0 || cmd.CellHeight > 0 {
		s.applyHint(cmd.CellWidth, cmd.CellHeight)
	}
	geom, layout := s.geom, s.canvas.Layout()
	s.mu.Unlock()

	cells := cmd.cells()
	dec, err := s.load(ctx, cmd, cells, geom, layout)
	if err != nil {
		return Reply{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		dec.Close()
		return Reply{}, err
	}
	e := &entry{id: cmd.Identifier, cmd: cmd, cells: cells, dec: dec, frame: dec.Frame()}
	if err := s.place(e); err != nil {
		return Reply{}, err
	}
	reply := okReply(cmd)
	reply.Placement = s.info(e)
	return reply, nil
}

// load decodes outside the session lock. The decoder outlives the command,
// so it is bound to the session context rather than ctx.
func (s *Session) load(ctx context.Context, cmd Command, cells canvas.Box, geom terminal.Geometry, layout image.Layout) (image.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	dec, err := s.opts.Load(s.ctx, cmd.Path, image.LoadOptions{
		MaxWidthCells:  cells.Width,
		MaxHeightCells: cells.Height,
		CellWidth:      geom.CellWidth,
		CellHeight:     geom.CellHeight,
		Animated:       cmd.animated(),
		Layout:         layout,
		FFmpeg:         s.opts.FFmpeg,
		FFprobe:        s.opts.FFprobe,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("decoded source", "identifier", cmd.Identifier, "path", cmd.Path,
		"animated", dec.Animated(), "elapsed", time.Since(start))
	return dec, nil
}

// place swaps e in for any entry with the same id and draws it. Callers
// hold s.mu.
func (s *Session) place(e *entry) error {
	if old, ok := s.entries[e.id]; ok {
		delete(s.entries, e.id)
		old.close()
	}
	if err := s.canvas.Add(e.id, e.frame, e.cells); err != nil {
		e.close()
		s.checkLost(err)
		return err
	}
	s.entries[e.id] = e
	if e.dec.Animated() && !e.cmd.Paused {
		s.startPlayer(e)
	}
	return nil
}

func (s *Session) remove(cmd Command) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Reply{}, ErrClosed
	}
	e, ok := s.entries[cmd.Identifier]
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownPlacement, cmd.Identifier)
	}
	delete(s.entries, cmd.Identifier)
	e.close()
	if err := s.canvas.Remove(cmd.Identifier); err != nil && !errors.Is(err, canvas.ErrUnknownPlacement) {
		return Reply{}, err
	}
	return okReply(cmd), nil
}

// move repositions a placement. A changed box re-fits the source.
func (s *Session) move(ctx context.Context, cmd Command) (Reply, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return Reply{}, err
	}
	e, ok := s.entries[cmd.Identifier]
	if !ok {
		s.mu.Unlock()
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownPlacement, cmd.Identifier)
	}
	cells := e.cells
	cells.X, cells.Y = *cmd.X, *cmd.Y
	if cmd.Width != nil {
		cells.Width = *cmd.Width
	}
	if cmd.Height != nil {
		cells.Height = *cmd.Height
	}
	refit := cells.Width != e.cells.Width || cells.Height != e.cells.Height
	if !refit {
		defer s.mu.Unlock()
		// Resize refits from e.cmd, so it must follow the move.
		x, y := cells.X, cells.Y
		e.cmd.X, e.cmd.Y = &x, &y
		e.cells = cells
		if err := s.canvas.Add(e.id, e.frame, cells); err != nil {
			// The canvas dropped its record; drop ours with it.
			delete(s.entries, e.id)
			e.close()
			s.checkLost(err)
			return Reply{}, err
		}
		reply := okReply(cmd)
		reply.Placement = s.info(e)
		return reply, nil
	}
	resized := e.cmd
	resized.X, resized.Y = cmd.X, cmd.Y
	resized.Width, resized.Height = &cells.Width, &cells.Height
	s.mu.Unlock()

	reply, err := s.add(ctx, resized)
	if err != nil {
		return Reply{}, err
	}
	reply.Action = cmd.Action
	return reply, nil
}

func (s *Session) tick(cmd Command) (Reply, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return Reply{}, err
	}
	e, ok := s.entries[cmd.Identifier]
	s.mu.Unlock()
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownPlacement, cmd.Identifier)
	}
	if err := s.advance(e); err != nil {
		return Reply{}, err
	}
	return okReply(cmd), nil
}

// advance decodes the next frame off-lock and hands it to the canvas. A
// frame for an entry that was replaced or removed meanwhile is dropped.
func (s *Session) advance(e *entry) error {
	buf, err := e.next()
	if errors.Is(err, image.ErrClosed) {
		// Removed or replaced while we were waiting.
		return fmt.Errorf("%w: %q", ErrUnknownPlacement, e.id)
	}
	if err != nil {
		return fmt.Errorf("advance %q: %w", e.id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.entries[e.id] != e {
		return nil
	}
	e.frame = buf
	if err := s.canvas.Update(e.id, buf); err != nil {
		s.checkLost(err)
		return err
	}
	return nil
}

func (s *Session) clear(cmd Command) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Reply{}, ErrClosed
	}
	s.dropAll()
	if err := s.canvas.Clear(); err != nil {
		return Reply{}, err
	}
	return okReply(cmd), nil
}

// dropAll stops every player and closes every decoder. Callers hold s.mu.
func (s *Session) dropAll() {
	for id, e := range s.entries {
		delete(s.entries, id)
		if err := e.close(); err != nil {
			s.logger.Debug("close decoder", "identifier", id, "error", err)
		}
	}
}

func (s *Session) query(cmd Command) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile := s.term.Profile()
	g := s.geom
	st := &Status{
		State:      s.state.String(),
		Backend:    s.canvas.Name(),
		Terminal:   profile.Name,
		Protocol:   profile.Protocol.String(),
		Rows:       g.Rows,
		Cols:       g.Cols,
		PixelW:     g.PixelWidth,
		PixelH:     g.PixelHeight,
		CellWidth:  g.CellWidth,
		CellHeight: g.CellHeight,
		PaddingX:   g.PaddingX,
		PaddingY:   g.PaddingY,
		Placements: []PlacementInfo{},
	}
	for _, p := range s.canvas.Placements() {
		if e, ok := s.entries[p.ID]; ok {
			st.Placements = append(st.Placements, *s.info(e))
		}
	}
	reply := okReply(cmd)
	reply.Status = st
	return reply, nil
}

// info describes e from the canvas record. Callers hold s.mu.
func (s *Session) info(e *entry) *PlacementInfo {
	pi := &PlacementInfo{
		Identifier: e.id,
		Path:       e.cmd.Path,
		X:          e.cells.X,
		Y:          e.cells.Y,
		Animated:   e.dec.Animated(),
	}
	if pi.Animated {
		pi.Framerate = e.dec.Framerate()
	}
	for _, p := range s.canvas.Placements() {
		if p.ID == e.id {
			pi.Columns, pi.Rows = p.Drawn.Width, p.Drawn.Height
			pi.PixelX, pi.PixelY = p.Pixels.X, p.Pixels.Y
			pi.PixelW, pi.PixelH = p.Pixels.Width, p.Pixels.Height
		}
	}
	return pi
}

// applyHint layers a command's cell size hint over the configured
// override. Callers hold s.mu.
func (s *Session) applyHint(cw, ch float64) {
	o := s.override
	if cw > 0 {
		o.CellWidth = cw
	}
	if ch > 0 {
		o.CellHeight = ch
	}
	if o == s.override {
		return
	}
	s.override = o
	s.geom = s.term.ApplyOverride(o)
	s.canvas.SetGeometry(s.geom)
	s.logger.Debug("cell size hint applied", "cell_width", s.geom.CellWidth, "cell_height", s.geom.CellHeight)
}

// Resize re-measures the terminal. Placements are re-fitted when the cell
// size changed and redrawn otherwise. A vanished terminal degrades the
// session.
func (s *Session) Resize(ctx context.Context) {
	s.mu.Lock()
	if s.usable() != nil {
		s.mu.Unlock()
		return
	}
	geom, err := s.term.Refresh()
	if err != nil {
		s.degrade(err)
		s.mu.Unlock()
		return
	}
	geom = s.term.ApplyOverride(s.override)
	refit := geom.CellWidth != s.geom.CellWidth || geom.CellHeight != s.geom.CellHeight
	s.geom = geom
	s.canvas.SetGeometry(geom)
	s.logger.Debug("terminal resized", "rows", geom.Rows, "cols", geom.Cols,
		"cell_width", geom.CellWidth, "cell_height", geom.CellHeight, "refit", refit)

	var cmds []Command
	for _, id := range sortedIDs(s.entries) {
		e := s.entries[id]
		if refit {
			cmds = append(cmds, e.cmd)
			continue
		}
		if err := s.canvas.Add(e.id, e.frame, e.cells); err != nil {
			s.logger.Warn("redraw after resize failed", "identifier", id, "error", err)
		}
	}
	s.mu.Unlock()

	for _, cmd := range cmds {
		if _, err := s.add(ctx, cmd); err != nil {
			s.logger.Warn("refit after resize failed", "identifier", cmd.Identifier, "error", err)
		}
	}
}

// degrade switches to the none canvas after the terminal was lost. Callers
// hold s.mu.
func (s *Session) degrade(cause error) {
	s.logger.Warn("terminal unavailable, further draws will fail", "error", cause)
	s.state = Degraded
	s.dropAll()
	if err := s.canvas.Close(); err != nil {
		s.logger.Debug("close canvas after terminal loss", "error", err)
	}
	s.canvas = canvas.NewNoop()
}

// checkLost degrades the session when a draw failed because the terminal
// or the backend went away. Callers hold s.mu.
func (s *Session) checkLost(err error) {
	if errors.Is(err, terminal.ErrTerminalUnavailable) ||
		errors.Is(err, canvas.ErrBackendUnavailable) ||
		errors.Is(err, syscall.EIO) {
		s.degrade(err)
	}
}

// Track lets an overlay canvas follow the terminal window.
func (s *Session) Track() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usable() != nil {
		return
	}
	t, ok := s.canvas.(canvas.Tracker)
	if !ok {
		return
	}
	if err := t.Track(); err != nil {
		s.logger.Debug("overlay tracking failed", "error", err)
	}
}

// Close clears every placement and releases the canvas and the terminal.
// Only the first call does any work.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// No player starts once closed is set.
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.dropAll()
		s.closeErr = errors.Join(s.canvas.Close(), s.term.Close())
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

// Fail ends Run with err and tears the session down in the background so
// the terminal is restored. Only the first error is kept. It is meant for
// recovered panics and never blocks.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.mu.Unlock()
	s.logger.Error("session failed", "error", err)
	s.exitOnce.Do(func() { close(s.exit) })
	go s.Close()
}

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func sortedIDs(m map[string]*entry) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
