package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/x/term"
)

var (
	// ErrTerminalUnavailable means there is no usable controlling terminal,
	// either at open time or because the device went away.
	ErrTerminalUnavailable = errors.New("terminal unavailable")

	// ErrQueryTimeout means the emulator did not answer a query in time.
	// It is recovered locally with a fallback estimate.
	ErrQueryTimeout = errors.New("capability query timed out")
)

// Options configures Open and New.
type Options struct {
	// Path forces a terminal device instead of discovering one.
	Path string

	// QueryTimeout bounds each escape sequence round trip
	// (default DefaultQueryTimeout).
	QueryTimeout time.Duration

	// Override replaces measured cell metrics.
	Override Override

	// Logger receives detection events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Terminal is an open controlling terminal in raw mode. All methods are
// safe for concurrent use; Close restores the line discipline and closes
// the device exactly once.
type Terminal struct {
	mu       sync.Mutex
	f        *os.File
	fd       int
	raw      *rawMode
	timeout  time.Duration
	logger   *slog.Logger
	override Override
	measured Geometry
	geom     Geometry
	profile  Profile
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// Open discovers the controlling terminal and opens it.
func Open(ctx context.Context, opts Options) (*Terminal, error) {
	f, err := openControlling(ctx, opts.Path)
	if err != nil {
		return nil, err
	}
	return New(ctx, f, opts)
}

// New takes ownership of f, switches it into raw mode, measures its
// geometry and probes its graphics capabilities. f is closed if New fails.
func New(ctx context.Context, f *os.File, opts Options) (*Terminal, error) {
	if f == nil {
		return nil, ErrTerminalUnavailable
	}
	if !term.IsTerminal(f.Fd()) {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a terminal", ErrTerminalUnavailable, f.Name())
	}

	fd := int(f.Fd())
	raw, err := enterRawMode(fd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
	}

	t := &Terminal{
		f:        f,
		fd:       fd,
		raw:      raw,
		timeout:  opts.QueryTimeout,
		logger:   opts.Logger,
		override: opts.Override,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultQueryTimeout
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	t.mu.Lock()
	_, err = t.detectLocked()
	var probe probeResult
	if err == nil {
		probe = t.probeLocked()
	}
	t.mu.Unlock()
	if err != nil {
		t.Close()
		return nil, err
	}

	var emu processInfo
	tty := f.Name()
	if chain, err := lineage(ctx, os.Getpid()); err == nil {
		if dev, owner, ok := resolveLineage(chain); ok {
			emu = owner
			if tty == "/dev/tty" {
				tty = dev
			}
		}
	} else {
		t.logger.Debug("process lineage unavailable", "error", err)
	}
	t.profile = buildProfile(Detect(), emu, tty, probe)

	t.logger.Debug("terminal opened",
		"tty", t.profile.TTY,
		"emulator", t.profile.Name,
		"pid", t.profile.PID,
		"protocol", t.profile.Protocol,
		"cols", t.geom.Cols,
		"rows", t.geom.Rows,
	)
	return t, nil
}

// DetectGeometry measures the terminal again and returns the result: the
// text area pixel size from CSI 14 t, else the kernel winsize pixel fields,
// else the fixed per-cell estimate. Only a vanished device is an error.
func (t *Terminal) DetectGeometry() (Geometry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detectLocked()
}

// Refresh re-measures after a resize. An error means the terminal is gone.
func (t *Terminal) Refresh() (Geometry, error) {
	return t.DetectGeometry()
}

func (t *Terminal) detectLocked() (Geometry, error) {
	if t.closed {
		return Geometry{}, ErrTerminalUnavailable
	}

	ws, err := readWinsize(t.fd)
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
	}

	pw, ph := ws.XPixel, ws.YPixel
	reply, err := roundTrip(t.fd, t.f, seqWindowPixels, t.timeout)
	switch {
	case err == nil, errors.Is(err, ErrQueryTimeout):
		if w, h, ok := parsePixelReply(reply); ok {
			pw, ph = w, h
		} else if err != nil {
			t.logger.Warn("geometry query timed out, using fallback estimate",
				"error", err, "timeout", t.timeout)
		} else {
			t.logger.Debug("terminal ignored pixel size query")
		}
	default:
		return Geometry{}, fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
	}

	if pw <= 0 || ph <= 0 {
		pw, ph = 0, 0
		t.logger.Debug("no pixel size reported, assuming fixed cell size",
			"cell_width", FallbackCellWidth, "cell_height", FallbackCellHeight)
	}

	t.measured = computeGeometry(ws.Rows, ws.Cols, pw, ph)
	t.geom = t.override.apply(t.measured)
	return t.geom, nil
}

// probeLocked asks the emulator for kitty graphics support and its device
// attributes in a single round trip.
func (t *Terminal) probeLocked() probeResult {
	reply, err := roundTrip(t.fd, t.f, seqKittyQuery, t.timeout)
	if err != nil {
		t.logger.Warn("capability query failed", "error", err, "timeout", t.timeout)
	}
	var res probeResult
	res.DA1, res.Answered = parsePrimaryDA(reply)
	res.Kitty = parseKittyReply(reply)
	return res
}

// SupportsPixelProtocol reports whether an in-band pixel protocol is
// usable, either because the emulator answered affirmatively or because it
// is on a known-capable allow-list.
func (t *Terminal) SupportsPixelProtocol() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile.PixelProtocol()
}

// ApplyOverride substitutes explicit cell metrics for the measured ones and
// returns the resulting geometry. A zero Override restores the measurement.
func (t *Terminal) ApplyOverride(o Override) Geometry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.override = o
	t.geom = o.apply(t.measured)
	return t.geom
}

// Geometry returns the current geometry.
func (t *Terminal) Geometry() Geometry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.geom
}

// Profile returns the capability profile.
func (t *Terminal) Profile() Profile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile
}

// Writer returns the destination for in-band output.
func (t *Terminal) Writer() io.Writer {
	return t
}

// Write sends p to the terminal.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrTerminalUnavailable
	}
	return t.f.Write(p)
}

// Close restores the saved line discipline and closes the device. Calls
// after the first are no-ops returning the same error.
func (t *Terminal) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.closed = true
		rerr := t.raw.restore()
		cerr := t.f.Close()
		t.closeErr = errors.Join(rerr, cerr)
	})
	return t.closeErr
}
