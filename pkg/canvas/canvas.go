// Package canvas paints fitted pixel buffers onto the terminal and keeps
// track of what is drawn where.
//
// A Canvas is one rendering backend chosen once at startup: sixel, kitty
// graphics, iTerm2 inline images and halfblocks write escape sequences
// into the terminal's own output stream, while the x11 backend maps an
// override-redirect window over the terminal's on-screen rectangle. The
// none backend records placements without drawing.
//
// Canvas implementations are not safe for concurrent use; the session
// serializes every call.
package canvas

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/muesli/termenv"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

var (
	// ErrBackendUnavailable means no rendering protocol can be used.
	ErrBackendUnavailable = errors.New("canvas backend unavailable")

	// ErrUnknownPlacement is returned for identifiers that are not placed.
	ErrUnknownPlacement = errors.New("unknown placement")
)

// Box is a rectangle. Cell boxes are in terminal cells with a 0-based
// origin; pixel boxes are relative to the terminal's client area.
type Box struct {
	X, Y          int
	Width, Height int
}

// Placement is one identified image on screen.
type Placement struct {
	ID string

	// Cells is the requested box: origin and maximum extent.
	Cells Box

	// Drawn is the cell footprint the image actually covers.
	Drawn Box

	// Pixels is the resolved pixel rectangle.
	Pixels Box

	// Buffer is the frame last drawn. It is dropped on the next draw.
	Buffer *image.Buffer

	state any // backend-specific drawn state
}

// Canvas is the uniform contract over rendering backends.
type Canvas interface {
	// Add registers id and draws buf into the cell box. An existing
	// placement with the same id is erased first.
	Add(id string, buf *image.Buffer, cells Box) error

	// Update replaces the frame of an existing placement without erasing
	// it first. Used for animation.
	Update(id string, buf *image.Buffer) error

	// Redraw re-emits an existing placement from its last buffer.
	Redraw(id string) error

	// Remove erases id and drops its record.
	Remove(id string) error

	// Clear removes every placement.
	Clear() error

	// Placements returns a snapshot sorted by id.
	Placements() []Placement

	// SetGeometry updates the cell metrics used for positioning.
	SetGeometry(terminal.Geometry)

	// Layout is the pixel layout the backend consumes.
	Layout() image.Layout

	// Name identifies the backend.
	Name() string

	// Close clears all placements and releases backend resources.
	Close() error
}

// Tracker is implemented by backends that must follow the terminal
// window on screen. Track is called periodically.
type Tracker interface {
	Track() error
}

// Options configures New.
type Options struct {
	// Backend is the preferred protocol name; "" or "auto" selects from
	// the profile.
	Backend string

	// Writer receives in-band output, normally the terminal.
	Writer io.Writer

	// ColorProfile limits halfblock colours, normally
	// termenv.EnvColorProfile(). The zero value is termenv.TrueColor.
	ColorProfile termenv.Profile

	Logger *slog.Logger
}

// New selects and constructs the backend for profile. An explicit
// preference is honoured or fails with ErrBackendUnavailable; automatic
// selection falls back from the overlay to halfblocks.
func New(profile terminal.Profile, geom terminal.Geometry, opts Options) (Canvas, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	_, explicit, err := terminal.ParseProtocol(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	proto, _ := terminal.SelectProtocolWithOverride(profile, opts.Backend)

	if proto == terminal.ProtocolX11 {
		c, err := newX11(profile, geom, logger)
		if err == nil {
			return c, nil
		}
		if explicit {
			return nil, err
		}
		logger.Warn("x11 overlay unavailable, falling back to halfblocks", "error", err)
		proto = terminal.ProtocolHalfblocks
	}

	if proto == terminal.ProtocolNone {
		return NewNoop(), nil
	}

	if opts.Writer == nil {
		return nil, fmt.Errorf("%w: %s needs a terminal to write to", ErrBackendUnavailable, proto)
	}

	var enc encoder
	switch proto {
	case terminal.ProtocolSixel:
		enc = sixelEncoder{}
	case terminal.ProtocolKitty:
		enc = &kittyEncoder{}
	case terminal.ProtocolITerm2:
		enc = iterm2Encoder{}
	case terminal.ProtocolHalfblocks:
		cp := opts.ColorProfile
		if cp == termenv.Ascii && !explicit {
			return nil, fmt.Errorf("%w: terminal has no colour and no pixel protocol", ErrBackendUnavailable)
		}
		enc = halfblockEncoder{profile: cp}
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, proto)
	}
	return newInBand(opts.Writer, geom, enc, logger), nil
}
