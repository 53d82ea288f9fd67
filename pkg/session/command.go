package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/tinyland/lab/pixelpane/pkg/canvas"
	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

var (
	// ErrUnsupportedCommand is returned for unknown actions.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrMalformedCommand is returned when a command cannot be parsed or
	// lacks a required field.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrDegraded is returned for draw commands after the terminal was lost.
	ErrDegraded = errors.New("session degraded")

	// ErrClosed is returned once the session has shut down.
	ErrClosed = errors.New("session closed")

	// ErrUnknownPlacement is returned for identifiers that are not placed.
	ErrUnknownPlacement = canvas.ErrUnknownPlacement
)

// Actions understood by Execute.
const (
	ActionAdd         = "add"
	ActionRemove      = "remove"
	ActionMove        = "move"
	ActionQuery       = "query"
	ActionTick        = "tick"
	ActionAnimateTick = "animate-tick"
	ActionClear       = "clear"
	ActionExit        = "exit"
)

// Command is one control channel record. Pointer fields distinguish an
// absent value from zero.
type Command struct {
	Action     string `json:"action"`
	Identifier string `json:"identifier,omitempty"`
	Path       string `json:"path,omitempty"`

	// Cell coordinates of the top-left corner.
	X *int `json:"x,omitempty"`
	Y *int `json:"y,omitempty"`

	// Maximum cell box. max_width and max_height are accepted as aliases.
	Width     *int `json:"width,omitempty"`
	Height    *int `json:"height,omitempty"`
	MaxWidth  *int `json:"max_width,omitempty"`
	MaxHeight *int `json:"max_height,omitempty"`

	// Optional cell size hint in pixels, applied as a geometry override.
	CellWidth  float64 `json:"cell_width,omitempty"`
	CellHeight float64 `json:"cell_height,omitempty"`

	// Animated defaults to true: multi-frame sources play. Paused sources
	// only advance on tick.
	Animated *bool `json:"animated,omitempty"`
	Paused   bool  `json:"paused,omitempty"`
}

// ParseCommand decodes one JSON command line and validates it.
func ParseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	cmd.normalize()
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func (c *Command) normalize() {
	c.Action = strings.ToLower(strings.TrimSpace(c.Action))
	if c.Width == nil {
		c.Width = c.MaxWidth
	}
	if c.Height == nil {
		c.Height = c.MaxHeight
	}
	c.MaxWidth, c.MaxHeight = nil, nil
}

// Validate checks that the action is known and its required fields are
// present with a positive target box.
func (c Command) Validate() error {
	switch c.Action {
	case "":
		return fmt.Errorf("%w: missing action", ErrMalformedCommand)
	case ActionAdd:
		if err := c.require("identifier", c.Identifier != ""); err != nil {
			return err
		}
		if err := c.require("path", c.Path != ""); err != nil {
			return err
		}
		if err := c.position(); err != nil {
			return err
		}
		if c.Width == nil || c.Height == nil {
			return fmt.Errorf("%w: %s needs width and height", ErrMalformedCommand, c.Action)
		}
		return c.box()
	case ActionMove:
		if err := c.require("identifier", c.Identifier != ""); err != nil {
			return err
		}
		if err := c.position(); err != nil {
			return err
		}
		return c.box()
	case ActionRemove, ActionTick, ActionAnimateTick:
		return c.require("identifier", c.Identifier != "")
	case ActionQuery, ActionClear, ActionExit:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, c.Action)
	}
}

func (c Command) require(field string, ok bool) error {
	if !ok {
		return fmt.Errorf("%w: %s needs %s", ErrMalformedCommand, c.Action, field)
	}
	return nil
}

func (c Command) position() error {
	if c.X == nil || c.Y == nil {
		return fmt.Errorf("%w: %s needs x and y", ErrMalformedCommand, c.Action)
	}
	if *c.X < 0 || *c.Y < 0 {
		return fmt.Errorf("%w: position %d,%d is negative", ErrMalformedCommand, *c.X, *c.Y)
	}
	return nil
}

// box checks whichever of width and height are present.
func (c Command) box() error {
	if c.Width != nil && *c.Width <= 0 {
		return fmt.Errorf("%w: width must be positive, got %d", ErrMalformedCommand, *c.Width)
	}
	if c.Height != nil && *c.Height <= 0 {
		return fmt.Errorf("%w: height must be positive, got %d", ErrMalformedCommand, *c.Height)
	}
	if c.CellWidth < 0 || c.CellHeight < 0 {
		return fmt.Errorf("%w: cell size hint must not be negative", ErrMalformedCommand)
	}
	return nil
}

func (c Command) animated() bool {
	return c.Animated == nil || *c.Animated
}

func (c Command) cells() canvas.Box {
	var b canvas.Box
	if c.X != nil {
		b.X = *c.X
	}
	if c.Y != nil {
		b.Y = *c.Y
	}
	if c.Width != nil {
		b.Width = *c.Width
	}
	if c.Height != nil {
		b.Height = *c.Height
	}
	return b
}

// Reply is the structured answer to one command.
type Reply struct {
	OK         bool   `json:"ok"`
	Action     string `json:"action,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`

	Placement *PlacementInfo `json:"placement,omitempty"`
	Status    *Status        `json:"status,omitempty"`
}

// PlacementInfo describes one placed image.
type PlacementInfo struct {
	Identifier string  `json:"identifier"`
	Path       string  `json:"path"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Columns    int     `json:"columns"`
	Rows       int     `json:"rows"`
	PixelX     int     `json:"pixel_x"`
	PixelY     int     `json:"pixel_y"`
	PixelW     int     `json:"pixel_width"`
	PixelH     int     `json:"pixel_height"`
	Animated   bool    `json:"animated"`
	Framerate  float64 `json:"framerate,omitempty"`
}

// Status is the answer to a query.
type Status struct {
	State      string          `json:"state"`
	Backend    string          `json:"backend"`
	Terminal   string          `json:"terminal"`
	Protocol   string          `json:"protocol"`
	Rows       int             `json:"rows"`
	Cols       int             `json:"cols"`
	PixelW     int             `json:"pixel_width"`
	PixelH     int             `json:"pixel_height"`
	CellWidth  float64         `json:"cell_width"`
	CellHeight float64         `json:"cell_height"`
	PaddingX   float64         `json:"padding_x"`
	PaddingY   float64         `json:"padding_y"`
	Placements []PlacementInfo `json:"placements"`
}

func okReply(cmd Command) Reply {
	return Reply{OK: true, Action: cmd.Action, Identifier: cmd.Identifier}
}

func errReply(cmd Command, err error) Reply {
	return Reply{
		Action:     cmd.Action,
		Identifier: cmd.Identifier,
		Error:      err.Error(),
		Kind:       ErrorKind(err),
	}
}

// ErrorKind names the failure class of err for the reply's kind field.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedCommand):
		return "MalformedCommand"
	case errors.Is(err, ErrUnsupportedCommand):
		return "UnsupportedCommand"
	case errors.Is(err, ErrUnknownPlacement):
		return "UnknownPlacement"
	case errors.Is(err, image.ErrDecode):
		return "DecodeError"
	case errors.Is(err, ErrDegraded):
		return "Degraded"
	case errors.Is(err, ErrClosed):
		return "SessionClosed"
	case errors.Is(err, canvas.ErrBackendUnavailable):
		return "CanvasBackendUnavailable"
	case errors.Is(err, terminal.ErrTerminalUnavailable):
		return "TerminalUnavailable"
	default:
		return "Internal"
	}
}
