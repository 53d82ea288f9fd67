package terminal

import (
	"fmt"
	"strings"
)

// GraphicsProtocol identifies which rendering backend paints the pixels.
type GraphicsProtocol int

const (
	ProtocolNone       GraphicsProtocol = iota // nothing drawn
	ProtocolSixel                              // DEC sixel, in-band
	ProtocolKitty                              // kitty graphics APC, in-band
	ProtocolITerm2                             // iTerm2 OSC 1337 inline images, in-band
	ProtocolHalfblocks                         // U+2580 cells with 24-bit colour, in-band
	ProtocolX11                                // override-redirect X11 window over the terminal
)

var protocolNames = [...]string{
	ProtocolNone:       "none",
	ProtocolSixel:      "sixel",
	ProtocolKitty:      "kitty",
	ProtocolITerm2:     "iterm2",
	ProtocolHalfblocks: "halfblocks",
	ProtocolX11:        "x11",
}

// String returns the human-readable name of the graphics protocol.
func (p GraphicsProtocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return "unknown"
}

// InBand reports whether the protocol travels as escape sequences in the
// terminal's own output stream.
func (p GraphicsProtocol) InBand() bool {
	switch p {
	case ProtocolSixel, ProtocolKitty, ProtocolITerm2, ProtocolHalfblocks:
		return true
	default:
		return false
	}
}

// ParseProtocol maps a configuration value to a protocol. "auto" and ""
// return ok=false so the caller runs selection.
func ParseProtocol(name string) (p GraphicsProtocol, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return ProtocolNone, false, nil
	case "sixel":
		return ProtocolSixel, true, nil
	case "kitty":
		return ProtocolKitty, true, nil
	case "iterm2", "iterm":
		return ProtocolITerm2, true, nil
	case "halfblocks", "half-blocks", "unicode", "chafa":
		return ProtocolHalfblocks, true, nil
	case "x11", "overlay":
		return ProtocolX11, true, nil
	case "none", "off", "disabled":
		return ProtocolNone, true, nil
	default:
		return ProtocolNone, false, fmt.Errorf("unknown graphics protocol %q", name)
	}
}

// SelectProtocol picks the best protocol for a profile. The cascade is
// kitty, sixel, iTerm2, X11 overlay, then halfblocks, which every true
// colour terminal can show.
func SelectProtocol(p Profile) GraphicsProtocol {
	switch {
	case p.Kitty:
		return ProtocolKitty
	case p.Sixel:
		return ProtocolSixel
	case p.ITerm2:
		return ProtocolITerm2
	case p.X11:
		return ProtocolX11
	default:
		return ProtocolHalfblocks
	}
}

// SelectProtocolWithOverride honours an explicit backend preference and
// otherwise falls back to SelectProtocol.
func SelectProtocolWithOverride(p Profile, override string) (GraphicsProtocol, error) {
	proto, explicit, err := ParseProtocol(override)
	if err != nil {
		return ProtocolNone, err
	}
	if explicit {
		return proto, nil
	}
	return SelectProtocol(p), nil
}
