// Package terminal owns the controlling pseudo-terminal: it discovers and
// opens the device, switches its line discipline into raw mode for the
// lifetime of the Terminal, measures cell and pixel geometry through escape
// sequence round trips, and decides which graphics protocols are usable.
//
// Detection is split into two layers:
//   - Layer 1 (Detect): environment variable inspection, no I/O.
//   - Layer 2 (probe): query sequences answered by the emulator itself,
//     each bounded by a short timeout.
package terminal

import (
	"os"
	"path/filepath"
	"strings"
)

// Emulator identifies the terminal emulator in use.
type Emulator int

const (
	EmuUnknown   Emulator = iota
	EmuKitty              // kitty graphics
	EmuGhostty            // kitty graphics
	EmuWezTerm            // kitty graphics, sixel, iterm2 images
	EmuKonsole            // kitty graphics (22.04+), sixel
	EmuFoot               // sixel
	EmuContour            // sixel
	EmuMlterm             // sixel
	EmuXterm              // sixel when built with VT340 support; DA1 decides
	EmuMintty             // sixel, iterm2 images
	EmuITerm2             // iterm2 images, sixel
	EmuVSCode             // sixel (terminal.integrated.enableImages)
	EmuAlacritty          // no pixel protocol
	EmuVTE                // GNOME Terminal, Tilix; no reliable pixel protocol
	EmuTmux               // multiplexer
	EmuScreen             // multiplexer
	EmuGeneric            // unknown emulator with basic capabilities
)

var emulatorNames = [...]string{
	EmuUnknown:   "unknown",
	EmuKitty:     "kitty",
	EmuGhostty:   "ghostty",
	EmuWezTerm:   "wezterm",
	EmuKonsole:   "konsole",
	EmuFoot:      "foot",
	EmuContour:   "contour",
	EmuMlterm:    "mlterm",
	EmuXterm:     "xterm",
	EmuMintty:    "mintty",
	EmuITerm2:    "iterm2",
	EmuVSCode:    "vscode",
	EmuAlacritty: "alacritty",
	EmuVTE:       "vte",
	EmuTmux:      "tmux",
	EmuScreen:    "screen",
	EmuGeneric:   "generic",
}

// String returns the human-readable name of the emulator.
func (e Emulator) String() string {
	if int(e) < len(emulatorNames) {
		return emulatorNames[e]
	}
	return "unknown"
}

// SupportsSixel reports whether the emulator is on the sixel allow-list.
// xterm is deliberately absent: only its DA1 answer is trusted.
func (e Emulator) SupportsSixel() bool {
	switch e {
	case EmuWezTerm, EmuKonsole, EmuFoot, EmuContour, EmuMlterm,
		EmuMintty, EmuITerm2, EmuVSCode:
		return true
	default:
		return false
	}
}

// SupportsKittyGraphics reports whether the emulator is on the kitty
// graphics allow-list.
func (e Emulator) SupportsKittyGraphics() bool {
	switch e {
	case EmuKitty, EmuGhostty, EmuWezTerm, EmuKonsole:
		return true
	default:
		return false
	}
}

// SupportsITerm2Images reports whether the emulator speaks the iTerm2 inline
// images protocol.
func (e Emulator) SupportsITerm2Images() bool {
	switch e {
	case EmuITerm2, EmuWezTerm, EmuMintty:
		return true
	default:
		return false
	}
}

// Detect identifies the terminal emulator from environment variables.
// Signals are ordered by reliability:
//
//  1. TERM_PROGRAM
//  2. TERM (xterm-kitty, xterm-ghostty, foot, mlterm, alacritty, xterm*)
//  3. emulator-specific variables (KITTY_WINDOW_ID, WEZTERM_PANE, ...)
//  4. VTE_VERSION
//  5. TMUX / STY
func Detect() Emulator {
	if tp := os.Getenv("TERM_PROGRAM"); tp != "" {
		switch strings.ToLower(tp) {
		case "kitty":
			return EmuKitty
		case "ghostty":
			return EmuGhostty
		case "wezterm":
			return EmuWezTerm
		case "iterm.app":
			return EmuITerm2
		case "vscode":
			return EmuVSCode
		case "mintty":
			return EmuMintty
		case "contour":
			return EmuContour
		case "alacritty":
			return EmuAlacritty
		case "tmux":
			return EmuTmux
		}
	}

	if term := os.Getenv("TERM"); term != "" {
		switch {
		case term == "xterm-kitty":
			return EmuKitty
		case term == "xterm-ghostty":
			return EmuGhostty
		case term == "foot" || strings.HasPrefix(term, "foot-"):
			return EmuFoot
		case strings.HasPrefix(term, "mlterm"):
			return EmuMlterm
		case strings.HasPrefix(term, "alacritty"):
			return EmuAlacritty
		case term == "contour":
			return EmuContour
		}
	}

	switch {
	case os.Getenv("KITTY_WINDOW_ID") != "":
		return EmuKitty
	case os.Getenv("GHOSTTY_RESOURCES_DIR") != "":
		return EmuGhostty
	case os.Getenv("WEZTERM_PANE") != "" || os.Getenv("WEZTERM_EXECUTABLE") != "":
		return EmuWezTerm
	case os.Getenv("CONTOUR_PROFILE") != "":
		return EmuContour
	case os.Getenv("ITERM_SESSION_ID") != "" || os.Getenv("LC_TERMINAL") == "iTerm2":
		return EmuITerm2
	case konsoleSupportsGraphics(os.Getenv("KONSOLE_VERSION")):
		return EmuKonsole
	case os.Getenv("VTE_VERSION") != "":
		return EmuVTE
	case os.Getenv("TMUX") != "":
		return EmuTmux
	case os.Getenv("STY") != "":
		return EmuScreen
	}

	if strings.HasPrefix(os.Getenv("TERM"), "xterm") {
		return EmuXterm
	}
	return EmuGeneric
}

// EmulatorFromProcess maps the executable name of the terminal emulator
// process to an Emulator. It is the second allow-list source, used when the
// environment was scrubbed (e.g. the program was started by a file manager
// under a different TERM).
func EmulatorFromProcess(name string) Emulator {
	name = strings.ToLower(filepath.Base(name))
	switch {
	case name == "kitty":
		return EmuKitty
	case name == "ghostty":
		return EmuGhostty
	case strings.HasPrefix(name, "wezterm"):
		return EmuWezTerm
	case name == "konsole":
		return EmuKonsole
	case name == "foot" || name == "footclient":
		return EmuFoot
	case name == "contour":
		return EmuContour
	case name == "mlterm":
		return EmuMlterm
	case name == "xterm" || name == "uxterm":
		return EmuXterm
	case name == "mintty":
		return EmuMintty
	case name == "alacritty":
		return EmuAlacritty
	case strings.HasPrefix(name, "gnome-terminal") || name == "tilix":
		return EmuVTE
	case strings.HasPrefix(name, "tmux"):
		return EmuTmux
	case name == "screen":
		return EmuScreen
	default:
		return EmuUnknown
	}
}

// konsoleSupportsGraphics reports whether KONSOLE_VERSION (e.g. "220401")
// is 22.04 or newer.
func konsoleSupportsGraphics(version string) bool {
	return len(version) >= 4 && version[:4] >= "2204"
}

// inMultiplexer reports whether the process runs inside tmux, screen or
// zellij.
func inMultiplexer() bool {
	return os.Getenv("TMUX") != "" || os.Getenv("STY") != "" || os.Getenv("ZELLIJ") != ""
}

// isSSH reports whether the current session is running over SSH.
func isSSH() bool {
	return os.Getenv("SSH_TTY") != "" ||
		os.Getenv("SSH_CONNECTION") != "" ||
		os.Getenv("SSH_CLIENT") != ""
}
