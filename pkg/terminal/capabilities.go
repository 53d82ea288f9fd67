package terminal

import (
	"os"
	"strconv"
)

// Profile collects what is known about the terminal emulator. It is
// computed once when the Terminal opens; Downgrade is the only mutation.
type Profile struct {
	Name     string   // emulator name, "unknown" when undetectable
	Emulator Emulator // allow-list identity
	PID      int      // emulator process id, 0 when unknown
	TTY      string   // device path of the controlling terminal

	Mux bool // running inside tmux, screen or zellij
	SSH bool // running over SSH

	Sixel  bool // DA1 attribute 4 or sixel allow-list
	Kitty  bool // kitty graphics query acknowledged or allow-list
	ITerm2 bool // iTerm2 inline images allow-list
	X11    bool // an X display is reachable for an overlay window

	WindowID uint32 // $WINDOWID of the emulator, 0 when unset

	Protocol GraphicsProtocol // best protocol for this profile
}

// PixelProtocol reports whether some in-band pixel protocol is usable.
func (p Profile) PixelProtocol() bool {
	return p.Sixel || p.Kitty || p.ITerm2
}

// Downgrade removes capabilities a multiplexer makes unusable. The overlay
// cannot follow a pane inside a multiplexer, so X11 is dropped and the
// protocol reselected.
func (p *Profile) Downgrade() {
	if !p.Mux {
		return
	}
	p.X11 = false
	p.Protocol = SelectProtocol(*p)
}

// probeResult holds what the emulator said about itself.
type probeResult struct {
	DA1      []int
	Answered bool // DA1 reply seen
	Kitty    bool // kitty query acknowledged
}

// buildProfile combines environment detection, process lineage and probe
// answers into a Profile.
func buildProfile(env Emulator, emu processInfo, tty string, probe probeResult) Profile {
	identity := env
	if identity == EmuUnknown || identity == EmuGeneric || identity == EmuXterm {
		if byName := EmulatorFromProcess(emu.Name); byName != EmuUnknown {
			identity = byName
		}
	}

	p := Profile{
		Name:     identity.String(),
		Emulator: identity,
		PID:      emu.PID,
		TTY:      tty,
		Mux:      inMultiplexer(),
		SSH:      isSSH(),
	}
	if emu.Name != "" && (identity == EmuUnknown || identity == EmuGeneric) {
		p.Name = emu.Name
	}

	p.Sixel = hasAttr(probe.DA1, da1Sixel) || identity.SupportsSixel()
	p.Kitty = probe.Kitty || identity.SupportsKittyGraphics()
	p.ITerm2 = identity.SupportsITerm2Images()
	p.X11 = os.Getenv("DISPLAY") != "" && !p.SSH
	if id, err := strconv.ParseUint(os.Getenv("WINDOWID"), 10, 32); err == nil {
		p.WindowID = uint32(id)
	}

	p.Protocol = SelectProtocol(p)
	p.Downgrade()
	return p
}
