package terminal

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// maxLineageDepth bounds the parent-process walk.
const maxLineageDepth = 32

// processInfo is the subset of a process we need to resolve the controlling
// terminal and the emulator that owns it.
type processInfo struct {
	PID  int
	Name string
	TTY  string // device path, "" when the process has no terminal
}

// lineage returns the chain of processes from pid up to init, nearest first.
// Processes that disappear mid-walk end the chain early.
func lineage(ctx context.Context, pid int) ([]processInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	var chain []processInfo
	for i := 0; i < maxLineageDepth && p != nil; i++ {
		info := processInfo{PID: int(p.Pid)}
		info.Name, _ = p.NameWithContext(ctx)
		if tty, err := p.TerminalWithContext(ctx); err == nil {
			info.TTY = devicePath(tty)
		}
		chain = append(chain, info)

		if p.Pid <= 1 {
			break
		}
		parent, err := p.ParentWithContext(ctx)
		if err != nil {
			break
		}
		p = parent
	}
	return chain, nil
}

// devicePath normalises gopsutil's terminal names ("/pts/3") to device
// paths ("/dev/pts/3").
func devicePath(tty string) string {
	switch {
	case tty == "":
		return ""
	case strings.HasPrefix(tty, "/dev/"):
		return tty
	case strings.HasPrefix(tty, "/"):
		return "/dev" + tty
	default:
		return "/dev/" + tty
	}
}

// resolveLineage finds the first process in chain attached to a terminal
// and the emulator owning it: the first ancestor of that process that is
// not attached to the same device.
func resolveLineage(chain []processInfo) (tty string, emulator processInfo, ok bool) {
	for i, p := range chain {
		if p.TTY == "" {
			continue
		}
		for _, anc := range chain[i+1:] {
			if anc.TTY != p.TTY {
				return p.TTY, anc, true
			}
		}
		return p.TTY, processInfo{}, true
	}
	return "", processInfo{}, false
}

// openDevice opens a terminal device without making it the controlling
// terminal of this process.
func openDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// openControlling resolves and opens the terminal the process is drawing
// on. An explicit path wins; otherwise /dev/tty is tried, then the
// terminal of the nearest ancestor that has one.
func openControlling(ctx context.Context, path string) (*os.File, error) {
	if path != "" {
		f, err := openDevice(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
		}
		return f, nil
	}

	if f, err := openDevice("/dev/tty"); err == nil {
		return f, nil
	}

	chain, err := lineage(ctx, os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
	}
	tty, _, ok := resolveLineage(chain)
	if !ok {
		return nil, ErrTerminalUnavailable
	}
	f, err := openDevice(tty)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTerminalUnavailable, tty, err)
	}
	return f, nil
}
