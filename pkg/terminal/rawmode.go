package terminal

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// rawMode is a scoped change of the line discipline: construction saves the
// current termios and switches to non-canonical input with echo disabled,
// restore puts the saved settings back exactly once.
type rawMode struct {
	fd    int
	saved unix.Termios
	once  sync.Once
	err   error
}

// enterRawMode disables ICANON and ECHO on fd. Reads return immediately
// (VMIN=0, VTIME=0); callers bound their waits with poll.
func enterRawMode(fd int) (*rawMode, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return nil, fmt.Errorf("read termios: %w", err)
	}

	raw := *old
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 0
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, &raw); err != nil {
		return nil, fmt.Errorf("write termios: %w", err)
	}
	return &rawMode{fd: fd, saved: *old}, nil
}

// restore reinstates the saved settings. Subsequent calls return the first
// result.
func (r *rawMode) restore() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		if err := unix.IoctlSetTermios(r.fd, ioctlWriteTermios, &r.saved); err != nil {
			r.err = fmt.Errorf("restore termios: %w", err)
		}
	})
	return r.err
}
