package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sys/unix"
)

// Query sequences. Every query is followed by a primary device attributes
// request: all VT-compatible emulators answer DA1, so its reply arriving
// first means the real query is unsupported and there is no need to wait
// for the timeout.
const (
	seqPrimaryDA    = "\x1b[c"
	seqWindowPixels = "\x1b[14t" // XTWINOPS: report text area size in pixels
	seqKittyQuery   = "\x1b_Gi=31,s=1,v=1,a=q,t=d,f=24;AAAA\x1b\\"
)

// DefaultQueryTimeout bounds a capability query round trip.
const DefaultQueryTimeout = 50 * time.Millisecond

// da1Sixel is the DA1 attribute advertising sixel graphics.
const da1Sixel = 4

// kittyQueryID is the image id the kitty query uses and its reply echoes.
const kittyQueryID = "Gi=31"

// WaitReadable blocks until fd has input, hangs up, or timeout elapses. It
// reports whether a read will not block.
func WaitReadable(fd int, timeout time.Duration) (bool, error) {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0, nil
	}
}

// roundTrip writes q plus a DA1 request to w and collects reply bytes from
// fd until the DA1 answer arrives or timeout elapses. On timeout the bytes
// read so far are returned together with ErrQueryTimeout.
func roundTrip(fd int, w io.Writer, q string, timeout time.Duration) ([]byte, error) {
	if _, err := io.WriteString(w, q+seqPrimaryDA); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 128)
	chunk := make([]byte, 256)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, ErrQueryTimeout
		}
		ready, err := WaitReadable(fd, remaining)
		if err != nil {
			return buf, err
		}
		if !ready {
			continue
		}
		n, err := unix.Read(fd, chunk)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return buf, fmt.Errorf("read reply: %w", err)
		}
		if n == 0 {
			return buf, fmt.Errorf("read reply: %w", io.EOF)
		}
		buf = append(buf, chunk[:n]...)
		if _, ok := parsePrimaryDA(buf); ok {
			return buf, nil
		}
	}
}

// eachSequence decodes b and calls fn with every complete escape sequence
// until fn returns false. Text between sequences and an unterminated tail
// are skipped. p holds the params and data of seq only during the call.
func eachSequence(b []byte, fn func(seq []byte, p *ansi.Parser) bool) {
	p := ansi.NewParser()
	for len(b) > 0 {
		seq, width, n, state := ansi.DecodeSequence(b, ansi.NormalState, p)
		if state != ansi.NormalState {
			return
		}
		if n <= 0 {
			n = 1
		}
		b = b[n:]
		if width > 0 || len(seq) == 0 {
			continue
		}
		if !fn(seq, p) {
			return
		}
	}
}

// parsePixelReply extracts the text area size from a CSI 4;h;w t reply.
func parsePixelReply(b []byte) (width, height int, ok bool) {
	eachSequence(b, func(seq []byte, p *ansi.Parser) bool {
		cmd := ansi.Cmd(p.Command())
		if !ansi.HasCsiPrefix(seq) || cmd.Final() != 't' || cmd.Prefix() != 0 {
			return true
		}
		params := p.Params()
		if kind, _, _ := params.Param(0, 0); kind != 4 || len(params) != 3 {
			return true
		}
		h, _, _ := params.Param(1, 0)
		w, _, _ := params.Param(2, 0)
		if w <= 0 || h <= 0 {
			return true
		}
		width, height, ok = w, h, true
		return false
	})
	return width, height, ok
}

// parsePrimaryDA returns the attribute list of a DA1 reply.
func parsePrimaryDA(b []byte) (attrs []int, ok bool) {
	eachSequence(b, func(seq []byte, p *ansi.Parser) bool {
		cmd := ansi.Cmd(p.Command())
		if !ansi.HasCsiPrefix(seq) || cmd.Final() != 'c' || cmd.Prefix() != '?' {
			return true
		}
		p.Params().ForEach(-1, func(_, v int, _ bool) {
			if v >= 0 {
				attrs = append(attrs, v)
			}
		})
		ok = true
		return false
	})
	return attrs, ok
}

// parseKittyReply reports whether the kitty graphics query was acknowledged
// with OK.
func parseKittyReply(b []byte) bool {
	var acked bool
	eachSequence(b, func(seq []byte, p *ansi.Parser) bool {
		if !ansi.HasApcPrefix(seq) {
			return true
		}
		ctrl, msg, found := bytes.Cut(p.Data(), []byte{';'})
		if !found || string(ctrl) != kittyQueryID {
			return true
		}
		acked = string(msg) == "OK"
		return false
	})
	return acked
}

// hasAttr reports whether attrs contains v.
func hasAttr(attrs []int, v int) bool {
	for _, a := range attrs {
		if a == v {
			return true
		}
	}
	return false
}
