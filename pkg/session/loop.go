package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

// PollInterval bounds every blocking wait of the command loop, and with it
// the shutdown latency.
const PollInterval = 100 * time.Millisecond

// maxLine caps one command line.
const maxLine = 1 << 20

// CommandLoop reads newline-delimited commands from r and writes one reply
// line per command to w, which may be nil. It returns nil at end of input,
// after an exit command, or within one PollInterval of ctx being
// cancelled.
//
// An *os.File is polled with a bounded wait. Any other reader is drained
// by a helper goroutine that may stay blocked in Read after the loop
// returns.
func (s *Session) CommandLoop(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	errc := make(chan error, 1)
	if f, ok := r.(*os.File); ok {
		go func() { errc <- pollLines(ctx, f, lines) }()
	} else {
		go func() { errc <- scanLines(ctx, r, lines) }()
	}

	enc := json.NewEncoder(io.Discard)
	if w != nil {
		enc = json.NewEncoder(w)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line := <-lines:
			reply := s.Execute(ctx, line)
			if err := enc.Encode(reply); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
		}
	}
}

// pollLines reads f in bounded waits so cancellation is observed between
// reads.
func pollLines(ctx context.Context, f *os.File, lines chan<- []byte) error {
	fd := int(f.Fd())
	var pending []byte
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := terminal.WaitReadable(fd, PollInterval)
		if err != nil {
			return fmt.Errorf("poll input: %w", err)
		}
		if !ready {
			continue
		}
		n, err := f.Read(chunk)
		pending = append(pending, chunk[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if !emit(ctx, lines, pending[:i]) {
				return ctx.Err()
			}
			pending = pending[i+1:]
		}
		if len(pending) > maxLine {
			return fmt.Errorf("input line longer than %d bytes", maxLine)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(pending)) > 0 {
				emit(ctx, lines, pending)
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
	}
}

func scanLines(ctx context.Context, r io.Reader, lines chan<- []byte) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLine)
	for sc.Scan() {
		if !emit(ctx, lines, sc.Bytes()) {
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// emit sends a copy of a non-blank line, giving up when ctx ends.
func emit(ctx context.Context, lines chan<- []byte, line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return true
	}
	select {
	case lines <- bytes.Clone(line):
		return true
	case <-ctx.Done():
		return false
	}
}
