package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// startPlayer runs the animation of e until it is removed, replaced or the
// session closes. Callers hold s.mu.
func (s *Session) startPlayer(e *entry) {
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	s.wg.Add(1)
	go s.play(ctx, e, frameInterval(e.dec.Framerate(), s.opts.Framerate))
}

func (s *Session) play(ctx context.Context, e *entry, interval time.Duration) {
	defer s.wg.Done()
	// Runs before wg.Done, so Fail must not wait for the session to close.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("animation panic", "identifier", e.id, "stack", string(debug.Stack()))
			s.Fail(fmt.Errorf("animation %q panicked: %v", e.id, r))
		}
	}()
	s.logger.Debug("animation started", "identifier", e.id, "interval", interval)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.advance(e); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrUnknownPlacement) {
				return
			}
			s.logger.Warn("animation stopped", "identifier", e.id, "error", err)
			return
		}
	}
}

// frameInterval converts a framerate to a tick period, using fallback for
// unknown or nonsensical rates.
func frameInterval(fps, fallback float64) time.Duration {
	if fps <= 0 || fps > 240 {
		fps = fallback
	}
	return time.Duration(float64(time.Second) / fps)
}
