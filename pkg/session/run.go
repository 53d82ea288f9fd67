package session

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gitlab.com/tinyland/lab/pixelpane/pkg/canvas"
)

// RunOptions selects the control channels Run serves.
type RunOptions struct {
	// Input carries local commands, normally stdin. Nil disables the local
	// loop.
	Input io.Reader

	// Output receives replies to local commands. Nil discards them.
	Output io.Writer

	// Socket is started by Run and stopped before it returns.
	Socket *SocketServer

	// TrackInterval paces overlay tracking. Zero disables it.
	TrackInterval time.Duration
}

// Run serves commands until ctx is cancelled, a client sends exit, or the
// local input ends while no socket is listening. The session is closed
// before Run returns, whichever path ended it.
func (s *Session) Run(ctx context.Context, opts RunOptions) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.Done():
			cancel()
		}
		return nil
	})

	if opts.Socket != nil {
		if err := opts.Socket.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			opts.Socket.Stop()
			return nil
		})
	}

	if opts.Input != nil {
		g.Go(func() error {
			err := s.CommandLoop(ctx, opts.Input, opts.Output)
			if opts.Socket == nil {
				s.logger.Debug("local input closed, stopping")
				cancel()
			}
			return err
		})
	}

	g.Go(func() error {
		s.watchResize(ctx)
		return nil
	})

	if s.tracks() && opts.TrackInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(opts.TrackInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					s.Track()
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if fault := s.Err(); fault != nil {
		err = errors.Join(fault, err)
	}
	return err
}

func (s *Session) tracks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.canvas.(canvas.Tracker)
	return ok
}

// watchResize re-measures the terminal on every SIGWINCH.
func (s *Session) watchResize(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			s.Resize(ctx)
		}
	}
}
