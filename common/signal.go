package common

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// signal is a single resolution completion signal. It moves from pending to
// resolved exactly once; duplicate resolutions are ignored.
type signal struct {
	name string

	once      sync.Once
	done      chan struct{}
	onResolve func(name string)
}

func newSignal(name string, onResolve func(name string)) *signal {
	return &signal{
		name:      name,
		done:      make(chan struct{}),
		onResolve: onResolve,
	}
}

// resolve marks the signal as resolved. It reports whether this call did the
// transition.
func (s *signal) resolve() bool {
	var resolved bool
	s.once.Do(func() {
		resolved = true
		close(s.done)
		if s.onResolve != nil {
			s.onResolve(s.name)
		}
	})
	return resolved
}

func (s *signal) Done() <-chan struct{} {
	return s.done
}

func (s *signal) resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitAll returns a channel that is closed once every signal resolved. The
// goroutines backing it exit when ctx is done.
func waitAll(ctx context.Context, signals ...*signal) <-chan struct{} {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range signals {
		s := s
		g.Go(func() error {
			select {
			case <-s.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	all := make(chan struct{})
	go func() {
		if err := g.Wait(); err == nil {
			close(all)
		}
	}()

	return all
}
