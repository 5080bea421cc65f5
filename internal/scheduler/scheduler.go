// Package scheduler runs overlay renders one generation at a time.
//
// Every Submit starts a new generation and cancels the previous one. Only
// the newest generation moves the scheduler back to idle; completions of
// older generations are discarded. Since the compositor checks its context
// while it holds the surface, and Submit cancels the old context before the
// new render can acquire the surface, publications are ordered by
// generation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facefilter/internal/compositor"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Submit after Close, or once a render reported
// that the surface was torn down.
var ErrClosed = errors.New("scheduler closed")

// RenderFunc renders one frame. It must return promptly once ctx is done.
type RenderFunc func(ctx context.Context, frame compositor.Frame) types.RenderOutcome

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Submitted  uint64
	Published  uint64
	Cancelled  uint64
	Skipped    uint64
	Superseded uint64 // completions that arrived after a newer Submit
	Generation uint64
	Busy       bool
	Last       types.RenderOutcome
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// OnOutcome registers a callback invoked after every render completes,
// including superseded ones. It runs on the render goroutine.
func OnOutcome(fn func(types.RenderOutcome)) Option {
	return func(s *Scheduler) { s.onOutcome = fn }
}

// WithBaseContext sets the parent of every render context.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// Scheduler keeps at most one current render. It is Idle when no render of
// the newest generation is outstanding and Rendering otherwise.
type Scheduler struct {
	render    RenderFunc
	onOutcome func(types.RenderOutcome)
	base      context.Context

	mu      sync.Mutex
	gen     uint64
	busy    bool
	cancel  context.CancelFunc
	closed  bool
	stats   Stats
	running sync.WaitGroup
}

// New creates an idle scheduler.
func New(render RenderFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		render: render,
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit starts a render of frame as a new generation and returns that
// generation. Any render still in flight is cancelled.
func (s *Scheduler) Submit(frame compositor.Frame) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.busy = true
	s.stats.Submitted++
	s.running.Add(1)
	s.mu.Unlock()

	go s.run(ctx, cancel, gen, frame)
	return gen, nil
}

// IsBusy reports whether the newest generation is still rendering.
func (s *Scheduler) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Generation returns the most recently submitted generation.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Generation = s.gen
	st.Busy = s.busy
	return st
}

// Close cancels the active render, waits for every render goroutine to
// return and leaves the scheduler idle. Later Submits fail with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.running.Wait()

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, gen uint64, frame compositor.Frame) {
	defer s.running.Done()
	defer cancel()

	outcome := s.safeRender(ctx, gen, frame)
	outcome.Generation = gen

	s.mu.Lock()
	current := s.gen == gen
	if current {
		s.busy = false
		s.cancel = nil
	} else {
		s.stats.Superseded++
	}
	teardown := outcome.Reason == types.ReasonSurfaceClosed && !s.closed
	if teardown {
		s.closed = true
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
	switch outcome.Status {
	case types.Published:
		s.stats.Published++
	case types.Cancelled:
		s.stats.Cancelled++
	default:
		s.stats.Skipped++
	}
	if gen >= s.stats.Last.Generation {
		s.stats.Last = outcome
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Scheduler.run",
		"generation": gen,
		"outcome":    outcome.String(),
		"current":    current,
	}).Debug("Render finished")
	if teardown {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.run",
			"generation": gen,
		}).Error("Surface torn down, scheduler stopped")
	}

	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
}

func (s *Scheduler) safeRender(ctx context.Context, gen uint64, frame compositor.Frame) (out types.RenderOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Scheduler.safeRender",
				"generation": gen,
				"panic":      fmt.Sprint(r),
			}).Error("Render panicked")
			out = types.RenderOutcome{Status: types.Skipped, Reason: types.ReasonRenderFailed}
		}
	}()
	return s.render(ctx, frame)
}
