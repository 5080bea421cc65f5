// Package surface defines the drawing target the compositor renders into.
//
// A Surface hands out one buffer at a time. The holder either publishes it,
// which makes it visible, or releases it unchanged. Acquire blocks while
// another task holds the buffer.
package surface

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned once the surface has been torn down. It is fatal
	// for the render loop.
	ErrClosed = errors.New("surface closed")
	// ErrUnavailable is a transient condition; the next frame retries.
	ErrUnavailable = errors.New("surface unavailable")

	errNotHeld = errors.New("publish: buffer not held by caller")
)

// Surface is the display collaborator.
type Surface interface {
	Size() (width, height int)
	Acquire(ctx context.Context) (*image.RGBA, error)
	Publish(buf *image.RGBA) error
	Release(buf *image.RGBA)
}

// ImageSurface is an in-memory double-buffered Surface. Acquire hands out
// the back buffer; Publish swaps it to the front.
type ImageSurface struct {
	width  int
	height int

	token chan struct{} // holds one value while the back buffer is free
	done  chan struct{}

	mu        sync.Mutex
	front     *image.RGBA
	back      *image.RGBA
	held      *image.RGBA
	onPublish func(seq uint64, frame *image.RGBA)

	seq         atomic.Uint64
	unavailable atomic.Bool
	closeOnce   sync.Once
}

// NewImageSurface creates a transparent surface. Non-positive dimensions
// are clamped to 1.
func NewImageSurface(width, height int) *ImageSurface {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	s := &ImageSurface{
		width:  width,
		height: height,
		token:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		front:  image.NewRGBA(image.Rect(0, 0, width, height)),
		back:   image.NewRGBA(image.Rect(0, 0, width, height)),
	}
	s.token <- struct{}{}
	return s
}

// Size returns the surface dimensions in pixels.
func (s *ImageSurface) Size() (int, int) {
	return s.width, s.height
}

// Acquire waits for exclusive ownership of the back buffer. The buffer's
// previous contents are undefined; callers clear it before drawing.
func (s *ImageSurface) Acquire(ctx context.Context) (*image.RGBA, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	if s.unavailable.Load() {
		return nil, ErrUnavailable
	}

	select {
	case <-s.token:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.closed() {
		s.token <- struct{}{}
		return nil, ErrClosed
	}

	s.mu.Lock()
	s.held = s.back
	buf := s.held
	s.mu.Unlock()
	return buf, nil
}

// Publish makes buf the visible frame and returns ownership.
func (s *ImageSurface) Publish(buf *image.RGBA) error {
	s.mu.Lock()
	if buf == nil || buf != s.held {
		s.mu.Unlock()
		return errNotHeld
	}
	if s.closed() {
		s.held = nil
		s.mu.Unlock()
		s.token <- struct{}{}
		return ErrClosed
	}
	s.front, s.back = s.back, s.front
	s.held = nil
	seq := s.seq.Add(1)
	hook := s.onPublish
	var snap *image.RGBA
	if hook != nil {
		snap = cloneRGBA(s.front)
	}
	s.mu.Unlock()

	// Hooks run before ownership is returned so they observe publications
	// in sequence order.
	if hook != nil {
		hook(seq, snap)
	}
	s.token <- struct{}{}
	return nil
}

// Release returns ownership without publishing. Releasing a buffer that is
// not held is a no-op.
func (s *ImageSurface) Release(buf *image.RGBA) {
	s.mu.Lock()
	if buf == nil || buf != s.held {
		s.mu.Unlock()
		return
	}
	s.held = nil
	s.mu.Unlock()
	s.token <- struct{}{}
}

// Snapshot returns a copy of the visible frame.
func (s *ImageSurface) Snapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRGBA(s.front)
}

// Published returns how many frames have been published.
func (s *ImageSurface) Published() uint64 {
	return s.seq.Load()
}

// OnPublish registers a hook called after every publication with the
// publication sequence number and a copy of the published frame.
func (s *ImageSurface) OnPublish(fn func(seq uint64, frame *image.RGBA)) {
	s.mu.Lock()
	s.onPublish = fn
	s.mu.Unlock()
}

// SetUnavailable toggles a transient fault: while set, Acquire fails with
// ErrUnavailable.
func (s *ImageSurface) SetUnavailable(v bool) {
	s.unavailable.Store(v)
}

// Close tears the surface down. Pending and future Acquire calls return
// ErrClosed. Close is idempotent.
func (s *ImageSurface) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *ImageSurface) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
