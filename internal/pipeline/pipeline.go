// Package pipeline is the producer side of the overlay engine: it runs face
// detection on captured frames and hands the results to the scheduler.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facefilter/internal/compositor"
	"github.com/andresmejia3/facefilter/internal/types"
	"github.com/sirupsen/logrus"
)

// Detector finds faces in one frame. Coordinates are in the frame's own
// pixel space.
type Detector interface {
	Detect(ctx context.Context, frame types.FrameTask) ([]types.FaceRecord, error)
}

// Scheduler is the part of scheduler.Scheduler the pipeline drives.
type Scheduler interface {
	Submit(frame compositor.Frame) (uint64, error)
	IsBusy() bool
}

// Sizer reports the display surface size.
type Sizer interface {
	Size() (width, height int)
}

// Diagnostics is a snapshot of pipeline counters.
type Diagnostics struct {
	FramesProcessed uint64
	FramesDropped   uint64
	DetectorErrors  uint64
	SubmitErrors    uint64
	FacesDetected   int // faces in the most recent detection
	LastGeneration  uint64
	LastOutcome     types.RenderOutcome
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFilter sets the initial filter. Invalid ids are ignored.
func WithFilter(id types.FilterID) Option {
	return func(p *Pipeline) {
		if id.Valid() {
			p.filter = id
		}
	}
}

// WithMirror sets the initial mirror state (front camera).
func WithMirror(mirror bool) Option {
	return func(p *Pipeline) { p.mirror = mirror }
}

// Pipeline couples a detector to a render scheduler. ProcessFrame is meant
// to be called from a single capture goroutine; the setters may be called
// from any goroutine.
type Pipeline struct {
	sched    Scheduler
	detector Detector
	surface  Sizer

	mu     sync.RWMutex
	filter types.FilterID
	mirror bool

	processed      atomic.Uint64
	dropped        atomic.Uint64
	detectorErrors atomic.Uint64
	submitErrors   atomic.Uint64
	faces          atomic.Int64
	lastGen        atomic.Uint64
	stopped        atomic.Bool

	outcomeMu   sync.Mutex
	lastOutcome types.RenderOutcome
}

// New creates a Pipeline with FilterNone selected and mirroring off.
func New(sched Scheduler, detector Detector, surface Sizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		sched:    sched,
		detector: detector,
		surface:  surface,
		filter:   types.FilterNone,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetFilter changes the active filter. It takes effect for the next
// submitted frame; renders already in flight keep the filter they were
// submitted with.
func (p *Pipeline) SetFilter(id types.FilterID) error {
	if !id.Valid() {
		return fmt.Errorf("unknown filter %q", id)
	}
	p.mu.Lock()
	prev := p.filter
	p.filter = id
	p.mu.Unlock()

	if prev != id {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.SetFilter",
			"from":     prev,
			"to":       id,
		}).Info("Filter changed")
	}
	return nil
}

// Filter returns the active filter.
func (p *Pipeline) Filter() types.FilterID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter
}

// SetMirror switches between mirrored (front camera) and unmirrored output.
func (p *Pipeline) SetMirror(mirror bool) {
	p.mu.Lock()
	p.mirror = mirror
	p.mu.Unlock()
}

// Mirror reports whether output is mirrored.
func (p *Pipeline) Mirror() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mirror
}

// ProcessFrame detects faces in frame and submits a render. The frame is
// always released before ProcessFrame returns. It returns false when the
// frame was dropped, either because a render is still in flight or because
// detection or submission failed.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame types.FrameTask) bool {
	defer frame.Done()

	if p.stopped.Load() {
		return false
	}
	if p.sched.IsBusy() {
		p.dropped.Add(1)
		return false
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "Pipeline.ProcessFrame",
		"frame":    frame.Index,
	})

	faces, err := p.detector.Detect(ctx, frame)
	if err != nil {
		p.detectorErrors.Add(1)
		log.WithField("error", err.Error()).Warn("Face detection failed")
		return false
	}
	p.faces.Store(int64(len(faces)))

	p.mu.RLock()
	filter, mirror := p.filter, p.mirror
	p.mu.RUnlock()

	w, h := p.surface.Size()
	gen, err := p.sched.Submit(compositor.Frame{
		Faces:     faces,
		Filter:    filter,
		Transform: types.NewTransform(w, h, frame.Width, frame.Height, mirror),
	})
	if err != nil {
		p.submitErrors.Add(1)
		log.WithField("error", err.Error()).Warn("Render submission failed")
		return false
	}

	p.processed.Add(1)
	p.lastGen.Store(gen)
	log.WithFields(logrus.Fields{
		"generation": gen,
		"faces":      len(faces),
	}).Debug("Frame submitted")
	return true
}

// Observe records a render outcome. Wire it to scheduler.OnOutcome. An
// outcome reporting a torn-down surface stops the pipeline.
func (p *Pipeline) Observe(o types.RenderOutcome) {
	if o.Reason == types.ReasonSurfaceClosed {
		p.stopped.Store(true)
	}
	p.outcomeMu.Lock()
	if o.Generation >= p.lastOutcome.Generation {
		p.lastOutcome = o
	}
	p.outcomeMu.Unlock()
}

// Stopped reports whether the surface was torn down. A stopped pipeline
// releases every frame without detecting or submitting.
func (p *Pipeline) Stopped() bool {
	return p.stopped.Load()
}

// Diagnostics returns a snapshot of the counters.
func (p *Pipeline) Diagnostics() Diagnostics {
	p.outcomeMu.Lock()
	last := p.lastOutcome
	p.outcomeMu.Unlock()

	return Diagnostics{
		FramesProcessed: p.processed.Load(),
		FramesDropped:   p.dropped.Load(),
		DetectorErrors:  p.detectorErrors.Load(),
		SubmitErrors:    p.submitErrors.Load(),
		FacesDetected:   int(p.faces.Load()),
		LastGeneration:  p.lastGen.Load(),
		LastOutcome:     last,
	}
}
