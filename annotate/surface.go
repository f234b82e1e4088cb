// Package annotate renders smoothed detections onto frames: it keeps the latest annotated
// frame for display and can persist annotated frames as snapshots.
package annotate

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/objectdetection"
)

// Surface is the drawing target of the frame loop. Each Render replaces the previously drawn
// frame, so boxes from an earlier frame never linger.
type Surface struct {
	logger   logging.Logger
	snapshot SnapshotWriter

	mu         sync.Mutex
	opts       objectdetection.OverlayOptions
	latest     image.Image
	latestDets objectdetection.DetectionSet
	subs       map[chan image.Image]struct{}

	rendered atomic.Uint64
}

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithOverlayOptions sets how boxes and labels are drawn.
func WithOverlayOptions(opts objectdetection.OverlayOptions) SurfaceOption {
	return func(s *Surface) {
		s.opts = opts
	}
}

// WithSnapshots writes every annotated frame through w.
func WithSnapshots(w SnapshotWriter) SurfaceOption {
	return func(s *Surface) {
		s.snapshot = w
	}
}

// NewSurface returns an empty surface.
func NewSurface(logger logging.Logger, opts ...SurfaceOption) *Surface {
	s := &Surface{logger: logger, subs: map[chan image.Image]struct{}{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render draws dets onto a copy of img and makes it the latest frame.
func (s *Surface) Render(ctx context.Context, dets objectdetection.DetectionSet, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()
	out, err := objectdetection.OverlayWithOptions(img, dets, opts)
	if err != nil {
		return errors.Wrap(err, "cannot annotate frame")
	}
	if s.snapshot != nil {
		if err := s.snapshot.WriteSnapshot(ctx, out, dets); err != nil {
			return errors.Wrap(err, "cannot write snapshot")
		}
	}

	s.mu.Lock()
	s.latest = out
	s.latestDets = dets
	for ch := range s.subs {
		// Slow subscribers skip frames.
		select {
		case ch <- out:
		default:
		}
	}
	s.mu.Unlock()
	s.rendered.Inc()
	s.logger.Debugw("rendered frame", "detections", len(dets))
	return nil
}

// SetOverlayOptions changes how the following frames are drawn.
func (s *Surface) SetOverlayOptions(opts objectdetection.OverlayOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// Latest returns the last annotated frame and the detections drawn on it. The image is nil
// before the first Render.
func (s *Surface) Latest() (image.Image, objectdetection.DetectionSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latestDets
}

// Rendered is the number of frames drawn so far.
func (s *Surface) Rendered() uint64 {
	return s.rendered.Load()
}

// Subscribe returns a channel receiving each newly annotated frame and a function that ends the
// subscription.
func (s *Surface) Subscribe() (<-chan image.Image, func()) {
	ch := make(chan image.Image, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// Clear forgets the latest frame.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = nil
	s.latestDets = nil
}
