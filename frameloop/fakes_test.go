package frameloop

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/annotator/vision/imagesource"
	"go.viam.com/annotator/vision/objectdetection"
)

type fakeFrames struct {
	mu       sync.Mutex
	notReady int
	err      error
	pulled   int
	released int
}

func (f *fakeFrames) Next(ctx context.Context) (image.Image, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady > 0 {
		f.notReady--
		return nil, nil, imagesource.ErrFrameNotReady
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	f.pulled++
	return image.NewRGBA(image.Rect(0, 0, 640, 480)), func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released++
	}, nil
}

func (f *fakeFrames) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulled, f.released
}

// fakeSource returns results[i] on its i-th call and repeats the last one afterwards.
type fakeSource struct {
	mu       sync.Mutex
	results  []objectdetection.DetectionSet
	errAt    int
	calls    int
	onDetect func(call int)
}

var errCameraGone = errors.New("camera went away")

func (s *fakeSource) Detect(ctx context.Context, img image.Image) (objectdetection.DetectionSet, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	var out objectdetection.DetectionSet
	if len(s.results) > 0 {
		out = s.results[min(call, len(s.results))-1]
	}
	hook := s.onDetect
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if s.errAt > 0 && call >= s.errAt {
		return nil, errCameraGone
	}
	return out, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeRenderer struct {
	mu       sync.Mutex
	rendered []objectdetection.DetectionSet
	err      error
	notify   chan struct{}
	onRender func()
}

func (r *fakeRenderer) Render(ctx context.Context, dets objectdetection.DetectionSet, img image.Image) error {
	if r.onRender != nil {
		r.onRender()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rendered = append(r.rendered, dets)
	if r.notify != nil {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *fakeRenderer) frames() []objectdetection.DetectionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]objectdetection.DetectionSet, len(r.rendered))
	copy(out, r.rendered)
	return out
}

type panicRenderer struct{}

func (panicRenderer) Render(ctx context.Context, dets objectdetection.DetectionSet, img image.Image) error {
	panic("renderer blew up")
}

func person(x, conf float64) objectdetection.Detection {
	return objectdetection.NewDetection(objectdetection.Box{X: x, Y: 10, Width: 100, Height: 200}, conf, "person")
}
