package imagesource

import (
	"context"
	"image"
	"sync"

	"go.uber.org/atomic"
)

// PushSource hands out the most recent frame pushed by a capture device. Until the first push,
// and after Close, Next returns ErrFrameNotReady. A frame pushed while a previous one is still
// held by a consumer replaces it; the release func passed to Push runs once the frame is both
// superseded and released by every consumer that pulled it.
type PushSource struct {
	mu     sync.Mutex
	latest *pushedFrame
	closed bool

	pushed atomic.Uint64
}

type pushedFrame struct {
	img     image.Image
	refs    int
	release func()
}

func (f *pushedFrame) unref() {
	f.refs--
	if f.refs == 0 && f.release != nil {
		f.release()
	}
}

// NewPushSource returns an empty push source.
func NewPushSource() *PushSource {
	return &PushSource{}
}

// Push makes img the current frame. release may be nil.
func (ps *PushSource) Push(img image.Image, release func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		if release != nil {
			release()
		}
		return
	}
	old := ps.latest
	// The source's own reference keeps the frame alive until it is superseded.
	ps.latest = &pushedFrame{img: img, refs: 1, release: release}
	ps.pushed.Inc()
	if old != nil {
		old.unref()
	}
}

// Pushed is the number of frames pushed so far.
func (ps *PushSource) Pushed() uint64 {
	return ps.pushed.Load()
}

// Next returns the latest frame.
func (ps *PushSource) Next(ctx context.Context) (image.Image, func(), error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.latest == nil {
		return nil, nil, ErrFrameNotReady
	}
	frame := ps.latest
	frame.refs++
	var once sync.Once
	return frame.img, func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			frame.unref()
		})
	}, nil
}

// Close drops the current frame. Frames still held by consumers are released when they are.
func (ps *PushSource) Close(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.closed = true
	if ps.latest != nil {
		ps.latest.unref()
		ps.latest = nil
	}
	return nil
}
