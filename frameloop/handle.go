package frameloop

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"go.viam.com/annotator/vision/objectdetection"
)

// Handle identifies one run of the frame loop, from Start until it is stopped or faults. A
// stopped handle never becomes active again; restarting creates a new one.
type Handle struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool
	ticks  atomic.Uint64

	frames   FrameProvider
	source   DetectionSource
	renderer Renderer
	smoother *objectdetection.Smoother

	releaseOnce sync.Once
	done        chan struct{}
	errMu       sync.Mutex
	err         error
}

func newHandle(
	parent context.Context,
	frames FrameProvider,
	source DetectionSource,
	renderer Renderer,
	cfg objectdetection.SmoothingConfig,
) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		id:       uuid.New(),
		ctx:      ctx,
		cancel:   cancel,
		frames:   frames,
		source:   source,
		renderer: renderer,
		smoother: objectdetection.NewSmoother(cfg),
		done:     make(chan struct{}),
	}
	h.active.Store(true)
	return h
}

// ID uniquely identifies the handle.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Active is true until the handle is stopped or faults.
func (h *Handle) Active() bool {
	return h.active.Load()
}

// Done is closed when the handle is released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that faulted the loop, or nil if it was stopped normally or is still
// running.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Context is canceled when the handle is released. Collaborators receive it on every call.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Ticks is the number of ticks that ran to completion on this handle.
func (h *Handle) Ticks() uint64 {
	return h.ticks.Load()
}

// Smoothed returns a copy of the handle's current smoothing state.
func (h *Handle) Smoothed() objectdetection.DetectionSet {
	return h.smoother.State()
}

// release deactivates the handle, clears its smoothing state and records err. Only the first
// call has any effect.
func (h *Handle) release(err error) {
	h.releaseOnce.Do(func() {
		h.active.Store(false)
		h.cancel()
		h.smoother.Reset()
		h.errMu.Lock()
		h.err = err
		h.errMu.Unlock()
		close(h.done)
	})
}
