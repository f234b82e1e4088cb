// Package frameloop drives continuous capture: it repeatedly pulls a frame, detects objects in
// it, stabilizes the detections against the previous frame and hands them to a renderer, with
// explicit start, stop and fault semantics.
package frameloop

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/utils"
	"go.viam.com/annotator/vision/imagesource"
	"go.viam.com/annotator/vision/objectdetection"
)

// DetectionSource finds the raw detections in one frame.
type DetectionSource interface {
	Detect(ctx context.Context, img image.Image) (objectdetection.DetectionSet, error)
}

// FrameProvider hands out frames. It may return imagesource.ErrFrameNotReady, which skips the
// tick. release is called exactly once per returned frame.
type FrameProvider interface {
	Next(ctx context.Context) (img image.Image, release func(), err error)
}

// Renderer presents the smoothed detections of a frame.
type Renderer interface {
	Render(ctx context.Context, dets objectdetection.DetectionSet, img image.Image) error
}

// State is the controller's lifecycle state.
type State int

// The controller starts Idle, is Running while a handle is active, and ends up Idle after a stop
// or Faulted after a source or render failure. Faulted is left by the next Start.
const (
	StateIdle State = iota
	StateRunning
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// TickStats describes one tick that reached the renderer.
type TickStats struct {
	Handle    uuid.UUID
	Raw       int
	Malformed int
	Rendered  int
	Latency   time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithSmoothing sets the smoothing parameters used by every handle started afterwards.
func WithSmoothing(cfg objectdetection.SmoothingConfig) Option {
	return func(c *Controller) {
		c.smoothing = cfg.WithDefaults()
	}
}

// WithFaultHandler registers fn to be called, outside the controller's lock, after a fault has
// stopped the loop. fn may restart the loop.
func WithFaultHandler(fn func(h *Handle, err error)) Option {
	return func(c *Controller) {
		c.onFault = fn
	}
}

// WithPostprocessor filters the well-formed raw detections of every tick before smoothing.
func WithPostprocessor(pp objectdetection.Postprocessor) Option {
	return func(c *Controller) {
		c.postprocess = pp
	}
}

// WithMetrics makes the controller count into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock replaces the clock used to time ticks.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithTickObserver registers fn to be called after every rendered tick.
func WithTickObserver(fn func(TickStats)) Option {
	return func(c *Controller) {
		c.onTick = fn
	}
}

// WithDebugMode attaches debug logging to the context of every handle started afterwards, so
// per-tick debug lines are logged regardless of the logger's level.
func WithDebugMode(enabled bool) Option {
	return func(c *Controller) {
		c.debug = enabled
	}
}

// Controller owns at most one running frame loop at a time.
type Controller struct {
	sched       Scheduler
	logger      logging.Logger
	smoothing   objectdetection.SmoothingConfig
	postprocess objectdetection.Postprocessor
	metrics     *Metrics
	clock       clock.Clock
	onFault     func(*Handle, error)
	onTick      func(TickStats)
	debug       bool

	mu            sync.Mutex
	state         State
	active        *Handle
	cancelPending func()
	lastErr       error
	closed        bool
}

// NewController returns an idle controller that schedules its ticks on sched.
func NewController(sched Scheduler, logger logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		sched:     sched,
		logger:    logger,
		smoothing: objectdetection.DefaultSmoothingConfig(),
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	return c
}

// Start begins a new loop with an empty smoothing state and schedules its first tick. While
// another handle is active it returns an *AlreadyRunningError and leaves that loop alone.
func (c *Controller) Start(frames FrameProvider, source DetectionSource, renderer Renderer) (*Handle, error) {
	if frames == nil || source == nil || renderer == nil {
		return nil, errors.New("frame loop needs a frame provider, a detection source and a renderer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.active != nil {
		return nil, &AlreadyRunningError{ID: c.active.id}
	}

	ctx := context.Background()
	if c.debug {
		ctx = logging.EnableDebugMode(ctx, "")
	}
	h := newHandle(ctx, frames, source, renderer, c.smoothing)
	c.active = h
	c.state = StateRunning
	c.lastErr = nil
	c.metrics.LoopsStarted.Inc()
	c.metrics.Running.Store(true)
	c.scheduleLocked(h)
	if logging.IsDebugMode(h.ctx) {
		c.logger.Infow("frame loop started", "handle", h.id.String(), "debug_key", logging.GetName(h.ctx))
	} else {
		c.logger.Infow("frame loop started", "handle", h.id.String())
	}
	return h, nil
}

// Stop ends the loop identified by h. It is a no-op for a nil handle, a handle that was already
// stopped, or a handle from an earlier run. It does not wait for an in-flight tick; that tick's
// result is discarded.
func (c *Controller) Stop(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != h {
		return
	}
	c.stopLocked(h, StateIdle, nil)
	c.logger.Infow("frame loop stopped", "handle", h.id.String(), "ticks", h.Ticks())
}

// Close stops the active loop, if any, and makes further Starts fail.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.stopLocked(c.active, StateIdle, nil)
	}
	c.closed = true
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns the running handle, or nil.
func (c *Controller) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Err returns the error of the last fault, cleared by the next Start.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Metrics returns the counters the controller updates.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// stopLocked must be called with c.mu held and h == c.active.
func (c *Controller) stopLocked(h *Handle, next State, err error) {
	if c.cancelPending != nil {
		c.cancelPending()
		c.cancelPending = nil
	}
	h.release(err)
	c.active = nil
	c.state = next
	c.lastErr = err
	c.metrics.LoopsStopped.Inc()
	c.metrics.Running.Store(false)
}

func (c *Controller) scheduleLocked(h *Handle) {
	c.cancelPending = c.sched.Schedule(func() { c.tick(h) })
}

// scheduleNext queues h's next tick unless h was stopped in the meantime.
func (c *Controller) scheduleNext(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != h || !h.Active() {
		return
	}
	c.scheduleLocked(h)
}

func (c *Controller) fault(h *Handle, err error) {
	c.mu.Lock()
	if c.active != h {
		c.mu.Unlock()
		return
	}
	c.stopLocked(h, StateFaulted, err)
	c.metrics.Faults.Inc()
	c.mu.Unlock()

	c.logger.Errorw("frame loop faulted", "handle", h.id.String(), "error", err)
	if c.onFault != nil {
		c.onFault(h, err)
	}
}

func (c *Controller) discard(h *Handle) {
	c.metrics.Discarded.Inc()
	c.logger.CDebugw(h.ctx, "discarding tick of stopped frame loop", "handle", h.id.String())
}

type tickStage int

const (
	stageFrame tickStage = iota
	stageDetect
	stageRender
)

// recoverTick turns a panic in a collaborator into a fault of h, attributed to the stage that
// panicked.
func (c *Controller) recoverTick(h *Handle, stage *tickStage) {
	r := recover()
	if r == nil {
		return
	}
	if !h.Active() {
		c.discard(h)
		return
	}
	err := errors.Errorf("panic: %v", r)
	switch *stage {
	case stageRender:
		c.fault(h, &RenderError{Err: err})
	case stageFrame:
		c.fault(h, &SourceUnavailableError{Err: errors.Wrap(err, "cannot get frame")})
	default:
		c.fault(h, &SourceUnavailableError{Err: errors.Wrap(err, "cannot detect")})
	}
}

// tick runs one pull, detect, smooth, render cycle for h. Exactly one tick of a handle is ever
// queued or running: the next one is only scheduled once this one is done with the renderer.
func (c *Controller) tick(h *Handle) {
	if !h.Active() {
		return
	}
	start := c.clock.Now()
	stage := stageFrame
	defer c.recoverTick(h, &stage)

	img, release, err := h.frames.Next(h.ctx)
	if err != nil {
		switch {
		case errors.Is(err, imagesource.ErrFrameNotReady):
			c.metrics.FramesNotReady.Inc()
			c.logger.CDebugf(h.ctx, "no frame ready for handle %s", h.id)
			c.scheduleNext(h)
		case !h.Active():
			c.discard(h)
		default:
			c.fault(h, &SourceUnavailableError{Err: errors.Wrap(err, "cannot get frame")})
		}
		return
	}
	guard := utils.NewGuard(release)
	defer guard.Release()

	stage = stageDetect
	raw, err := h.source.Detect(h.ctx, img)
	if !h.Active() {
		c.discard(h)
		return
	}
	if err != nil {
		c.fault(h, &SourceUnavailableError{Err: err})
		return
	}

	malformed := 0
	valid := objectdetection.DiscardMalformed(raw, func(err error) {
		malformed++
		c.logger.CDebugw(h.ctx, "dropping malformed detection", "handle", h.id.String(), "error", err)
	})
	if c.postprocess != nil {
		valid = c.postprocess(valid)
	}
	smoothed := h.smoother.Update(valid)
	c.metrics.DetectionsRaw.Add(uint64(len(raw)))
	c.metrics.DetectionsMalformed.Add(uint64(malformed))
	if !h.Active() {
		h.smoother.Reset()
		c.discard(h)
		return
	}

	stage = stageRender
	if err := h.renderer.Render(h.ctx, smoothed, img); err != nil {
		if !h.Active() {
			c.discard(h)
			return
		}
		c.fault(h, &RenderError{Err: err})
		return
	}
	guard.Release()
	if !h.Active() {
		c.discard(h)
		return
	}

	latency := c.clock.Since(start)
	h.ticks.Inc()
	c.metrics.Ticks.Inc()
	c.metrics.DetectionsRendered.Add(uint64(len(smoothed)))
	c.metrics.ObserveTick(latency)
	if c.onTick != nil {
		c.onTick(TickStats{
			Handle:    h.id,
			Raw:       len(raw),
			Malformed: malformed,
			Rendered:  len(smoothed),
			Latency:   latency,
		})
	}
	c.scheduleNext(h)
}
