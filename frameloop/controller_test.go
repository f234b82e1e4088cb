package frameloop

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/objectdetection"
)

func newTestController(t *testing.T, opts ...Option) (*Controller, *QueueScheduler) {
	t.Helper()
	sched := NewQueueScheduler()
	return NewController(sched, logging.NewTestLogger(t), opts...), sched
}

func TestStartRunsTicks(t *testing.T) {
	c, sched := newTestController(t)
	test.That(t, c.State(), test.ShouldEqual, StateIdle)

	frames := &fakeFrames{}
	source := &fakeSource{results: []objectdetection.DetectionSet{{person(10, 0.9)}}}
	renderer := &fakeRenderer{}
	h, err := c.Start(frames, source, renderer)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Active(), test.ShouldBeTrue)
	test.That(t, c.State(), test.ShouldEqual, StateRunning)
	test.That(t, c.Active(), test.ShouldEqual, h)
	test.That(t, sched.Pending(), test.ShouldEqual, 1)

	test.That(t, sched.RunUntilIdle(3), test.ShouldEqual, 3)
	test.That(t, renderer.frames(), test.ShouldHaveLength, 3)
	test.That(t, h.Ticks(), test.ShouldEqual, 3)
	// One tick in flight at a time: after each tick exactly one more is queued.
	test.That(t, sched.Pending(), test.ShouldEqual, 1)

	pulled, released := frames.counts()
	test.That(t, pulled, test.ShouldEqual, 3)
	test.That(t, released, test.ShouldEqual, 3)
}

func TestStopIsIdempotent(t *testing.T) {
	c, sched := newTestController(t)
	renderer := &fakeRenderer{}
	h, err := c.Start(&fakeFrames{}, &fakeSource{}, renderer)
	test.That(t, err, test.ShouldBeNil)
	sched.RunNext()

	c.Stop(h)
	test.That(t, h.Active(), test.ShouldBeFalse)
	test.That(t, c.State(), test.ShouldEqual, StateIdle)
	test.That(t, sched.Pending(), test.ShouldEqual, 0)
	<-h.Done()
	test.That(t, h.Err(), test.ShouldBeNil)

	c.Stop(h)
	c.Stop(nil)
	test.That(t, c.State(), test.ShouldEqual, StateIdle)
	test.That(t, c.Metrics().LoopsStopped.Load(), test.ShouldEqual, 1)
	test.That(t, sched.RunUntilIdle(10), test.ShouldEqual, 0)
	test.That(t, renderer.frames(), test.ShouldHaveLength, 1)
}

func TestStartWhileRunning(t *testing.T) {
	c, sched := newTestController(t)
	renderer := &fakeRenderer{}
	h, err := c.Start(&fakeFrames{}, &fakeSource{}, renderer)
	test.That(t, err, test.ShouldBeNil)

	other, err := c.Start(&fakeFrames{}, &fakeSource{}, &fakeRenderer{})
	test.That(t, other, test.ShouldBeNil)
	test.That(t, errors.Is(err, ErrAlreadyRunning), test.ShouldBeTrue)
	var are *AlreadyRunningError
	test.That(t, errors.As(err, &are), test.ShouldBeTrue)
	test.That(t, are.ID, test.ShouldEqual, h.ID())

	// The running loop is undisturbed.
	test.That(t, h.Active(), test.ShouldBeTrue)
	test.That(t, c.Active(), test.ShouldEqual, h)
	test.That(t, sched.Pending(), test.ShouldEqual, 1)
	sched.RunUntilIdle(2)
	test.That(t, renderer.frames(), test.ShouldHaveLength, 2)
}

func TestSourceFaultStopsLoop(t *testing.T) {
	var faults []error
	c, sched := newTestController(t, WithFaultHandler(func(h *Handle, err error) {
		test.That(t, h.Active(), test.ShouldBeFalse)
		faults = append(faults, err)
	}))
	frames := &fakeFrames{}
	source := &fakeSource{errAt: 2}
	renderer := &fakeRenderer{}
	h, err := c.Start(frames, source, renderer)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sched.RunUntilIdle(10), test.ShouldEqual, 2)
	test.That(t, c.State(), test.ShouldEqual, StateFaulted)
	test.That(t, h.Active(), test.ShouldBeFalse)
	<-h.Done()

	test.That(t, IsSourceUnavailable(h.Err()), test.ShouldBeTrue)
	test.That(t, errors.Is(h.Err(), errCameraGone), test.ShouldBeTrue)
	test.That(t, errors.Cause(h.Err()), test.ShouldEqual, errCameraGone)
	test.That(t, c.Err(), test.ShouldEqual, h.Err())
	test.That(t, faults, test.ShouldHaveLength, 1)
	test.That(t, c.Metrics().Faults.Load(), test.ShouldEqual, 1)

	// No further ticks are scheduled.
	test.That(t, sched.Pending(), test.ShouldEqual, 0)
	test.That(t, source.callCount(), test.ShouldEqual, 2)
	test.That(t, renderer.frames(), test.ShouldHaveLength, 1)
	pulled, released := frames.counts()
	test.That(t, released, test.ShouldEqual, pulled)

	// Stopping a faulted handle changes nothing; a fresh start recovers.
	c.Stop(h)
	test.That(t, c.State(), test.ShouldEqual, StateFaulted)
	h2, err := c.Start(&fakeFrames{}, &fakeSource{}, renderer)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, StateRunning)
	test.That(t, c.Err(), test.ShouldBeNil)
	test.That(t, h2.ID(), test.ShouldNotEqual, h.ID())
}

func TestFrameErrorFaults(t *testing.T) {
	c, sched := newTestController(t)
	source := &fakeSource{}
	h, err := c.Start(&fakeFrames{err: errors.New("device unplugged")}, source, &fakeRenderer{})
	test.That(t, err, test.ShouldBeNil)
	sched.RunUntilIdle(5)
	test.That(t, c.State(), test.ShouldEqual, StateFaulted)
	test.That(t, IsSourceUnavailable(h.Err()), test.ShouldBeTrue)
	test.That(t, h.Err().Error(), test.ShouldContainSubstring, "device unplugged")
	test.That(t, source.callCount(), test.ShouldEqual, 0)
}

func TestRenderFault(t *testing.T) {
	c, sched := newTestController(t)
	frames := &fakeFrames{}
	h, err := c.Start(frames, &fakeSource{}, &fakeRenderer{err: errors.New("surface detached")})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sched.RunUntilIdle(5), test.ShouldEqual, 1)
	test.That(t, c.State(), test.ShouldEqual, StateFaulted)
	test.That(t, IsRenderError(h.Err()), test.ShouldBeTrue)
	test.That(t, IsSourceUnavailable(h.Err()), test.ShouldBeFalse)
	pulled, released := frames.counts()
	test.That(t, pulled, test.ShouldEqual, 1)
	test.That(t, released, test.ShouldEqual, 1)
}

func TestPanickingRendererFaults(t *testing.T) {
	ws := NewWorkerScheduler(logging.NewTestLogger(t))
	defer ws.Close()
	faults := make(chan error, 1)
	c := NewController(ws, logging.NewTestLogger(t), WithFaultHandler(func(h *Handle, err error) {
		faults <- err
	}))
	frames := &fakeFrames{}
	h, err := c.Start(frames, &fakeSource{}, panicRenderer{})
	test.That(t, err, test.ShouldBeNil)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop still running after its renderer panicked")
	}
	test.That(t, c.State(), test.ShouldEqual, StateFaulted)
	test.That(t, h.Active(), test.ShouldBeFalse)
	test.That(t, IsRenderError(h.Err()), test.ShouldBeTrue)
	test.That(t, h.Err().Error(), test.ShouldContainSubstring, "renderer blew up")
	test.That(t, <-faults, test.ShouldEqual, h.Err())
	test.That(t, c.Metrics().Faults.Load(), test.ShouldEqual, 1)
	test.That(t, h.Ticks(), test.ShouldEqual, 0)
	pulled, released := frames.counts()
	test.That(t, pulled, test.ShouldEqual, 1)
	test.That(t, released, test.ShouldEqual, 1)
}

func TestPanickingSourceFaults(t *testing.T) {
	c, sched := newTestController(t)
	renderer := &fakeRenderer{}
	source := &fakeSource{onDetect: func(call int) { panic("model crashed") }}
	h, err := c.Start(&fakeFrames{}, source, renderer)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sched.RunUntilIdle(5), test.ShouldEqual, 1)
	<-h.Done()
	test.That(t, c.State(), test.ShouldEqual, StateFaulted)
	test.That(t, IsSourceUnavailable(h.Err()), test.ShouldBeTrue)
	test.That(t, h.Err().Error(), test.ShouldContainSubstring, "model crashed")
	test.That(t, renderer.frames(), test.ShouldBeEmpty)
	test.That(t, sched.Pending(), test.ShouldEqual, 0)
}

func TestFrameNotReadyIsNoop(t *testing.T) {
	c, sched := newTestController(t)
	source := &fakeSource{}
	renderer := &fakeRenderer{}
	_, err := c.Start(&fakeFrames{notReady: 2}, source, renderer)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sched.RunUntilIdle(2), test.ShouldEqual, 2)
	test.That(t, source.callCount(), test.ShouldEqual, 0)
	test.That(t, renderer.frames(), test.ShouldBeEmpty)
	test.That(t, c.State(), test.ShouldEqual, StateRunning)
	test.That(t, sched.Pending(), test.ShouldEqual, 1)

	sched.RunNext()
	test.That(t, source.callCount(), test.ShouldEqual, 1)
	test.That(t, renderer.frames(), test.ShouldHaveLength, 1)
	test.That(t, c.Metrics().FramesNotReady.Load(), test.ShouldEqual, 2)
}

func TestMalformedDetectionsDropped(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	sched := NewQueueScheduler()
	c := NewController(sched, logger)
	flat := objectdetection.NewDetection(objectdetection.Box{X: 1, Y: 1, Width: 0, Height: 5}, 0.9, "person")
	renderer := &fakeRenderer{}
	_, err := c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{flat, person(10, 0.9)}}}, renderer)
	test.That(t, err, test.ShouldBeNil)

	sched.RunNext()
	test.That(t, c.State(), test.ShouldEqual, StateRunning)
	test.That(t, renderer.frames(), test.ShouldResemble, []objectdetection.DetectionSet{{person(10, 0.9)}})
	test.That(t, c.Metrics().DetectionsMalformed.Load(), test.ShouldEqual, 1)
	test.That(t, c.Metrics().DetectionsRaw.Load(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessage("dropping malformed detection").Len(), test.ShouldEqual, 1)
}

func TestPostprocessorBeforeSmoothing(t *testing.T) {
	c, sched := newTestController(t, WithPostprocessor(objectdetection.NewLabelFilter([]string{"Person"})))
	renderer := &fakeRenderer{}
	cup := objectdetection.NewDetection(objectdetection.Box{X: 0, Y: 0, Width: 5, Height: 5}, 0.9, "cup")
	_, err := c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{cup, person(10, 0.9)}}}, renderer)
	test.That(t, err, test.ShouldBeNil)

	sched.RunNext()
	test.That(t, renderer.frames(), test.ShouldResemble, []objectdetection.DetectionSet{{person(10, 0.9)}})
	test.That(t, c.Metrics().DetectionsRaw.Load(), test.ShouldEqual, 2)
	test.That(t, c.Metrics().DetectionsRendered.Load(), test.ShouldEqual, 1)
}

func TestSmoothingAcrossTicks(t *testing.T) {
	c, sched := newTestController(t)
	renderer := &fakeRenderer{}
	source := &fakeSource{results: []objectdetection.DetectionSet{
		{person(10, 0.9)},
		{person(20, 0.9), objectdetection.NewDetection(objectdetection.Box{X: 0, Y: 0, Width: 5, Height: 5}, 0.2, "cup")},
	}}
	h, err := c.Start(&fakeFrames{}, source, renderer)
	test.That(t, err, test.ShouldBeNil)
	sched.RunUntilIdle(2)

	frames := renderer.frames()
	test.That(t, frames[0], test.ShouldResemble, objectdetection.DetectionSet{person(10, 0.9)})
	test.That(t, frames[1], test.ShouldHaveLength, 1)
	test.That(t, frames[1][0].Box.X, test.ShouldAlmostEqual, 11.0)
	test.That(t, h.Smoothed(), test.ShouldResemble, frames[1])
}

func TestRestartResetsSmoothing(t *testing.T) {
	c, sched := newTestController(t)
	renderer := &fakeRenderer{}
	h, err := c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{person(10, 0.9)}}}, renderer)
	test.That(t, err, test.ShouldBeNil)
	sched.RunNext()
	c.Stop(h)
	test.That(t, h.Smoothed(), test.ShouldBeEmpty)

	h2, err := c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{person(20, 0.9)}}}, renderer)
	test.That(t, err, test.ShouldBeNil)
	sched.RunNext()
	frames := renderer.frames()
	test.That(t, frames, test.ShouldHaveLength, 2)
	// The first frame of the new run is not blended with the old run.
	test.That(t, frames[1], test.ShouldResemble, objectdetection.DetectionSet{person(20, 0.9)})
	test.That(t, h2.Ticks(), test.ShouldEqual, 1)
}

func TestStaleHandleStop(t *testing.T) {
	c, sched := newTestController(t)
	h1, err := c.Start(&fakeFrames{}, &fakeSource{}, &fakeRenderer{})
	test.That(t, err, test.ShouldBeNil)
	c.Stop(h1)
	h2, err := c.Start(&fakeFrames{}, &fakeSource{}, &fakeRenderer{})
	test.That(t, err, test.ShouldBeNil)

	c.Stop(h1)
	test.That(t, h2.Active(), test.ShouldBeTrue)
	test.That(t, c.State(), test.ShouldEqual, StateRunning)
	test.That(t, sched.Pending(), test.ShouldEqual, 1)
}

func TestInFlightTickDiscarded(t *testing.T) {
	c, sched := newTestController(t)
	frames := &fakeFrames{}
	renderer := &fakeRenderer{}
	var h *Handle
	source := &fakeSource{
		results: []objectdetection.DetectionSet{{person(10, 0.9)}},
		onDetect: func(call int) {
			if call == 2 {
				c.Stop(h)
			}
		},
	}
	var err error
	h, err = c.Start(frames, source, renderer)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sched.RunUntilIdle(10), test.ShouldEqual, 2)
	test.That(t, renderer.frames(), test.ShouldHaveLength, 1)
	test.That(t, c.State(), test.ShouldEqual, StateIdle)
	test.That(t, h.Err(), test.ShouldBeNil)
	test.That(t, h.Smoothed(), test.ShouldBeEmpty)
	test.That(t, c.Metrics().Discarded.Load(), test.ShouldEqual, 1)
	test.That(t, sched.Pending(), test.ShouldEqual, 0)

	pulled, released := frames.counts()
	test.That(t, pulled, test.ShouldEqual, 2)
	test.That(t, released, test.ShouldEqual, 2)
}

func TestStopInsideRenderNotCounted(t *testing.T) {
	var ticks int
	c, sched := newTestController(t, WithTickObserver(func(TickStats) { ticks++ }))
	var h *Handle
	renderer := &fakeRenderer{}
	renderer.onRender = func() { c.Stop(h) }
	var err error
	h, err = c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{person(10, 0.9)}}}, renderer)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sched.RunUntilIdle(5), test.ShouldEqual, 1)
	test.That(t, c.State(), test.ShouldEqual, StateIdle)
	test.That(t, ticks, test.ShouldEqual, 0)
	test.That(t, h.Ticks(), test.ShouldEqual, 0)
	test.That(t, c.Metrics().Ticks.Load(), test.ShouldEqual, 0)
	test.That(t, c.Metrics().Discarded.Load(), test.ShouldEqual, 1)
	test.That(t, sched.Pending(), test.ShouldEqual, 0)
}

func TestDebugModeLogsTicksAboveLevel(t *testing.T) {
	flat := objectdetection.NewDetection(objectdetection.Box{Width: 0, Height: 5}, 0.9, "person")
	for _, debug := range []bool{false, true} {
		logger, logs := logging.NewObservedTestLogger(t)
		logger.SetLevel(logging.INFO)
		sched := NewQueueScheduler()
		c := NewController(sched, logger, WithDebugMode(debug))
		h, err := c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{flat}}}, &fakeRenderer{})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, logging.IsDebugMode(h.Context()), test.ShouldEqual, debug)
		sched.RunNext()

		dropped := logs.FilterMessage("dropping malformed detection").Len()
		if debug {
			test.That(t, dropped, test.ShouldEqual, 1)
			test.That(t, logs.FilterField(zap.String("debug_key", logging.GetName(h.Context()))).Len(), test.ShouldEqual, 1)
		} else {
			test.That(t, dropped, test.ShouldEqual, 0)
		}
		c.Close()
	}
}

func TestFaultHandlerMayRestart(t *testing.T) {
	var c *Controller
	var restarted *Handle
	renderer := &fakeRenderer{}
	sched := NewQueueScheduler()
	c = NewController(sched, logging.NewTestLogger(t), WithFaultHandler(func(h *Handle, err error) {
		var startErr error
		restarted, startErr = c.Start(&fakeFrames{}, &fakeSource{}, renderer)
		test.That(t, startErr, test.ShouldBeNil)
	}))
	h, err := c.Start(&fakeFrames{}, &fakeSource{errAt: 1}, renderer)
	test.That(t, err, test.ShouldBeNil)
	sched.RunNext()
	test.That(t, h.Err(), test.ShouldNotBeNil)
	test.That(t, restarted, test.ShouldNotBeNil)
	test.That(t, c.State(), test.ShouldEqual, StateRunning)
	sched.RunNext()
	test.That(t, renderer.frames(), test.ShouldHaveLength, 1)
}

func TestTickObserver(t *testing.T) {
	var stats []TickStats
	c, sched := newTestController(t, WithTickObserver(func(s TickStats) { stats = append(stats, s) }))
	flat := objectdetection.NewDetection(objectdetection.Box{Width: -1, Height: 5}, 0.9, "person")
	h, err := c.Start(&fakeFrames{}, &fakeSource{results: []objectdetection.DetectionSet{{flat, person(10, 0.9), person(300, 0.1)}}}, &fakeRenderer{})
	test.That(t, err, test.ShouldBeNil)
	sched.RunNext()
	test.That(t, stats, test.ShouldHaveLength, 1)
	test.That(t, stats[0].Handle, test.ShouldEqual, h.ID())
	test.That(t, stats[0].Raw, test.ShouldEqual, 3)
	test.That(t, stats[0].Malformed, test.ShouldEqual, 1)
	test.That(t, stats[0].Rendered, test.ShouldEqual, 1)
}

func TestCloseAndNilCollaborators(t *testing.T) {
	c, sched := newTestController(t)
	_, err := c.Start(nil, &fakeSource{}, &fakeRenderer{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.State(), test.ShouldEqual, StateIdle)

	h, err := c.Start(&fakeFrames{}, &fakeSource{}, &fakeRenderer{})
	test.That(t, err, test.ShouldBeNil)
	c.Close()
	test.That(t, h.Active(), test.ShouldBeFalse)
	test.That(t, sched.Pending(), test.ShouldEqual, 0)
	_, err = c.Start(&fakeFrames{}, &fakeSource{}, &fakeRenderer{})
	test.That(t, err, test.ShouldBeError, ErrClosed)
	c.Close()
}

func TestDetectorServesAsSource(t *testing.T) {
	c, sched := newTestController(t)
	renderer := &fakeRenderer{}
	_, err := c.Start(&fakeFrames{}, objectdetection.NewSimpleDetector(10, "", 0), renderer)
	test.That(t, err, test.ShouldBeNil)
	sched.RunNext()
	// The fake frames are fully transparent black, so the whole frame is one dark blob.
	frames := renderer.frames()
	test.That(t, frames, test.ShouldHaveLength, 1)
	test.That(t, frames[0], test.ShouldHaveLength, 1)
	test.That(t, frames[0][0].Box, test.ShouldResemble, objectdetection.Box{Width: 640, Height: 480})
}

func TestStateString(t *testing.T) {
	test.That(t, StateIdle.String(), test.ShouldEqual, "idle")
	test.That(t, StateRunning.String(), test.ShouldEqual, "running")
	test.That(t, StateFaulted.String(), test.ShouldEqual, "faulted")
	test.That(t, State(7).String(), test.ShouldEqual, "unknown")
}
