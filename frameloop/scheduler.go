package frameloop

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/utils"
)

// Scheduler runs tasks at the next available tick. The returned cancel func prevents the task
// from running if it has not started yet; it does not interrupt a running task and may be called
// any number of times.
type Scheduler interface {
	Schedule(task func()) (cancel func())
}

type scheduledTask struct {
	fn       func()
	canceled bool
	// barrier tasks are not paced.
	barrier bool
}

// QueueScheduler runs tasks in FIFO order only when its owner asks it to. No goroutines are
// involved, which makes tick ordering fully deterministic.
type QueueScheduler struct {
	mu    sync.Mutex
	queue []*scheduledTask
}

// NewQueueScheduler returns an empty queue.
func NewQueueScheduler() *QueueScheduler {
	return &QueueScheduler{}
}

// Schedule appends task to the queue.
func (qs *QueueScheduler) Schedule(task func()) func() {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	st := &scheduledTask{fn: task}
	qs.queue = append(qs.queue, st)
	return func() {
		qs.mu.Lock()
		defer qs.mu.Unlock()
		st.canceled = true
	}
}

func (qs *QueueScheduler) pop() *scheduledTask {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for len(qs.queue) > 0 {
		st := qs.queue[0]
		qs.queue = qs.queue[1:]
		if !st.canceled {
			return st
		}
	}
	return nil
}

// RunNext runs the oldest pending task and reports whether there was one.
func (qs *QueueScheduler) RunNext() bool {
	st := qs.pop()
	if st == nil {
		return false
	}
	st.fn()
	return true
}

// RunUntilIdle runs pending tasks, including ones they schedule, until the queue is empty or
// limit tasks ran. It returns the number of tasks run.
func (qs *QueueScheduler) RunUntilIdle(limit int) int {
	ran := 0
	for ran < limit && qs.RunNext() {
		ran++
	}
	return ran
}

// Pending is the number of tasks waiting to run.
func (qs *QueueScheduler) Pending() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	n := 0
	for _, st := range qs.queue {
		if !st.canceled {
			n++
		}
	}
	return n
}

// WorkerScheduler runs tasks in order on a single background goroutine, optionally capped at a
// maximum rate.
type WorkerScheduler struct {
	logger  logging.Logger
	clock   clock.Clock
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     []*scheduledTask
	wake      chan struct{}
	workers   utils.StoppableWorkers
	closed    chan struct{}
	closeOnce sync.Once
}

// WorkerOption configures a WorkerScheduler.
type WorkerOption func(*WorkerScheduler)

// WithMaxRate caps the scheduler at perSecond tasks per second. Zero or less means no cap.
func WithMaxRate(perSecond float64) WorkerOption {
	return func(ws *WorkerScheduler) {
		if perSecond > 0 {
			ws.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithSchedulerClock replaces the wall clock used for pacing.
func WithSchedulerClock(clk clock.Clock) WorkerOption {
	return func(ws *WorkerScheduler) {
		ws.clock = clk
	}
}

// NewWorkerScheduler starts the worker goroutine. Call Close to stop it.
func NewWorkerScheduler(logger logging.Logger, opts ...WorkerOption) *WorkerScheduler {
	ws := &WorkerScheduler{
		logger: logger,
		clock:  clock.New(),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ws)
	}
	ws.workers = utils.NewStoppableWorkers(ws.run)
	return ws
}

// Schedule queues task behind any pending ones.
func (ws *WorkerScheduler) Schedule(task func()) func() {
	st := &scheduledTask{fn: task}
	ws.enqueue(st)
	return func() {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		st.canceled = true
	}
}

func (ws *WorkerScheduler) enqueue(st *scheduledTask) {
	ws.mu.Lock()
	ws.queue = append(ws.queue, st)
	ws.mu.Unlock()

	select {
	case ws.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every task queued before the call has finished, including one that is
// running right now. It returns ErrClosed if the scheduler is closed before that happens.
func (ws *WorkerScheduler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	ws.enqueue(&scheduledTask{fn: func() { close(done) }, barrier: true})
	select {
	case <-done:
		return nil
	case <-ws.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WorkerScheduler) pop() *scheduledTask {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for len(ws.queue) > 0 {
		st := ws.queue[0]
		ws.queue = ws.queue[1:]
		if !st.canceled {
			return st
		}
	}
	return nil
}

func (ws *WorkerScheduler) isCanceled(st *scheduledTask) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return st.canceled
}

func (ws *WorkerScheduler) run(ctx context.Context) {
	for {
		st := ws.pop()
		if st == nil {
			select {
			case <-ctx.Done():
				return
			case <-ws.wake:
				continue
			}
		}
		if !st.barrier && !ws.pace(ctx) {
			return
		}
		if ws.isCanceled(st) {
			continue
		}
		ws.runTask(st)
	}
}

// pace waits for the rate limiter. It returns false if ctx ended first.
func (ws *WorkerScheduler) pace(ctx context.Context) bool {
	if ws.limiter == nil {
		return ctx.Err() == nil
	}
	now := ws.clock.Now()
	delay := ws.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-ws.clock.After(delay):
		return true
	}
}

func (ws *WorkerScheduler) runTask(st *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			ws.logger.Errorw("scheduled task panicked", "panic", r)
		}
	}()
	st.fn()
}

// Close stops the worker, dropping any tasks that have not started.
func (ws *WorkerScheduler) Close() {
	ws.closeOnce.Do(func() { close(ws.closed) })
	ws.workers.Stop()
	ws.mu.Lock()
	ws.queue = nil
	ws.mu.Unlock()
}
