package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/annotator/annotate"
	"go.viam.com/annotator/config"
	"go.viam.com/annotator/frameloop"
	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/imagesource"
	"go.viam.com/annotator/vision/model"
)

const (
	faultRestartDelay = time.Second
	closeTimeout      = 5 * time.Second
)

// LiveAction runs the frame loop until interrupted, the duration passes, or the loop faults
// without --restart-on-fault.
func LiveAction(c *cli.Context) error {
	e, err := envFrom(c)
	if err != nil {
		return err
	}
	logger := e.logger
	cfg := e.cfg
	if c.IsSet(flagMaxFPS) {
		cfg.Capture.MaxFPS = c.Float64(flagMaxFPS)
	}
	if dir := c.Path(flagSnapshotDir); dir != "" {
		cfg.Capture.SnapshotDir = dir
	}
	if c.IsSet(flagSnapshotEvery) {
		cfg.Capture.SnapshotEvery = c.Int(flagSnapshotEvery)
	}
	if cfg.Capture.SnapshotDir != "" && cfg.Capture.SnapshotEvery == 0 {
		cfg.Capture.SnapshotEvery = 1
	}
	if err := cfg.Capture.Validate("capture"); err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	if d := c.Duration(flagDuration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	frames, err := openFrames(c, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := frames.Close(context.Background()); err != nil {
			logger.Warnw("error closing frame source", "error", err)
		}
	}()

	sched := frameloop.NewWorkerScheduler(logger.Sublogger("scheduler"), frameloop.WithMaxRate(cfg.Capture.MaxFPS))
	defer sched.Close()

	surfaceOpts := []annotate.SurfaceOption{annotate.WithOverlayOptions(overlayOptions(cfg, c.Bool(flagColorByClass)))}
	if cfg.Capture.SnapshotEvery > 0 {
		w, err := annotate.NewDirSnapshotWriter(cfg.Capture.SnapshotDir, nil, logger.Sublogger("snapshots"))
		if err != nil {
			return err
		}
		surfaceOpts = append(surfaceOpts, annotate.WithSnapshots(annotate.SampleEvery(cfg.Capture.SnapshotEvery, w)))
	}

	r := &liveRunner{
		logger:         logger,
		clock:          clock.New(),
		sched:          sched,
		frames:         frames,
		surface:        annotate.NewSurface(logger.Sublogger("surface"), surfaceOpts...),
		metrics:        frameloop.NewMetrics(),
		modelName:      c.String(flagModel),
		colorByClass:   c.Bool(flagColorByClass),
		restartOnFault: c.Bool(flagRestartOnFault),
		debug:          c.Bool(flagDebug),
	}

	r.metrics.Registry().MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	printf(c.App.Writer, "%s press ctrl-c to stop", color.CyanString("annotating:"))
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	if addr := c.String(flagHTTPAddr); addr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, addr, r.handler(), logger)
		})
	}
	changes := make(chan *config.Config, 1)
	if c.Bool(flagWatch) {
		if cfg.ConfigFilePath == "" {
			return errors.Errorf("--%s needs --%s", flagWatch, flagConfig)
		}
		g.Go(func() error {
			return config.Watch(gctx, cfg.ConfigFilePath, logger.Sublogger("config"), func(newCfg *config.Config) {
				// Only the newest pending config matters.
				select {
				case <-changes:
				default:
				}
				changes <- newCfg
			})
		})
	}
	g.Go(func() error {
		defer cancelRun()
		return r.run(gctx, cfg, changes)
	})
	err = g.Wait()

	summary, statsErr := summarizeLatencies(r.latencies())
	if statsErr != nil {
		logger.Debugw("cannot summarize latencies", "error", statsErr)
	}
	printRunSummary(c.App.Writer, summary, r.metrics)
	return err
}

func openFrames(c *cli.Context, cfg *config.Config) (imagesource.ImageSource, error) {
	var sources []imagesource.ImageSource
	if dir := c.Path(flagFrames); dir != "" {
		ds, err := imagesource.NewDirectorySource(dir)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	if path := c.Path(flagImage); path != "" {
		sources = append(sources, imagesource.NewFileSource(path))
	}
	if url := c.String(flagURL); url != "" {
		timeout, err := cfg.Capture.HTTPTimeoutDuration()
		if err != nil {
			return nil, err
		}
		sources = append(sources, imagesource.NewHTTPSource(url, &http.Client{Timeout: timeout}))
	}
	if len(sources) != 1 {
		return nil, errors.Errorf("exactly one of --%s, --%s or --%s is required", flagFrames, flagImage, flagURL)
	}
	return sources[0], nil
}

// liveRunner owns the pieces of a live run that survive restarts: the scheduler, frames,
// surface and metrics. Models and the controller are rebuilt on each config change.
type liveRunner struct {
	logger         logging.Logger
	clock          clock.Clock
	sched          *frameloop.WorkerScheduler
	frames         frameloop.FrameProvider
	surface        *annotate.Surface
	metrics        *frameloop.Metrics
	modelName      string
	colorByClass   bool
	restartOnFault bool
	debug          bool

	mu      sync.Mutex
	samples []time.Duration
}

// session is one controller with the models it runs.
type session struct {
	ctrl   *frameloop.Controller
	models *model.Manager
	handle *frameloop.Handle
}

func (r *liveRunner) observe(stats frameloop.TickStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, stats.Latency)
}

func (r *liveRunner) latencies() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.samples))
	copy(out, r.samples)
	return out
}

func (r *liveRunner) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	mux.Handle("/", r.surface.Handler())
	return mux
}

func (r *liveRunner) open(ctx context.Context, cfg *config.Config) (*session, error) {
	mgr, err := loadModels(ctx, cfg, r.modelName, r.logger)
	if err != nil {
		return nil, err
	}
	source, err := mgr.Source()
	if err != nil {
		return nil, multierr.Combine(err, mgr.Dispose(ctx))
	}
	r.surface.SetOverlayOptions(overlayOptions(cfg, r.colorByClass))
	ctrl := frameloop.NewController(r.sched, r.logger.Sublogger("frameloop"),
		frameloop.WithSmoothing(cfg.Smoothing),
		frameloop.WithPostprocessor(postprocessor(cfg)),
		frameloop.WithMetrics(r.metrics),
		frameloop.WithTickObserver(r.observe),
		frameloop.WithDebugMode(r.debug),
	)
	h, err := ctrl.Start(r.frames, source, r.surface)
	if err != nil {
		return nil, multierr.Combine(err, mgr.Dispose(ctx))
	}
	r.logger.Infow("live loop running", "model", mgr.Selected(), "handle", h.ID().String())
	return &session{ctrl: ctrl, models: mgr, handle: h}, nil
}

// close stops the loop, waits for its in-flight tick and only then disposes of the models.
func (r *liveRunner) close(s *session) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	s.ctrl.Close()
	if err := r.sched.Flush(ctx); err != nil && !errors.Is(err, frameloop.ErrClosed) {
		r.logger.Warnw("frame loop did not settle before disposing models", "error", err)
	}
	r.surface.Clear()
	return s.models.Dispose(ctx)
}

func (r *liveRunner) restart(s *session) error {
	source, err := s.models.Source()
	if err != nil {
		return err
	}
	h, err := s.ctrl.Start(r.frames, source, r.surface)
	if err != nil {
		return err
	}
	s.handle = h
	return nil
}

// run keeps a loop going until ctx ends. A config change replaces the session; a config that
// cannot be loaded leaves the loop stopped until the next change.
func (r *liveRunner) run(ctx context.Context, cfg *config.Config, changes <-chan *config.Config) (err error) {
	var s *session
	defer func() {
		if s != nil {
			err = multierr.Combine(err, r.close(s))
		}
	}()
	if s, err = r.open(ctx, cfg); err != nil {
		return err
	}

	for {
		var done <-chan struct{}
		if s != nil {
			done = s.handle.Done()
		}
		select {
		case <-ctx.Done():
			return nil
		case newCfg := <-changes:
			r.logger.Info("restarting live loop with the new config")
			if s != nil {
				if err := r.close(s); err != nil {
					r.logger.Warnw("error closing previous models", "error", err)
				}
				s = nil
			}
			var openErr error
			if s, openErr = r.open(ctx, newCfg); openErr != nil {
				r.logger.Errorw("cannot start loop with the new config; waiting for the next change", "error", openErr)
			}
		case <-done:
			r.surface.Clear()
			faultErr := s.handle.Err()
			if faultErr == nil {
				return nil
			}
			if !r.restartOnFault {
				return faultErr
			}
			r.logger.Warnw("frame loop faulted; restarting", "error", faultErr, "delay", faultRestartDelay.String())
			select {
			case <-ctx.Done():
				return nil
			case <-r.clock.After(faultRestartDelay):
			}
			if err := r.restart(s); err != nil {
				return err
			}
		}
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infow("serving annotated frames and metrics", "addr", addr)
	select {
	case err := <-errCh:
		return errors.Wrapf(err, "cannot serve on %s", addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
