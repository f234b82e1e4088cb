package model

import (
	"context"
	"image"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/annotator/frameloop"
	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/utils"
	"go.viam.com/annotator/vision/objectdetection"
)

// ErrModelNotLoaded is the cause of the SourceUnavailableError returned when no model is
// selected, or when the selected model was removed while a loop still used it.
var ErrModelNotLoaded = errors.New("model not loaded")

func newModelNotFoundError(name string) error {
	return errors.Errorf("no such model with name %q", name)
}

func newModelTypeNotImplementedError(typ string) error {
	return errors.Errorf("model type %q is not implemented", typ)
}

type loadedModel struct {
	name  string
	typ   string
	model Model
}

// Manager owns the loaded models. Nothing in it is global: a program creates one, loads models
// into it, selects one and hands its Source to the frame loop. Load, Select and Dispose must
// not be called while a loop is in the middle of a tick with the affected model; restart the
// loop instead.
type Manager struct {
	logger logging.Logger
	clock  clock.Clock

	mu       sync.Mutex
	types    map[string]Registration
	models   map[string]*loadedModel
	selected string
}

// NewManager returns a manager with no models loaded.
func NewManager(logger logging.Logger) *Manager {
	return &Manager{
		logger: logger,
		clock:  clock.New(),
		types:  map[string]Registration{},
		models: map[string]*loadedModel{},
	}
}

// Register adds a model type known only to this manager. It shadows a global type of the same
// name.
func (m *Manager) Register(typ string, reg Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[typ] = reg
}

func (m *Manager) registration(typ string) (Registration, bool) {
	m.mu.Lock()
	reg, ok := m.types[typ]
	m.mu.Unlock()
	if ok {
		return reg, true
	}
	return lookupType(typ)
}

func (m *Manager) construct(ctx context.Context, conf Config) (*loadedModel, error) {
	if err := conf.Validate("model"); err != nil {
		return nil, err
	}
	reg, ok := m.registration(conf.Type)
	if !ok {
		return nil, newModelTypeNotImplementedError(conf.Type)
	}
	m.logger.Debugf("loading model %q of type %q", conf.Name, conf.Type)
	done := utils.SlowLogger(ctx, m.clock, "waiting for model to load", "model", conf.Name, m.logger)
	defer done()

	mdl, err := reg.Constructor(ctx, conf, m.logger.Sublogger(conf.Name))
	if err != nil {
		return nil, errors.Wrapf(err, "load model %s", conf.Name)
	}
	if mdl == nil {
		return nil, errors.Errorf("cannot register a nil model: %s", conf.Name)
	}
	if err := mdl.Kind().Validate(); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "load model %s", conf.Name), mdl.Close(ctx))
	}
	return &loadedModel{name: conf.Name, typ: conf.Type, model: mdl}, nil
}

// add stores lm, closing any model it replaces. The first model loaded becomes the selection.
func (m *Manager) add(ctx context.Context, lm *loadedModel) error {
	m.mu.Lock()
	old := m.models[lm.name]
	m.models[lm.name] = lm
	if m.selected == "" {
		m.selected = lm.name
	}
	m.mu.Unlock()

	m.logger.Infow("model loaded", "model", lm.name, "type", lm.typ, "kind", string(lm.model.Kind()))
	if old != nil {
		m.logger.Infof("overwriting the model with name: %s", lm.name)
		return errors.Wrapf(old.model.Close(ctx), "close replaced model %s", lm.name)
	}
	return nil
}

// Load constructs the model described by conf and makes it available under conf.Name.
func (m *Manager) Load(ctx context.Context, conf Config) error {
	lm, err := m.construct(ctx, conf)
	if err != nil {
		return err
	}
	return m.add(ctx, lm)
}

// LoadAll constructs the models concurrently. If any of them fails, the ones that succeeded are
// closed again and nothing is added.
func (m *Manager) LoadAll(ctx context.Context, confs []Config) error {
	names := map[string]struct{}{}
	for i, conf := range confs {
		if _, dup := names[conf.Name]; dup {
			return errors.Errorf("models.%d: duplicate model name %q", i, conf.Name)
		}
		names[conf.Name] = struct{}{}
	}

	loaded := make([]*loadedModel, len(confs))
	g, gctx := errgroup.WithContext(ctx)
	for i, conf := range confs {
		g.Go(func() error {
			lm, err := m.construct(gctx, conf)
			if err != nil {
				return err
			}
			loaded[i] = lm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, lm := range loaded {
			if lm != nil {
				err = multierr.Combine(err, lm.model.Close(ctx))
			}
		}
		return err
	}

	var err error
	for _, lm := range loaded {
		err = multierr.Combine(err, m.add(ctx, lm))
	}
	return err
}

// Select makes name the model served by Source.
func (m *Manager) Select(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[name]; !ok {
		return newModelNotFoundError(name)
	}
	m.selected = name
	return nil
}

// Selected returns the name of the selected model, or "".
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Names returns the loaded model names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesOfKind returns the loaded models producing the given kind, sorted.
func (m *Manager) NamesOfKind(kind Kind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, lm := range m.models {
		if lm.model.Kind() == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Manager) lookup(name string) (*loadedModel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lm, ok := m.models[name]
	return lm, ok
}

// Infer runs the named model once.
func (m *Manager) Infer(ctx context.Context, name string, img image.Image) (Result, error) {
	lm, ok := m.lookup(name)
	if !ok {
		return Result{}, newModelNotFoundError(name)
	}
	return lm.model.Infer(ctx, img)
}

// Source returns a detection source bound to the selected model. Classification models are
// adapted as described by Result.AsDetections. With nothing selected the error is a
// *frameloop.SourceUnavailableError wrapping ErrModelNotLoaded.
func (m *Manager) Source() (frameloop.DetectionSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected == "" {
		return nil, &frameloop.SourceUnavailableError{Err: ErrModelNotLoaded}
	}
	return &selectedSource{manager: m, name: m.selected}, nil
}

// Remove closes and forgets the named model. Removing an unknown model is not an error.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	lm, ok := m.models[name]
	if !ok {
		m.mu.Unlock()
		m.logger.Infof("no such model with name %s", name)
		return nil
	}
	delete(m.models, name)
	if m.selected == name {
		m.selected = ""
	}
	m.mu.Unlock()
	return lm.model.Close(ctx)
}

// Dispose closes every model. The manager can be reused afterwards.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	models := m.models
	m.models = map[string]*loadedModel{}
	m.selected = ""
	m.mu.Unlock()

	var err error
	for _, lm := range models {
		err = multierr.Combine(err, errors.Wrapf(lm.model.Close(ctx), "close model %s", lm.name))
	}
	return err
}

// selectedSource runs the model that was selected when it was created. If that model is removed
// it reports ErrModelNotLoaded rather than silently switching models.
type selectedSource struct {
	manager *Manager
	name    string
}

func (s *selectedSource) Detect(ctx context.Context, img image.Image) (objectdetection.DetectionSet, error) {
	lm, ok := s.manager.lookup(s.name)
	if !ok {
		return nil, errors.Wrapf(ErrModelNotLoaded, "model %q", s.name)
	}
	res, err := lm.model.Infer(ctx, img)
	if err != nil {
		return nil, err
	}
	return res.AsDetections(img.Bounds())
}
