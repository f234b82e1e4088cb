package objectdetection

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultSmoothingAlpha is the weight of the new observation. Previous smoothed values keep
	// the remaining 1-alpha, so low values favor stability over responsiveness.
	DefaultSmoothingAlpha = 0.1
	// DefaultConfidenceThreshold is the minimum confidence a raw detection needs to be smoothed.
	DefaultConfidenceThreshold = 0.5
)

// SmoothingConfig tunes the temporal smoother.
type SmoothingConfig struct {
	Alpha               float64 `json:"alpha"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxCenterDistance   float64 `json:"max_center_distance"`
}

// DefaultSmoothingConfig returns the defaults used when nothing is configured.
func DefaultSmoothingConfig() SmoothingConfig {
	return SmoothingConfig{
		Alpha:               DefaultSmoothingAlpha,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxCenterDistance:   DefaultMaxCenterDistance,
	}
}

// WithDefaults fills zero alpha and zero center distance with defaults. A zero confidence
// threshold is a legal value and is left alone.
func (cfg SmoothingConfig) WithDefaults() SmoothingConfig {
	if cfg.Alpha == 0 {
		cfg.Alpha = DefaultSmoothingAlpha
	}
	if cfg.MaxCenterDistance == 0 {
		cfg.MaxCenterDistance = DefaultMaxCenterDistance
	}
	return cfg
}

// Validate ensures all parts of the config are valid.
func (cfg SmoothingConfig) Validate() error {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return errors.Errorf("smoothing alpha must be in (0, 1], got %v", cfg.Alpha)
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold must be in [0, 1], got %v", cfg.ConfidenceThreshold)
	}
	if cfg.MaxCenterDistance <= 0 {
		return errors.Errorf("max center distance must be positive, got %v", cfg.MaxCenterDistance)
	}
	return nil
}

// Smooth computes the smoothed detections for one tick from the previous smoothed set and the
// raw detections of the current frame. It is a pure function of its inputs.
//
// Raw detections under the confidence threshold are dropped first. With an empty previous set the
// filtered detections are returned as they are. Otherwise each candidate matched in previous is
// blended as alpha*candidate + (1-alpha)*previous, box and confidence alike, and keeps the
// candidate's label; unmatched candidates pass through unchanged. Previous detections with no
// candidate this tick do not appear in the output.
func Smooth(cfg SmoothingConfig, previous, raw DetectionSet) DetectionSet {
	filtered := NewScoreFilter(cfg.ConfidenceThreshold)(raw)
	if len(previous) == 0 {
		return filtered
	}

	out := make(DetectionSet, 0, len(filtered))
	for _, candidate := range filtered {
		prev, ok := Match(previous, candidate, cfg.MaxCenterDistance)
		if !ok {
			out = append(out, candidate)
			continue
		}
		out = append(out, Detection{
			ClassLabel: candidate.ClassLabel,
			Confidence: blend(cfg.Alpha, candidate.Confidence, prev.Confidence),
			Box: Box{
				X:      blend(cfg.Alpha, candidate.Box.X, prev.Box.X),
				Y:      blend(cfg.Alpha, candidate.Box.Y, prev.Box.Y),
				Width:  blend(cfg.Alpha, candidate.Box.Width, prev.Box.Width),
				Height: blend(cfg.Alpha, candidate.Box.Height, prev.Box.Height),
			},
		})
	}
	return out
}

func blend(alpha, current, previous float64) float64 {
	return alpha*current + (1-alpha)*previous
}

// Smoother holds the smoothing state of one detection lineage: the last smoothed set.
// Only one loop may feed a Smoother. The mutex lets a stop from another goroutine clear it.
type Smoother struct {
	cfg SmoothingConfig

	mu    sync.Mutex
	state DetectionSet
}

// NewSmoother returns a Smoother with empty state.
func NewSmoother(cfg SmoothingConfig) *Smoother {
	return &Smoother{cfg: cfg.WithDefaults()}
}

// Config returns the config the smoother was built with, defaults applied.
func (s *Smoother) Config() SmoothingConfig {
	return s.cfg
}

// Update smooths raw against the current state, replaces the state with the result and returns it.
func (s *Smoother) Update(raw DetectionSet) DetectionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Smooth(s.cfg, s.state, raw)
	return s.state
}

// State returns a copy of the last smoothed set.
func (s *Smoother) State() DetectionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(DetectionSet(nil), s.state...)
}

// Reset empties the state so the next update starts a new lineage.
func (s *Smoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
}
