package model

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/objectdetection"
)

// SimpleType is the luminance blob detector, useful without any model files.
const SimpleType = "simple"

// SimpleConfig are the attributes of a simple model.
type SimpleConfig struct {
	// Threshold is the gray level (0-256) below which a pixel counts as part of an object.
	Threshold float64 `json:"threshold"`
	Label     string  `json:"label,omitempty"`
	MinArea   float64 `json:"min_area,omitempty"`
}

// Validate checks the attributes.
func (cfg *SimpleConfig) Validate(path string) error {
	if cfg.Threshold <= 0 || cfg.Threshold > 256 {
		return errors.Errorf("%s: threshold must be in (0, 256], got %v", path, cfg.Threshold)
	}
	if cfg.MinArea < 0 {
		return errors.Errorf("%s: min_area must not be negative", path)
	}
	return nil
}

func init() {
	RegisterType(SimpleType, Registration{
		Constructor: newSimpleModel,
		Attributes:  &SimpleConfig{},
	})
}

type simpleModel struct {
	detector objectdetection.Detector
}

func newSimpleModel(ctx context.Context, conf Config, logger logging.Logger) (Model, error) {
	var cfg SimpleConfig
	if err := DecodeAttributes(conf.Attributes, &cfg); err != nil {
		return nil, errors.Wrapf(err, "register simple detector %s", conf.Name)
	}
	if err := cfg.Validate(conf.Name); err != nil {
		return nil, err
	}
	return &simpleModel{detector: objectdetection.NewSimpleDetector(cfg.Threshold, cfg.Label, cfg.MinArea)}, nil
}

func (sm *simpleModel) Kind() Kind {
	return KindDetection
}

func (sm *simpleModel) Infer(ctx context.Context, img image.Image) (Result, error) {
	dets, err := sm.detector(ctx, img)
	if err != nil {
		return Result{}, err
	}
	return DetectionResult(dets), nil
}

func (sm *simpleModel) Close(ctx context.Context) error {
	return nil
}
