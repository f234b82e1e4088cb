package cli

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/annotator/config"
	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/model"
	"go.viam.com/annotator/vision/objectdetection"
)

// fallbackModel is loaded when the config names no models, so the tool works out of the box on
// images with dark objects on a light background.
var fallbackModel = model.Config{
	Name:       "dark-objects",
	Type:       model.SimpleType,
	Attributes: model.AttributeMap{"threshold": 100.0, "min_area": 25.0},
}

// loadModels loads every configured model and selects name, or the config's default.
func loadModels(ctx context.Context, cfg *config.Config, name string, logger logging.Logger) (*model.Manager, error) {
	confs := cfg.Models
	if len(confs) == 0 {
		confs = []model.Config{fallbackModel}
	}
	if name == "" {
		name = cfg.DefaultModel
	}
	mgr := model.NewManager(logger.Sublogger("models"))
	if err := mgr.LoadAll(ctx, confs); err != nil {
		return nil, err
	}
	// Without a name the first model loaded stays selected.
	if name != "" {
		if err := mgr.Select(name); err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "cannot select model"), mgr.Dispose(ctx))
		}
	}
	return mgr, nil
}

// postprocessor builds the raw detection filters of the capture section.
func postprocessor(cfg *config.Config) objectdetection.Postprocessor {
	var pps []objectdetection.Postprocessor
	if cfg.Capture.MinScore > 0 {
		pps = append(pps, objectdetection.NewScoreFilter(cfg.Capture.MinScore))
	}
	if len(cfg.Capture.Labels) > 0 {
		pps = append(pps, objectdetection.NewLabelFilter(cfg.Capture.Labels))
	}
	return objectdetection.Chain(pps...)
}

func overlayOptions(cfg *config.Config, colorByClass bool) objectdetection.OverlayOptions {
	return objectdetection.OverlayOptions{
		LineWidth:    cfg.Capture.LineWidth,
		FontSize:     cfg.Capture.FontSize,
		ColorByClass: colorByClass || cfg.Capture.ColorByClass,
	}
}
