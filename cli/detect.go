package cli

import (
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/annotator/vision/imagesource"
	"go.viam.com/annotator/vision/objectdetection"
)

// DetectAction is the single-shot capture mode: one detection pass, filtered the way the first
// tick of a live loop would be, drawn and saved.
func DetectAction(c *cli.Context) (err error) {
	e, err := envFrom(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	logger := e.logger

	mgr, err := loadModels(ctx, e.cfg, c.String(flagModel), logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, mgr.Dispose(ctx))
	}()

	imagePath := c.Path(flagImage)
	src := imagesource.NewFileSource(imagePath)
	img, release, err := src.Next(ctx)
	if err != nil {
		return err
	}
	defer release()

	source, err := mgr.Source()
	if err != nil {
		return err
	}
	raw, err := source.Detect(ctx, img)
	if err != nil {
		return errors.Wrapf(err, "detection failed with model %s", mgr.Selected())
	}
	dets := objectdetection.DiscardMalformed(raw, func(err error) {
		logger.Debugw("dropping malformed detection", "error", err)
	})
	dets = postprocessor(e.cfg)(dets)
	// A single shot has no history, so smoothing only applies the confidence threshold.
	dets = objectdetection.Smooth(e.cfg.Smoothing, nil, dets)

	annotated, err := objectdetection.OverlayWithOptions(img, dets, overlayOptions(e.cfg, c.Bool(flagColorByClass)))
	if err != nil {
		return err
	}
	outPath := c.Path(flagOut)
	if outPath == "" {
		outPath = strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + "-annotated.png"
	}
	if err := imaging.Save(annotated, outPath); err != nil {
		return errors.Wrap(err, "cannot save annotated image")
	}

	printDetections(c.App.Writer, dets)
	printf(c.App.Writer, "%s %d of %d detections from %s written to %s",
		color.GreenString("done:"), len(dets), len(raw), mgr.Selected(), outPath)
	return nil
}
