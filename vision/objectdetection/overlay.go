package objectdetection

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"go.viam.com/annotator/rimage"
)

// OverlayOptions controls how detections are drawn.
type OverlayOptions struct {
	LineWidth float64
	FontSize  float64
	// ColorByClass draws each class in its own color instead of the default mint.
	ColorByClass bool
}

func (o OverlayOptions) withDefaults() OverlayOptions {
	if o.LineWidth == 0 {
		o.LineWidth = 2
	}
	if o.FontSize == 0 {
		o.FontSize = 14
	}
	return o
}

// Overlay returns a copy of img with the bounding box, class label and confidence percentage of
// every detection drawn on it. The source image is not modified.
func Overlay(img image.Image, dets DetectionSet) (image.Image, error) {
	return OverlayWithOptions(img, dets, OverlayOptions{})
}

// OverlayWithOptions is Overlay with explicit drawing options.
func OverlayWithOptions(img image.Image, dets DetectionSet, opts OverlayOptions) (image.Image, error) {
	if img == nil {
		return nil, errors.New("cannot overlay detections on a nil image")
	}
	opts = opts.withDefaults()
	dc := gg.NewContextForImage(img)
	// gg copies the image to a 0,0 based RGBA; shift boxes accordingly.
	origin := img.Bounds().Min
	for _, d := range dets {
		rect := d.Box.Rectangle().Sub(origin)
		var c color.Color = rimage.Mint
		if opts.ColorByClass {
			c = rimage.ClassColor(d.ClassLabel)
		}
		rimage.DrawRectangleEmpty(dc, rect, c, opts.LineWidth)
		rimage.DrawLabel(dc, d.String(), rect.Min, c, rimage.TranslucentBlack, opts.FontSize)
	}
	return dc.Image(), nil
}
