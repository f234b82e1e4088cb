// Package objectdetection defines detections, the frame-to-frame box matcher and temporal
// smoother, and the postprocessors and overlay used on detector output.
package objectdetection

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/pkg/errors"
)

// Detector returns the raw detections found in a single image.
type Detector func(context.Context, image.Image) (DetectionSet, error)

// Detect calls d. It lets a plain Detector serve wherever a detection source interface is
// expected.
func (d Detector) Detect(ctx context.Context, img image.Image) (DetectionSet, error) {
	return d(ctx, img)
}

// Box is an axis-aligned rectangle in source-image pixel coordinates, origin top-left.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the center point of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Area returns width times height.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// IoU is the intersection over union of two boxes, 0 when either has no area.
func (b Box) IoU(o Box) float64 {
	ix := math.Min(b.X+b.Width, o.X+o.Width) - math.Max(b.X, o.X)
	iy := math.Min(b.Y+b.Height, o.Y+o.Height) - math.Max(b.Y, o.Y)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Rectangle rounds the box to integer pixel coordinates.
func (b Box) Rectangle() image.Rectangle {
	return image.Rect(
		int(math.Round(b.X)),
		int(math.Round(b.Y)),
		int(math.Round(b.X+b.Width)),
		int(math.Round(b.Y+b.Height)),
	)
}

// BoxFromRectangle converts an integer rectangle to a Box.
func BoxFromRectangle(r image.Rectangle) Box {
	r = r.Canon()
	return Box{X: float64(r.Min.X), Y: float64(r.Min.Y), Width: float64(r.Dx()), Height: float64(r.Dy())}
}

// Detection is one observed object instance in one frame.
type Detection struct {
	ClassLabel string  `json:"class_label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// NewDetection creates a Detection from a box, a confidence score and a label.
func NewDetection(box Box, confidence float64, label string) Detection {
	return Detection{ClassLabel: label, Confidence: confidence, Box: box}
}

// String formats the detection the way it is drawn on screen, e.g. "dog (87.34%)".
func (d Detection) String() string {
	return fmt.Sprintf("%s (%.2f%%)", d.ClassLabel, d.Confidence*100)
}

// Valid returns a *MalformedDetectionError if the box has no positive extent.
func (d Detection) Valid() error {
	if d.Box.Width <= 0 || d.Box.Height <= 0 || math.IsNaN(d.Box.Width) || math.IsNaN(d.Box.Height) {
		return &MalformedDetectionError{Detection: d}
	}
	return nil
}

// DetectionSet is the ordered detections of one frame tick. Several detections may share a class.
type DetectionSet []Detection

// Labels returns the class label of each detection, in order.
func (ds DetectionSet) Labels() []string {
	labels := make([]string, 0, len(ds))
	for _, d := range ds {
		labels = append(labels, d.ClassLabel)
	}
	return labels
}

// MalformedDetectionError marks a detection with a non-positive width or height. It is only
// ever handled locally: the detection is dropped before smoothing.
type MalformedDetectionError struct {
	Detection Detection
}

func (e *MalformedDetectionError) Error() string {
	return fmt.Sprintf("malformed detection %q: box %.2fx%.2f has no area",
		e.Detection.ClassLabel, e.Detection.Box.Width, e.Detection.Box.Height)
}

// IsMalformedDetection reports whether err is, or wraps, a *MalformedDetectionError.
func IsMalformedDetection(err error) bool {
	var mde *MalformedDetectionError
	return errors.As(err, &mde)
}

// DiscardMalformed returns the valid detections of in. onDrop, if non-nil, is called for each
// dropped detection.
func DiscardMalformed(in DetectionSet, onDrop func(error)) DetectionSet {
	out := make(DetectionSet, 0, len(in))
	for _, d := range in {
		if err := d.Valid(); err != nil {
			if onDrop != nil {
				onDrop(err)
			}
			continue
		}
		out = append(out, d)
	}
	return out
}
