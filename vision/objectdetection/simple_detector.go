package objectdetection

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

// simpleDetector converts an image to gray and then finds the connected components with values
// below a certain luminance threshold. threshold is between 0 and 256, with 256 being white and 0
// being black.
type simpleDetector struct {
	threshold float64
	label     string
	minArea   float64
}

// NewSimpleDetector creates a detector useful for local testing. It looks for dark objects in the
// image: pixels below the threshold are grouped into 4-connected components and a bounding box
// with confidence 1 is returned for each component covering at least minArea pixels.
func NewSimpleDetector(threshold float64, label string, minArea float64) Detector {
	if label == "" {
		label = "object"
	}
	sd := &simpleDetector{threshold: threshold, label: label, minArea: minArea}
	return sd.Inference
}

// Inference takes in an image frame and returns the detection bounding boxes found in the image.
func (sd *simpleDetector) Inference(ctx context.Context, img image.Image) (DetectionSet, error) {
	// imaging results always start at 0,0; detections are reported in the source's coordinates.
	gray := imaging.Grayscale(img)
	origin := img.Bounds().Min
	width, height := gray.Bounds().Dx(), gray.Bounds().Dy()
	seen := make([]bool, width*height)
	detections := DetectionSet{}

	for y := 0; y < height; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < width; x++ {
			indx := y*width + x
			if seen[indx] {
				continue
			}
			seen[indx] = true
			if !sd.pass(gray, x, y) {
				continue
			}
			x0, y0, x1, y1 := x, y, x, y
			queue := []image.Point{{x, y}}
			for len(queue) != 0 {
				pt := queue[0]
				queue = queue[1:]
				x0, y0 = min(x0, pt.X), min(y0, pt.Y)
				x1, y1 = max(x1, pt.X), max(y1, pt.Y)
				for _, n := range [4]image.Point{{pt.X, pt.Y - 1}, {pt.X, pt.Y + 1}, {pt.X - 1, pt.Y}, {pt.X + 1, pt.Y}} {
					if n.X < 0 || n.Y < 0 || n.X >= width || n.Y >= height {
						continue
					}
					nIndx := n.Y*width + n.X
					if seen[nIndx] {
						continue
					}
					seen[nIndx] = true
					if sd.pass(gray, n.X, n.Y) {
						queue = append(queue, n)
					}
				}
			}
			box := Box{
				X:      float64(origin.X + x0),
				Y:      float64(origin.Y + y0),
				Width:  float64(x1 - x0 + 1),
				Height: float64(y1 - y0 + 1),
			}
			if box.Area() < sd.minArea {
				continue
			}
			detections = append(detections, NewDetection(box, 1.0, sd.label))
		}
	}
	return detections, nil
}

// pass reads the gray value at image-relative x, y. imaging.Grayscale stores equal R, G and B.
func (sd *simpleDetector) pass(gray *image.NRGBA, x, y int) bool {
	return float64(gray.Pix[y*gray.Stride+x*4]) < sd.threshold
}
