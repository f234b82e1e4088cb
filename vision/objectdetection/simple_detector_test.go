package objectdetection

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"go.viam.com/test"
)

func darkSquares(rects ...image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	return img
}

func TestSimpleDetector(t *testing.T) {
	img := darkSquares(image.Rect(10, 10, 30, 20), image.Rect(60, 40, 70, 70), image.Rect(90, 5, 92, 7))
	det := NewSimpleDetector(20, "", 10)

	dets, err := det(context.Background(), img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0], test.ShouldResemble, NewDetection(Box{X: 10, Y: 10, Width: 20, Height: 10}, 1, "object"))
	test.That(t, dets[1], test.ShouldResemble, NewDetection(Box{X: 60, Y: 40, Width: 10, Height: 30}, 1, "object"))

	// Nothing dark enough.
	dets, err = NewSimpleDetector(20, "blob", 0)(context.Background(), darkSquares())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldBeEmpty)
}

func TestSimpleDetectorOffsetImage(t *testing.T) {
	img := darkSquares(image.Rect(10, 10, 30, 20)).SubImage(image.Rect(5, 5, 50, 50))
	dets, err := NewSimpleDetector(20, "blob", 0)(context.Background(), img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].Box, test.ShouldResemble, Box{X: 10, Y: 10, Width: 20, Height: 10})
	test.That(t, dets[0].ClassLabel, test.ShouldEqual, "blob")
}

func TestSimpleDetectorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimpleDetector(20, "", 0)(ctx, darkSquares())
	test.That(t, err, test.ShouldBeError, context.Canceled)
}
