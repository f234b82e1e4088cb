// Package imagesource provides the frame providers the annotator pulls images from: a single
// static image, files on disk, a directory replayed as a sequence, an HTTP endpoint and a push
// based stream fed by a capture device.
package imagesource

import (
	"context"
	"image"
	// register the decoders for the formats cameras and tools commonly dump.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/lmittmann/ppm" // register ppm
	"github.com/pkg/errors"
	_ "github.com/xfmoulet/qoi" // register qoi
)

// ErrFrameNotReady is returned by Next when the source has no frame to hand out yet. Callers
// treat it as "try again on the next tick", never as a failure.
var ErrFrameNotReady = errors.New("frame not ready")

// ImageSource produces frames. The returned release func must be called once the caller is done
// with the image; it is never nil when err is nil.
type ImageSource interface {
	Next(ctx context.Context) (image.Image, func(), error)
	Close(ctx context.Context) error
}

func noRelease() {}

// StaticSource always returns the same image. It backs single-shot capture.
type StaticSource struct {
	Img image.Image
}

// NewStaticSource returns a source for img.
func NewStaticSource(img image.Image) *StaticSource {
	return &StaticSource{Img: img}
}

// Next returns the stored image.
func (ss *StaticSource) Next(ctx context.Context) (image.Image, func(), error) {
	if ss.Img == nil {
		return nil, nil, ErrFrameNotReady
	}
	return ss.Img, noRelease, nil
}

// Close does nothing.
func (ss *StaticSource) Close(ctx context.Context) error {
	return nil
}
