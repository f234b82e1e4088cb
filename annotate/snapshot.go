package annotate

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/objectdetection"
)

// SnapshotWriter persists annotated frames.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, img image.Image, dets objectdetection.DetectionSet) error
}

const snapshotTimeFormat = "20060102T150405.000Z"

// DirSnapshotWriter saves frames as <timestamp>-<uuid>.png files in a directory.
type DirSnapshotWriter struct {
	dir    string
	clock  clock.Clock
	logger logging.Logger
	// SkipEmpty drops frames without any detections.
	SkipEmpty bool
}

// NewDirSnapshotWriter creates dir if needed.
func NewDirSnapshotWriter(dir string, clk clock.Clock, logger logging.Logger) (*DirSnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "cannot create snapshot directory")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &DirSnapshotWriter{dir: dir, clock: clk, logger: logger}, nil
}

// WriteSnapshot saves img.
func (w *DirSnapshotWriter) WriteSnapshot(ctx context.Context, img image.Image, dets objectdetection.DetectionSet) error {
	if w.SkipEmpty && len(dets) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s-%s.png", w.clock.Now().UTC().Format(snapshotTimeFormat), uuid.New())
	path := filepath.Join(w.dir, name)
	if err := imaging.Save(img, path); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		w.logger.Debugw("wrote snapshot", "path", path, "size", units.HumanSize(float64(info.Size())))
	}
	return nil
}

// SampleEvery passes one of every n frames on to w, starting with the first.
func SampleEvery(n int, w SnapshotWriter) SnapshotWriter {
	if n <= 1 {
		return w
	}
	return &sampledWriter{n: uint64(n), w: w}
}

type sampledWriter struct {
	n    uint64
	seen atomic.Uint64
	w    SnapshotWriter
}

func (sw *sampledWriter) WriteSnapshot(ctx context.Context, img image.Image, dets objectdetection.DetectionSet) error {
	if (sw.seen.Inc()-1)%sw.n != 0 {
		return nil
	}
	return sw.w.WriteSnapshot(ctx, img, dets)
}
