package imagesource

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// FileSource decodes an image from disk on every call, so edits to the file show up on the next
// frame.
type FileSource struct {
	Path string
}

// NewFileSource returns a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Next decodes the file.
func (fs *FileSource) Next(ctx context.Context) (image.Image, func(), error) {
	img, err := imaging.Open(fs.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "cannot read frame from %q", fs.Path)
	}
	return img, noRelease, nil
}

// Close does nothing.
func (fs *FileSource) Close(ctx context.Context) error {
	return nil
}

// SupportedExtensions are the file extensions DirectorySource picks up.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".ppm", ".qoi"}

// DirectorySource replays the images of a directory in lexical file name order, starting over
// after the last one.
type DirectorySource struct {
	dir string

	mu    sync.Mutex
	files []string
	next  int
}

// NewDirectorySource lists dir once. It fails if dir holds no supported images.
func NewDirectorySource(dir string) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list frames in %q", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, supported := range SupportedExtensions {
			if ext == supported {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	sort.Strings(files)
	return &DirectorySource{dir: dir, files: files}, nil
}

// Len is the number of frames in one pass over the directory.
func (ds *DirectorySource) Len() int {
	return len(ds.files)
}

// Next decodes the next file in the sequence.
func (ds *DirectorySource) Next(ctx context.Context) (image.Image, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ds.mu.Lock()
	path := ds.files[ds.next]
	ds.next = (ds.next + 1) % len(ds.files)
	ds.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "cannot read frame from %q", path)
	}
	return img, noRelease, nil
}

// Close does nothing.
func (ds *DirectorySource) Close(ctx context.Context) error {
	return nil
}
