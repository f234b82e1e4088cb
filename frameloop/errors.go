package frameloop

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrAlreadyRunning matches any *AlreadyRunningError through errors.Is.
	ErrAlreadyRunning = errors.New("frame loop already running")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("frame loop controller is closed")
)

// AlreadyRunningError is returned by Start while another handle is active. The running loop is
// left untouched.
type AlreadyRunningError struct {
	ID uuid.UUID
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("frame loop already running with handle %s", e.ID)
}

// Is makes errors.Is(err, ErrAlreadyRunning) hold.
func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// SourceUnavailableError means a frame or its detections could not be produced. It stops the
// loop.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return "detection source unavailable: " + e.Err.Error()
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// Cause lets errors.Cause see through the wrapper.
func (e *SourceUnavailableError) Cause() error {
	return e.Err
}

// RenderError means the renderer rejected a frame. It stops the loop.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return "rendering annotations failed: " + e.Err.Error()
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Cause lets errors.Cause see through the wrapper.
func (e *RenderError) Cause() error {
	return e.Err
}

// IsSourceUnavailable reports whether err is, or wraps, a *SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var sue *SourceUnavailableError
	return errors.As(err, &sue)
}

// IsRenderError reports whether err is, or wraps, a *RenderError.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}
