// Package render drives an off-process rendering host through a fixed-step
// frame loop and captures each frame to disk.
package render

import (
	"context"
	"errors"
)

var (
	// ErrHostNotReady means the host did not finish initialising the
	// shader within the readiness timeout.
	ErrHostNotReady = errors.New("shader compilation failed on server")
	// ErrHostCrashed means the host died or raised an exception mid-job.
	ErrHostCrashed = errors.New("rendering host crashed")
	// ErrHostLaunch means the host process could not be started at all.
	ErrHostLaunch = errors.New("rendering host failed to launch")
)

// Host is one isolated rendering surface owned by a single job.
type Host interface {
	// Init compiles the shader on a width x height surface and returns once
	// the host signals readiness.
	Init(ctx context.Context, width, height int, shaderCode string) error
	// RenderFrame advances to time t, renders exactly one frame and writes
	// it as a JPEG to path.
	RenderFrame(ctx context.Context, t float64, path string) error
	// Close tears the host down. It is safe to call more than once.
	Close() error
}

// Launcher starts a fresh Host for a job.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Host, error)
}
