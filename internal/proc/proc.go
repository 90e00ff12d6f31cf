// Package proc runs external programs to completion and reports what they
// did. Output is captured for diagnostics only.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// DefaultOutputLimit bounds each captured stream.
const DefaultOutputLimit = 64 * 1024

// Command describes one invocation.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
	// OutputLimit caps captured stdout/stderr bytes; the tail is kept.
	OutputLimit int
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Path   string
	Result *Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Path, e.Result.ExitCode)
}

// Run starts cmd and waits for it. A non-zero exit returns an *ExitError
// alongside the populated Result; a process that could not be started
// returns a nil Result. Cancelling ctx kills the process.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	limit := cmd.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = cmd.Env
	}
	c.Stdin = cmd.Stdin

	stdout := NewTailBuffer(limit)
	stderr := NewTailBuffer(limit)
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	waitErr := c.Wait()

	res := &Result{
		ExitCode: c.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Elapsed:  time.Since(start),
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", cmd.Path, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Path: cmd.Path, Result: res}
		}
		return res, fmt.Errorf("wait %s: %w", cmd.Path, waitErr)
	}
	return res, nil
}

// TailBuffer is an io.Writer keeping only the last limit bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{limit: limit}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf)
}

func (b *TailBuffer) String() string {
	return string(b.Bytes())
}

// Truncated reports whether earlier output was dropped.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
