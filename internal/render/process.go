package render

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loopforge/exporter/internal/proc"
	"github.com/loopforge/exporter/pkg/logger"
)

// hostRequest is one line written to a process host's stdin.
type hostRequest struct {
	Op      string  `json:"op"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
	Shader  string  `json:"shader,omitempty"`
	Time    float64 `json:"t"`
	Path    string  `json:"path,omitempty"`
	Quality int     `json:"quality,omitempty"`
}

// hostResponse is one line read from a process host's stdout.
type hostResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ProcessLauncher starts an external rendering host speaking line-delimited
// JSON over stdio: init, frame and close requests, each answered with
// {"ok":true} or {"ok":false,"error":"..."}.
type ProcessLauncher struct {
	Command     []string
	Env         []string
	JPEGQuality int
	Log         *logger.Logger
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec Spec) (Host, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("renderer command not configured")
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	if l.Env != nil {
		cmd.Env = l.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := proc.NewTailBuffer(8 * 1024)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Command[0], err)
	}

	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	quality := l.JPEGQuality
	if quality <= 0 {
		quality = 90
	}

	h := &ProcessHost{
		cmd:       cmd,
		stdin:     stdin,
		stderr:    stderr,
		responses: make(chan hostResponse),
		exited:    make(chan struct{}),
		stop:      make(chan struct{}),
		quality:   quality,
		log:       log.WithJobID(spec.JobID),
	}
	go h.readLoop(stdout)
	return h, nil
}

// ProcessHost is a rendering host running as a child process.
type ProcessHost struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *proc.TailBuffer
	responses chan hostResponse
	exited    chan struct{}
	stop      chan struct{}
	quality   int
	log       *logger.Logger

	mu        sync.Mutex
	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func (h *ProcessHost) readLoop(stdout io.Reader) {
	defer close(h.exited)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var resp hostResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			h.log.Debug("host output", "line", string(line))
			continue
		}
		select {
		case h.responses <- resp:
		case <-h.stop:
			return
		}
	}
}

// wait reaps the process, killing it if it has not exited within two
// seconds. Stderr is complete once wait returns.
func (h *ProcessHost) wait() error {
	h.waitOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- h.cmd.Wait() }()

		select {
		case h.waitErr = <-done:
		case <-time.After(2 * time.Second):
			h.log.Warn("host did not exit, killing", "pid", h.cmd.Process.Pid)
			_ = h.cmd.Process.Signal(os.Kill)
			h.waitErr = <-done
		}
	})
	return h.waitErr
}

func (h *ProcessHost) crashed() error {
	_ = h.wait()
	detail := strings.TrimSpace(h.stderr.String())
	if detail == "" {
		return ErrHostCrashed
	}
	return fmt.Errorf("%w: %s", ErrHostCrashed, detail)
}

// call sends req and waits for its single response line.
func (h *ProcessHost) call(ctx context.Context, req hostRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return h.crashed()
	}

	select {
	case resp := <-h.responses:
		if !resp.OK {
			return errors.New(resp.Error)
		}
		return nil
	case <-h.exited:
		return h.crashed()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ProcessHost) Init(ctx context.Context, width, height int, shaderCode string) error {
	err := h.call(ctx, hostRequest{Op: "init", Width: width, Height: height, Shader: shaderCode})
	if err != nil && !errors.Is(err, ErrHostCrashed) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrHostNotReady, err)
	}
	return err
}

func (h *ProcessHost) RenderFrame(ctx context.Context, t float64, path string) error {
	err := h.call(ctx, hostRequest{Op: "frame", Time: t, Path: path, Quality: h.quality})
	if err != nil && !errors.Is(err, ErrHostCrashed) && ctx.Err() == nil {
		// an error reply is the host reporting an exception in the page
		return fmt.Errorf("%w: %v", ErrHostCrashed, err)
	}
	return err
}

// Close asks the host to exit and reaps it.
func (h *ProcessHost) Close() error {
	var err error
	h.closeOnce.Do(func() {
		data, _ := json.Marshal(hostRequest{Op: "close"})
		_, _ = h.stdin.Write(append(data, '\n'))
		_ = h.stdin.Close()
		close(h.stop)

		err = h.wait()
		if stderr := h.stderr.String(); stderr != "" {
			h.log.Debug("host stderr", "output", stderr)
		}
	})
	return err
}
