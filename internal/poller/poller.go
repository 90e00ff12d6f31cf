// Package poller is the client side of the export API: it submits shaders,
// polls job status until a terminal state and fetches the one-shot download.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/pkg/logger"
	"github.com/loopforge/exporter/pkg/response"
)

const (
	DefaultInterval = 3 * time.Second

	queuedProgress = 10
	progressStep   = 5
	// MaxEstimate bounds the estimate until the server reports a terminal status.
	MaxEstimate = 95
)

var (
	ErrJobFailed = errors.New("export failed")
	ErrNotFound  = errors.New("not found")
)

// APIError is a non-2xx answer carrying the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("export API error (status %d)", e.Status)
	}
	return fmt.Sprintf("export API error (status %d): %s: %s", e.Status, e.Code, e.Message)
}

// Update is reported on every poll.
type Update struct {
	Status   model.JobStatus
	Label    string
	Progress int
	Poll     int
}

// Client talks to the export API.
type Client struct {
	BaseURL  string
	Token    string
	Interval time.Duration

	httpClient *http.Client
	log        *logger.Logger
}

func New(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		Interval: DefaultInterval,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log.WithComponent("poller"),
	}
}

// Submit queues a single export.
func (c *Client) Submit(ctx context.Context, req *model.ExportRequest) (*model.SubmitResult, error) {
	var result model.SubmitResult
	if err := c.post(ctx, "/api/exports", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status fetches the current projection of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	var result model.StatusResponse
	if err := c.get(ctx, "/status/"+jobID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Wait polls until the job reaches a terminal status. A failed job is returned
// together with an error wrapping ErrJobFailed.
func (c *Client) Wait(ctx context.Context, jobID string, onUpdate func(Update)) (*model.StatusResponse, error) {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var est Estimator
	for poll := 1; ; poll++ {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		u := est.Observe(st.Status)
		u.Poll = poll
		c.log.Debug("polled job", "job_id", jobID, "status", st.Status, "poll", poll)
		if onUpdate != nil {
			onUpdate(u)
		}

		switch st.Status {
		case model.JobStatusCompleted:
			return st, nil
		case model.JobStatusFailed:
			return st, fmt.Errorf("%w: %s", ErrJobFailed, st.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches a completed export into dst. dst may be a directory, in
// which case the server-side file name is kept. It returns the written path.
func (c *Client) Download(ctx context.Context, location, dst string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", location, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}

	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, path(location))
	}

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to read download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	c.log.Info("downloaded export", "file", dst)
	return dst, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, result)
}

func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	if apiErr.Status == http.StatusNotFound && apiErr.Code == response.CodeNotFound {
		return errors.Join(apiErr, ErrNotFound)
	}
	return apiErr
}

func path(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	return location[strings.LastIndex(location, "/")+1:]
}

// Estimator turns a sequence of observed statuses into a progress estimate.
// The server reports no percentage, so the estimate only ever rises and
// stays at or below MaxEstimate until the job is completed.
type Estimator struct {
	progress int
}

// Observe records one poll result.
func (e *Estimator) Observe(status model.JobStatus) Update {
	u := Update{Status: status}
	switch status {
	case model.JobStatusPending:
		u.Label = "queued"
		e.raise(queuedProgress)
	case model.JobStatusProcessing:
		u.Label = "rendering"
		e.raise(min(e.progress+progressStep, MaxEstimate))
	case model.JobStatusCompleted:
		u.Label = "completed"
		e.progress = 100
	case model.JobStatusFailed:
		u.Label = "failed"
	default:
		u.Label = string(status)
	}
	u.Progress = e.progress
	return u
}

func (e *Estimator) raise(p int) {
	if p > e.progress {
		e.progress = p
	}
}
