package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/loopforge/exporter/internal/auth"
	"github.com/loopforge/exporter/internal/delivery"
	"github.com/loopforge/exporter/internal/handler"
	"github.com/loopforge/exporter/internal/jobstore"
	"github.com/loopforge/exporter/internal/middleware"
	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/internal/queue"
	"github.com/loopforge/exporter/internal/render"
	"github.com/loopforge/exporter/internal/router"
	"github.com/loopforge/exporter/internal/service"
	"github.com/loopforge/exporter/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testPublicURL = "http://exports.test"
)

// memoryQueue records enqueued messages so a test can feed them to the worker.
type memoryQueue struct {
	mu       sync.Mutex
	messages []model.QueueMessage
	down     bool
}

func (q *memoryQueue) Enqueue(ctx context.Context, msg model.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return errors.Join(queue.ErrUnavailable, errors.New("dial tcp: connection refused"))
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *memoryQueue) Close() error { return nil }

func (q *memoryQueue) drain() []model.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.messages
	q.messages = nil
	return msgs
}

// stubRenderer skips the browser and hands the encoder an empty sequence.
type stubRenderer struct {
	err error
}

func (r stubRenderer) Run(ctx context.Context, spec render.Spec, use func(ctx context.Context, seq *render.FrameSequence) error) error {
	if r.err != nil {
		return r.err
	}
	dir, err := os.MkdirTemp("", "render-"+spec.JobID+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return use(ctx, &render.FrameSequence{Dir: dir, FramesDir: dir, Count: spec.TotalFrames, FPS: spec.FPS, Width: spec.Width, Height: spec.Height})
}

// stubEncoder writes a recognizable file instead of running ffmpeg.
type stubEncoder struct{}

func (stubEncoder) Encode(ctx context.Context, jobID string, seq *render.FrameSequence, quality model.Quality, format model.Format) (string, error) {
	out := filepath.Join(seq.Dir, "output."+string(format))
	body := "video " + jobID + " " + string(quality)
	return out, os.WriteFile(out, []byte(body), 0o644)
}

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	store  jobstore.Store
	queue  *memoryQueue
	worker *worker.ExportWorker
	files  *delivery.LocalPublisher
}

// setupApp creates a Fiber app wired like cmd/server, backed by a temporary
// sqlite store and an in-memory queue.
func setupApp(t *testing.T) *testApp {
	return setupAppWithRenderer(t, stubRenderer{})
}

func setupAppWithRenderer(t *testing.T, renderer worker.Renderer) *testApp {
	t.Helper()

	store, err := jobstore.OpenSQL("sqlite", "file:"+filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := delivery.NewLocalPublisher(t.TempDir(), testPublicURL, nil)
	if err != nil {
		t.Fatalf("delivery dir: %v", err)
	}

	q := &memoryQueue{}
	exportService := service.NewExportService(store, q, validator.New(), nil)
	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)

	app := fiber.New()
	router.Setup(app, router.Routes{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"store": exportService.Ping,
		}),
		Export:       handler.NewExportHandler(exportService, nil),
		Download:     handler.NewDownloadHandler(files, nil),
		Authenticate: authMiddleware.Authenticate(),
		Identify:     authMiddleware.Identify(),
		// no redis: rate limiting disabled
		RateLimiter: middleware.NewRateLimiter(nil),
	})

	w := worker.NewExportWorker(store, renderer, stubEncoder{}, files, nil, worker.Config{}, nil)

	return &testApp{app: app, store: store, queue: q, worker: w, files: files}
}

// runQueued feeds every queued message to the worker once.
func (ta *testApp) runQueued(t *testing.T) {
	t.Helper()
	for _, msg := range ta.queue.drain() {
		d := queue.Delivery{Message: msg, Attempt: 1, MaxAttempts: 1}
		_ = ta.worker.Handle(context.Background(), d)
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.NewLegacyToken(userID, userID+"@example.com", testJWTSecret, 0)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as test-user-123.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, "test-user-123"),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	e, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", result)
	}
	code, _ := e["code"].(string)
	return code
}
