package e2e

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/loopforge/exporter/internal/auth"
	"github.com/loopforge/exporter/internal/model"
)

const shaderBody = `{"shaderCode": "void main() { gl_FragColor = vec4(1.0); }"}`

func TestSubmitExport_Defaults(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/exports", shaderBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	jobID, _ := result["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected 'jobId' in response")
	}
	if result["status"] != "pending" {
		t.Errorf("expected status 'pending', got %v", result["status"])
	}

	job, err := ta.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	want := model.Settings{AspectRatio: "16:9", Quality: "HD", Duration: 5, FPS: 30, Format: "mp4"}
	if job.Payload.Settings != want {
		t.Errorf("expected defaults %+v, got %+v", want, job.Payload.Settings)
	}
	if job.Owner != "test-user-123" {
		t.Errorf("expected owner test-user-123, got %q", job.Owner)
	}
	if msgs := ta.queue.drain(); len(msgs) != 1 || msgs[0].JobID != jobID {
		t.Errorf("expected one queue message for %s, got %+v", jobID, msgs)
	}
}

func TestSubmitExport_NoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/exports", shaderBody, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestSubmitExport_InvalidToken(t *testing.T) {
	ta := setupApp(t)

	expired, err := auth.NewLegacyToken("test-user-123", "", testJWTSecret, -time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	for _, token := range []string{"not-a-token", expired} {
		resp, err := doRequest(ta.app, http.MethodPost, "/api/exports", shaderBody, map[string]string{
			"Authorization": "Bearer " + token,
		})
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusUnauthorized)
	}
	if msgs := ta.queue.drain(); len(msgs) != 0 {
		t.Errorf("expected nothing queued, got %d messages", len(msgs))
	}
}

func TestSubmitExport_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing shader", `{"quality": "HD"}`},
		{"bad aspect ratio", `{"shaderCode": "x", "aspectRatio": "4:3"}`},
		{"bad quality", `{"shaderCode": "x", "quality": "8K"}`},
		{"duration too long", `{"shaderCode": "x", "duration": 61}`},
		{"negative duration", `{"shaderCode": "x", "duration": -1}`},
		{"fps too high", `{"shaderCode": "x", "fps": 120}`},
		{"bad format", `{"shaderCode": "x", "format": "gif"}`},
		{"not json", `shader`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := setupApp(t)

			resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/exports", tt.body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)
			if code := errorCode(t, resp); code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %s", code)
			}
			if msgs := ta.queue.drain(); len(msgs) != 0 {
				t.Errorf("rejected submission must not be queued, got %d messages", len(msgs))
			}
		})
	}
}

func TestSubmitExport_QueueUnavailable(t *testing.T) {
	ta := setupApp(t)
	ta.queue.down = true

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/exports", shaderBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusServiceUnavailable)

	result := parseJSON(t, resp)
	e := result["error"].(map[string]interface{})
	if e["code"] != "QUEUE_UNAVAILABLE" {
		t.Errorf("expected QUEUE_UNAVAILABLE, got %v", e["code"])
	}
	details, _ := e["details"].(map[string]interface{})
	jobID, _ := details["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected the failed job id in details")
	}

	statusResp, err := doRequest(ta.app, http.MethodGet, "/status/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	status := parseJSON(t, statusResp)
	if status["status"] != "failed" || status["error"] != "queue unavailable" {
		t.Errorf("expected failed/queue unavailable, got %v", status)
	}
}

func TestBatchExport(t *testing.T) {
	ta := setupApp(t)

	body := `{
		"quality": "FHD",
		"format": "mov",
		"items": [
			{"ref": "a", "shaderCode": "void main() {}"},
			{"ref": "b", "shaderCode": "void main() {}", "aspectRatio": "9:16", "duration": 3}
		]
	}`
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/exports/batch", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	if result["count"] != float64(2) {
		t.Fatalf("expected count 2, got %v", result["count"])
	}

	msgs := ta.queue.drain()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queue messages, got %d", len(msgs))
	}
	jobs := result["jobs"].([]interface{})
	for i, raw := range jobs {
		j := raw.(map[string]interface{})
		if j["jobId"] != msgs[i].JobID {
			t.Errorf("job %d: response id %v does not match queued id %s", i, j["jobId"], msgs[i].JobID)
		}
	}
	if msgs[0].Settings.Duration != model.DefaultBatchDuration || msgs[0].Settings.Quality != "FHD" {
		t.Errorf("unexpected first item settings %+v", msgs[0].Settings)
	}
	if msgs[1].Settings.Duration != 3 || msgs[1].Settings.AspectRatio != "9:16" || msgs[1].Settings.Format != "mov" {
		t.Errorf("unexpected second item settings %+v", msgs[1].Settings)
	}
}

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/status/does-not-exist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestStatus_HiddenFromOtherOwner(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/exports", shaderBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	jobID := parseJSON(t, resp)["jobId"].(string)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/exports/status/"+jobID, "", map[string]string{
		"Authorization": "Bearer " + generateToken(t, "someone-else"),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/exports/status/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
}

func TestExportLifecycle(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/exports",
		`{"shaderCode": "void main() {}", "quality": "4K", "format": "mov", "duration": 1, "fps": 24}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	jobID := parseJSON(t, resp)["jobId"].(string)

	ta.runQueued(t)

	resp, err = doRequest(ta.app, http.MethodGet, "/status/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	status := parseJSON(t, resp)
	if status["status"] != "completed" {
		t.Fatalf("expected completed, got %v", status)
	}
	wantURL := fmt.Sprintf("%s/download/%s.mov", testPublicURL, jobID)
	if status["outputLocation"] != wantURL {
		t.Errorf("expected outputLocation %s, got %v", wantURL, status["outputLocation"])
	}
	if status["format"] != "mov" {
		t.Errorf("expected format mov, got %v", status["format"])
	}

	// one-shot download
	resp, err = doRequest(ta.app, http.MethodGet, "/download/"+jobID+".mov", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "video/quicktime" {
		t.Errorf("expected video/quicktime, got %q", ct)
	}
	if body := readBody(t, resp); body != "video "+jobID+" 4K" {
		t.Errorf("unexpected body %q", body)
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/download/"+jobID+".mov", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)

	// the job stays completed after its file is consumed
	resp, err = doRequest(ta.app, http.MethodGet, "/status/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if status := parseJSON(t, resp); status["status"] != "completed" {
		t.Errorf("expected completed after download, got %v", status["status"])
	}
}
