package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loopforge/exporter/internal/model"
)

// fakeAPI accepts one export, reports it processing once, then completed.
func fakeAPI(t *testing.T) (*httptest.Server, *model.ExportRequest) {
	t.Helper()
	var (
		got   model.ExportRequest
		polls int32
		srv   *httptest.Server
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/exports", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(model.SubmitResult{JobID: "job-1", Status: model.JobStatusPending})
	})
	mux.HandleFunc("/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		st := model.StatusResponse{JobID: "job-1", Status: model.JobStatusProcessing, Format: model.FormatMP4}
		if atomic.AddInt32(&polls, 1) > 1 {
			st.Status = model.JobStatusCompleted
			st.OutputLocation = srv.URL + "/download/job-1.mp4"
		}
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/download/job-1.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestSubmitWait(t *testing.T) {
	srv, got := fakeAPI(t)
	dir := t.TempDir()
	shader := filepath.Join(dir, "art.glsl")
	if err := os.WriteFile(shader, []byte("void main(){}"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"submit", "--file", shader,
		"--server", srv.URL, "--token", "secret", "--interval", "1ms",
		"--quality", "4K", "--fps", "24", "--format", "mp4",
		"--wait", "--out", dir,
	}, nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr: %s", code, stderr.String())
	}

	if got.ShaderCode != "void main(){}" || got.Quality != model.Quality4K || got.FPS != 24 {
		t.Errorf("request = %+v", got)
	}
	if got.AspectRatio != "" || got.Duration != 0 {
		t.Errorf("unset flags should be left to server defaults: %+v", got)
	}

	b, err := os.ReadFile(filepath.Join(dir, "job-1.mp4"))
	if err != nil || string(b) != "mp4" {
		t.Errorf("downloaded %q, err = %v", b, err)
	}

	out := stdout.String()
	for _, want := range []string{"job-1\tpending", "rendering 5%", "completed 100%", "saved "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSubmitFromStdinWithEnvToken(t *testing.T) {
	srv, got := fakeAPI(t)
	t.Setenv("EXPORTCTL_TOKEN", "secret")
	t.Setenv("EXPORTCTL_SERVER", srv.URL)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"submit", "-f", "-"}, strings.NewReader("void main(){ }"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr: %s", code, stderr.String())
	}
	if got.ShaderCode != "void main(){ }" {
		t.Errorf("shaderCode = %q", got.ShaderCode)
	}
	if strings.TrimSpace(stdout.String()) != "job-1\tpending" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestStatus(t *testing.T) {
	srv, _ := fakeAPI(t)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"status", "job-1", "--server", srv.URL}, nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr: %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "job-1\tprocessing" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no args", nil, 2},
		{"unknown command", []string{"render"}, 2},
		{"bad flag", []string{"status", "--nope"}, 2},
		{"submit without file", []string{"submit", "--server", "http://127.0.0.1:1"}, 1},
		{"wait without id", []string{"wait"}, 1},
		{"help", []string{"help"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, nil, &stdout, &stderr); code != tt.code {
				t.Errorf("exit = %d, want %d (stderr: %s)", code, tt.code, stderr.String())
			}
		})
	}
}
