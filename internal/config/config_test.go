package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BaseDelay != 2*time.Second {
		t.Errorf("expected 2s base delay, got %v", cfg.Queue.BaseDelay)
	}
	if cfg.Renderer.ReadyTimeout != 5*time.Second {
		t.Errorf("expected 5s ready timeout, got %v", cfg.Renderer.ReadyTimeout)
	}
	if cfg.Worker.JobTimeout != 15*time.Minute || cfg.Worker.StaleGrace != time.Minute {
		t.Errorf("unexpected worker limits: timeout=%v grace=%v", cfg.Worker.JobTimeout, cfg.Worker.StaleGrace)
	}
	if cfg.Store.Driver != "redis" || cfg.Queue.Driver != "asynq" {
		t.Errorf("unexpected drivers: store=%s queue=%s", cfg.Store.Driver, cfg.Queue.Driver)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QUEUE_DRIVER", "RabbitMQ")
	t.Setenv("QUEUE_BASE_DELAY", "500ms")
	t.Setenv("PUBLIC_URL", "https://render.example.com/")
	t.Setenv("RENDERER_COMMAND", "node host.js --quiet")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.Driver != "rabbitmq" {
		t.Errorf("expected rabbitmq, got %s", cfg.Queue.Driver)
	}
	if cfg.Queue.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", cfg.Queue.BaseDelay)
	}
	if cfg.Server.PublicURL != "https://render.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.Server.PublicURL)
	}
	if len(cfg.Renderer.Command) != 3 || cfg.Renderer.Command[0] != "node" {
		t.Errorf("unexpected renderer command %v", cfg.Renderer.Command)
	}
}

func TestReadSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	readSecret("JWT_SECRET")

	if got := os.Getenv("JWT_SECRET"); got != "s3cret" {
		t.Errorf("expected secret from file, got %q", got)
	}
}
