package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Store     StoreConfig
	Renderer  RendererConfig
	Encoder   EncoderConfig
	Delivery  DeliveryConfig
	R2        R2Config
	S3        S3Config
	GCS       GCSConfig
	JWT       JWTConfig
	Auth      AuthConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port       string
	Env        string
	LogLevel   string
	LogFormat  string
	PublicURL  string
	APIEnabled bool
}

type WorkerConfig struct {
	Enabled     bool
	Concurrency int
	JobTimeout  time.Duration
	// StaleGrace is added to JobTimeout before a processing claim counts as lost.
	StaleGrace time.Duration
	ScratchDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Driver          string // asynq or rabbitmq
	URL             string
	Name            string
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Retention       time.Duration
	DeadLetterLimit int
}

type StoreConfig struct {
	Driver string // redis, postgres, mysql, sqlite, pebble
	DSN    string
	TTL    time.Duration
}

type RendererConfig struct {
	Driver       string // browser or process
	Command      []string
	ChromePath   string
	SoftwareGL   bool
	ReadyTimeout time.Duration
	FrameTimeout time.Duration
	JPEGQuality  int
}

type EncoderConfig struct {
	FFmpegPath string
	Preset     string
}

type DeliveryConfig struct {
	Dir     string
	Archive string // "", s3, r2 or gcs
	URLTTL  time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type GCSConfig struct {
	BucketName      string
	CredentialsFile string
	PublicURL       string
}

type JWTConfig struct {
	Secret string
}

type AuthConfig struct {
	Issuer   string
	Audience string
	// JWKSURL skips OIDC discovery when set.
	JWKSURL string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	ExportPerHour   int
	DownloadsPerMin int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("QUEUE_URL")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.public_url", "PUBLIC_URL")
	_ = v.BindEnv("server.api_enabled", "API_ENABLED")
	_ = v.BindEnv("worker.enabled", "WORKER_ENABLED")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.job_timeout", "WORKER_JOB_TIMEOUT")
	_ = v.BindEnv("worker.stale_grace", "WORKER_STALE_GRACE")
	_ = v.BindEnv("worker.scratch_dir", "SCRATCH_DIR")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("queue.driver", "QUEUE_DRIVER")
	_ = v.BindEnv("queue.url", "QUEUE_URL")
	_ = v.BindEnv("queue.name", "QUEUE_NAME")
	_ = v.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.base_delay", "QUEUE_BASE_DELAY")
	_ = v.BindEnv("queue.max_delay", "QUEUE_MAX_DELAY")
	_ = v.BindEnv("queue.retention", "QUEUE_RETENTION")
	_ = v.BindEnv("queue.dead_letter_limit", "QUEUE_DEAD_LETTER_LIMIT")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.dsn", "DATABASE_URL")
	_ = v.BindEnv("store.ttl", "STORE_TTL")
	_ = v.BindEnv("renderer.driver", "RENDERER_DRIVER")
	_ = v.BindEnv("renderer.command", "RENDERER_COMMAND")
	_ = v.BindEnv("renderer.chrome_path", "CHROME_PATH")
	_ = v.BindEnv("renderer.software_gl", "RENDERER_SOFTWARE_GL")
	_ = v.BindEnv("renderer.ready_timeout", "RENDERER_READY_TIMEOUT")
	_ = v.BindEnv("renderer.frame_timeout", "RENDERER_FRAME_TIMEOUT")
	_ = v.BindEnv("renderer.jpeg_quality", "RENDERER_JPEG_QUALITY")
	_ = v.BindEnv("encoder.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("encoder.preset", "ENCODER_PRESET")
	_ = v.BindEnv("delivery.dir", "EXPORTS_DIR")
	_ = v.BindEnv("delivery.archive", "ARCHIVE_PROVIDER")
	_ = v.BindEnv("delivery.url_ttl", "ARCHIVE_URL_TTL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("s3.region", "S3_REGION")
	_ = v.BindEnv("s3.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("s3.access_key_id", "S3_ACCESS_KEY_ID")
	_ = v.BindEnv("s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("s3.bucket_name", "S3_BUCKET")
	_ = v.BindEnv("s3.public_url", "S3_PUBLIC_URL")
	_ = v.BindEnv("gcs.bucket_name", "GCS_BUCKET")
	_ = v.BindEnv("gcs.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("gcs.public_url", "GCS_PUBLIC_URL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("auth.issuer", "AUTH_ISSUER")
	_ = v.BindEnv("auth.audience", "AUTH_AUDIENCE")
	_ = v.BindEnv("auth.jwks_url", "AUTH_JWKS_URL")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.api_enabled", true)
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.job_timeout", 15*time.Minute)
	v.SetDefault("worker.stale_grace", time.Minute)
	v.SetDefault("worker.scratch_dir", os.TempDir())
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Queue defaults
	v.SetDefault("queue.driver", "asynq")
	v.SetDefault("queue.name", "video-export")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", 2*time.Second)
	v.SetDefault("queue.max_delay", time.Minute)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.dead_letter_limit", 1000)

	// Store defaults
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.ttl", time.Duration(0))

	// Renderer defaults
	v.SetDefault("renderer.driver", "browser")
	v.SetDefault("renderer.software_gl", true)
	v.SetDefault("renderer.ready_timeout", 5*time.Second)
	v.SetDefault("renderer.frame_timeout", 30*time.Second)
	v.SetDefault("renderer.jpeg_quality", 90)

	// Encoder defaults
	v.SetDefault("encoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("encoder.preset", "fast")

	// Delivery defaults
	v.SetDefault("delivery.dir", "./public_exports")
	v.SetDefault("delivery.archive", "")
	v.SetDefault("delivery.url_ttl", 24*time.Hour)
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.export_per_hour", 30)
	v.SetDefault("ratelimit.downloads_per_min", 60)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:       v.GetString("server.port"),
			Env:        v.GetString("server.env"),
			LogLevel:   v.GetString("server.log_level"),
			LogFormat:  v.GetString("server.log_format"),
			PublicURL:  strings.TrimRight(v.GetString("server.public_url"), "/"),
			APIEnabled: v.GetBool("server.api_enabled"),
		},
		Worker: WorkerConfig{
			Enabled:     v.GetBool("worker.enabled"),
			Concurrency: v.GetInt("worker.concurrency"),
			JobTimeout:  v.GetDuration("worker.job_timeout"),
			StaleGrace:  v.GetDuration("worker.stale_grace"),
			ScratchDir:  v.GetString("worker.scratch_dir"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Driver:          strings.ToLower(v.GetString("queue.driver")),
			URL:             v.GetString("queue.url"),
			Name:            v.GetString("queue.name"),
			MaxAttempts:     v.GetInt("queue.max_attempts"),
			BaseDelay:       v.GetDuration("queue.base_delay"),
			MaxDelay:        v.GetDuration("queue.max_delay"),
			Retention:       v.GetDuration("queue.retention"),
			DeadLetterLimit: v.GetInt("queue.dead_letter_limit"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			DSN:    v.GetString("store.dsn"),
			TTL:    v.GetDuration("store.ttl"),
		},
		Renderer: RendererConfig{
			Driver:       strings.ToLower(v.GetString("renderer.driver")),
			Command:      strings.Fields(v.GetString("renderer.command")),
			ChromePath:   v.GetString("renderer.chrome_path"),
			SoftwareGL:   v.GetBool("renderer.software_gl"),
			ReadyTimeout: v.GetDuration("renderer.ready_timeout"),
			FrameTimeout: v.GetDuration("renderer.frame_timeout"),
			JPEGQuality:  v.GetInt("renderer.jpeg_quality"),
		},
		Encoder: EncoderConfig{
			FFmpegPath: v.GetString("encoder.ffmpeg_path"),
			Preset:     v.GetString("encoder.preset"),
		},
		Delivery: DeliveryConfig{
			Dir:     v.GetString("delivery.dir"),
			Archive: strings.ToLower(v.GetString("delivery.archive")),
			URLTTL:  v.GetDuration("delivery.url_ttl"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		S3: S3Config{
			Region:          v.GetString("s3.region"),
			Endpoint:        v.GetString("s3.endpoint"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
			BucketName:      v.GetString("s3.bucket_name"),
			PublicURL:       v.GetString("s3.public_url"),
		},
		GCS: GCSConfig{
			BucketName:      v.GetString("gcs.bucket_name"),
			CredentialsFile: v.GetString("gcs.credentials_file"),
			PublicURL:       v.GetString("gcs.public_url"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Auth: AuthConfig{
			Issuer:   v.GetString("auth.issuer"),
			Audience: v.GetString("auth.audience"),
			JWKSURL:  v.GetString("auth.jwks_url"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			ExportPerHour:   v.GetInt("ratelimit.export_per_hour"),
			DownloadsPerMin: v.GetInt("ratelimit.downloads_per_min"),
		},
	}

	return cfg, nil
}
