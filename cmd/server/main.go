package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/loopforge/exporter/internal/auth"
	"github.com/loopforge/exporter/internal/client"
	"github.com/loopforge/exporter/internal/config"
	"github.com/loopforge/exporter/internal/delivery"
	"github.com/loopforge/exporter/internal/encoder"
	"github.com/loopforge/exporter/internal/handler"
	"github.com/loopforge/exporter/internal/jobstore"
	"github.com/loopforge/exporter/internal/middleware"
	"github.com/loopforge/exporter/internal/queue"
	"github.com/loopforge/exporter/internal/render"
	"github.com/loopforge/exporter/internal/router"
	"github.com/loopforge/exporter/internal/service"
	ws "github.com/loopforge/exporter/internal/websocket"
	"github.com/loopforge/exporter/internal/worker"
	"github.com/loopforge/exporter/pkg/logger"
	"github.com/loopforge/exporter/pkg/response"
)

// @title          Loopforge Exporter API
// @version        1.0
// @description    Renders fragment shaders to video files asynchronously.
// @host           localhost:8080
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Server.LogLevel,
		Format:      cfg.Server.LogFormat,
		ServiceName: "exporter",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	store, err := jobstore.Open(ctx, cfg.Store, redisClient)
	if err != nil {
		log.Error("failed to open job store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	enqueuer, consumer, err := openQueue(cfg, log)
	if err != nil {
		log.Error("failed to connect queue", "driver", cfg.Queue.Driver, "error", err)
		os.Exit(1)
	}
	defer enqueuer.Close()

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	// The local delivery dir backs /download; an archive provider replaces it.
	var files *delivery.LocalPublisher
	var publisher delivery.Publisher
	if cfg.Delivery.Archive == "" {
		files, err = delivery.NewLocalPublisher(cfg.Delivery.Dir, cfg.Server.PublicURL, log)
		if err != nil {
			log.Error("failed to prepare delivery dir", "dir", cfg.Delivery.Dir, "error", err)
			os.Exit(1)
		}
		publisher = files
	} else {
		objects, closeObjects, err := openArchive(ctx, cfg)
		if err != nil {
			log.Error("failed to init archive storage", "provider", cfg.Delivery.Archive, "error", err)
			os.Exit(1)
		}
		defer closeObjects()
		publisher = delivery.NewArchivePublisher(objects, "exports", cfg.Delivery.URLTTL, log)
	}

	if cfg.Worker.Enabled {
		exportWorker := newExportWorker(cfg, store, publisher, hub, log)
		if err := consumer.Start(exportWorker.Handle); err != nil {
			log.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
		log.Info("export worker started",
			"queue", cfg.Queue.Driver,
			"concurrency", cfg.Worker.Concurrency,
			"renderer", cfg.Renderer.Driver,
		)
		defer consumer.Shutdown()
	}

	if !cfg.Server.APIEnabled {
		<-ctx.Done()
		log.Info("shutting down worker")
		return
	}

	// Initialize JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Auth.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Auth)
		if err != nil {
			log.Warn("JWKS verifier not initialized", "issuer", cfg.Auth.Issuer, "error", err)
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}

	// Initialize middleware (with fallback support)
	var authenticate, identify fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: auth is handled by ForwardAuth, read X-User-* headers
		log.Info("gateway mode enabled, using header-based auth")
		authenticate = middleware.GatewayAuthMiddleware()
		identify = middleware.GatewayIdentifyMiddleware()
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if tokenVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(tokenVerifier, cfg.JWT.Secret)
		} else if tokenVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(tokenVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		authenticate = authMiddleware.Authenticate()
		identify = authMiddleware.Identify()
	}

	exportService := service.NewExportService(store, enqueuer, validator.New(), log)

	routes := router.Routes{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"store": exportService.Ping,
		}),
		Export:          handler.NewExportHandler(exportService, log),
		Hub:             hub,
		Authenticate:    authenticate,
		Identify:        identify,
		RateLimiter:     middleware.NewRateLimiter(redisClient),
		ExportPerHour:   cfg.RateLimit.ExportPerHour,
		DownloadsPerMin: cfg.RateLimit.DownloadsPerMin,
	}
	if files != nil {
		if n, err := files.Recover(); err != nil {
			log.Warn("delivery dir recovery failed", "dir", cfg.Delivery.Dir, "error", err)
		} else if n > 0 {
			log.Info("restored interrupted downloads", "count", n)
		}
		routes.Download = handler.NewDownloadHandler(files, log)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	router.Setup(app, routes)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		Name:        cfg.Queue.Name,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
		// the broker's own ceiling sits above the worker's
		Timeout:   cfg.Worker.JobTimeout + time.Minute,
		Retention: cfg.Queue.Retention,
	}
}

// openQueue connects the configured broker. Both sides share one connection.
func openQueue(cfg *config.Config, log *logger.Logger) (queue.Enqueuer, queue.Consumer, error) {
	opts := queueOptions(cfg)

	switch cfg.Queue.Driver {
	case "", "asynq":
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		enqueuer := queue.NewAsynqEnqueuer(redisOpt, opts)
		consumer := queue.NewAsynqConsumer(redisOpt, opts, cfg.Worker.Concurrency, cfg.Server.LogLevel, log.WithComponent("queue").Logger)
		return enqueuer, consumer, nil
	case "rabbitmq":
		if cfg.Queue.URL == "" {
			return nil, nil, fmt.Errorf("queue.url is required for rabbitmq")
		}
		r, err := queue.DialRabbit(cfg.Queue.URL, opts, cfg.Worker.Concurrency, cfg.Queue.DeadLetterLimit, log.WithComponent("queue").Logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// openArchive builds the object store client for delivery.archive.
func openArchive(ctx context.Context, cfg *config.Config) (client.StorageClient, func(), error) {
	noop := func() {}
	switch cfg.Delivery.Archive {
	case "r2":
		c, err := client.NewR2Client(&cfg.R2)
		return c, noop, err
	case "s3":
		c, err := client.NewS3Client(&cfg.S3)
		return c, noop, err
	case "gcs":
		c, err := client.NewGCSClient(ctx, &cfg.GCS)
		if err != nil {
			return nil, noop, err
		}
		return c, func() { c.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown archive provider %q", cfg.Delivery.Archive)
	}
}

func newExportWorker(cfg *config.Config, store jobstore.Store, publisher delivery.Publisher, hub *ws.Hub, log *logger.Logger) *worker.ExportWorker {
	var launcher render.Launcher
	switch cfg.Renderer.Driver {
	case "process":
		launcher = &render.ProcessLauncher{
			Command:     cfg.Renderer.Command,
			JPEGQuality: cfg.Renderer.JPEGQuality,
			Log:         log,
		}
	default:
		launcher = &render.BrowserLauncher{
			ChromePath:  cfg.Renderer.ChromePath,
			SoftwareGL:  cfg.Renderer.SoftwareGL,
			JPEGQuality: cfg.Renderer.JPEGQuality,
			Log:         log,
		}
	}

	driver := render.NewDriver(launcher, render.DriverConfig{
		ScratchDir:   cfg.Worker.ScratchDir,
		ReadyTimeout: cfg.Renderer.ReadyTimeout,
		FrameTimeout: cfg.Renderer.FrameTimeout,
	}, log)
	driver.OnProgress(hub.BroadcastProgress)

	enc := encoder.New(cfg.Encoder.FFmpegPath, cfg.Encoder.Preset, log)

	return worker.NewExportWorker(store, driver, enc, publisher, hub, worker.Config{
		JobTimeout: cfg.Worker.JobTimeout,
		StaleGrace: cfg.Worker.StaleGrace,
	}, log)
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
