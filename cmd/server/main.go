package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/slidevoice/api/internal/client"
	"github.com/slidevoice/api/internal/config"
	"github.com/slidevoice/api/internal/handler"
	"github.com/slidevoice/api/internal/logging"
	"github.com/slidevoice/api/internal/middleware"
	"github.com/slidevoice/api/internal/model"
	"github.com/slidevoice/api/internal/service"
	ws "github.com/slidevoice/api/internal/websocket"
	"github.com/slidevoice/api/internal/worker"
	"github.com/slidevoice/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logging.New(cfg.Server.LogLevel, cfg.Server.Env)

	for _, dir := range []string{cfg.Paths.WorkspaceDir, cfg.Paths.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	ctx := context.Background()

	// Redis is optional; it backs the rate limiter and the asynq queue
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("Redis not available")
		}
	}

	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(log)
	go hub.Run()

	store := openStorage(ctx, cfg, log)

	var events client.EventPublisher = client.NopPublisher{}
	var natsPublisher *client.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPublisher, err = client.NewNATSPublisher(&cfg.NATS)
		if err != nil {
			log.WithError(err).Warn("NATS not available, task events disabled")
		} else {
			events = natsPublisher
		}
	}

	// External tool adapters
	runner := client.ExecRunner{}
	rasterizer := client.NewMutoolRasterizer(&cfg.Rasterizer, runner)
	media := client.NewFFmpegClient(&cfg.Media, runner)
	vibeVoice := client.NewVibeVoiceClient(&cfg.TTS, media, runner)
	var voice client.SpeechSynthesizer = vibeVoice
	if !vibeVoice.IsConfigured() {
		if cfg.TTS.SilentFallback {
			log.Warn("VibeVoice not installed, narrating with silence")
			voice = client.NewSilentSynthesizer(media)
		} else {
			log.Warn("VibeVoice not installed, jobs will fail at voice synthesis")
		}
	}
	llmClient := client.NewLLMClient(&cfg.LLM)
	if !llmClient.IsConfigured() {
		log.Info("LLM not configured, using template scripts")
	}
	scripts := service.NewScriptGenerator(llmClient, log)

	tracker := service.NewJobTracker()
	stageRunner := worker.NewStageRunner(tracker, worker.StageDeps{
		Rasterizer: rasterizer,
		Scripts:    scripts,
		Voice:      voice,
		Media:      media,
		Store:      store,
		Events:     events,
	}, worker.RunnerOptions{OutputDir: cfg.Paths.OutputDir}, hub, log)

	// Dispatcher: in-process goroutines, or asynq backed by redis
	var dispatcher service.JobDispatcher
	var local *worker.LocalDispatcher
	var asynqServer *asynq.Server
	if cfg.Queue.Driver == "asynq" && cfg.Redis.Enabled {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		dispatcher = worker.NewAsynqDispatcher(asynqClient)
		asynqServer = startWorkerServer(cfg, redisOpt, stageRunner, log)
	} else {
		if cfg.Queue.Driver == "asynq" {
			log.Warn("Queue driver asynq needs redis.enabled, falling back to local")
		}
		local = worker.NewLocalDispatcher(stageRunner, cfg.Queue.Concurrency, log)
		dispatcher = local
	}

	taskService := service.NewTaskService(tracker, dispatcher, store, events, validate, service.TaskOptions{
		WorkspaceDir:         cfg.Paths.WorkspaceDir,
		OutputDir:            cfg.Paths.OutputDir,
		DefaultQualityMode:   model.QualityMode(cfg.TTS.QualityMode),
		DefaultSlideDuration: cfg.Media.MinSlideSeconds,
	}, log)

	healthDeps := service.HealthDeps{
		MutoolPath:     cfg.Rasterizer.MutoolPath,
		FFmpegPath:     cfg.Media.FFmpegPath,
		FFprobePath:    cfg.Media.FFprobePath,
		VibeVoiceReady: vibeVoice.IsConfigured,
		SilentFallback: cfg.TTS.SilentFallback,
		LLMConfigured:  llmClient.IsConfigured(),
	}
	if store != nil {
		healthDeps.StorageDriver = store.Name()
	}
	if redisClient != nil {
		healthDeps.RedisPing = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	if natsPublisher != nil {
		healthDeps.EventBusConnected = natsPublisher.Connected
	}
	healthService := service.NewHealthService(healthDeps)

	// Initialize handlers
	taskHandler := handler.NewTaskHandler(taskService, hub, log)
	healthHandler := handler.NewHealthHandler(healthService)
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Server.MaxUploadMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
		Output: log.Writer(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	app.Get("/", healthHandler.Root)
	app.Get("/health", healthHandler.Health)

	app.Post("/upload", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), taskHandler.Upload)
	app.Get("/status/:taskId", taskHandler.Status)
	app.Get("/download/:taskId", taskHandler.Download)
	app.Get("/tasks", taskHandler.List)
	app.Delete("/tasks/:taskId", taskHandler.Delete)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/tasks/:taskId", websocket.New(taskHandler.Watch))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.WithFields(logrus.Fields{
		"addr":    addr,
		"queue":   cfg.Queue.Driver,
		"storage": healthDeps.StorageDriver,
	}).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("Server error")
	}

	// in-flight jobs are cancelled and recorded as failed
	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	if local != nil {
		local.Shutdown()
	}
	hub.Stop()
	events.Close()
	log.Info("Server stopped")
}

// openStorage returns the configured artifact mirror, or nil when disabled or
// misconfigured.
func openStorage(ctx context.Context, cfg *config.Config, log *logrus.Logger) client.ArtifactStore {
	switch cfg.Storage.Driver {
	case "r2":
		if cfg.Storage.R2.AccessKeyID == "" || cfg.Storage.R2.SecretAccessKey == "" {
			log.Warn("R2 storage selected but credentials are missing, mirroring disabled")
			return nil
		}
		r2Client, err := client.NewR2Client(&cfg.Storage.R2)
		if err != nil {
			log.WithError(err).Warn("R2 client not initialized, mirroring disabled")
			return nil
		}
		return r2Client

	case "minio":
		minioClient, err := client.NewMinioClient(&cfg.Storage.Minio)
		if err != nil {
			log.WithError(err).Warn("MinIO client not initialized, mirroring disabled")
			return nil
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := minioClient.EnsureBucket(ensureCtx); err != nil {
			log.WithError(err).Warn("MinIO bucket not available, mirroring disabled")
			return nil
		}
		return minioClient

	case "", "none":
		return nil
	}

	log.WithField("driver", cfg.Storage.Driver).Warn("Unknown storage driver, mirroring disabled")
	return nil
}

// startWorkerServer runs the asynq server in this process. Jobs live in the
// in-memory tracker, so the queue cannot be consumed elsewhere.
func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, runner worker.JobRunner, log *logrus.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	concurrency := cfg.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			worker.QueuePipeline: 1,
		},
		Logger:   log,
		LogLevel: asynqLogLevel,
	})

	mux := asynq.NewServeMux()
	mux.Handle(worker.TaskTypePresentation, worker.NewTaskHandler(runner, log))

	if err := srv.Start(mux); err != nil {
		log.WithError(err).Fatal("Asynq worker failed to start")
	}
	return srv
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest:
		errCode = response.CodeValidationError
	}

	return response.Error(c, code, errCode, message, nil)
}
