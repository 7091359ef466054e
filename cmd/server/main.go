package main

import (
	"context"
	"log"
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

	"github.com/voltscope/api/internal/auth"
	"github.com/voltscope/api/internal/classifier"
	"github.com/voltscope/api/internal/client"
	"github.com/voltscope/api/internal/config"
	"github.com/voltscope/api/internal/handler"
	"github.com/voltscope/api/internal/middleware"
	"github.com/voltscope/api/internal/resilience"
	"github.com/voltscope/api/internal/service"
	"github.com/voltscope/api/internal/shepherd"
	"github.com/voltscope/api/internal/store"
	"github.com/voltscope/api/internal/worker"
	ws "github.com/voltscope/api/internal/websocket"
)

// Breaker keys, one per external dependency
const (
	breakerExtraction = "extraction"
	breakerWeather    = "weather"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	extractionClient := client.NewExtractionClient(&cfg.Extraction)
	weatherClient := client.NewWeatherClient(&cfg.Weather)

	// Initialize R2 client (optional - continues if not configured)
	var archive client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			archive = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, snapshot archival disabled")
	}

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize stores
	jobStore := store.NewJobStore(redisClient, cfg.Pipeline.TerminalTTLDur())
	recordStore := store.NewRecordStore(redisClient)
	systemStore := store.NewSystemStore(redisClient)
	breakerStateStore := store.NewBreakerStateStore(redisClient)
	shepherdStateStore := store.NewShepherdStateStore(redisClient)

	// Initialize circuit breakers, state persisted in Redis
	breakers := resilience.NewBreakerSet(breakerStateStore)
	extractionBreaker := breakers.Register(breakerExtraction,
		cfg.Breakers.ExtractionThreshold,
		time.Duration(cfg.Breakers.ExtractionCooldown)*time.Second)
	weatherBreaker := breakers.Register(breakerWeather,
		cfg.Breakers.WeatherThreshold,
		time.Duration(cfg.Breakers.WeatherCooldown)*time.Second)

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Extraction.MaxRetries

	// Initialize classifier and services
	cls := classifier.New(recordStore, nil)
	submitService := service.NewSubmitService(jobStore, cls, asynqClient)
	statusService := service.NewStatusService(jobStore)
	analysisService := service.NewAnalysisService(recordStore, archive)
	systemService := service.NewSystemService(systemStore)

	// Initialize handlers
	snapshotHandler := handler.NewSnapshotHandler(submitService, validate)
	statusHandler := handler.NewStatusHandler(statusService, validate)
	recordHandler := handler.NewRecordHandler(analysisService)
	systemHandler := handler.NewSystemHandler(systemService, validate)
	breakerHandler := handler.NewBreakerHandler(breakers)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		// Direct mode: auth is handled by the backend itself
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize the analysis worker and shepherd
	analysisWorker := worker.NewAnalysisWorker(
		jobStore, recordStore, systemStore,
		extractionClient, weatherClient, archive, hub,
		extractionBreaker, weatherBreaker, retryCfg,
	)
	shep := shepherd.New(jobStore, shepherdStateStore, asynqClient, shepherd.Config{
		Interval:         cfg.Pipeline.ShepherdTick(),
		BatchSize:        cfg.Pipeline.DispatchBatchSize,
		StageTimeout:     cfg.Pipeline.StageTimeoutDur(),
		MaxRetries:       cfg.Pipeline.MaxRetries,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
		Cooldown:         cfg.Pipeline.CooldownDur(),
	})

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    64 * 1024 * 1024, // 64MB batch upload headroom
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"extraction": extractionClient.IsConfigured(),
				"weather":    weatherClient.IsConfigured(),
				"r2":         archive != nil,
				"auth":       jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Snapshot submission
	api.Post("/snapshots", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), snapshotHandler.Submit)

	// Job status
	jobs := api.Group("/jobs", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin))
	jobs.Post("/status", statusHandler.Batch)
	jobs.Get("/:jobId", statusHandler.Get)

	// Analysis records
	api.Get("/records/:recordId", recordHandler.Get)

	// Systems
	api.Post("/systems", systemHandler.Register)
	api.Get("/systems", systemHandler.List)

	// Admin
	admin := api.Group("/admin", rateLimiter.AdminLimit(cfg.RateLimit.AdminPerMin))
	admin.Get("/breakers", breakerHandler.List)
	admin.Post("/breakers/:key/reset", breakerHandler.Reset)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server and the shepherd tick loop
	go startWorkerServer(cfg, analysisWorker, shep)

	shepherdCtx, stopShepherd := context.WithCancel(ctx)
	go shep.Run(shepherdCtx)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		stopShepherd()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, analysisWorker *worker.AnalysisWorker, shep *shepherd.Shepherd) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(shepherd.TaskTypeAnalysis, analysisWorker.ProcessTask)
	mux.HandleFunc(shepherd.TaskTypeTick, shep.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
