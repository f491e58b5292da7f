package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peercall-backend/internal/config"
	intDatabase "peercall-backend/internal/database"
	callHandler "peercall-backend/internal/handler/http/call"
	wsHandler "peercall-backend/internal/handler/ws"
	"peercall-backend/internal/mailbox"
	"peercall-backend/internal/media"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/repository/cockroach"
	redisRepo "peercall-backend/internal/repository/redis"
	"peercall-backend/internal/service/calllog"
	"peercall-backend/internal/service/gate"
	"peercall-backend/internal/service/session"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

func main() {
	ctx := context.Background()

	// 1. Load configuration and logging
	cfg := config.Load()

	logFormat := "console"
	if cfg.IsProduction() {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{Level: os.Getenv("LOG_LEVEL"), Format: logFormat}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Connect to CockroachDB for the call log archive with retry logic
	var db *intDatabase.DB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = intDatabase.NewDB(ctx, cfg.DBConnString(), nil)
	if err != nil {
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
			time.Sleep(delay)

			db, err = intDatabase.NewDB(ctx, cfg.DBConnString(), nil)
			if err == nil {
				break
			}
		}
	}

	var archive calllog.Archive
	var history callHandler.HistoryStore
	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
		log.Println("Running without call log archive")
	} else {
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare database schema: %v", err)
		}
		archiveRepo := cockroach.NewCallArchiveRepository(db.Pool)
		archive = archiveRepo
		history = archiveRepo
		log.Println("✅ Connected to CockroachDB")
	}

	// 3. Initialize Redis with degraded mode support
	intDatabase.InitRedisMetrics()
	redisConfig := &intDatabase.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Fatalf("Failed to initialize Redis client: %v", err)
	}
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		log.Printf("Warning: Redis not reachable at startup: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	blocklistRepo := redisRepo.NewBlocklistRepository(redisDB)

	// 4. Signaling mailbox factory
	var newMailbox session.MailboxFactory
	var apiMailbox mailbox.Mailbox

	switch cfg.MailboxBackend {
	case "memory":
		sharedTree := mailbox.NewMemory()
		newMailbox = func(ctx context.Context, uid string) (mailbox.Mailbox, error) {
			return mailbox.NewShared(sharedTree), nil
		}
		apiMailbox = mailbox.NewShared(sharedTree)
		log.Println("✅ Using in-memory signaling mailbox")

	case "redis":
		newMailbox = func(ctx context.Context, uid string) (mailbox.Mailbox, error) {
			return mailbox.NewRedis(redisDB.Client, uid)
		}
		apiMailbox, err = mailbox.NewRedis(redisDB.Client, "api-"+uuid.New().String())
		if err != nil {
			log.Fatalf("Failed to attach signaling mailbox: %v", err)
		}
		defer apiMailbox.Close()

		// Janitor applies deferred writes of owners that vanished
		janitorCtx, janitorCancel := context.WithCancel(ctx)
		defer janitorCancel()
		if r, ok := apiMailbox.(*mailbox.Redis); ok {
			go r.RunJanitor(janitorCtx, cfg.JanitorSweepInterval)
		}
		log.Println("✅ Using Redis signaling mailbox")

	default:
		log.Fatalf("Unknown MAILBOX_BACKEND %q (want redis or memory)", cfg.MailboxBackend)
	}

	// 5. Media engine
	var engine media.Engine
	switch os.Getenv("MEDIA_ENGINE") {
	case "loopback", "":
		engine = media.NewLoopbackEngine()
		log.Println("ℹ️  Using loopback media engine")
	default:
		log.Fatalf("Unknown MEDIA_ENGINE %q", os.Getenv("MEDIA_ENGINE"))
	}

	// 6. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 7. Session registry
	var blocklist gate.Blocklist = blocklistRepo
	registry := session.NewRegistry(newMailbox, engine, archive, blocklist, appMetrics, cfg.ICEServers)

	// 8. Handlers
	callHdlr := callHandler.NewHandler(history, blocklistRepo, apiMailbox)
	eventsHub := wsHandler.NewEventsHub(registry, appMetrics)

	// 9. Setup Gin Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	trustedProxies := []string{}
	if cfg.IsProduction() {
		trustedProxies = []string{
			"10.0.0.0/8",
		}
	} else {
		trustedProxies = []string{
			"127.0.0.1",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	{
		users := v1.Group("/users")
		{
			users.GET("/:uid/calls", callHdlr.GetHistory)
			users.GET("/:uid/presence", callHdlr.GetPresence)
			users.GET("/:uid/blocklist", callHdlr.GetBlocklist)
			users.POST("/:uid/blocklist", callHdlr.Block)
			users.DELETE("/:uid/blocklist/:partner", callHdlr.Unblock)
		}

		// WebSocket endpoint for call events and commands
		v1.GET("/calls/ws", eventsHub.ServeWS)
	}

	// 10. Start server in goroutine
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %s\n", cfg.Port)
		log.Println("📡 Call events: /v1/calls/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	registry.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
