package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consult_realtime/internal/config"
	"consult_realtime/internal/handler"
	"consult_realtime/internal/hub"
	"consult_realtime/internal/middleware"
	"consult_realtime/internal/protocol"
	"consult_realtime/internal/repository"
	"consult_realtime/internal/service"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.Level)
	defer appLogger.Sync()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Invalid database DSN", "error", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	clk := clock.New()
	repos := repository.NewRepositories(dbPool, rdb, appLogger)

	// The message service publishes through the hub, and the hub authorizes
	// joins through the services.
	var realtime *hub.Hub
	publish := service.PublisherFunc(func(rooms []string, event protocol.EventType, payload interface{}) error {
		return realtime.Publish(rooms, event, payload)
	})
	services := service.NewServices(repos, publish, cfg, clk, appLogger)

	var (
		members hub.MemberStore
		bus     hub.Bus
	)
	if cfg.Hub.BusEnabled {
		members = hub.NewRedisMembers(rdb, cfg.Hub.BusChannel)
		bus = hub.NewRedisBus(rdb, cfg.Hub.BusChannel, appLogger)
	}
	realtime = hub.New(cfg.Hub, services.Conversation, services.Credential, members, bus, clk, appLogger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		if err := realtime.Run(ctx); err != nil {
			appLogger.Error("Hub stopped", "error", err)
		}
	}()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.RateLimit, appLogger)

	handlers := handler.NewHandlers(services, realtime, cfg, appLogger)

	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	// WriteTimeout stays zero: it would cut long-lived websocket connections.
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr, "instance", cfg.Hub.InstanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))

	router.GET("/health", handlers.Health.Check)
	router.GET("/server-info", handlers.Health.ServerInfo)

	router.GET("/ws", authMiddleware.RequireAuth(), handlers.WebSocket.Handle)

	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware.RequireAuth())
	{
		v1.GET("/conversations", handlers.Conversation.List)
		v1.GET("/conversations/:id", handlers.Conversation.History)
		v1.POST("/messages", rateLimitMiddleware.Limit("messages"), handlers.Message.Create)
		v1.GET("/session-credential/:engagementId", handlers.Credential.Issue)
	}

	return router
}
