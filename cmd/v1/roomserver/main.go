package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/bus"
	"github.com/roomgrid/roomgrid/internal/v1/config"
	"github.com/roomgrid/roomgrid/internal/v1/health"
	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/middleware"
	"github.com/roomgrid/roomgrid/internal/v1/ratelimit"
	"github.com/roomgrid/roomgrid/internal/v1/roomserver"
	"github.com/roomgrid/roomgrid/internal/v1/tracing"
	"github.com/roomgrid/roomgrid/internal/v1/transport"
)

func main() {
	// Load .env for local development; in deployments the environment is
	// injected directly.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateRoomServerEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	ctx := context.Background()
	logging.Info(ctx, "starting room server",
		zap.String("public_url", cfg.PublicURL),
		zap.String("port", cfg.Port),
		zap.Bool("development_mode", cfg.DevelopmentMode),
		zap.String("discovery_secret", config.RedactSecret(cfg.DiscoverySecret)))

	if cfg.OtelEndpoint != "" {
		tp, err := tracing.Init(ctx, tracing.Options{
			ServiceName:        "roomgrid-roomserver",
			CollectorAddr:      cfg.OtelEndpoint,
			InsecureSkipVerify: cfg.OtelInsecureSkipVerify,
		})
		if err != nil {
			logging.Warn(ctx, "tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	busService, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to NATS", zap.Error(err))
	}

	srvCfg := roomserver.DefaultConfig(cfg.PublicURL, cfg.DiscoverySecret)
	srvCfg.SyncRooms = cfg.SyncRooms
	srvCfg.SyncClients = cfg.SyncClients
	srvCfg.RoomOptions = roomserver.RoomOptions{
		PingInterval:     cfg.RoomPingInterval,
		MissedPingsLimit: cfg.MissedPingsLimit,
		KeepAlive:        cfg.KeepAlive,
	}

	server, err := roomserver.New(busService, srvCfg)
	if err != nil {
		logging.Fatal(ctx, "failed to start room server", zap.Error(err))
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimitWsIP)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	allowedOrigins := cfg.AllowedOriginList([]string{"http://localhost:3000"})
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", transport.ServeWS(server, limiter, allowedOrigins))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "room server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down room server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Announce departure on the bus before closing sockets so discovery
	// nodes evict this server immediately instead of waiting for the ping
	// timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "error during room server shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server forced to shutdown", zap.Error(err))
	}

	if err := busService.Close(); err != nil {
		logging.Error(ctx, "failed to close bus connection", zap.Error(err))
	}

	logging.Info(ctx, "room server exited")
}
