package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"

	"github.com/hydrangea-dev/grok-gateway/internal/auth"
	"github.com/hydrangea-dev/grok-gateway/internal/batch"
	"github.com/hydrangea-dev/grok-gateway/internal/config"
	"github.com/hydrangea-dev/grok-gateway/internal/logger"
	"github.com/hydrangea-dev/grok-gateway/internal/metrics"
	"github.com/hydrangea-dev/grok-gateway/internal/proxy"
	"github.com/hydrangea-dev/grok-gateway/internal/settings"
	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
	"github.com/hydrangea-dev/grok-gateway/internal/tokenpool"
	"github.com/hydrangea-dev/grok-gateway/internal/tracking"
	"github.com/hydrangea-dev/grok-gateway/internal/upstream"
)

const adminTokenTTL = 24 * time.Hour

func main() {
	config.LoadConfig()

	log := logger.New(logger.Config{
		Level:  parseLogLevel(config.AppConfig.LogLevel),
		Format: config.AppConfig.LogFormat,
	})

	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()

	// Stores
	settingsStore := settings.NewStore(pg.NewSettingsStore(db), log)
	requestLogStore := pg.NewRequestLogStore(db)
	tokenStore := pg.NewTokenStore(db)
	progressStore := pg.NewProgressStore(db)

	// Services
	trackingSvc := tracking.NewService(requestLogStore, log)
	retention := tracking.NewRetention(requestLogStore, log)
	if err := retention.Start(); err != nil {
		log.Error("failed to start log retention job", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := batch.NewRegistry(0, log)

	var bridge *batch.DistributedCancelService
	var nc *nats.Conn
	if config.AppConfig.NatsURL != "" {
		nc, err = nats.Connect(config.AppConfig.NatsURL)
		if err != nil {
			log.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bridge = batch.NewDistributedCancelService(nc, registry, log, logger.GetInstanceID())
		if err := bridge.Start(); err != nil {
			log.Error("failed to start cancel bridge", slog.String("error", err.Error()))
			os.Exit(1)
		}
		log.Info("distributed task cancellation enabled", slog.String("instance_id", logger.GetInstanceID()))
	}

	registry.SetTerminalHook(func(kind string, ev batch.Event) {
		metrics.ObserveBatchTask(kind, string(ev.Status))
		if bridge != nil {
			bridge.PublishTerminal(kind, ev)
		}
	})

	upstreamClient := upstream.NewClient(log)
	pool := tokenpool.NewPool(tokenStore)
	refresher := tokenpool.NewRefresher(tokenStore, progressStore, registry, upstreamClient, log)

	authSvc := auth.NewService(config.AppConfig.AdminJWTSecret, adminTokenTTL)

	// Handlers
	chatHandler := proxy.NewChatHandler(settingsStore, pool, upstreamClient, trackingSvc, log)
	assetHandler := proxy.NewAssetHandler(settingsStore, upstreamClient, log)
	adminHandler := proxy.NewAdminHandler(authSvc, settingsStore, trackingSvc, tokenStore, progressStore, registry, refresher, bridge, log)

	router := proxy.NewRouter(proxy.RouterDeps{
		Chat:     chatHandler,
		Admin:    adminHandler,
		Assets:   assetHandler,
		Auth:     authSvc,
		Settings: settingsStore,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(config.AppConfig.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization"},
		AllowCredentials: false,
	}).Handler(router)

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: corsHandler,
	}

	go func() {
		log.Info("gateway listening", slog.String("port", config.AppConfig.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	// Stop accepting first, then drain the background services so in-flight
	// request logs and batch events still land.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", slog.String("error", err.Error()))
	}

	trackingSvc.Shutdown()
	retention.Stop()
	registry.Shutdown()
	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			log.Error("failed to stop cancel bridge", slog.String("error", err.Error()))
		}
	}
	if nc != nil {
		nc.Close()
	}

	log.Info("server exited")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
