// Package main provides the main entry point for the sync server
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dochmccrum/sanity/internal/api/rest"
	"github.com/dochmccrum/sanity/internal/api/ws"
	"github.com/dochmccrum/sanity/internal/config"
	"github.com/dochmccrum/sanity/internal/hub"
	"github.com/dochmccrum/sanity/internal/middleware"
	"github.com/dochmccrum/sanity/internal/repository"
	"github.com/dochmccrum/sanity/internal/services"
	"github.com/dochmccrum/sanity/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	m := metrics.NewMetrics()

	store, err := repository.New(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	fanout := hub.New(cfg.Hub.Capacity, logger, m)

	authService := services.NewAuthService(cfg.Auth, logger)
	mergeService := services.NewMergeService(store, fanout, logger, m)
	syncService := services.NewSyncService(store, mergeService, fanout, logger)
	noteService := services.NewNoteService(store, mergeService, fanout, logger)
	folderService := services.NewFolderService(store, logger)

	router := gin.New()
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger, m))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RateLimit(cfg.RateLimit))

	router.GET("/health", func(c *gin.Context) {
		if err := store.HealthCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	restHandler := rest.NewHandler(authService, noteService, folderService, syncService, logger)
	api := router.Group("/api")
	api.Use(middleware.Auth(authService))
	restHandler.SetupRoutes(api)

	wsHandler := ws.NewHandler(fanout, mergeService, syncService, logger, m)
	api.GET("/ws", wsHandler.HandleWebSocket)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting sync server",
			zap.String("addr", srv.Addr),
			zap.Int("hub_capacity", cfg.Hub.Capacity),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited gracefully")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
