package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/api"
	"github.com/tunogya/visionquant/pkg/command"
	"github.com/tunogya/visionquant/pkg/config"
	"github.com/tunogya/visionquant/pkg/engine"
	"github.com/tunogya/visionquant/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := command.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.Close()

	// Warm the index handle so the first query does not pay for the load.
	_, warmErr := app.Holder.Get(ctx)
	if warmErr != nil {
		logger.Warn("No index loaded at startup", zap.Error(warmErr))
	}

	var scheduler *api.Scheduler
	if cfg.Schedule.Rebuild != "" || cfg.Schedule.OnStart {
		scheduler = api.NewScheduler(ctx, app.Runner, logger)
	}
	if cfg.Schedule.Rebuild != "" {
		if err := scheduler.Start(cfg.Schedule.Rebuild); err != nil {
			logger.Fatal("Invalid rebuild schedule", zap.String("schedule", cfg.Schedule.Rebuild), zap.Error(err))
		}
	}
	if cfg.Schedule.OnStart && errors.Is(warmErr, engine.ErrIndexNotReady) {
		scheduler.RunNow()
	}

	handler := api.NewHandler(ctx, app.Runner, logger)
	router := api.NewRouter(handler, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port), zap.String("data_dir", cfg.Data.Dir))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	// running builds stop at their next step and remove their staging dirs
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	handler.Wait()

	logger.Info("Server exited properly")
}
