// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	app "chainflow-wallet/internal"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create and initialize the application
	application := app.NewApplication()
	if err := application.Initialize(ctx); err != nil {
		application.Logger.Error("Failed to initialize application", zap.Error(err))
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}

	// Start HTTP server
	serverConfig := application.Config.Server
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(serverConfig.Port),
		Handler:      application.HTTPHandler,
		ReadTimeout:  serverConfig.ReadTimeout,
		WriteTimeout: serverConfig.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	// Provisioning retries can outlast the configured write timeout.
	if server.WriteTimeout > 0 && server.WriteTimeout < 65*time.Second {
		server.WriteTimeout = 65 * time.Second
	}

	// Run server in a goroutine
	go func() {
		application.Logger.Info("Starting HTTP server", zap.Int("port", serverConfig.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			application.Logger.Fatal("HTTP server failed to start", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	application.Logger.Info("Shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		application.Logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Drain background settlement, then close Redis and the database
	if err := application.Shutdown(shutdownCtx); err != nil {
		application.Logger.Error("Application shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}
