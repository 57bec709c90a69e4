package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/api"
	"github.com/akylbek/payment-system/payment-gateway/internal/app"
	"github.com/akylbek/payment-system/payment-gateway/internal/config"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("payment-gateway"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Gateway")

	cfg := config.Load()
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		telemetry.Logger.Fatal("Failed to initialize gateway", zap.Error(err))
	}
	defer a.Close()

	// The reconciler normally runs as its own process; RUN_POLLER=true
	// embeds it for single-instance deployments.
	pollCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	if os.Getenv("RUN_POLLER") == "true" {
		go func() {
			if err := a.NewPoller().Run(pollCtx); err != nil && !errors.Is(err, context.Canceled) {
				telemetry.Logger.Error("Poller stopped", zap.Error(err))
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	r := api.NewRouter(api.Services{
		Payments:   a.PaymentRepo,
		Refunds:    a.RefundRepo,
		Initiator:  a.Initiator,
		Reconciler: a.Reconciler,
		Executor:   a.Refunds,
	}, a.Redis)

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Payment Gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	stopPoller()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
