package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/app"
	"github.com/akylbek/payment-system/payment-gateway/internal/config"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	if err := telemetry.InitTelemetry("payment-reconciler"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payment Reconciler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	a, err := app.New(ctx, cfg)
	if err != nil {
		telemetry.Logger.Fatal("Failed to initialize reconciler", zap.Error(err))
	}
	defer a.Close()

	// Metrics and health only; the reconciler serves no API.
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-reconciler"})
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	telemetry.Logger.Info("Poller running",
		zap.Duration("interval", cfg.Reconcile.Interval),
		zap.Duration("window", cfg.Reconcile.Window),
		zap.Duration("expire_after", cfg.Reconcile.ExpireAfter),
	)
	if err := a.NewPoller().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		telemetry.Logger.Error("Poller stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}
	telemetry.Logger.Info("Reconciler exited")
}
