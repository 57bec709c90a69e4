package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/akylbek/payment-system/payment-gateway/internal/handlers"
	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/middleware"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/payments"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider/mpesa"
	"github.com/akylbek/payment-system/payment-gateway/internal/provider/pesapal"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

type Services struct {
	Payments   interfaces.PaymentRepository
	Refunds    interfaces.RefundRepository
	Initiator  *payments.Initiator
	Reconciler *payments.Reconciler
	Executor   *payments.RefundExecutor
}

func NewRouter(svc Services, redisClient redis.Cmdable) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-gateway"})
	})

	idempotent := middleware.IdempotencyMiddleware(redisClient)

	paymentHandler := handlers.NewPaymentHandler(svc.Payments, svc.Initiator, svc.Reconciler)
	refundHandler := handlers.NewRefundHandler(svc.Refunds, svc.Executor)
	p := r.Group("/payments")
	{
		p.POST("/charges", idempotent, paymentHandler.CreateCharge)
		p.POST("/payouts", idempotent, paymentHandler.CreatePayout)
		p.GET("/:id", paymentHandler.GetPayment)
		p.GET("/:id/status", paymentHandler.GetStatus)
		p.POST("/:id/refunds", idempotent, refundHandler.CreateRefund)
		p.GET("/:id/refunds", refundHandler.ListRefunds)
	}
	r.GET("/refunds/:id", refundHandler.GetRefund)

	// Provider callbacks
	callbackHandler := handlers.NewCallbackHandler(svc.Reconciler)
	cb := r.Group("/callbacks")
	{
		cb.POST("/mpesa/stk", callbackHandler.Handle(models.ProviderMpesa, mpesa.KindSTK))
		cb.POST("/mpesa/b2c/result", callbackHandler.Handle(models.ProviderMpesa, mpesa.KindB2CResult))
		cb.POST("/mpesa/b2c/timeout", callbackHandler.Handle(models.ProviderMpesa, mpesa.KindB2CTimeout))
		ipn := callbackHandler.Handle(models.ProviderPesapal, pesapal.KindIPN)
		cb.GET("/pesapal/ipn", ipn)
		cb.POST("/pesapal/ipn", ipn)
	}

	return r
}
