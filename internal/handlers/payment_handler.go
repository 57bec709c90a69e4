package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/payments"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

type PaymentHandler struct {
	repo       interfaces.PaymentRepository
	initiator  *payments.Initiator
	reconciler *payments.Reconciler
}

func NewPaymentHandler(repo interfaces.PaymentRepository, initiator *payments.Initiator, reconciler *payments.Reconciler) *PaymentHandler {
	return &PaymentHandler{
		repo:       repo,
		initiator:  initiator,
		reconciler: reconciler,
	}
}

func (h *PaymentHandler) CreateCharge(c *gin.Context) {
	var req models.CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid charge request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.initiate(c, "charge", func() (*models.InitiationResult, error) {
		return h.initiator.InitiateCharge(c.Request.Context(), models.PaymentRequest{
			Provider:    req.Provider,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Phone:       req.Phone,
			Reference:   req.Reference,
			Description: req.Description,
			Order:       req.Order,
		})
	})
}

func (h *PaymentHandler) CreatePayout(c *gin.Context) {
	var req models.CreatePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payout request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Provider == "" {
		req.Provider = models.ProviderMpesa
	}

	h.initiate(c, "payout", func() (*models.InitiationResult, error) {
		return h.initiator.InitiatePayout(c.Request.Context(), models.PaymentRequest{
			Provider:  req.Provider,
			Amount:    req.Amount,
			Phone:     req.Phone,
			Reference: req.Reference,
			Remarks:   req.Remarks,
			Occasion:  req.Occasion,
		})
	})
}

// initiate maps an initiation outcome to a response: 201 accepted, 202
// outcome unknown, and the apperr status for failures. A rejected initiation
// still returns the failed payment.
func (h *PaymentHandler) initiate(c *gin.Context, what string, run func() (*models.InitiationResult, error)) {
	span := trace.SpanFromContext(c.Request.Context())

	res, err := run()
	if err != nil {
		if res != nil && res.Payment != nil {
			telemetry.Logger.Info("Payment initiation rejected",
				zap.String("payment_id", res.Payment.ID),
				zap.String("purpose", what),
				zap.Error(err),
			)
			c.JSON(apperr.HTTPStatus(err), errorBody(err, gin.H{"payment": res.Payment}))
			return
		}
		respondError(c, err)
		return
	}

	telemetry.Logger.Info("Payment initiated",
		zap.String("payment_id", res.Payment.ID),
		zap.String("purpose", what),
		zap.String("status", string(res.Payment.Status)),
		zap.Bool("pending", res.Pending),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)

	status := http.StatusCreated
	if res.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	payment, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// GetStatus reports a payment's status; refresh=true asks the provider first
// when the payment is not yet terminal.
func (h *PaymentHandler) GetStatus(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	if refresh {
		res, err := h.reconciler.Refresh(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	payment, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payments.StatusOf(payment))
}
