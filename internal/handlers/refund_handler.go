package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/payments"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

type RefundHandler struct {
	repo     interfaces.RefundRepository
	executor *payments.RefundExecutor
}

func NewRefundHandler(repo interfaces.RefundRepository, executor *payments.RefundExecutor) *RefundHandler {
	return &RefundHandler{repo: repo, executor: executor}
}

// CreateRefund records a refund and submits it straight away. The refund is
// returned in whatever state submission left it.
func (h *RefundHandler) CreateRefund(c *gin.Context) {
	var req models.CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid refund request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	refund, err := h.executor.CreateRefund(ctx, c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	processed, err := h.executor.Process(ctx, refund.ID)
	if err != nil {
		// Recorded but not yet submitted; the poller picks it up.
		telemetry.Logger.Error("Refund submission failed",
			zap.String("refund_id", refund.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusAccepted, refund)
		return
	}

	status := http.StatusCreated
	if processed.Status == models.RefundFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, processed)
}

func (h *RefundHandler) GetRefund(c *gin.Context) {
	refund, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *RefundHandler) ListRefunds(c *gin.Context) {
	refunds, err := h.repo.ListByPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if refunds == nil {
		refunds = []*models.Refund{}
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds})
}
