package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/models"
	"github.com/akylbek/payment-system/payment-gateway/internal/payments"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

// maxCallbackBody caps what a provider may post.
const maxCallbackBody = 1 << 20

type CallbackHandler struct {
	reconciler *payments.Reconciler
}

func NewCallbackHandler(reconciler *payments.Reconciler) *CallbackHandler {
	return &CallbackHandler{reconciler: reconciler}
}

// Handle serves one provider callback route. Once the body is read the
// response is always 200 with the provider's expected reply, since providers
// keep redelivering anything else.
func (h *CallbackHandler) Handle(p models.Provider, kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
		if err != nil {
			telemetry.Logger.Warn("Failed to read callback body", zap.String("provider", string(p)), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		res, err := h.reconciler.HandleCallback(c.Request.Context(), p, kind, c.Request.URL.Query(), body)
		if res == nil {
			// Provider not configured here; there is no reply format to honour.
			telemetry.Logger.Warn("Callback for unconfigured provider", zap.String("provider", string(p)), zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		if err != nil && !apperr.IsKind(err, apperr.Malformed) {
			telemetry.Logger.Error("Callback acknowledged without being applied",
				zap.String("provider", string(p)),
				zap.String("kind", kind),
				zap.Error(err),
			)
		}
		c.JSON(http.StatusOK, res.Reply)
	}
}
