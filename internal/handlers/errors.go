package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

// respondError writes err with the status its apperr kind maps to. Errors
// without a kind are internal and their text is not exposed.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	log := telemetry.WithTrace(c.Request.Context())
	if kind == apperr.Internal {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		log.Warn("Request rejected", zap.String("path", c.FullPath()), zap.String("kind", string(kind)), zap.Error(err))
	}
	c.JSON(status, errorBody(err, nil))
}

func errorBody(err error, extra gin.H) gin.H {
	body := gin.H{
		"error": apperr.PublicMessage(err),
		"kind":  apperr.KindOf(err),
	}
	if ae, ok := apperr.As(err); ok && ae.Code != "" && ae.Kind == apperr.BusinessRejection {
		body["code"] = ae.Code
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}
