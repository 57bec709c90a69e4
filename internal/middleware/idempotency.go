package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-gateway/internal/telemetry"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	ContextKey           = "idempotency_key"
	ReplayTTL            = 24 * time.Hour
)

// cachedResponse is what gets stored under idempotency:<method>:<route>:<key>.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// cacheKey scopes key to the route so the same key sent to two endpoints
// never replays one endpoint's response on the other.
func cacheKey(c *gin.Context, key string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", c.Request.Method, c.FullPath(), key)
}

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. Responses below 500 are stored for ReplayTTL. Redis being
// unavailable only disables replay; the database uniqueness on the payment
// reference still rejects duplicates.
func IdempotencyMiddleware(redisClient redis.Cmdable) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header is required"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		stored := cacheKey(c, key)

		cached, err := redisClient.Get(ctx, stored).Bytes()
		if err == nil {
			var resp cachedResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				c.Header("Idempotent-Replayed", "true")
				c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
				c.Abort()
				return
			}
		} else if !errors.Is(err, redis.Nil) {
			telemetry.Logger.Warn("Idempotency cache unavailable", zap.Error(err))
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Set(ContextKey, key)
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError || w.body.Len() == 0 {
			return
		}
		payload, err := json.Marshal(cachedResponse{Status: status, Body: w.body.Bytes()})
		if err != nil {
			return
		}
		if err := redisClient.Set(ctx, stored, payload, ReplayTTL).Err(); err != nil {
			telemetry.Logger.Warn("Failed to cache idempotent response",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		}
	}
}
