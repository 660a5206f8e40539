package middleware

import (
	"fmt"
	"net/http"
	"time"

	"realtime-service/internal/services"

	"github.com/gin-gonic/gin"
)

type RateLimitMiddleware struct {
	redisService *services.RedisService
}

func NewRateLimitMiddleware(redisService *services.RedisService) *RateLimitMiddleware {
	return &RateLimitMiddleware{redisService: redisService}
}

// RateLimitIP limits requests per client IP per endpoint; the REST surface
// is unauthenticated so IP is the only stable key.
func (rm *RateLimitMiddleware) RateLimitIP(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("rate_limit_ip:%s:%s", c.ClientIP(), c.Request.URL.Path)

		allowed, err := rm.redisService.CheckRateLimit(c.Request.Context(), key, requests, window)
		if err != nil {
			// Redis trouble must not take the read path down with it.
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": fmt.Sprintf("Too many requests. Limit: %d per %v", requests, window),
			})
			return
		}

		c.Next()
	}
}

// WebSocketRateLimit bounds handshake attempts per IP so a reconnect loop
// gone wrong cannot hammer the upgrader.
func (rm *RateLimitMiddleware) WebSocketRateLimit(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("rate_limit:websocket:%s", c.ClientIP())

		allowed, err := rm.redisService.CheckRateLimit(c.Request.Context(), key, requests, window)
		if err != nil {
			c.Next()
			return
		}

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "WebSocket connection rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
