package middleware

import (
	"net/http"
	"strconv"

	"consult_realtime/internal/config"
	"consult_realtime/internal/service"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	cfg              config.RateLimitConfig
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, cfg config.RateLimitConfig, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		cfg:              cfg,
		log:              log,
	}
}

// Limit counts requests per authenticated user, falling back to the client
// IP for anonymous callers. A failing limiter lets the request through.
func (m *RateLimitMiddleware) Limit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, ok := UserID(c)
		if !ok {
			subject = c.ClientIP()
		}
		key := "rate:" + scope + ":" + subject
		limit := m.cfg.MessagesPerMinute

		allowed, err := m.rateLimitService.Allow(c.Request.Context(), key, limit, m.cfg.Window)
		if err != nil {
			m.log.Error("Rate limit check failed", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if !allowed {
			c.Header("X-RateLimit-Remaining", "0")
			abort(c, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}
