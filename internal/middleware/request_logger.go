package middleware

import (
	"time"

	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if userID, ok := UserID(c); ok {
			kv = append(kv, "user_id", userID)
		}

		switch {
		case status >= 500:
			log.Error("Request", kv...)
		case status >= 400:
			log.Warn("Request", kv...)
		default:
			log.Info("Request", kv...)
		}
	}
}
