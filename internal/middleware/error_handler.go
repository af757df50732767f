package middleware

import (
	"net/http"

	"consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// Internal failures are logged and never leak their message.
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := errors.HTTPStatusFromError(err)
		message := err.Error()
		if status == http.StatusInternalServerError {
			log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
			message = errors.ErrInternalServer.Error()
		}

		c.JSON(status, errors.NewAPIError(message, status))
	}
}
