package middleware

import (
	"net/http"
	"strings"

	"consult_realtime/internal/config"
	"consult_realtime/pkg/errors"
	"consult_realtime/pkg/jwt"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserID   = "user_id"
	ContextUserRole = "user_role"
)

type AuthMiddleware struct {
	secret string
	log    logger.Logger
}

func NewAuthMiddleware(cfg config.JWTConfig, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret: cfg.AccessSecret,
		log:    log,
	}
}

// RequireAuth accepts a bearer token, or a token query parameter for
// websocket upgrades where browsers cannot set headers.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "Authorization header required")
			return
		}

		claims, err := jwt.ValidateToken(token, m.secret)
		if err != nil {
			m.log.Debug("Rejected access token", "error", err, "path", c.Request.URL.Path)
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// UserID returns the authenticated caller set by RequireAuth.
func UserID(c *gin.Context) (string, bool) {
	id := c.GetString(ContextUserID)
	return id, id != ""
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, errors.NewAPIError(message, status))
}
