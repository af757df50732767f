package handler

import (
	"net/http"

	"consult_realtime/internal/middleware"
	"consult_realtime/internal/service"
	"consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

type CredentialHandler struct {
	credentialService service.CredentialService
	log               logger.Logger
}

func NewCredentialHandler(credentialService service.CredentialService, log logger.Logger) *CredentialHandler {
	return &CredentialHandler{
		credentialService: credentialService,
		log:               log,
	}
}

func (h *CredentialHandler) Issue(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(errors.ErrUnauthorized)
		return
	}

	engagementID := c.Param("engagementId")
	cred, err := h.credentialService.Issue(c.Request.Context(), userID, engagementID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.log.Info("Session credential issued", "engagement_id", engagementID, "user_id", userID, "expires_at", cred.ExpiresAt)
	c.JSON(http.StatusOK, cred)
}
