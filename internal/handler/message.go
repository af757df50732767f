package handler

import (
	"fmt"
	"net/http"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/middleware"
	"consult_realtime/internal/service"
	"consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	messageService service.MessageService
	log            logger.Logger
}

func NewMessageHandler(messageService service.MessageService, log logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		log:            log,
	}
}

// Create persists a message. Replaying a correlation id answers 200 with
// the stored row instead of 201.
func (h *MessageHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(errors.ErrUnauthorized)
		return
	}

	var req domain.NewMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", errors.ErrBadRequest, err))
		return
	}
	req.SenderID = userID

	msg, created, err := h.messageService.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, msg)
}
