package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"consult_realtime/internal/middleware"
	"consult_realtime/internal/service"
	"consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	log                 logger.Logger
}

func NewConversationHandler(conversationService service.ConversationService, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		log:                 log,
	}
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(errors.ErrUnauthorized)
		return
	}

	conversations, err := h.conversationService.List(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// History returns the persisted messages of one conversation, oldest first.
func (h *ConversationHandler) History(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(errors.ErrUnauthorized)
		return
	}

	limit := service.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = c.Error(fmt.Errorf("%w: invalid limit %q", errors.ErrBadRequest, raw))
			return
		}
		limit = n
	}

	messages, err := h.conversationService.History(c.Request.Context(), userID, c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, messages)
}
