package handlers

import (
	"net/http"
	"strconv"

	"log/slog"

	"realtime-service/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type MessageHandler struct {
	messages store.MessageStore
}

func NewMessageHandler(messages store.MessageStore) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// GetConversationMessages serves recent history, oldest first.
func (h *MessageHandler) GetConversationMessages(c *gin.Context) {
	conversationID := c.Param("id")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := h.messages.RecentMessages(c.Request.Context(), conversationID, limit)
	if err != nil {
		slog.Error("Failed to load messages", "conversationID", conversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if records == nil {
		records = []store.MessageRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": records})
}

// GetUnreadMessages returns the ids the given user has not read yet.
func (h *MessageHandler) GetUnreadMessages(c *gin.Context) {
	conversationID := c.Param("id")
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	ids, err := h.messages.UnreadMessageIDs(c.Request.Context(), conversationID, userID)
	if err != nil {
		slog.Error("Failed to load unread messages", "conversationID", conversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load unread messages"})
		return
	}
	if ids == nil {
		ids = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"messageIds": ids})
}

type markReadRequest struct {
	UserID     string   `json:"userId" binding:"required"`
	MessageIDs []string `json:"messageIds" binding:"required"`
}

// MarkMessagesRead records one batched read receipt.
func (h *MessageHandler) MarkMessagesRead(c *gin.Context) {
	conversationID := c.Param("id")

	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.messages.MarkRead(c.Request.Context(), conversationID, req.UserID, req.MessageIDs); err != nil {
		slog.Error("Failed to mark messages read", "conversationID", conversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}

	c.Status(http.StatusNoContent)
}
