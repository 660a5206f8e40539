package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"realtime-service/internal/services"
	"realtime-service/internal/store"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	users    store.UserDirectory
	presence *services.RedisService
}

func NewUserHandler(users store.UserDirectory, presence *services.RedisService) *UserHandler {
	return &UserHandler{users: users, presence: presence}
}

type userResult struct {
	store.User
	Status string `json:"status"`
}

// SearchUsers looks up directory entries by username fragment, annotated
// with live presence.
func (h *UserHandler) SearchUsers(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	users, err := h.users.SearchByUsername(c.Request.Context(), query, limit)
	if err != nil {
		slog.Error("Failed to search users", "query", query, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search users"})
		return
	}

	results := make([]userResult, 0, len(users))
	for _, u := range users {
		status := "offline"
		if online, err := h.presence.IsUserOnline(c.Request.Context(), u.ID); err == nil && online {
			status = "online"
		}
		results = append(results, userResult{User: u, Status: status})
	}

	c.JSON(http.StatusOK, gin.H{"users": results})
}

// GetUserStatus serves durable presence for users without an open socket.
func (h *UserHandler) GetUserStatus(c *gin.Context) {
	userID := c.Param("id")

	if _, err := h.users.GetByID(c.Request.Context(), userID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		slog.Error("Failed to load user", "userID", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}

	status := "offline"
	if online, err := h.presence.IsUserOnline(c.Request.Context(), userID); err == nil && online {
		status = "online"
	}

	payload := gin.H{"userId": userID, "status": status}
	if lastSeen, err := h.presence.LastSeen(c.Request.Context(), userID); err == nil && lastSeen != nil {
		payload["lastSeen"] = lastSeen
	}

	c.JSON(http.StatusOK, payload)
}
