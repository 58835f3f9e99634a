package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/relay"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Admin exposes the operator endpoints of the websocket manager
type Admin struct {
	logger  *zap.Logger
	manager *relay.WebSocketManager
}

// BroadcastRequest is the body of POST /api/ws/broadcast
type BroadcastRequest struct {
	Content string `json:"content" binding:"required"`
}

// SatisfactionRequest is the body of POST /api/ws/agents/:agentId/satisfaction
type SatisfactionRequest struct {
	Score *float64 `json:"score" binding:"required"`
}

// OnlineUsersResponse lists the users connected to this process
type OnlineUsersResponse struct {
	Users []dto.UserInfo `json:"users"`
	Count int            `json:"count"`
}

func NewAdmin(logger *zap.Logger, manager *relay.WebSocketManager) *Admin {
	return &Admin{
		logger:  logger.Named("handler.admin"),
		manager: manager,
	}
}

func (h *Admin) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Stats(c.Request.Context()))
}

func (h *Admin) HandleDisconnect(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.manager.ForceDisconnect(userID); err != nil {
		if errors.Is(err, relay.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user is not connected"})
			return
		}
		h.logger.Error("failed to disconnect user", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": userID})
}

func (h *Admin) HandleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	n := h.manager.BroadcastAll(&relay.Frame{
		Type:    relay.FrameSystem,
		Content: req.Content,
	})
	h.logger.Info("broadcast system message", zap.Int("recipients", n))
	c.JSON(http.StatusOK, gin.H{"success": true, "recipients": n})
}

func (h *Admin) HandleSatisfaction(c *gin.Context) {
	agentID := c.Param("agentId")
	var req SatisfactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "score is required"})
		return
	}

	w, err := h.manager.SetSatisfaction(c.Request.Context(), agentID, *req.Score)
	switch {
	case errors.Is(err, relay.ErrInvalidScore):
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("score must be between 0 and %g", relay.MaxSatisfaction)})
		return
	case errors.Is(err, relay.ErrNotAgent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is not an agent"})
		return
	case err != nil:
		h.logger.Error("failed to set satisfaction", zap.String("agent_id", agentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set satisfaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent_id": agentID, "workload": w})
}

func (h *Admin) HandleOnlineUsers(c *gin.Context) {
	conns := h.manager.OnlineUsers()
	users := make([]dto.UserInfo, 0, len(conns))
	for _, conn := range conns {
		users = append(users, conn.UserInfo())
	}
	c.JSON(http.StatusOK, OnlineUsersResponse{Users: users, Count: len(users)})
}
