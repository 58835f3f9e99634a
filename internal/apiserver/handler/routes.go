package handler

import (
	"net/http"

	"github.com/amoylab/kefu/internal/apiserver/middleware"
	"github.com/amoylab/kefu/internal/auth/jwt"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/relay"
	"github.com/amoylab/kefu/pkg/version"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RegisterRoutes mounts the relay endpoints on r. When jwtService is nil
// identity is taken from the query string and the admin API is open.
func RegisterRoutes(r gin.IRouter, logger *zap.Logger, manager *relay.WebSocketManager, jwtService *jwt.Service) {
	ws := NewWebSocket(logger, manager)
	admin := NewAdmin(logger, manager)

	r.GET("/health", HandleHealth)

	wsGroup := r.Group("/ws")
	apiGroup := r.Group("/api/ws")
	if jwtService != nil {
		wsGroup.Use(middleware.JWTAuthMiddleware(jwtService))
		apiGroup.Use(middleware.JWTAuthMiddleware(jwtService), middleware.RequireRole(dto.RoleAgent))
	}

	wsGroup.GET("", ws.HandleWebSocket)

	apiGroup.GET("/stats", admin.HandleStats)
	apiGroup.POST("/disconnect/:userId", admin.HandleDisconnect)
	apiGroup.POST("/broadcast", admin.HandleBroadcast)
	apiGroup.GET("/online-users", admin.HandleOnlineUsers)
	apiGroup.POST("/agents/:agentId/satisfaction", admin.HandleSatisfaction)
}

// HandleHealth reports liveness
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
}
