package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/amoylab/kefu/internal/apiserver/middleware"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/relay"
	"github.com/amoylab/kefu/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket upgrades relay connections and hands them to the manager
type WebSocket struct {
	logger   *zap.Logger
	manager  *relay.WebSocketManager
	upgrader websocket.Upgrader
}

// NewWebSocket creates a new websocket handler
func NewWebSocket(logger *zap.Logger, manager *relay.WebSocketManager) *WebSocket {
	return &WebSocket{
		logger:  logger.Named("handler.websocket"),
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket serves GET /ws. Identity comes from the JWT claims when
// the auth middleware ran, otherwise from the query string.
func (h *WebSocket) HandleWebSocket(c *gin.Context) {
	id, err := identityFrom(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			zap.String("user_id", id.UserID),
			zap.Error(err))
		return
	}

	if err := h.manager.Serve(c.Request.Context(), conn, id); err != nil {
		if errors.Is(err, relay.ErrManagerClosed) {
			h.logger.Debug("rejected connection during shutdown", zap.String("user_id", id.UserID))
			return
		}
		h.logger.Warn("websocket connection ended with error",
			zap.String("user_id", id.UserID),
			zap.Error(err))
	}
}

var (
	errMissingUserID = errors.New("user_id is required")
	errInvalidRole   = errors.New("role must be agent or customer")
)

func identityFrom(c *gin.Context) (relay.Identity, error) {
	var userID, displayName, role, accountRef string
	if claims, ok := middleware.Claims(c); ok {
		userID, displayName, role, accountRef = claims.UserID, claims.DisplayName, claims.Role, claims.AccountRef
	} else {
		userID = c.Query("user_id")
		displayName = c.Query("display_name")
		role = c.Query("role")
		accountRef = c.Query("account_ref")
	}

	if userID == "" {
		return relay.Identity{}, errMissingUserID
	}
	r, ok := dto.ParseRole(role)
	if !ok {
		return relay.Identity{}, errInvalidRole
	}
	return relay.Identity{
		UserID:      userID,
		DisplayName: utils.FirstNonEmpty(displayName, userID),
		Role:        r,
		AccountRef:  accountRef,
		TargetID:    c.Query("target_id"),
	}, nil
}
