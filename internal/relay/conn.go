package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Socket is the subset of *websocket.Conn the pumps use
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

type pumpConfig struct {
	readWait       time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	maxMessageSize int64
}

// writePump drains out onto the socket and pings on an interval. It returns
// once out is closed and flushed or a write fails.
func writePump(logger *zap.Logger, conn Socket, out *Outbound, cfg pumpConfig) {
	ticker := time.NewTicker(cfg.pingInterval)
	defer func() {
		ticker.Stop()
		out.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-out.C():
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.writeTimeout))
			if !ok {
				code := websocket.CloseNormalClosure
				if out.Overflowed() {
					code = websocket.ClosePolicyViolation
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump feeds text frames to handle until the socket fails. onAlive is
// called for every frame and pong.
func readPump(logger *zap.Logger, conn Socket, cfg pumpConfig, onAlive func(), handle func([]byte)) {
	conn.SetReadLimit(cfg.maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.readWait))
	conn.SetPongHandler(func(string) error {
		onAlive()
		return conn.SetReadDeadline(time.Now().Add(cfg.readWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.readWait))
		onAlive()
		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
