package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/amoylab/kefu/internal/auth/jwt"
	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/config"
	"github.com/amoylab/kefu/internal/presence"
	"github.com/amoylab/kefu/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	manager *relay.WebSocketManager
	server  *httptest.Server
}

func newTestEnv(t *testing.T, jwtService *jwt.Service) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := presence.NewMemoryStore(zap.NewNop())
	manager := relay.NewWebSocketManager(zap.NewNop(), config.RelayConfig{}, store, chatlog.NewMemoryStore(100), nil)
	require.NoError(t, manager.Start(context.Background()))

	r := gin.New()
	RegisterRoutes(r, zap.NewNop(), manager, jwtService)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, manager.Shutdown(ctx))
		srv.Close()
		_ = store.Close()
	})
	return &testEnv{manager: manager, server: srv}
}

func (e *testEnv) dial(t *testing.T, query url.Values, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?" + query.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, header http.Header) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func readFrame(t *testing.T, conn *websocket.Conn, want relay.FrameType) relay.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		var f relay.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == want {
			return f
		}
	}
}

// readNotice skips frames until a system notice containing text arrives
func readNotice(t *testing.T, conn *websocket.Conn, text string) relay.Frame {
	t.Helper()
	for {
		f := readFrame(t, conn, relay.FrameSystem)
		if strings.Contains(f.Content, text) {
			return f
		}
	}
}

func identity(id, role string) url.Values {
	return url.Values{"user_id": {id}, "role": {role}}
}
