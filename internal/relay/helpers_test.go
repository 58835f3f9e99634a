package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/config"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/presence"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type rig struct {
	store    presence.Store
	log      *chatlog.MemoryStore
	registry *Registry
	pairing  *Pairing
	router   *Router
}

func newRig(t *testing.T, maxSessions int) *rig {
	t.Helper()
	return newRigWithStore(t, presence.NewMemoryStore(zap.NewNop()), maxSessions)
}

func newRigWithStore(t *testing.T, store presence.Store, maxSessions int) *rig {
	t.Helper()
	logger := zap.NewNop()
	log := chatlog.NewMemoryStore(100)
	registry := NewRegistry()
	pairing := NewPairing(logger, store, registry, nil, maxSessions, time.Minute)
	router := NewRouter(logger, store, log, registry, pairing, nil, 50)
	t.Cleanup(func() { _ = store.Close() })
	return &rig{store: store, log: log, registry: registry, pairing: pairing, router: router}
}

// connect registers a user the way Serve does, without a socket
func (r *rig) connect(t *testing.T, id string, role dto.Role, offset time.Duration) (ConnectionInfo, *Outbound) {
	t.Helper()
	info := ConnectionInfo{
		UserID:        id,
		DisplayName:   "name-" + id,
		Role:          role,
		ConnectedAt:   testEpoch.Add(offset),
		LastHeartbeat: time.Now(),
		Status:        dto.StatusOnline,
	}
	out := NewOutbound(64, config.OverflowDisconnect)
	r.registry.Register(info, out)
	require.NoError(t, r.store.SetOnline(context.Background(), info.UserInfo()))
	return info, out
}

// drain returns every frame currently queued on out
func drain(t *testing.T, out *Outbound) []Frame {
	t.Helper()
	var frames []Frame
	for {
		select {
		case data, ok := <-out.C():
			if !ok {
				return frames
			}
			var f Frame
			require.NoError(t, json.Unmarshal(data, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func framesOfType(frames []Frame, t FrameType) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
