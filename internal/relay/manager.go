package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/config"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/presence"
	"github.com/amoylab/kefu/pkg/metrics"
	"github.com/amoylab/kefu/pkg/utils"

	"go.uber.org/zap"
)

const cleanupTimeout = 5 * time.Second

// ErrManagerClosed is returned by Serve after Shutdown
var ErrManagerClosed = errors.New("websocket manager is shut down")

var (
	// ErrInvalidScore is returned for satisfaction scores outside 0..MaxSatisfaction
	ErrInvalidScore = errors.New("satisfaction score out of range")
	// ErrNotAgent is returned when a rated user is connected as a customer
	ErrNotAgent = errors.New("user is not an agent")
)

// MaxSatisfaction is the highest satisfaction score an agent can hold
const MaxSatisfaction = 5.0

// Identity is who a new connection claims to be
type Identity struct {
	UserID      string
	DisplayName string
	Role        dto.Role
	AccountRef  string
	// TargetID optionally asks for a specific agent
	TargetID string
}

// Stats summarises the connections held by this process
type Stats struct {
	Total        int     `json:"total_connections"`
	Agents       int     `json:"agent_connections"`
	Customers    int     `json:"customer_connections"`
	AvgDuration  float64 `json:"avg_connection_duration"` // seconds
	MaxDuration  float64 `json:"max_connection_duration"` // seconds
	WaitingQueue int     `json:"waiting_queue"`
}

// WebSocketManager owns every relay connection of this process
type WebSocketManager struct {
	logger    *zap.Logger
	cfg       config.RelayConfig
	store     presence.Store
	metrics   *metrics.Metrics
	registry  *Registry
	pairing   *Pairing
	router    *Router
	heartbeat *Heartbeat
	now       func() time.Time

	mu      sync.Mutex
	closing bool
	cancel  context.CancelFunc

	bg    sync.WaitGroup
	conns sync.WaitGroup
}

// NewWebSocketManager wires the registry, pairing engine, router and
// heartbeat monitor together
func NewWebSocketManager(logger *zap.Logger, cfg config.RelayConfig, store presence.Store, log chatlog.Store, m *metrics.Metrics) *WebSocketManager {
	config.SetRelayDefaults(&cfg)
	logger = logger.Named("relay")

	registry := NewRegistry()
	pairing := NewPairing(logger, store, registry, m, cfg.MaxSessionsPerAgent, cfg.HeartbeatTTL)
	router := NewRouter(logger, store, log, registry, pairing, m, cfg.HistoryLimit)

	wsm := &WebSocketManager{
		logger:   logger.Named("manager"),
		cfg:      cfg,
		store:    store,
		metrics:  m,
		registry: registry,
		pairing:  pairing,
		router:   router,
		now:      time.Now,
	}
	router.purge = wsm.drop
	wsm.heartbeat = NewHeartbeat(logger, store, registry, m,
		cfg.HeartbeatInterval, cfg.HeartbeatTTL, cfg.WaitingTimeout,
		wsm.evict, wsm.waitingExpired, wsm.refillAgents)
	return wsm
}

// Start launches the heartbeat monitor and the presence event consumer
func (m *WebSocketManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := m.store.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.bg.Add(2)
	go func() {
		defer m.bg.Done()
		m.heartbeat.Run(ctx)
	}()
	go func() {
		defer m.bg.Done()
		m.consumeEvents(ctx, events)
	}()
	return nil
}

// Serve runs one connection until it closes. It always cleans up after
// itself, whichever way the connection ends.
func (m *WebSocketManager) Serve(ctx context.Context, conn Socket, id Identity) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrManagerClosed
	}
	m.conns.Add(1)
	m.mu.Unlock()
	defer m.conns.Done()

	logger := m.logger.With(zap.String("user_id", id.UserID), zap.String("role", id.Role.String()))
	now := m.now()
	info := ConnectionInfo{
		UserID:        id.UserID,
		DisplayName:   utils.FirstNonEmpty(id.DisplayName, id.UserID),
		Role:          id.Role,
		AccountRef:    id.AccountRef,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Status:        dto.StatusOnline,
	}

	// Connecting
	out := NewOutbound(m.cfg.OutboundBuffer, m.cfg.OverflowPolicy)
	if replaced := m.registry.Register(info, out); replaced != nil {
		logger.Info("replacing existing connection")
		replaced.Close()
	}
	m.metrics.ConnOpened(id.Role.String())
	defer m.metrics.ConnClosed(id.Role.String(), now)

	pc := pumpConfig{
		readWait:       m.cfg.HeartbeatTTL,
		writeTimeout:   m.cfg.WriteTimeout,
		pingInterval:   m.cfg.PingInterval,
		maxMessageSize: m.cfg.MaxMessageSize,
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(logger, conn, out, pc)
	}()

	if err := m.store.SetOnline(ctx, info.UserInfo()); err != nil {
		logger.Warn("failed to mark user online", zap.Error(err))
	}
	m.connect(ctx, info, id.TargetID)
	logger.Info("websocket client connected")

	// Active
	lastBeat := now
	beatEvery := m.cfg.HeartbeatTTL / 3
	readPump(logger, conn, pc, func() {
		m.registry.TouchHeartbeat(info.UserID)
		if t := m.now(); t.Sub(lastBeat) >= beatEvery {
			lastBeat = t
			if err := m.store.UpdateHeartbeat(ctx, info.UserID); err != nil {
				logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}, func(data []byte) {
		m.router.Handle(ctx, info, data)
	})

	// Closing
	out.Close()
	<-writerDone

	// Closed
	if m.registry.UnregisterIf(info.UserID, out) {
		m.release(info)
	}
	logger.Info("websocket client disconnected")
	return nil
}

// connect runs the greeting, pairing and join announcements of a new
// connection
func (m *WebSocketManager) connect(ctx context.Context, info ConnectionInfo, hint string) {
	m.router.Deliver(info.UserID, &Frame{
		Type:        FrameWelcome,
		UserID:      info.UserID,
		DisplayName: info.DisplayName,
		Role:        info.Role,
		Status:      info.Status,
		Content:     "Welcome, " + info.DisplayName,
		Timestamp:   info.ConnectedAt.UnixMilli(),
	})

	a := m.pairing.FindPartner(ctx, info.UserID, info.Role, hint)
	switch a.Outcome {
	case metrics.PairingAssigned:
		if info.Role == dto.RoleAgent {
			m.router.NotifySessionEstablished(ctx, a.PartnerID, info.UserID)
		} else {
			m.router.NotifySessionEstablished(ctx, info.UserID, a.PartnerID)
		}
	case metrics.PairingResumed:
		partner, _ := m.registry.Get(a.PartnerID)
		f := &Frame{
			Type:        FrameSessionEstablished,
			PartnerID:   a.PartnerID,
			DisplayName: partner.DisplayName,
			Timestamp:   m.now().UnixMilli(),
		}
		if info.Role == dto.RoleAgent {
			f.AgentID, f.CustomerID = info.UserID, a.PartnerID
		} else {
			f.AgentID, f.CustomerID = a.PartnerID, info.UserID
		}
		m.router.Deliver(info.UserID, f)
	case metrics.PairingQueued:
		m.router.NotifyQueued(ctx, info.UserID)
	}
	if a.Paired() {
		m.router.SendHistory(ctx, info.UserID, a.PartnerID, m.cfg.ReplayLimit)
	}
	if info.Role == dto.RoleAgent {
		m.refillAgent(ctx, info.UserID)
		m.router.SendOnlineUsers(ctx, info.UserID)
	}
	m.router.Broadcast(&Frame{
		Type:        FrameUserJoined,
		UserID:      info.UserID,
		DisplayName: info.DisplayName,
		Role:        info.Role,
		Timestamp:   info.ConnectedAt.UnixMilli(),
	}, info.UserID)
	if info.Role == dto.RoleCustomer {
		m.router.BroadcastOnlineUsers(ctx)
	}
}

// release undoes the presence of a connection that left the registry
func (m *WebSocketManager) release(info ConnectionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := m.store.SetOffline(ctx, info.UserID); err != nil {
		m.logger.Warn("failed to mark user offline", zap.String("user_id", info.UserID), zap.Error(err))
	}

	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	// pairings survive a shutdown so a restarted instance can resume them
	if !closing {
		if info.Role == dto.RoleAgent {
			m.releaseAgent(ctx, info.UserID)
		} else {
			m.releaseCustomer(ctx, info.UserID)
		}
	}

	m.router.Broadcast(&Frame{
		Type:        FrameUserLeft,
		UserID:      info.UserID,
		DisplayName: info.DisplayName,
		Role:        info.Role,
		Timestamp:   m.now().UnixMilli(),
	}, info.UserID)
	if info.Role == dto.RoleCustomer && !closing {
		m.router.BroadcastOnlineUsers(ctx)
	}
}

func (m *WebSocketManager) releaseCustomer(ctx context.Context, customerID string) {
	m.router.Forget(customerID)
	if _, err := m.store.RemoveFromWaitingQueue(ctx, customerID); err != nil {
		m.logger.Warn("failed to dequeue customer", zap.String("customer_id", customerID), zap.Error(err))
	}
	agentID, err := m.store.GetPartner(ctx, customerID)
	if err != nil {
		m.logger.Warn("failed to read partner", zap.String("customer_id", customerID), zap.Error(err))
		return
	}
	if agentID == "" {
		return
	}
	if err := m.pairing.Clear(ctx, customerID, agentID); err != nil {
		m.logger.Warn("failed to clear session", zap.String("customer_id", customerID), zap.Error(err))
		return
	}
	if m.registry.Has(agentID) {
		m.refillAgent(ctx, agentID)
	}
}

func (m *WebSocketManager) releaseAgent(ctx context.Context, agentID string) {
	customers, err := m.store.BoundCustomers(ctx, agentID)
	if err != nil {
		m.logger.Warn("failed to list bound customers", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	for _, c := range customers {
		if err := m.pairing.Clear(ctx, c, agentID); err != nil {
			m.logger.Warn("failed to clear session", zap.String("customer_id", c), zap.Error(err))
			continue
		}
		if m.registry.Has(c) {
			m.repairCustomer(ctx, c)
		}
	}
}

// refillAgent lets an agent with free slots claim waiting customers
func (m *WebSocketManager) refillAgent(ctx context.Context, agentID string) {
	for _, customerID := range m.pairing.FillFromQueue(ctx, agentID) {
		m.router.NotifySessionEstablished(ctx, customerID, agentID)
		m.router.SendHistory(ctx, agentID, customerID, m.cfg.ReplayLimit)
	}
}

// refillAgents offers the waiting queue to every local agent
func (m *WebSocketManager) refillAgents(ctx context.Context) {
	for _, a := range m.registry.SnapshotByRole(dto.RoleAgent) {
		m.refillAgent(ctx, a.UserID)
	}
}

// repairCustomer finds a new agent for a customer whose agent left
func (m *WebSocketManager) repairCustomer(ctx context.Context, customerID string) {
	m.router.Deliver(customerID, &Frame{
		Type:      FrameSystem,
		Content:   "Your agent has left the conversation",
		Timestamp: m.now().UnixMilli(),
	})
	a := m.pairing.FindPartner(ctx, customerID, dto.RoleCustomer, "")
	switch a.Outcome {
	case metrics.PairingAssigned:
		m.router.NotifySessionEstablished(ctx, customerID, a.PartnerID)
	case metrics.PairingQueued:
		m.router.NotifyQueued(ctx, customerID)
	}
}

// drop removes id from the registry if out still serves it, closes out and
// releases the user's presence
func (m *WebSocketManager) drop(id string, out *Outbound) {
	info, ok := m.registry.Get(id)
	if !ok || !m.registry.UnregisterIf(id, out) {
		return
	}
	out.Close()
	m.release(info)
}

func (m *WebSocketManager) evict(_ context.Context, id string) {
	if out, ok := m.registry.Sender(id); ok {
		m.drop(id, out)
	}
}

func (m *WebSocketManager) waitingExpired(_ context.Context, id string) {
	m.router.Deliver(id, &Frame{
		Type:      FrameSystem,
		Content:   "No agent is available right now, please try again later",
		Timestamp: m.now().UnixMilli(),
	})
}

func (m *WebSocketManager) consumeEvents(ctx context.Context, events <-chan *presence.Event) {
	for ev := range events {
		if ev.Origin == m.store.InstanceID() {
			continue
		}
		switch ev.Type {
		case presence.EventSessionEstablished:
			m.router.NotifySessionEstablished(ctx, ev.CustomerID, ev.AgentID)
		case presence.EventSessionCleared:
			if m.registry.Has(ev.CustomerID) {
				partner, err := m.store.GetPartner(ctx, ev.CustomerID)
				if err == nil && partner == "" {
					m.repairCustomer(ctx, ev.CustomerID)
				}
			}
			if m.registry.Has(ev.AgentID) {
				m.refillAgent(ctx, ev.AgentID)
			}
		}
	}
}

// Stats returns connection counts and durations
func (m *WebSocketManager) Stats(ctx context.Context) Stats {
	now := m.now()
	var (
		s       Stats
		total   time.Duration
		longest time.Duration
	)
	for _, c := range m.registry.Snapshot() {
		s.Total++
		if c.Role == dto.RoleAgent {
			s.Agents++
		} else {
			s.Customers++
		}
		d := now.Sub(c.ConnectedAt)
		total += d
		if d > longest {
			longest = d
		}
	}
	if s.Total > 0 {
		s.AvgDuration = total.Seconds() / float64(s.Total)
	}
	s.MaxDuration = longest.Seconds()

	if queue, err := m.store.GetWaitingQueue(ctx); err != nil {
		m.logger.Warn("failed to read waiting queue", zap.Error(err))
	} else {
		s.WaitingQueue = len(queue)
	}
	return s
}

// ForceDisconnect closes the connection of id after telling it why
func (m *WebSocketManager) ForceDisconnect(id string) error {
	out, ok := m.registry.Sender(id)
	if !ok {
		return ErrConnectionNotFound
	}
	m.router.Deliver(id, &Frame{
		Type:      FrameSystem,
		Content:   "You have been disconnected by an administrator",
		Timestamp: m.now().UnixMilli(),
	})
	m.logger.Info("force disconnecting user", zap.String("user_id", id))
	m.drop(id, out)
	return nil
}

// SetSatisfaction records the satisfaction score of an agent and returns the
// workload pairing will now rank it by
func (m *WebSocketManager) SetSatisfaction(ctx context.Context, agentID string, score float64) (presence.Workload, error) {
	if score < 0 || score > MaxSatisfaction {
		return presence.Workload{}, ErrInvalidScore
	}
	if info, ok := m.registry.Get(agentID); ok && info.Role != dto.RoleAgent {
		return presence.Workload{}, ErrNotAgent
	}
	if err := m.store.SetSatisfaction(ctx, agentID, score); err != nil {
		return presence.Workload{}, fmt.Errorf("failed to set satisfaction: %w", err)
	}
	m.logger.Info("updated agent satisfaction", zap.String("agent_id", agentID), zap.Float64("score", score))
	w, err := m.store.GetAgentWorkload(ctx, agentID)
	if err != nil {
		return presence.Workload{}, fmt.Errorf("failed to read workload: %w", err)
	}
	return w, nil
}

// BroadcastAll queues f for every connection and returns how many took it
func (m *WebSocketManager) BroadcastAll(f *Frame) int {
	if f.Timestamp == 0 {
		f.Timestamp = m.now().UnixMilli()
	}
	return m.router.Broadcast(f, "")
}

// OnlineUsers lists the connections held by this process
func (m *WebSocketManager) OnlineUsers() []ConnectionInfo {
	return m.registry.Snapshot()
}

// Shutdown stops background work and closes every connection, waiting for
// them to finish until ctx is done
func (m *WebSocketManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, out := range m.registry.Senders() {
		out.Close()
	}

	done := make(chan struct{})
	go func() {
		m.conns.Wait()
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
