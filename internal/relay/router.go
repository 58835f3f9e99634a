package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/presence"
	"github.com/amoylab/kefu/pkg/metrics"
	"github.com/amoylab/kefu/pkg/trace"
	"github.com/amoylab/kefu/pkg/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Router handles inbound frames of a connection and delivers the results
type Router struct {
	logger       *zap.Logger
	store        presence.Store
	log          chatlog.Store
	registry     *Registry
	pairing      *Pairing
	metrics      *metrics.Metrics
	tracer       *trace.Builder
	historyLimit int
	now          func() time.Time

	// purge drops a connection whose queue can no longer take frames
	purge func(id string, out *Outbound)

	pendingMu sync.Mutex
	pending   map[string]time.Time // customer id -> oldest unanswered message
}

// NewRouter creates a message router
func NewRouter(logger *zap.Logger, store presence.Store, log chatlog.Store, registry *Registry, pairing *Pairing, m *metrics.Metrics, historyLimit int) *Router {
	r := &Router{
		logger:       logger.Named("relay.router"),
		store:        store,
		log:          log,
		registry:     registry,
		pairing:      pairing,
		metrics:      m,
		tracer:       trace.Tracer("kefu/relay"),
		historyLimit: historyLimit,
		now:          time.Now,
		pending:      make(map[string]time.Time),
	}
	r.purge = func(id string, out *Outbound) {
		registry.UnregisterIf(id, out)
	}
	return r
}

// Handle processes one inbound text frame from self
func (r *Router) Handle(ctx context.Context, self ConnectionInfo, raw []byte) {
	f := ParseFrame(raw)
	r.metrics.Frame(string(f.Type))

	switch f.Type {
	case FrameChat, FrameVoice:
		r.handleChat(ctx, self, f)
	case FrameTyping:
		r.handleTyping(ctx, self, f)
	case FrameHeartbeat:
		r.handleHeartbeat(ctx, self)
	case FrameHistoryRequest:
		r.handleHistoryRequest(ctx, self, f)
	case FrameStatus:
		r.handleStatus(ctx, self, f)
	case FrameOnlineUsers:
		if f.Users == nil && self.Role == dto.RoleAgent {
			r.SendOnlineUsers(ctx, self.UserID)
		}
	case FrameSwitch:
		r.handleSwitch(ctx, self, f)
	default:
		r.logger.Debug("ignoring inbound frame",
			zap.String("user_id", self.UserID),
			zap.String("type", string(f.Type)))
	}
}

func (r *Router) handleChat(ctx context.Context, self ConnectionInfo, f Frame) {
	scope := r.tracer.Start(ctx, "router.chat")
	defer scope.End()
	ctx = scope.Ctx

	if f.Type == FrameVoice {
		f.ContentType = chatlog.ContentVoice
	}
	f.Type = FrameChat
	// the authenticated connection is the only sender we trust
	f.From = self.UserID
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	// history is ordered by receipt, so client clocks are ignored
	f.Timestamp = r.now().UnixMilli()
	if !f.ContentType.Valid() {
		f.ContentType = chatlog.ContentText
	}
	if f.To == "" {
		f.To = r.resolvePartner(ctx, self)
	}
	scope.WithAttrs(attribute.String("chat.from", f.From), attribute.String("chat.to", f.To))

	if err := r.log.Save(ctx, messageFromFrame(&f)); err != nil {
		scope.Fail(err)
		r.logger.Warn("failed to persist chat message",
			zap.String("id", f.ID),
			zap.String("from", f.From),
			zap.Error(err))
	}

	if f.To != "" && f.To != self.UserID {
		r.Deliver(f.To, &f)
	}
	r.Deliver(self.UserID, &f)
	r.trackResponse(ctx, self, f.To)
}

// resolvePartner runs the pairing engine for a chat with no explicit target
func (r *Router) resolvePartner(ctx context.Context, self ConnectionInfo) string {
	a := r.pairing.FindPartner(ctx, self.UserID, self.Role, "")
	if a.Outcome == metrics.PairingAssigned {
		if self.Role == dto.RoleAgent {
			r.NotifySessionEstablished(ctx, a.PartnerID, self.UserID)
		} else {
			r.NotifySessionEstablished(ctx, self.UserID, a.PartnerID)
		}
	}
	return a.PartnerID
}

func (r *Router) trackResponse(ctx context.Context, self ConnectionInfo, target string) {
	if target == "" {
		return
	}
	now := r.now()
	r.pendingMu.Lock()
	if self.Role == dto.RoleCustomer {
		if _, ok := r.pending[self.UserID]; !ok {
			r.pending[self.UserID] = now
		}
		r.pendingMu.Unlock()
		return
	}
	since, ok := r.pending[target]
	delete(r.pending, target)
	r.pendingMu.Unlock()

	if ok {
		if err := r.store.RecordResponseTime(ctx, self.UserID, now.Sub(since)); err != nil {
			r.logger.Warn("failed to record response time", zap.String("agent_id", self.UserID), zap.Error(err))
		}
	}
}

// Forget drops response tracking for a departed customer
func (r *Router) Forget(customerID string) {
	r.pendingMu.Lock()
	delete(r.pending, customerID)
	r.pendingMu.Unlock()
}

func (r *Router) handleTyping(ctx context.Context, self ConnectionInfo, f Frame) {
	f.From = self.UserID
	target := f.To
	if target == "" {
		partner, err := r.store.GetPartner(ctx, self.UserID)
		if err != nil {
			r.logger.Warn("failed to read partner", zap.String("user_id", self.UserID), zap.Error(err))
			return
		}
		target = partner
	}
	if target == "" || target == self.UserID {
		return
	}
	f.To = target
	r.Deliver(target, &f)
}

func (r *Router) handleHeartbeat(ctx context.Context, self ConnectionInfo) {
	r.registry.TouchHeartbeat(self.UserID)
	if err := r.store.UpdateHeartbeat(ctx, self.UserID); err != nil {
		r.logger.Warn("failed to update heartbeat", zap.String("user_id", self.UserID), zap.Error(err))
	}
	r.Deliver(self.UserID, &Frame{
		Type:      FrameHeartbeat,
		UserID:    self.UserID,
		Timestamp: r.now().UnixMilli(),
	})
}

func (r *Router) handleHistoryRequest(ctx context.Context, self ConnectionInfo, f Frame) {
	if self.Role != dto.RoleAgent {
		return
	}
	customerID := utils.FirstNonEmpty(f.CustomerID, f.To, f.UserID)
	if customerID == "" {
		return
	}
	r.SendHistory(ctx, self.UserID, customerID, r.historyLimit)
}

// SendHistory delivers the newest limit messages between to and partner
func (r *Router) SendHistory(ctx context.Context, to, partner string, limit int) {
	msgs, err := r.log.Recent(ctx, to, partner, limit)
	if err != nil {
		r.logger.Warn("failed to load history",
			zap.String("user_id", to),
			zap.String("partner_id", partner),
			zap.Error(err))
		return
	}
	if msgs == nil {
		msgs = []*chatlog.Message{}
	}
	r.Deliver(to, &Frame{
		Type:      FrameHistory,
		PartnerID: partner,
		Messages:  msgs,
		Timestamp: r.now().UnixMilli(),
	})
}

func (r *Router) handleStatus(ctx context.Context, self ConnectionInfo, f Frame) {
	status, ok := dto.ParseStatus(string(f.Status))
	if !ok {
		r.logger.Warn("ignoring invalid status",
			zap.String("user_id", self.UserID),
			zap.String("status", string(f.Status)))
		return
	}
	r.registry.SetStatus(self.UserID, status)
	if err := r.store.SetStatus(ctx, self.UserID, status); err != nil && !errors.Is(err, presence.ErrNotFound) {
		r.logger.Warn("failed to store status", zap.String("user_id", self.UserID), zap.Error(err))
	}
	r.Broadcast(&Frame{
		Type:      FrameStatus,
		UserID:    self.UserID,
		Role:      self.Role,
		Status:    status,
		Timestamp: r.now().UnixMilli(),
	}, "")
	r.BroadcastOnlineUsers(ctx)
}

func (r *Router) handleSwitch(ctx context.Context, self ConnectionInfo, f Frame) {
	if self.Role != dto.RoleAgent {
		return
	}
	query := utils.FirstNonEmpty(f.CustomerID, f.To, f.Content)
	target, err := r.pairing.Switch(ctx, self.UserID, query)
	if err != nil {
		r.logger.Info("switch rejected",
			zap.String("agent_id", self.UserID),
			zap.String("query", query),
			zap.Error(err))
		r.Deliver(self.UserID, &Frame{
			Type:      FrameError,
			Content:   fmt.Sprintf("switch to %q failed: %v", query, err),
			Timestamp: r.now().UnixMilli(),
		})
		return
	}
	r.NotifySessionEstablished(ctx, target.UserID, self.UserID)
	r.SendHistory(ctx, self.UserID, target.UserID, r.historyLimit)
}

// NotifySessionEstablished tells both locally held sides about a new pairing
func (r *Router) NotifySessionEstablished(_ context.Context, customerID, agentID string) {
	now := r.now().UnixMilli()
	customer, _ := r.registry.Get(customerID)
	agent, _ := r.registry.Get(agentID)

	if r.registry.Has(customerID) {
		r.Deliver(customerID, &Frame{
			Type:        FrameSessionEstablished,
			CustomerID:  customerID,
			AgentID:     agentID,
			PartnerID:   agentID,
			DisplayName: agent.DisplayName,
			Timestamp:   now,
		})
		r.Deliver(customerID, &Frame{
			Type:      FrameSystem,
			Content:   "You are now connected with " + utils.FirstNonEmpty(agent.DisplayName, agentID),
			Timestamp: now,
		})
	}
	if r.registry.Has(agentID) {
		r.Deliver(agentID, &Frame{
			Type:        FrameSessionEstablished,
			CustomerID:  customerID,
			AgentID:     agentID,
			PartnerID:   customerID,
			DisplayName: customer.DisplayName,
			Timestamp:   now,
		})
		r.Deliver(agentID, &Frame{
			Type:      FrameSystem,
			Content:   "New customer " + utils.FirstNonEmpty(customer.DisplayName, customerID),
			Timestamp: now,
		})
	}
}

// NotifyQueued tells a waiting customer about its queue position
func (r *Router) NotifyQueued(ctx context.Context, customerID string) {
	queue, err := r.store.GetWaitingQueue(ctx)
	if err != nil {
		r.logger.Warn("failed to read waiting queue", zap.Error(err))
		return
	}
	r.metrics.WaitingQueue(len(queue))
	position := 0
	for i, id := range queue {
		if id == customerID {
			position = i + 1
			break
		}
	}
	r.Deliver(customerID, &Frame{
		Type:      FrameSystem,
		Content:   "All agents are busy, please wait",
		Position:  position,
		Timestamp: r.now().UnixMilli(),
	})
}

// onlineCustomers lists customers from the presence store, falling back to
// the local registry when the store is unavailable
func (r *Router) onlineCustomers(ctx context.Context) []dto.UserInfo {
	users, err := r.store.OnlineUsers(ctx)
	if err != nil {
		r.logger.Warn("failed to list online users", zap.Error(err))
		local := r.registry.SnapshotByRole(dto.RoleCustomer)
		out := make([]dto.UserInfo, 0, len(local))
		for _, c := range local {
			out = append(out, c.UserInfo())
		}
		return out
	}
	out := make([]dto.UserInfo, 0, len(users))
	for _, u := range users {
		if u.Role == dto.RoleCustomer {
			out = append(out, u)
		}
	}
	return out
}

// SendOnlineUsers delivers the online customer list to one user
func (r *Router) SendOnlineUsers(ctx context.Context, to string) {
	r.Deliver(to, &Frame{
		Type:      FrameOnlineUsers,
		Users:     r.onlineCustomers(ctx),
		Timestamp: r.now().UnixMilli(),
	})
}

// BroadcastOnlineUsers pushes the refreshed customer list to every agent
func (r *Router) BroadcastOnlineUsers(ctx context.Context) {
	f := &Frame{
		Type:      FrameOnlineUsers,
		Users:     r.onlineCustomers(ctx),
		Timestamp: r.now().UnixMilli(),
	}
	for _, a := range r.registry.SnapshotByRole(dto.RoleAgent) {
		r.Deliver(a.UserID, f)
	}
}

// Deliver queues f for id and returns the delivery outcome. A queue that
// refuses the frame is purged; the sender is never told.
func (r *Router) Deliver(id string, f *Frame) string {
	out, ok := r.registry.Sender(id)
	if !ok {
		r.logger.Debug("dropping frame for absent user",
			zap.String("user_id", id),
			zap.String("type", string(f.Type)))
		r.metrics.Delivery(metrics.DeliveryNoTarget)
		return metrics.DeliveryNoTarget
	}
	data, err := f.Encode()
	if err != nil {
		r.logger.Error("failed to encode frame", zap.String("type", string(f.Type)), zap.Error(err))
		return metrics.DeliveryNoTarget
	}
	outcome := r.send(id, out, data)
	r.metrics.Delivery(outcome)
	return outcome
}

func (r *Router) send(id string, out *Outbound, data []byte) string {
	err := out.Send(data)
	switch {
	case err == nil:
		return metrics.DeliveryDelivered
	case errors.Is(err, ErrQueueFull):
		r.logger.Warn("outbound queue overflow, disconnecting", zap.String("user_id", id))
		r.purge(id, out)
		return metrics.DeliveryOverflow
	default:
		r.logger.Debug("purging stale sender", zap.String("user_id", id))
		r.purge(id, out)
		return metrics.DeliveryStale
	}
}

// Broadcast queues f for every connection except the given id and returns
// how many accepted it
func (r *Router) Broadcast(f *Frame, except string) int {
	data, err := f.Encode()
	if err != nil {
		r.logger.Error("failed to encode frame", zap.String("type", string(f.Type)), zap.Error(err))
		return 0
	}
	delivered := 0
	for id, out := range r.registry.Senders() {
		if id == except {
			continue
		}
		outcome := r.send(id, out, data)
		r.metrics.Delivery(outcome)
		if outcome == metrics.DeliveryDelivered {
			delivered++
		}
	}
	return delivered
}
