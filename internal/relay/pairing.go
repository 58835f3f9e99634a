package relay

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/internal/presence"
	"github.com/amoylab/kefu/pkg/metrics"
	"github.com/amoylab/kefu/pkg/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrNoMatch is returned when a switch query matches no connected customer
	ErrNoMatch = errors.New("no connected customer matches")
	// ErrAgentAtCapacity is returned when an agent has no free session slot
	ErrAgentAtCapacity = presence.ErrAgentAtCapacity
	// ErrCustomerTaken is returned when a customer is bound to another agent
	ErrCustomerTaken = errors.New("customer is served by another agent")
)

// Assignment is the answer of FindPartner
type Assignment struct {
	PartnerID string
	// Outcome is one of the metrics.Pairing* values
	Outcome string
}

// Paired reports whether a partner was found
func (a Assignment) Paired() bool {
	return a.PartnerID != ""
}

// Pairing decides who a connected user talks to and keeps the partner
// pointers, bound sets and waiting queue of the presence store in step
type Pairing struct {
	logger      *zap.Logger
	store       presence.Store
	registry    *Registry
	metrics     *metrics.Metrics
	maxSessions int
	ttl         time.Duration
	tracer      *trace.Builder
}

// NewPairing creates a pairing engine
func NewPairing(logger *zap.Logger, store presence.Store, registry *Registry, m *metrics.Metrics, maxSessions int, ttl time.Duration) *Pairing {
	return &Pairing{
		logger:      logger.Named("relay.pairing"),
		store:       store,
		registry:    registry,
		metrics:     m,
		maxSessions: maxSessions,
		ttl:         ttl,
		tracer:      trace.Tracer("kefu/relay"),
	}
}

// FindPartner answers who userID should talk to right now. Store failures
// are logged and leave the user unpaired.
func (p *Pairing) FindPartner(ctx context.Context, userID string, role dto.Role, hint string) Assignment {
	scope := p.tracer.Start(ctx, "pairing.find_partner")
	defer scope.End()
	scope.WithAttrs(attribute.String("user.id", userID), attribute.String("user.role", string(role)))

	var a Assignment
	if role == dto.RoleAgent {
		a = p.findForAgent(scope.Ctx, userID)
	} else {
		a = p.findForCustomer(scope.Ctx, userID, hint)
	}
	scope.WithAttrs(attribute.String("pairing.outcome", a.Outcome))
	p.metrics.Pairing(string(role), a.Outcome)
	return a
}

func (p *Pairing) findForAgent(ctx context.Context, agentID string) Assignment {
	// the focus pointer may fall through to other bound customers as stale
	// ones are cleared
	for i := 0; i <= p.maxSessions; i++ {
		partner, err := p.store.GetPartner(ctx, agentID)
		if err != nil {
			p.logger.Warn("failed to read partner", zap.String("agent_id", agentID), zap.Error(err))
			return Assignment{Outcome: metrics.PairingIdle}
		}
		if partner == "" {
			break
		}
		if p.registry.Has(partner) {
			return Assignment{PartnerID: partner, Outcome: metrics.PairingResumed}
		}
		p.logger.Debug("clearing stale partner pointer",
			zap.String("agent_id", agentID),
			zap.String("customer_id", partner))
		if err := p.store.ClearSession(ctx, partner, agentID); err != nil {
			p.logger.Warn("failed to clear stale session", zap.String("agent_id", agentID), zap.Error(err))
			return Assignment{Outcome: metrics.PairingIdle}
		}
	}

	if customerID := p.findWaitingCustomerForAgent(ctx, agentID); customerID != "" {
		return Assignment{PartnerID: customerID, Outcome: metrics.PairingAssigned}
	}
	return Assignment{Outcome: metrics.PairingIdle}
}

// findWaitingCustomerForAgent claims the oldest live waiting customer. Dead
// entries are dropped on the way and customers another agent claimed first
// are skipped.
func (p *Pairing) findWaitingCustomerForAgent(ctx context.Context, agentID string) string {
	w, err := p.store.GetAgentWorkload(ctx, agentID)
	if err != nil {
		p.logger.Warn("failed to read workload", zap.String("agent_id", agentID), zap.Error(err))
		return ""
	}
	if w.ActiveSessions >= p.maxSessions {
		return ""
	}

	queue, err := p.store.GetWaitingQueue(ctx)
	if err != nil {
		p.logger.Warn("failed to read waiting queue", zap.Error(err))
		return ""
	}
	if len(queue) == 0 {
		return ""
	}
	stale := map[string]bool{}
	if p.ttl > 0 {
		ids, err := p.store.CheckStale(ctx, queue, p.ttl)
		if err != nil {
			p.logger.Warn("failed to check waiting heartbeats", zap.Error(err))
		}
		for _, id := range ids {
			stale[id] = true
		}
	}

	for _, customerID := range queue {
		if stale[customerID] && !p.registry.Has(customerID) {
			if _, err := p.store.RemoveFromWaitingQueue(ctx, customerID); err != nil {
				p.logger.Warn("failed to drop dead waiting entry", zap.String("customer_id", customerID), zap.Error(err))
			}
			continue
		}

		_, err := p.store.ClaimWaiting(ctx, customerID, agentID, p.maxSessions)
		switch {
		case err == nil:
			return customerID
		case errors.Is(err, presence.ErrNotWaiting):
			continue
		case errors.Is(err, presence.ErrAgentAtCapacity):
			return ""
		default:
			p.logger.Warn("failed to claim waiting customer",
				zap.String("customer_id", customerID),
				zap.String("agent_id", agentID),
				zap.Error(err))
			return ""
		}
	}
	return ""
}

// FillFromQueue claims waiting customers for an online agent, oldest first,
// until the agent is full or the queue is empty
func (p *Pairing) FillFromQueue(ctx context.Context, agentID string) []string {
	info, ok := p.registry.Get(agentID)
	if !ok || info.Role != dto.RoleAgent || info.Status != dto.StatusOnline {
		return nil
	}
	var claimed []string
	for len(claimed) < p.maxSessions {
		customerID := p.findWaitingCustomerForAgent(ctx, agentID)
		if customerID == "" {
			break
		}
		claimed = append(claimed, customerID)
	}
	return claimed
}

func (p *Pairing) findForCustomer(ctx context.Context, customerID, hint string) Assignment {
	partner, err := p.store.GetPartner(ctx, customerID)
	if err != nil {
		p.logger.Warn("failed to read partner", zap.String("customer_id", customerID), zap.Error(err))
		return Assignment{Outcome: metrics.PairingIdle}
	}
	if partner != "" {
		if p.registry.Has(partner) {
			return Assignment{PartnerID: partner, Outcome: metrics.PairingResumed}
		}
		if err := p.store.ClearSession(ctx, customerID, partner); err != nil {
			p.logger.Warn("failed to clear stale session", zap.String("customer_id", customerID), zap.Error(err))
		}
	}

	// an agent that filled up since it was scored is skipped and the next
	// best one tried
	skip := map[string]bool{}
	if hint != "" && p.acceptsHint(ctx, hint) {
		if p.bind(ctx, customerID, hint) {
			return Assignment{PartnerID: hint, Outcome: metrics.PairingAssigned}
		}
		skip[hint] = true
	}
	for {
		agentID, ok := p.chooseBestAgent(ctx, customerID, skip)
		if !ok {
			break
		}
		if p.bind(ctx, customerID, agentID) {
			return Assignment{PartnerID: agentID, Outcome: metrics.PairingAssigned}
		}
		skip[agentID] = true
	}

	if err := p.store.AddToWaitingQueue(ctx, customerID); err != nil {
		p.logger.Warn("failed to enqueue customer", zap.String("customer_id", customerID), zap.Error(err))
		return Assignment{Outcome: metrics.PairingIdle}
	}
	return Assignment{Outcome: metrics.PairingQueued}
}

// bind establishes the session within capacity and reports success
func (p *Pairing) bind(ctx context.Context, customerID, agentID string) bool {
	_, err := p.store.EstablishSession(ctx, customerID, agentID, p.maxSessions)
	if err == nil {
		return true
	}
	if !errors.Is(err, presence.ErrAgentAtCapacity) {
		p.logger.Warn("failed to establish session",
			zap.String("customer_id", customerID),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	return false
}

// acceptsHint reports whether the requested agent is connected, available
// and under capacity
func (p *Pairing) acceptsHint(ctx context.Context, agentID string) bool {
	info, ok := p.registry.Get(agentID)
	if !ok || info.Role != dto.RoleAgent || info.Status != dto.StatusOnline {
		return false
	}
	w, err := p.store.GetAgentWorkload(ctx, agentID)
	return err == nil && w.ActiveSessions < p.maxSessions
}

type agentCandidate struct {
	info     ConnectionInfo
	workload presence.Workload
}

// ChooseBestAgent scores every connected, online agent with a free session
// slot and returns the best one
func (p *Pairing) ChooseBestAgent(ctx context.Context, customerID string) (string, bool) {
	return p.chooseBestAgent(ctx, customerID, nil)
}

func (p *Pairing) chooseBestAgent(ctx context.Context, customerID string, skip map[string]bool) (string, bool) {
	agents := p.registry.SnapshotByRole(dto.RoleAgent)
	candidates := make([]agentCandidate, 0, len(agents))
	for _, a := range agents {
		if a.Status != dto.StatusOnline || a.UserID == customerID || skip[a.UserID] {
			continue
		}
		w, err := p.store.GetAgentWorkload(ctx, a.UserID)
		if err != nil {
			p.logger.Warn("failed to read workload", zap.String("agent_id", a.UserID), zap.Error(err))
			continue
		}
		candidates = append(candidates, agentCandidate{info: a, workload: w})
	}
	best, ok := pickBestAgent(candidates, p.maxSessions)
	if !ok {
		return "", false
	}
	return best.UserID, true
}

// Score ranks an agent for a new customer; higher is better
func Score(w presence.Workload) float64 {
	return float64(10-w.ActiveSessions)*2 +
		(10-math.Min(w.AvgResponseTime, 10))*1.5 +
		w.SatisfactionScore
}

func pickBestAgent(candidates []agentCandidate, maxSessions int) (ConnectionInfo, bool) {
	var (
		best      *agentCandidate
		bestScore float64
	)
	for i := range candidates {
		c := &candidates[i]
		if c.workload.ActiveSessions >= maxSessions {
			continue
		}
		score := Score(c.workload)
		if best == nil || betterCandidate(c, score, best, bestScore) {
			best, bestScore = c, score
		}
	}
	if best == nil {
		return ConnectionInfo{}, false
	}
	return best.info, true
}

func betterCandidate(c *agentCandidate, score float64, best *agentCandidate, bestScore float64) bool {
	if score != bestScore {
		return score > bestScore
	}
	if c.workload.ActiveSessions != best.workload.ActiveSessions {
		return c.workload.ActiveSessions < best.workload.ActiveSessions
	}
	return connectedBefore(c.info, best.info)
}

// Establish binds customer and agent; it fails with ErrAgentAtCapacity
// when the agent has no free slot
func (p *Pairing) Establish(ctx context.Context, customerID, agentID string) error {
	_, err := p.store.EstablishSession(ctx, customerID, agentID, p.maxSessions)
	return err
}

// Clear removes the binding between customer and agent
func (p *Pairing) Clear(ctx context.Context, customerID, agentID string) error {
	return p.store.ClearSession(ctx, customerID, agentID)
}

// Switch moves the focus of an agent to the connected customer best
// matching query. Other customers bound to the agent stay bound.
func (p *Pairing) Switch(ctx context.Context, agentID, query string) (ConnectionInfo, error) {
	target, ok := MatchCustomer(query, p.registry.SnapshotByRole(dto.RoleCustomer))
	if !ok {
		return ConnectionInfo{}, ErrNoMatch
	}

	current, err := p.store.GetPartner(ctx, target.UserID)
	if err != nil {
		return ConnectionInfo{}, err
	}
	if current != "" && current != agentID {
		return ConnectionInfo{}, ErrCustomerTaken
	}
	if err := p.Establish(ctx, target.UserID, agentID); err != nil {
		return ConnectionInfo{}, err
	}
	return target, nil
}
