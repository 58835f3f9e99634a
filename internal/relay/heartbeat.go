package relay

import (
	"context"
	"time"

	"github.com/amoylab/kefu/internal/presence"
	"github.com/amoylab/kefu/pkg/metrics"

	"go.uber.org/zap"
)

// Heartbeat periodically evicts connections whose heartbeat lapsed and
// expires customers that waited too long for an agent
type Heartbeat struct {
	logger         *zap.Logger
	store          presence.Store
	registry       *Registry
	metrics        *metrics.Metrics
	interval       time.Duration
	ttl            time.Duration
	waitingTimeout time.Duration
	now            func() time.Time

	evict   func(ctx context.Context, id string)
	expired func(ctx context.Context, id string)
	refill  func(ctx context.Context)
}

// NewHeartbeat creates a heartbeat monitor. evict is called for every stale
// local connection and expired for every local customer dropped from the
// waiting queue. refill runs while customers are still waiting so that
// agents with free slots pick them up.
func NewHeartbeat(logger *zap.Logger, store presence.Store, registry *Registry, m *metrics.Metrics,
	interval, ttl, waitingTimeout time.Duration,
	evict, expired func(ctx context.Context, id string), refill func(ctx context.Context)) *Heartbeat {
	return &Heartbeat{
		logger:         logger.Named("relay.heartbeat"),
		store:          store,
		registry:       registry,
		metrics:        m,
		interval:       interval,
		ttl:            ttl,
		waitingTimeout: waitingTimeout,
		now:            time.Now,
		evict:          evict,
		expired:        expired,
		refill:         refill,
	}
}

// Run sweeps on every tick until ctx is done
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("heartbeat monitor started",
		zap.Duration("interval", h.interval),
		zap.Duration("ttl", h.ttl))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns the evicted ids
func (h *Heartbeat) Sweep(ctx context.Context) []string {
	stale := h.staleConnections(ctx)
	for _, id := range stale {
		h.logger.Info("evicting connection with lapsed heartbeat", zap.String("user_id", id))
		h.metrics.Eviction()
		h.evict(ctx, id)
	}

	if h.waitingTimeout > 0 {
		expired, err := h.store.ExpireWaiting(ctx, h.waitingTimeout)
		if err != nil {
			h.logger.Warn("failed to expire waiting customers", zap.Error(err))
		}
		for _, id := range expired {
			if h.registry.Has(id) && h.expired != nil {
				h.expired(ctx, id)
			}
		}
	}

	queue, err := h.store.GetWaitingQueue(ctx)
	if err == nil && len(queue) > 0 && h.refill != nil {
		h.refill(ctx)
		queue, err = h.store.GetWaitingQueue(ctx)
	}
	if err == nil {
		h.metrics.WaitingQueue(len(queue))
	}
	return stale
}

// staleConnections asks the presence store which local users are stale and
// falls back to the local heartbeat when the store is unreachable
func (h *Heartbeat) staleConnections(ctx context.Context) []string {
	ids := h.registry.IDs()
	if len(ids) == 0 {
		return nil
	}
	stale, err := h.store.CheckStale(ctx, ids, h.ttl)
	if err == nil {
		return stale
	}
	h.logger.Warn("failed to check heartbeats, using local view", zap.Error(err))

	cutoff := h.now().Add(-h.ttl)
	stale = stale[:0]
	for _, c := range h.registry.Snapshot() {
		if c.LastHeartbeat.Before(cutoff) {
			stale = append(stale, c.UserID)
		}
	}
	return stale
}
