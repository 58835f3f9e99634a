package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/kefu/internal/common/dto"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type waitingEntry struct {
	id    string
	since time.Time
}

type workloadStats struct {
	responseTotal time.Duration
	responseCount int64
	satisfaction  float64
}

// MemoryStore implements Store using in-process maps. It only suits a
// single relay instance.
type MemoryStore struct {
	logger     *zap.Logger
	instanceID string
	now        func() time.Time

	mu         sync.RWMutex
	online     map[string]dto.UserInfo
	heartbeats map[string]time.Time
	partners   map[string]string
	bound      map[string]map[string]struct{}
	sessions   map[string]*Session
	waiting    []waitingEntry
	workloads  map[string]*workloadStats

	subMu       sync.Mutex
	subscribers map[chan *Event]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory presence store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:      logger.Named("presence.store.memory"),
		instanceID:  uuid.NewString(),
		now:         time.Now,
		online:      make(map[string]dto.UserInfo),
		heartbeats:  make(map[string]time.Time),
		partners:    make(map[string]string),
		bound:       make(map[string]map[string]struct{}),
		sessions:    make(map[string]*Session),
		workloads:   make(map[string]*workloadStats),
		subscribers: make(map[chan *Event]struct{}),
	}
}

// InstanceID implements Store.InstanceID
func (s *MemoryStore) InstanceID() string {
	return s.instanceID
}

// SetOnline implements Store.SetOnline
func (s *MemoryStore) SetOnline(_ context.Context, info dto.UserInfo) error {
	if info.Status == "" {
		info.Status = dto.StatusOnline
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[info.UserID] = info
	s.heartbeats[info.UserID] = s.now()
	return nil
}

// SetOffline implements Store.SetOffline
func (s *MemoryStore) SetOffline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, id)
	delete(s.heartbeats, id)
	return nil
}

// SetStatus implements Store.SetStatus
func (s *MemoryStore) SetStatus(_ context.Context, id string, status dto.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.online[id]
	if !ok {
		return ErrNotFound
	}
	info.Status = status
	s.online[id] = info
	return nil
}

// OnlineUsers implements Store.OnlineUsers
func (s *MemoryStore) OnlineUsers(_ context.Context) ([]dto.UserInfo, error) {
	s.mu.RLock()
	users := make([]dto.UserInfo, 0, len(s.online))
	for _, info := range s.online {
		users = append(users, info)
	}
	s.mu.RUnlock()
	sortUsers(users)
	return users, nil
}

// GetPartner implements Store.GetPartner
func (s *MemoryStore) GetPartner(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partners[id], nil
}

// EstablishSession implements Store.EstablishSession
func (s *MemoryStore) EstablishSession(_ context.Context, customerID, agentID string, capacity int) (*Session, error) {
	return s.establish(customerID, agentID, capacity, false)
}

// ClaimWaiting implements Store.ClaimWaiting
func (s *MemoryStore) ClaimWaiting(_ context.Context, customerID, agentID string, capacity int) (*Session, error) {
	return s.establish(customerID, agentID, capacity, true)
}

func (s *MemoryStore) establish(customerID, agentID string, capacity int, fromQueue bool) (*Session, error) {
	if customerID == "" || agentID == "" || customerID == agentID {
		return nil, ErrInvalidPair
	}
	sess := &Session{CustomerID: customerID, AgentID: agentID, EstablishedAt: s.now()}

	s.mu.Lock()
	prev := s.partners[customerID]
	if fromQueue && (prev != "" || !s.isWaitingLocked(customerID)) {
		s.mu.Unlock()
		return nil, ErrNotWaiting
	}
	if _, bound := s.bound[agentID][customerID]; capacity > 0 && !bound && len(s.bound[agentID]) >= capacity {
		s.mu.Unlock()
		return nil, ErrAgentAtCapacity
	}
	if prev != "" && prev != agentID {
		delete(s.bound[prev], customerID)
		if s.partners[prev] == customerID {
			delete(s.partners, prev)
		}
	}
	s.partners[customerID] = agentID
	s.partners[agentID] = customerID
	if s.bound[agentID] == nil {
		s.bound[agentID] = make(map[string]struct{})
	}
	s.bound[agentID][customerID] = struct{}{}
	s.sessions[customerID] = sess
	s.removeWaitingLocked(customerID)
	s.mu.Unlock()

	s.publish(&Event{Type: EventSessionEstablished, CustomerID: customerID, AgentID: agentID})
	cp := *sess
	return &cp, nil
}

// ClearSession implements Store.ClearSession
func (s *MemoryStore) ClearSession(_ context.Context, customerID, agentID string) error {
	s.mu.Lock()
	if p := s.partners[customerID]; p == agentID || p == "" {
		delete(s.partners, customerID)
		delete(s.sessions, customerID)
	}
	set := s.bound[agentID]
	delete(set, customerID)
	if s.partners[agentID] == customerID {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		if next := nextFocus(ids, customerID); next != "" {
			s.partners[agentID] = next
		} else {
			delete(s.partners, agentID)
		}
	}
	if len(set) == 0 {
		delete(s.bound, agentID)
	}
	s.mu.Unlock()

	s.publish(&Event{Type: EventSessionCleared, CustomerID: customerID, AgentID: agentID})
	return nil
}

// BoundCustomers implements Store.BoundCustomers
func (s *MemoryStore) BoundCustomers(_ context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.bound[agentID]))
	for id := range s.bound[agentID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// AddToWaitingQueue implements Store.AddToWaitingQueue
func (s *MemoryStore) AddToWaitingQueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isWaitingLocked(id) {
		return nil
	}
	s.waiting = append(s.waiting, waitingEntry{id: id, since: s.now()})
	return nil
}

func (s *MemoryStore) isWaitingLocked(id string) bool {
	for _, e := range s.waiting {
		if e.id == id {
			return true
		}
	}
	return false
}

// RemoveFromWaitingQueue implements Store.RemoveFromWaitingQueue
func (s *MemoryStore) RemoveFromWaitingQueue(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeWaitingLocked(id), nil
}

func (s *MemoryStore) removeWaitingLocked(id string) bool {
	for i, e := range s.waiting {
		if e.id == id {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// GetWaitingQueue implements Store.GetWaitingQueue
func (s *MemoryStore) GetWaitingQueue(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.waiting))
	for i, e := range s.waiting {
		ids[i] = e.id
	}
	return ids, nil
}

// ExpireWaiting implements Store.ExpireWaiting
func (s *MemoryStore) ExpireWaiting(_ context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	kept := s.waiting[:0]
	for _, e := range s.waiting {
		if e.since.After(cutoff) {
			kept = append(kept, e)
			continue
		}
		expired = append(expired, e.id)
	}
	s.waiting = kept
	sort.Strings(expired)
	return expired, nil
}

// GetAgentWorkload implements Store.GetAgentWorkload
func (s *MemoryStore) GetAgentWorkload(_ context.Context, agentID string) (Workload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := Workload{ActiveSessions: len(s.bound[agentID])}
	if st, ok := s.workloads[agentID]; ok {
		w.SatisfactionScore = st.satisfaction
		if st.responseCount > 0 {
			w.AvgResponseTime = st.responseTotal.Seconds() / float64(st.responseCount)
		}
	}
	return w, nil
}

// RecordResponseTime implements Store.RecordResponseTime
func (s *MemoryStore) RecordResponseTime(_ context.Context, agentID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.workloadLocked(agentID)
	st.responseTotal += d
	st.responseCount++
	return nil
}

// SetSatisfaction implements Store.SetSatisfaction
func (s *MemoryStore) SetSatisfaction(_ context.Context, agentID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workloadLocked(agentID).satisfaction = score
	return nil
}

func (s *MemoryStore) workloadLocked(agentID string) *workloadStats {
	st, ok := s.workloads[agentID]
	if !ok {
		st = &workloadStats{}
		s.workloads[agentID] = st
	}
	return st
}

// UpdateHeartbeat implements Store.UpdateHeartbeat
func (s *MemoryStore) UpdateHeartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[id] = s.now()
	return nil
}

// CheckStale implements Store.CheckStale
func (s *MemoryStore) CheckStale(_ context.Context, ids []string, ttl time.Duration) ([]string, error) {
	cutoff := s.now().Add(-ttl)
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	var stale []string
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if last, ok := s.heartbeats[id]; !ok || last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// Subscribe implements Store.Subscribe
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan *Event, error) {
	ch := make(chan *Event, 64)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}()
	return ch, nil
}

// Close closes every open subscription
func (s *MemoryStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	return nil
}

func (s *MemoryStore) publish(ev *Event) {
	ev.Origin = s.instanceID
	ev.Timestamp = s.now()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping presence event for slow subscriber",
				zap.String("type", string(ev.Type)))
		}
	}
}
