package chatlog

import (
	"context"
	"sync"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	pairs      map[string][]*Message
	maxPerPair int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a message log that keeps at most maxPerPair
// messages per conversation, zero meaning no limit
func NewMemoryStore(maxPerPair int) *MemoryStore {
	return &MemoryStore{
		pairs:      make(map[string][]*Message),
		maxPerPair: maxPerPair,
	}
}

// Save implements Store.Save
func (s *MemoryStore) Save(_ context.Context, msg *Message) error {
	cp := *msg
	cp.PairKey = PairKey(msg.From, msg.To)

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pairs[cp.PairKey]
	// keep the slice ordered by timestamp; messages normally arrive in order
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(cp.Timestamp) {
		i--
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &cp
	if s.maxPerPair > 0 && len(list) > s.maxPerPair {
		list = append([]*Message(nil), list[len(list)-s.maxPerPair:]...)
	}
	s.pairs[cp.PairKey] = list
	return nil
}

// Recent implements Store.Recent
func (s *MemoryStore) Recent(_ context.Context, a, b string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.pairs[PairKey(a, b)]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*Message, len(list))
	for i, m := range list {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	return nil
}
