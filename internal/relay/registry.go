package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/kefu/internal/common/dto"
)

// ErrConnectionNotFound is returned for a user with no local connection
var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionInfo describes one live connection held by this process
type ConnectionInfo struct {
	UserID        string     `json:"user_id"`
	DisplayName   string     `json:"display_name"`
	Role          dto.Role   `json:"role"`
	AccountRef    string     `json:"account_ref,omitempty"`
	ConnectedAt   time.Time  `json:"connected_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        dto.Status `json:"status"`
}

// UserInfo converts the connection into its presence record
func (c ConnectionInfo) UserInfo() dto.UserInfo {
	return dto.UserInfo{
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		Role:        c.Role,
		AccountRef:  c.AccountRef,
		Status:      c.Status,
		ConnectedAt: c.ConnectedAt,
	}
}

type registryEntry struct {
	info ConnectionInfo
	out  *Outbound
}

// Registry maps user ids to their live connection and outbound queue
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		now:     time.Now,
	}
}

// Register inserts or replaces the entry for info.UserID and returns the
// queue of the replaced connection, if any
func (r *Registry) Register(info ConnectionInfo, out *Outbound) *Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var replaced *Outbound
	if old, ok := r.entries[info.UserID]; ok && old.out != out {
		replaced = old.out
	}
	r.entries[info.UserID] = &registryEntry{info: info, out: out}
	return replaced
}

// Unregister removes id; it is a no-op when absent
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// UnregisterIf removes id only while it is still served by out. It reports
// whether this call removed the entry.
func (r *Registry) UnregisterIf(id string, out *Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.out != out {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns a copy of the connection info of id
func (r *Registry) Get(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return e.info, true
}

// Has reports whether id has a live connection
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Sender returns the outbound queue of id
func (r *Registry) Sender(id string) (*Outbound, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.out, true
}

// Snapshot returns every entry ordered by connection time
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sortByConnectedAt(out)
	return out
}

// SnapshotByRole returns the entries of one role ordered by connection time
func (r *Registry) SnapshotByRole(role dto.Role) []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		if e.info.Role == role {
			out = append(out, e.info)
		}
	}
	r.mu.RUnlock()
	sortByConnectedAt(out)
	return out
}

// IDs returns the user ids of every entry
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Senders returns the outbound queue of every entry
func (r *Registry) Senders() map[string]*Outbound {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Outbound, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.out
	}
	return out
}

// TouchHeartbeat sets the last heartbeat of id to now; no-op when absent
func (r *Registry) TouchHeartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.info.LastHeartbeat = r.now()
	}
}

// SetStatus updates the presence of id and reports whether it exists
func (r *Registry) SetStatus(id string, status dto.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.info.Status = status
	return true
}

// Len returns the number of entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sortByConnectedAt(infos []ConnectionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
		}
		return infos[i].UserID < infos[j].UserID
	})
}
