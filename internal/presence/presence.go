// Package presence keeps the cross-process view of who is online, who is
// paired with whom, who is waiting for an agent and how busy each agent is.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/amoylab/kefu/internal/common/dto"
)

var (
	// ErrNotFound is returned when a user has no presence record
	ErrNotFound = errors.New("presence record not found")
	// ErrInvalidPair is returned when a session would pair a user with itself
	ErrInvalidPair = errors.New("invalid pairing")
	// ErrAgentAtCapacity is returned when an agent has no free session slot
	ErrAgentAtCapacity = errors.New("agent is at capacity")
	// ErrNotWaiting is returned when a claimed customer already left the queue
	ErrNotWaiting = errors.New("customer is not waiting")
)

// Workload is the input of the agent scoring function
type Workload struct {
	ActiveSessions    int     `json:"active_sessions"`
	AvgResponseTime   float64 `json:"avg_response_time"` // seconds
	SatisfactionScore float64 `json:"satisfaction_score"`
}

// Session is an established agent/customer binding
type Session struct {
	CustomerID    string    `json:"customer_id"`
	AgentID       string    `json:"agent_id"`
	EstablishedAt time.Time `json:"established_at"`
}

// EventType names a presence event
type EventType string

const (
	EventSessionEstablished EventType = "session_established"
	EventSessionCleared     EventType = "session_cleared"
)

// Event is published on every pairing change so other instances can react
type Event struct {
	Type       EventType `json:"type"`
	CustomerID string    `json:"customer_id"`
	AgentID    string    `json:"agent_id"`
	Origin     string    `json:"origin"` // instance id of the publisher
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the presence backend shared by every relay instance.
type Store interface {
	// InstanceID identifies this process in published events.
	InstanceID() string

	// SetOnline upserts the online record and refreshes the heartbeat.
	SetOnline(ctx context.Context, info dto.UserInfo) error
	// SetOffline removes the online record and heartbeat.
	SetOffline(ctx context.Context, id string) error
	// SetStatus changes the advertised status of an online user.
	SetStatus(ctx context.Context, id string, status dto.Status) error
	// OnlineUsers lists online records ordered by connection time.
	OnlineUsers(ctx context.Context) ([]dto.UserInfo, error)

	// GetPartner returns the partner pointer of id, "" when unpaired.
	GetPartner(ctx context.Context, id string) (string, error)
	// EstablishSession binds customer and agent in one atomic step. A
	// positive capacity fails the bind with ErrAgentAtCapacity when the agent
	// already serves that many other customers.
	EstablishSession(ctx context.Context, customerID, agentID string, capacity int) (*Session, error)
	// ClaimWaiting binds a queued, unpaired customer to agent and dequeues it
	// in the same atomic step. Concurrent claims for one customer have a
	// single winner; the others get ErrNotWaiting.
	ClaimWaiting(ctx context.Context, customerID, agentID string, capacity int) (*Session, error)
	// ClearSession removes the binding between customer and agent.
	ClearSession(ctx context.Context, customerID, agentID string) error
	// BoundCustomers lists the customers currently bound to an agent.
	BoundCustomers(ctx context.Context, agentID string) ([]string, error)

	// AddToWaitingQueue appends id to the FIFO queue, once.
	AddToWaitingQueue(ctx context.Context, id string) error
	// RemoveFromWaitingQueue reports whether this call removed id.
	RemoveFromWaitingQueue(ctx context.Context, id string) (bool, error)
	// GetWaitingQueue returns queued ids, oldest first.
	GetWaitingQueue(ctx context.Context) ([]string, error)
	// ExpireWaiting drops entries queued for longer than olderThan.
	ExpireWaiting(ctx context.Context, olderThan time.Duration) ([]string, error)

	// GetAgentWorkload returns the scoring inputs of an agent.
	GetAgentWorkload(ctx context.Context, agentID string) (Workload, error)
	// RecordResponseTime folds one reply latency into the agent average.
	RecordResponseTime(ctx context.Context, agentID string, d time.Duration) error
	// SetSatisfaction sets the satisfaction score of an agent.
	SetSatisfaction(ctx context.Context, agentID string, score float64) error

	// UpdateHeartbeat marks id as alive now.
	UpdateHeartbeat(ctx context.Context, id string) error
	// CheckStale returns the ids whose heartbeat is missing or older than ttl.
	CheckStale(ctx context.Context, ids []string, ttl time.Duration) ([]string, error)

	// Subscribe streams pairing events until ctx is done.
	Subscribe(ctx context.Context) (<-chan *Event, error)

	Close() error
}
