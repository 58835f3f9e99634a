package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// runStoreSuite exercises the behaviour every Store must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, clock *fakeClock) Store) {
	ctx := context.Background()

	t.Run("online records", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		require.NoError(t, s.SetOnline(ctx, dto.UserInfo{UserID: "b", Role: dto.RoleCustomer, ConnectedAt: clock.Now().Add(time.Second)}))
		require.NoError(t, s.SetOnline(ctx, dto.UserInfo{UserID: "a", Role: dto.RoleAgent, ConnectedAt: clock.Now()}))

		users, err := s.OnlineUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "a", users[0].UserID)
		assert.Equal(t, dto.StatusOnline, users[0].Status)

		require.NoError(t, s.SetStatus(ctx, "a", dto.StatusAway))
		users, err = s.OnlineUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, dto.StatusAway, users[0].Status)

		assert.ErrorIs(t, s.SetStatus(ctx, "ghost", dto.StatusAway), ErrNotFound)

		require.NoError(t, s.SetOffline(ctx, "a"))
		users, err = s.OnlineUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "b", users[0].UserID)
	})

	t.Run("session pointers are reciprocal", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		sess, err := s.EstablishSession(ctx, "c1", "a1", 0)
		require.NoError(t, err)
		assert.Equal(t, "c1", sess.CustomerID)
		assert.Equal(t, "a1", sess.AgentID)

		p, err := s.GetPartner(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "a1", p)
		p, err = s.GetPartner(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "c1", p)

		p, err = s.GetPartner(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, p)

		_, err = s.EstablishSession(ctx, "x", "x", 0)
		assert.ErrorIs(t, err, ErrInvalidPair)
		_, err = s.EstablishSession(ctx, "", "a1", 0)
		assert.ErrorIs(t, err, ErrInvalidPair)
	})

	t.Run("agent keeps several customers", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		_, err := s.EstablishSession(ctx, "c1", "a1", 0)
		require.NoError(t, err)
		_, err = s.EstablishSession(ctx, "c2", "a1", 0)
		require.NoError(t, err)

		bound, err := s.BoundCustomers(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, bound)

		p, _ := s.GetPartner(ctx, "a1")
		assert.Equal(t, "c2", p)

		w, err := s.GetAgentWorkload(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 2, w.ActiveSessions)

		// clearing the focused customer moves focus to the remaining one
		require.NoError(t, s.ClearSession(ctx, "c2", "a1"))
		p, _ = s.GetPartner(ctx, "a1")
		assert.Equal(t, "c1", p)
		p, _ = s.GetPartner(ctx, "c2")
		assert.Empty(t, p)

		require.NoError(t, s.ClearSession(ctx, "c1", "a1"))
		p, _ = s.GetPartner(ctx, "a1")
		assert.Empty(t, p)
		bound, err = s.BoundCustomers(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, bound)
	})

	t.Run("rebinding moves customer between agents", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		_, err := s.EstablishSession(ctx, "c1", "a1", 0)
		require.NoError(t, err)
		_, err = s.EstablishSession(ctx, "c1", "a2", 0)
		require.NoError(t, err)

		p, _ := s.GetPartner(ctx, "a1")
		assert.Empty(t, p)
		bound, _ := s.BoundCustomers(ctx, "a1")
		assert.Empty(t, bound)
		p, _ = s.GetPartner(ctx, "c1")
		assert.Equal(t, "a2", p)

		// a stale clear from the old agent leaves the new binding alone
		require.NoError(t, s.ClearSession(ctx, "c1", "a1"))
		p, _ = s.GetPartner(ctx, "c1")
		assert.Equal(t, "a2", p)
	})

	t.Run("waiting queue is FIFO and idempotent", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		require.NoError(t, s.AddToWaitingQueue(ctx, "c1"))
		clock.Advance(time.Second)
		require.NoError(t, s.AddToWaitingQueue(ctx, "c2"))
		require.NoError(t, s.AddToWaitingQueue(ctx, "c1"))
		require.NoError(t, s.AddToWaitingQueue(ctx, "c3"))

		q, err := s.GetWaitingQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2", "c3"}, q)

		removed, err := s.RemoveFromWaitingQueue(ctx, "c2")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.RemoveFromWaitingQueue(ctx, "c2")
		require.NoError(t, err)
		assert.False(t, removed)

		// establishing a session takes the customer out of the queue
		_, err = s.EstablishSession(ctx, "c3", "a1", 0)
		require.NoError(t, err)
		q, err = s.GetWaitingQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, q)
	})

	t.Run("waiting entries expire", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		require.NoError(t, s.AddToWaitingQueue(ctx, "old"))
		clock.Advance(5 * time.Minute)
		require.NoError(t, s.AddToWaitingQueue(ctx, "new"))
		clock.Advance(6 * time.Minute)

		expired, err := s.ExpireWaiting(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, expired)

		q, err := s.GetWaitingQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, q)
	})

	t.Run("workload statistics", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		w, err := s.GetAgentWorkload(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, Workload{}, w)

		require.NoError(t, s.RecordResponseTime(ctx, "a1", 2*time.Second))
		require.NoError(t, s.RecordResponseTime(ctx, "a1", 4*time.Second))
		require.NoError(t, s.SetSatisfaction(ctx, "a1", 4.5))

		w, err = s.GetAgentWorkload(ctx, "a1")
		require.NoError(t, err)
		assert.InDelta(t, 3.0, w.AvgResponseTime, 0.001)
		assert.InDelta(t, 4.5, w.SatisfactionScore, 0.001)
	})

	t.Run("stale heartbeats", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		require.NoError(t, s.SetOnline(ctx, dto.UserInfo{UserID: "u1"}))
		require.NoError(t, s.SetOnline(ctx, dto.UserInfo{UserID: "u2"}))
		clock.Advance(60 * time.Second)
		require.NoError(t, s.UpdateHeartbeat(ctx, "u2"))
		clock.Advance(40 * time.Second)

		stale, err := s.CheckStale(ctx, []string{"u1", "u2", "u3", "u1"}, 90*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u3"}, stale)

		stale, err = s.CheckStale(ctx, nil, time.Second)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("events", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		events, err := s.Subscribe(subCtx)
		require.NoError(t, err)

		_, err = s.EstablishSession(ctx, "c1", "a1", 0)
		require.NoError(t, err)
		require.NoError(t, s.ClearSession(ctx, "c1", "a1"))

		for _, want := range []EventType{EventSessionEstablished, EventSessionCleared} {
			select {
			case ev := <-events:
				require.NotNil(t, ev)
				assert.Equal(t, want, ev.Type)
				assert.Equal(t, "c1", ev.CustomerID)
				assert.Equal(t, "a1", ev.AgentID)
				assert.Equal(t, s.InstanceID(), ev.Origin)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}

		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-events:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("bind refuses an agent at capacity", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		_, err := s.EstablishSession(ctx, "c1", "a1", 2)
		require.NoError(t, err)
		_, err = s.EstablishSession(ctx, "c2", "a1", 2)
		require.NoError(t, err)
		_, err = s.EstablishSession(ctx, "c3", "a1", 2)
		assert.ErrorIs(t, err, ErrAgentAtCapacity)

		// rebinding a customer already served does not take a new slot
		_, err = s.EstablishSession(ctx, "c1", "a1", 2)
		require.NoError(t, err)

		bound, err := s.BoundCustomers(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, bound)
		p, _ := s.GetPartner(ctx, "c3")
		assert.Empty(t, p)
	})

	t.Run("concurrent binds never exceed capacity", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		for i := 0; i < 4; i++ {
			_, err := s.EstablishSession(ctx, fmt.Sprintf("old%d", i), "a1", 5)
			require.NoError(t, err)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := s.EstablishSession(ctx, fmt.Sprintf("new%d", i), "a1", 5); err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		bound, err := s.BoundCustomers(ctx, "a1")
		require.NoError(t, err)
		assert.Len(t, bound, 5)
		assert.Equal(t, 1, success)
	})

	t.Run("claim waiting has one winner", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		require.NoError(t, s.AddToWaitingQueue(ctx, "c1"))

		agents := []string{"a1", "a2", "a3", "a4"}
		results := make([]error, len(agents))
		var wg sync.WaitGroup
		for i, id := range agents {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				_, results[i] = s.ClaimWaiting(ctx, "c1", id, 5)
			}(i, id)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
		queue, err := s.GetWaitingQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, queue)

		_, err = s.ClaimWaiting(ctx, "never-queued", "a1", 5)
		assert.ErrorIs(t, err, ErrNotWaiting)
	})

	t.Run("claim waiting respects capacity", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		_, err := s.EstablishSession(ctx, "c0", "a1", 1)
		require.NoError(t, err)
		require.NoError(t, s.AddToWaitingQueue(ctx, "c1"))

		_, err = s.ClaimWaiting(ctx, "c1", "a1", 1)
		assert.ErrorIs(t, err, ErrAgentAtCapacity)
		queue, err := s.GetWaitingQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, queue)
	})

	t.Run("concurrent clears leave focus on a bound customer", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		for round := 0; round < 20; round++ {
			agentID := fmt.Sprintf("a%d", round)
			for _, c := range []string{"c1", "c2", "c3"} {
				_, err := s.EstablishSession(ctx, fmt.Sprintf("%s-%s", agentID, c), agentID, 0)
				require.NoError(t, err)
			}

			// clearing the focused customer hands focus to c1 while c1 leaves too
			var wg sync.WaitGroup
			for _, c := range []string{"c3", "c1"} {
				wg.Add(1)
				go func(customerID string) {
					defer wg.Done()
					assert.NoError(t, s.ClearSession(ctx, customerID, agentID))
				}(fmt.Sprintf("%s-%s", agentID, c))
			}
			wg.Wait()

			focus, err := s.GetPartner(ctx, agentID)
			require.NoError(t, err)
			assert.Equal(t, agentID+"-c2", focus, "round %d", round)
		}
	})
}
