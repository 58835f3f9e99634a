package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/amoylab/kefu/internal/common/cnst"
	"github.com/amoylab/kefu/internal/common/config"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/pkg/utils"

	"github.com/google/uuid"
	"github.com/ifuryst/lol"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 5

// RedisStore implements Store using Redis
type RedisStore struct {
	logger     *zap.Logger
	client     redis.UniversalClient
	prefix     string
	topic      string
	instanceID string
	now        func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-based presence store
func NewRedisStore(logger *zap.Logger, cfg config.PresenceRedisConfig) (*RedisStore, error) {
	opts := &redis.UniversalOptions{
		Addrs:    utils.SplitByMultipleDelimiters(cfg.Addr, ";", ","),
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		opts.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		opts.DB = cfg.DB
	}
	client := redis.NewUniversalClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = cnst.AppName
	}
	topic := cfg.Topic
	if topic == "" {
		topic = prefix + ":events"
	}

	return &RedisStore{
		logger:     logger.Named("presence.store.redis"),
		client:     client,
		prefix:     prefix + ":",
		topic:      topic,
		instanceID: uuid.NewString(),
		now:        time.Now,
	}, nil
}

func (s *RedisStore) onlineKey() string              { return s.prefix + "online" }
func (s *RedisStore) heartbeatKey() string           { return s.prefix + "heartbeat" }
func (s *RedisStore) waitingKey() string             { return s.prefix + "waiting" }
func (s *RedisStore) waitingSinceKey() string        { return s.prefix + "waiting:since" }
func (s *RedisStore) partnerKey(id string) string    { return s.prefix + "partner:" + id }
func (s *RedisStore) boundKey(agentID string) string { return s.prefix + "agent:" + agentID + ":customers" }
func (s *RedisStore) workloadKey(id string) string   { return s.prefix + "workload:" + id }
func (s *RedisStore) sessionKey(id string) string    { return s.prefix + "session:" + id }

// InstanceID implements Store.InstanceID
func (s *RedisStore) InstanceID() string {
	return s.instanceID
}

// SetOnline implements Store.SetOnline
func (s *RedisStore) SetOnline(ctx context.Context, info dto.UserInfo) error {
	if info.Status == "" {
		info.Status = dto.StatusOnline
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.onlineKey(), info.UserID, data)
		pipe.ZAdd(ctx, s.heartbeatKey(), redis.Z{Score: float64(s.now().UnixMilli()), Member: info.UserID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store presence record: %w", err)
	}
	return nil
}

// SetOffline implements Store.SetOffline
func (s *RedisStore) SetOffline(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.onlineKey(), id)
		pipe.ZRem(ctx, s.heartbeatKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove presence record: %w", err)
	}
	return nil
}

// SetStatus implements Store.SetStatus
func (s *RedisStore) SetStatus(ctx context.Context, id string, status dto.Status) error {
	data, err := s.client.HGet(ctx, s.onlineKey(), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read presence record: %w", err)
	}
	var info dto.UserInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	info.Status = status
	data, err = json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	return s.client.HSet(ctx, s.onlineKey(), id, data).Err()
}

// OnlineUsers implements Store.OnlineUsers
func (s *RedisStore) OnlineUsers(ctx context.Context) ([]dto.UserInfo, error) {
	all, err := s.client.HGetAll(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence records: %w", err)
	}
	users := make([]dto.UserInfo, 0, len(all))
	for id, data := range all {
		var info dto.UserInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			s.logger.Error("failed to unmarshal presence record",
				zap.String("user_id", id),
				zap.Error(err))
			continue
		}
		users = append(users, info)
	}
	sortUsers(users)
	return users, nil
}

// GetPartner implements Store.GetPartner
func (s *RedisStore) GetPartner(ctx context.Context, id string) (string, error) {
	partner, err := s.client.Get(ctx, s.partnerKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read partner pointer: %w", err)
	}
	return partner, nil
}

// EstablishSession implements Store.EstablishSession
func (s *RedisStore) EstablishSession(ctx context.Context, customerID, agentID string, capacity int) (*Session, error) {
	return s.establish(ctx, customerID, agentID, capacity, false)
}

// ClaimWaiting implements Store.ClaimWaiting. Every bind writes the
// customer pointer, which is watched, so two agents racing for one customer
// cannot both commit.
func (s *RedisStore) ClaimWaiting(ctx context.Context, customerID, agentID string, capacity int) (*Session, error) {
	return s.establish(ctx, customerID, agentID, capacity, true)
}

func (s *RedisStore) establish(ctx context.Context, customerID, agentID string, capacity int, fromQueue bool) (*Session, error) {
	if customerID == "" || agentID == "" || customerID == agentID {
		return nil, ErrInvalidPair
	}
	sess := &Session{CustomerID: customerID, AgentID: agentID, EstablishedAt: s.now()}
	customerKey := s.partnerKey(customerID)
	boundKey := s.boundKey(agentID)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, customerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if fromQueue {
			if prev != "" {
				return ErrNotWaiting
			}
			waiting, err := tx.HExists(ctx, s.waitingSinceKey(), customerID).Result()
			if err != nil {
				return err
			}
			if !waiting {
				return ErrNotWaiting
			}
		}
		if capacity > 0 {
			member, err := tx.SIsMember(ctx, boundKey, customerID).Result()
			if err != nil {
				return err
			}
			if !member {
				n, err := tx.SCard(ctx, boundKey).Result()
				if err != nil {
					return err
				}
				if n >= int64(capacity) {
					return ErrAgentAtCapacity
				}
			}
		}
		var prevFocus string
		if prev != "" && prev != agentID {
			prevFocus, err = tx.Get(ctx, s.partnerKey(prev)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != agentID {
				pipe.SRem(ctx, s.boundKey(prev), customerID)
				if prevFocus == customerID {
					pipe.Del(ctx, s.partnerKey(prev))
				}
			}
			pipe.Set(ctx, customerKey, agentID, 0)
			pipe.Set(ctx, s.partnerKey(agentID), customerID, 0)
			pipe.SAdd(ctx, boundKey, customerID)
			pipe.LRem(ctx, s.waitingKey(), 0, customerID)
			pipe.HDel(ctx, s.waitingSinceKey(), customerID)
			pipe.HSet(ctx, s.sessionKey(customerID),
				"agent_id", agentID,
				"established_at", sess.EstablishedAt.UnixMilli())
			return nil
		})
		return err
	}, customerKey, boundKey)
	if err != nil {
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}

	s.publish(ctx, &Event{Type: EventSessionEstablished, CustomerID: customerID, AgentID: agentID})
	return sess, nil
}

// ClearSession implements Store.ClearSession
func (s *RedisStore) ClearSession(ctx context.Context, customerID, agentID string) error {
	customerKey := s.partnerKey(customerID)
	agentKey := s.partnerKey(agentID)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		customerPartner, err := tx.Get(ctx, customerKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		agentFocus, err := tx.Get(ctx, agentKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		bound, err := tx.SMembers(ctx, s.boundKey(agentID)).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if customerPartner == agentID || customerPartner == "" {
				pipe.Del(ctx, customerKey, s.sessionKey(customerID))
			}
			pipe.SRem(ctx, s.boundKey(agentID), customerID)
			if agentFocus == customerID {
				if next := nextFocus(bound, customerID); next != "" {
					pipe.Set(ctx, agentKey, next, 0)
				} else {
					pipe.Del(ctx, agentKey)
				}
			}
			return nil
		})
		return err
	}, customerKey, agentKey, s.boundKey(agentID))
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	s.publish(ctx, &Event{Type: EventSessionCleared, CustomerID: customerID, AgentID: agentID})
	return nil
}

// BoundCustomers implements Store.BoundCustomers
func (s *RedisStore) BoundCustomers(ctx context.Context, agentID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.boundKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list bound customers: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddToWaitingQueue implements Store.AddToWaitingQueue
func (s *RedisStore) AddToWaitingQueue(ctx context.Context, id string) error {
	added, err := s.client.HSetNX(ctx, s.waitingSinceKey(), id, s.now().UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue waiting customer: %w", err)
	}
	if !added {
		return nil
	}
	if err := s.client.RPush(ctx, s.waitingKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to enqueue waiting customer: %w", err)
	}
	return nil
}

// RemoveFromWaitingQueue implements Store.RemoveFromWaitingQueue
func (s *RedisStore) RemoveFromWaitingQueue(ctx context.Context, id string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, s.waitingKey(), 0, id)
		pipe.HDel(ctx, s.waitingSinceKey(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to dequeue waiting customer: %w", err)
	}
	return removed.Val() > 0, nil
}

// GetWaitingQueue implements Store.GetWaitingQueue
func (s *RedisStore) GetWaitingQueue(ctx context.Context) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.waitingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting queue: %w", err)
	}
	return ids, nil
}

// ExpireWaiting implements Store.ExpireWaiting
func (s *RedisStore) ExpireWaiting(ctx context.Context, olderThan time.Duration) ([]string, error) {
	since, err := s.client.HGetAll(ctx, s.waitingSinceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read waiting times: %w", err)
	}
	cutoff := s.now().Add(-olderThan).UnixMilli()
	var expired []string
	for id, raw := range since {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && ts > cutoff {
			continue
		}
		removed, err := s.RemoveFromWaitingQueue(ctx, id)
		if err != nil {
			return expired, err
		}
		if removed {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// GetAgentWorkload implements Store.GetAgentWorkload
func (s *RedisStore) GetAgentWorkload(ctx context.Context, agentID string) (Workload, error) {
	var (
		active *redis.IntCmd
		stats  *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		active = pipe.SCard(ctx, s.boundKey(agentID))
		stats = pipe.HGetAll(ctx, s.workloadKey(agentID))
		return nil
	})
	if err != nil {
		return Workload{}, fmt.Errorf("failed to read agent workload: %w", err)
	}
	fields := stats.Val()
	totalMs, _ := strconv.ParseFloat(fields["response_total_ms"], 64)
	count, _ := strconv.ParseFloat(fields["response_count"], 64)
	satisfaction, _ := strconv.ParseFloat(fields["satisfaction"], 64)

	w := Workload{ActiveSessions: int(active.Val()), SatisfactionScore: satisfaction}
	if count > 0 {
		w.AvgResponseTime = totalMs / count / 1000
	}
	return w, nil
}

// RecordResponseTime implements Store.RecordResponseTime
func (s *RedisStore) RecordResponseTime(ctx context.Context, agentID string, d time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, s.workloadKey(agentID), "response_total_ms", d.Milliseconds())
		pipe.HIncrBy(ctx, s.workloadKey(agentID), "response_count", 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record response time: %w", err)
	}
	return nil
}

// SetSatisfaction implements Store.SetSatisfaction
func (s *RedisStore) SetSatisfaction(ctx context.Context, agentID string, score float64) error {
	return s.client.HSet(ctx, s.workloadKey(agentID), "satisfaction", strconv.FormatFloat(score, 'f', -1, 64)).Err()
}

// UpdateHeartbeat implements Store.UpdateHeartbeat
func (s *RedisStore) UpdateHeartbeat(ctx context.Context, id string) error {
	return s.client.ZAdd(ctx, s.heartbeatKey(), redis.Z{Score: float64(s.now().UnixMilli()), Member: id}).Err()
}

// CheckStale implements Store.CheckStale
func (s *RedisStore) CheckStale(ctx context.Context, ids []string, ttl time.Duration) ([]string, error) {
	ids = lol.UniqSlice(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.FloatCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.ZScore(ctx, s.heartbeatKey(), id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}

	cutoff := float64(s.now().Add(-ttl).UnixMilli())
	var stale []string
	for i, cmd := range cmds {
		score, err := cmd.Result()
		switch {
		case errors.Is(err, redis.Nil):
			stale = append(stale, ids[i])
		case err != nil:
			return nil, fmt.Errorf("failed to read heartbeat: %w", err)
		case score < cutoff:
			stale = append(stale, ids[i])
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// Subscribe implements Store.Subscribe
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan *Event, error) {
	pubsub := s.client.Subscribe(ctx, s.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}

	out := make(chan *Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Error("failed to unmarshal presence event",
						zap.Error(err),
						zap.String("payload", msg.Payload))
					continue
				}
				select {
				case out <- &ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// publish is best effort; a lost event only delays cross-instance notices
func (s *RedisStore) publish(ctx context.Context, ev *Event) {
	ev.Origin = s.instanceID
	ev.Timestamp = s.now()
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal presence event", zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, s.topic, data).Err(); err != nil {
		s.logger.Warn("failed to publish presence event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// nextFocus picks the customer an agent focuses on after leaving one
func nextFocus(bound []string, leaving string) string {
	rest := make([]string, 0, len(bound))
	for _, id := range bound {
		if id != leaving {
			rest = append(rest, id)
		}
	}
	if len(rest) == 0 {
		return ""
	}
	sort.Strings(rest)
	return rest[0]
}

func sortUsers(users []dto.UserInfo) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].ConnectedAt.Equal(users[j].ConnectedAt) {
			return users[i].ConnectedAt.Before(users[j].ConnectedAt)
		}
		return users[i].UserID < users[j].UserID
	})
}
