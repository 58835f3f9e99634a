package config

import (
	"fmt"
	"strings"

	"github.com/amoylab/kefu/internal/common/cnst"
)

// ValidationError collects every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid configuration")
	sb.WriteString("\n\n")
	for _, p := range e.Problems {
		sb.WriteString("--> ")
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Validate checks a configuration after defaults have been applied
func Validate(cfg *KefuConfig) error {
	var problems []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}

	switch cnst.StoreType(cfg.Presence.Type) {
	case cnst.StoreTypeMemory:
	case cnst.StoreTypeRedis:
		if cfg.Presence.Redis.Addr == "" {
			problems = append(problems, "presence.redis.addr is required for redis presence")
		}
		switch cfg.Presence.Redis.ClusterType {
		case cnst.RedisClusterTypeSingle, cnst.RedisClusterTypeCluster:
		case cnst.RedisClusterTypeSentinel:
			if cfg.Presence.Redis.MasterName == "" {
				problems = append(problems, "presence.redis.master_name is required for sentinel")
			}
		default:
			problems = append(problems, fmt.Sprintf("presence.redis.cluster_type %q is not supported", cfg.Presence.Redis.ClusterType))
		}
	default:
		problems = append(problems, fmt.Sprintf("presence.type %q is not supported", cfg.Presence.Type))
	}

	switch cnst.StoreType(cfg.MessageLog.Type) {
	case cnst.StoreTypeMemory:
	case cnst.StoreTypeDB:
		switch cfg.MessageLog.Database.Type {
		case "sqlite", "mysql", "postgres":
		default:
			problems = append(problems, fmt.Sprintf("message_log.database.type %q is not supported", cfg.MessageLog.Database.Type))
		}
		if cfg.MessageLog.Database.DBName == "" {
			problems = append(problems, "message_log.database.dbname is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("message_log.type %q is not supported", cfg.MessageLog.Type))
	}

	if cfg.Relay.HeartbeatTTL < cfg.Relay.HeartbeatInterval {
		problems = append(problems, "relay.heartbeat_ttl must not be shorter than relay.heartbeat_interval")
	}
	switch cfg.Relay.OverflowPolicy {
	case OverflowDisconnect, OverflowDropOldest:
	default:
		problems = append(problems, fmt.Sprintf("relay.overflow_policy %q is not supported", cfg.Relay.OverflowPolicy))
	}

	if cfg.Auth.JWT.Enabled && len(cfg.Auth.JWT.SecretKey) < 32 {
		problems = append(problems, "auth.jwt.secret_key must be at least 32 characters")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
