package config

import (
	"time"

	"github.com/amoylab/kefu/internal/common/cnst"
)

// SetDefaults fills zero values in cfg with their defaults
func SetDefaults(cfg *KefuConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5235
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Presence.Type == "" {
		cfg.Presence.Type = cnst.StoreTypeMemory.String()
	}
	if cfg.Presence.Redis.ClusterType == "" {
		cfg.Presence.Redis.ClusterType = cnst.RedisClusterTypeSingle
	}
	if cfg.Presence.Redis.Prefix == "" {
		cfg.Presence.Redis.Prefix = cnst.AppName
	}
	if cfg.Presence.Redis.Topic == "" {
		cfg.Presence.Redis.Topic = cnst.AppName + ":events"
	}

	if cfg.MessageLog.Type == "" {
		cfg.MessageLog.Type = cnst.StoreTypeMemory.String()
	}
	if cfg.MessageLog.MaxPerPair <= 0 {
		cfg.MessageLog.MaxPerPair = 1000
	}

	SetRelayDefaults(&cfg.Relay)

	if cfg.Auth.JWT.Duration <= 0 {
		cfg.Auth.JWT.Duration = 24 * time.Hour
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = cnst.AppName
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cnst.CommandName
	}
}

// SetRelayDefaults fills zero values in the relay configuration
func SetRelayDefaults(cfg *RelayConfig) {
	if cfg.MaxSessionsPerAgent <= 0 {
		cfg.MaxSessionsPerAgent = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 90 * time.Second
	}
	if cfg.WaitingTimeout <= 0 {
		cfg.WaitingTimeout = 10 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 50
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 256
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowDisconnect
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
}
