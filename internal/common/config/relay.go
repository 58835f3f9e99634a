package config

import "time"

// Outbound queue overflow policies
const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop_oldest"
)

// RelayConfig tunes the websocket connection manager and pairing engine
type RelayConfig struct {
	MaxSessionsPerAgent int           `yaml:"max_sessions_per_agent"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL        time.Duration `yaml:"heartbeat_ttl"`
	WaitingTimeout      time.Duration `yaml:"waiting_timeout"`
	HistoryLimit        int           `yaml:"history_limit"` // cap for HistoryRequest replies
	ReplayLimit         int           `yaml:"replay_limit"`  // messages replayed on connect
	OutboundBuffer      int           `yaml:"outbound_buffer"`
	OverflowPolicy      string        `yaml:"overflow_policy"` // disconnect or drop_oldest
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
}
