package dto

import (
	"strings"
	"time"
)

// Role is the side a connected user plays in a pairing
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

func (r Role) String() string {
	return string(r)
}

// ParseRole accepts the canonical names and the kefu/kehu aliases
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent", "kefu":
		return RoleAgent, true
	case "customer", "kehu":
		return RoleCustomer, true
	default:
		return "", false
	}
}

// Status is the presence state a user advertises
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ParseStatus maps a client-supplied status, case-insensitively
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline, true
	case StatusAway:
		return StatusAway, true
	case StatusOffline:
		return StatusOffline, true
	default:
		return "", false
	}
}

// UserInfo is the presence record of a connected user
type UserInfo struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	AccountRef  string    `json:"account_ref,omitempty"`
	Status      Status    `json:"status"`
	ConnectedAt time.Time `json:"connected_at"`
}
