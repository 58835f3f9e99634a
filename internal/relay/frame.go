// Package relay connects agents and customers over websockets: it keeps the
// local connection registry, pairs customers with agents, routes frames
// between them and evicts connections whose heartbeat lapsed.
package relay

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/dto"
)

// FrameType is the discriminator of a wire frame
type FrameType string

const (
	FrameChat               FrameType = "Chat"
	FrameTyping             FrameType = "Typing"
	FrameHeartbeat          FrameType = "Heartbeat"
	FrameHistory            FrameType = "History"
	FrameHistoryRequest     FrameType = "HistoryRequest"
	FrameOnlineUsers        FrameType = "OnlineUsers"
	FrameUserJoined         FrameType = "UserJoined"
	FrameUserLeft           FrameType = "UserLeft"
	FrameStatus             FrameType = "Status"
	FrameWelcome            FrameType = "Welcome"
	FrameError              FrameType = "Error"
	FrameSystem             FrameType = "System"
	FrameVoice              FrameType = "Voice"
	FrameSwitch             FrameType = "Switch"
	FrameSessionEstablished FrameType = "SessionEstablished"
)

var knownFrameTypes = map[string]FrameType{}

func init() {
	for _, t := range []FrameType{
		FrameChat, FrameTyping, FrameHeartbeat, FrameHistory, FrameHistoryRequest,
		FrameOnlineUsers, FrameUserJoined, FrameUserLeft, FrameStatus, FrameWelcome,
		FrameError, FrameSystem, FrameVoice, FrameSwitch, FrameSessionEstablished,
	} {
		knownFrameTypes[strings.ToLower(string(t))] = t
	}
}

// Frame is one JSON text frame. Which fields are meaningful depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// Chat, Voice, Typing, System, Error
	ID          string              `json:"id,omitempty"`
	From        string              `json:"from,omitempty"`
	To          string              `json:"to,omitempty"`
	Content     string              `json:"content,omitempty"`
	ContentType chatlog.ContentType `json:"content_type,omitempty"`
	Filename    string              `json:"filename,omitempty"`
	URL         string              `json:"url,omitempty"`
	Timestamp   int64               `json:"timestamp,omitempty"` // unix millis

	// Welcome, Heartbeat, Status, UserJoined, UserLeft
	UserID      string     `json:"user_id,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Role        dto.Role   `json:"role,omitempty"`
	Status      dto.Status `json:"status,omitempty"`

	// HistoryRequest, History, Switch, SessionEstablished
	CustomerID string             `json:"customer_id,omitempty"`
	AgentID    string             `json:"agent_id,omitempty"`
	PartnerID  string             `json:"partner_id,omitempty"`
	Messages   []*chatlog.Message `json:"messages,omitempty"`

	// OnlineUsers; a nil list on an inbound frame is a pull request
	Users []dto.UserInfo `json:"users,omitempty"`

	// System frames for queued customers
	Position int `json:"position,omitempty"`
}

// ParseFrame decodes an inbound text frame. Anything that is not a JSON
// object with a known type becomes a Chat frame carrying the raw text.
func ParseFrame(raw []byte) Frame {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return textFrame(raw)
	}
	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return textFrame(raw)
	}
	t, ok := knownFrameTypes[strings.ToLower(string(f.Type))]
	if !ok {
		return textFrame(raw)
	}
	f.Type = t
	return f
}

func textFrame(raw []byte) Frame {
	return Frame{Type: FrameChat, Content: string(raw), ContentType: chatlog.ContentText}
}

// Encode marshals the frame for the wire
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func messageFromFrame(f *Frame) *chatlog.Message {
	return &chatlog.Message{
		ID:          f.ID,
		From:        f.From,
		To:          f.To,
		Content:     f.Content,
		ContentType: f.ContentType,
		Filename:    f.Filename,
		URL:         f.URL,
		Timestamp:   millisToTime(f.Timestamp),
	}
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
