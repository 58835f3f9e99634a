// Package chatlog persists chat messages per conversation pair and replays
// the newest of them on reconnect.
package chatlog

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedType is returned by NewStore for an unknown message log type
var ErrUnsupportedType = errors.New("unsupported message log type")

// ContentType classifies the payload of a chat message
type ContentType string

const (
	ContentText  ContentType = "Text"
	ContentImage ContentType = "Image"
	ContentFile  ContentType = "File"
	ContentVoice ContentType = "Voice"
	ContentVideo ContentType = "Video"
	ContentHTML  ContentType = "Html"
)

// Valid reports whether c is one of the known content types
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentFile, ContentVoice, ContentVideo, ContentHTML:
		return true
	}
	return false
}

// Message is a persisted chat message
type Message struct {
	ID          string      `json:"id" gorm:"primaryKey;type:varchar(64)"`
	PairKey     string      `json:"-" gorm:"type:varchar(255);index:idx_chat_pair_ts,priority:1"`
	From        string      `json:"from" gorm:"column:from_id;type:varchar(128)"`
	To          string      `json:"to,omitempty" gorm:"column:to_id;type:varchar(128)"`
	Content     string      `json:"content" gorm:"type:text"`
	ContentType ContentType `json:"content_type" gorm:"type:varchar(16)"`
	Filename    string      `json:"filename,omitempty" gorm:"type:varchar(255)"`
	URL         string      `json:"url,omitempty" gorm:"type:varchar(1024)"`
	Timestamp   time.Time   `json:"timestamp" gorm:"index:idx_chat_pair_ts,priority:2"`
}

// TableName overrides the default gorm table name
func (Message) TableName() string {
	return "chat_messages"
}

// PairKey returns the key shared by both directions of a conversation
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Store is the message log backend
type Store interface {
	// Save appends msg and trims its pair to the configured maximum.
	Save(ctx context.Context, msg *Message) error
	// Recent returns the newest limit messages between a and b, oldest first.
	Recent(ctx context.Context, a, b string, limit int) ([]*Message, error)
	Close() error
}
