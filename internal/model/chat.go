package model

import (
	"time"

	"gorm.io/datatypes"
)

type ChatSession struct {
	ID           string    `gorm:"size:36;primaryKey" json:"id"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `gorm:"not null" json:"last_active_at"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expires_at"`
}

func (s *ChatSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ChatLogEntry is one query/response pair. Entries are append-only and
// ordered by Seq inside their session.
type ChatLogEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	SessionID string         `gorm:"size:36;not null;uniqueIndex:idx_chat_log_session_seq,priority:1" json:"session_id"`
	Seq       int            `gorm:"not null;uniqueIndex:idx_chat_log_session_seq,priority:2" json:"seq"`
	Query     string         `gorm:"type:text;not null" json:"query"`
	Response  string         `gorm:"type:text;not null" json:"response"`
	Path      string         `gorm:"size:16;not null" json:"path"`
	State     string         `gorm:"size:32;not null" json:"state"`
	Degraded  bool           `gorm:"not null" json:"degraded"`
	RecordIDs datatypes.JSON `json:"record_ids"`
	ModelUsed string         `gorm:"size:128;not null" json:"model_used"`
	LatencyMS int64          `gorm:"not null" json:"latency_ms"`
	Error     string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
