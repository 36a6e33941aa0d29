package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"projectfinder/internal/model"
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) CreateSession(ctx context.Context, session *model.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create chat session failed: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetSession(ctx context.Context, id string) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat session failed: %w", err)
	}
	return &session, nil
}

// Append assigns the next sequence number of the entry's session and stores
// the entry. The session counter update takes the row lock, so appends to one
// session are serialized while other sessions proceed.
func (r *ChatRepository) Append(ctx context.Context, entry *model.ChatLogEntry, idle time.Duration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := entry.CreatedAt
		if now.IsZero() {
			now = time.Now().UTC()
			entry.CreatedAt = now
		}

		res := tx.Model(&model.ChatSession{}).Where("id = ?", entry.SessionID).Updates(map[string]interface{}{
			"message_count":  gorm.Expr("message_count + 1"),
			"last_active_at": now,
			"expires_at":     now.Add(idle),
		})
		if res.Error != nil {
			return fmt.Errorf("advance chat session failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			session := model.ChatSession{
				ID:           entry.SessionID,
				MessageCount: 1,
				CreatedAt:    now,
				LastActiveAt: now,
				ExpiresAt:    now.Add(idle),
			}
			if err := tx.Create(&session).Error; err != nil {
				return fmt.Errorf("create chat session failed: %w", err)
			}
		}

		var session model.ChatSession
		if err := tx.Where("id = ?", entry.SessionID).First(&session).Error; err != nil {
			return fmt.Errorf("read chat session failed: %w", err)
		}
		entry.Seq = session.MessageCount
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("create chat log entry failed: %w", err)
		}
		return nil
	})
}

// ListEntries returns the latest limit entries of a session in sequence order.
func (r *ChatRepository) ListEntries(ctx context.Context, sessionID string, limit int) ([]model.ChatLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var entries []model.ChatLogEntry
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list chat log entries failed: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

type ChatStats struct {
	TotalQueries     int64   `json:"total_queries"`
	UniqueSessions   int64   `json:"unique_sessions"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	Degraded         int64   `json:"degraded"`
	Failed           int64   `json:"failed"`
}

func (r *ChatRepository) Stats(ctx context.Context, since time.Time) (*ChatStats, error) {
	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&model.ChatLogEntry{})
		if !since.IsZero() {
			q = q.Where("created_at >= ?", since)
		}
		return q
	}

	stats := &ChatStats{}
	if err := scope().Count(&stats.TotalQueries).Error; err != nil {
		return nil, fmt.Errorf("count chat queries failed: %w", err)
	}
	if err := scope().Distinct("session_id").Count(&stats.UniqueSessions).Error; err != nil {
		return nil, fmt.Errorf("count chat sessions failed: %w", err)
	}
	if err := scope().Where("degraded = ?", true).Count(&stats.Degraded).Error; err != nil {
		return nil, fmt.Errorf("count degraded queries failed: %w", err)
	}
	if err := scope().Where("state = ?", "FAILED").Count(&stats.Failed).Error; err != nil {
		return nil, fmt.Errorf("count failed queries failed: %w", err)
	}
	if stats.TotalQueries > 0 {
		var avg struct{ Value float64 }
		if err := scope().Select("AVG(latency_ms) AS value").Scan(&avg).Error; err != nil {
			return nil, fmt.Errorf("average chat latency failed: %w", err)
		}
		stats.AverageLatencyMS = avg.Value
	}
	return stats, nil
}
