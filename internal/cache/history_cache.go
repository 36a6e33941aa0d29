package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"projectfinder/internal/model"
)

const (
	historyKeyPrefix = "chatbot:history:"
	dirtyKeyPrefix   = "chatbot:history:dirty:"
)

// HistoryCache keeps the recent log of a chat session. A dirty marker set on
// invalidation tells readers to skip the cache until pending writes land.
type HistoryCache struct {
	client   *redisv9.Client
	ttl      time.Duration
	dirtyTTL time.Duration
}

func NewHistoryCache(client *redisv9.Client, ttl, dirtyTTL time.Duration) *HistoryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if dirtyTTL <= 0 {
		dirtyTTL = 5 * time.Second
	}
	return &HistoryCache{client: client, ttl: ttl, dirtyTTL: dirtyTTL}
}

func (c *HistoryCache) GetHistory(ctx context.Context, sessionID string) ([]model.ChatLogEntry, bool, error) {
	raw, err := c.client.Get(ctx, historyKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read session history failed: %w", err)
	}

	var entries []model.ChatLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// a corrupt entry is treated as a miss and dropped
		_ = c.client.Del(ctx, historyKeyPrefix+sessionID).Err()
		return nil, false, nil
	}
	return entries, true, nil
}

func (c *HistoryCache) SetHistory(ctx context.Context, sessionID string, entries []model.ChatLogEntry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode session history failed: %w", err)
	}
	if err := c.client.Set(ctx, historyKeyPrefix+sessionID, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("write session history failed: %w", err)
	}
	return nil
}

// Invalidate sets the dirty marker and drops the cached history in one
// transaction.
func (c *HistoryCache) Invalidate(ctx context.Context, sessionID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Set(ctx, dirtyKeyPrefix+sessionID, "1", c.dirtyTTL)
		pipe.Del(ctx, historyKeyPrefix+sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate session history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) IsDirty(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.client.Exists(ctx, dirtyKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("check history dirty marker failed: %w", err)
	}
	return n > 0, nil
}
