package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// QueryEmbeddingCache keeps query vectors keyed by model version and text hash.
type QueryEmbeddingCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewQueryEmbeddingCache(client *redisv9.Client, ttl time.Duration) *QueryEmbeddingCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &QueryEmbeddingCache{client: client, ttl: ttl}
}

func (c *QueryEmbeddingCache) Get(ctx context.Context, modelVersion, text string) ([]float32, bool, error) {
	raw, err := c.client.Get(ctx, c.key(modelVersion, text)).Bytes()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get query embedding failed: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, false, fmt.Errorf("corrupt cached query embedding of %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, true, nil
}

func (c *QueryEmbeddingCache) Set(ctx context.Context, modelVersion, text string, vec []float32) error {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if err := c.client.Set(ctx, c.key(modelVersion, text), buf, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set query embedding failed: %w", err)
	}
	return nil
}

func (c *QueryEmbeddingCache) key(modelVersion, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding:query:%s:%s", modelVersion, hex.EncodeToString(sum[:]))
}
