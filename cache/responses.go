package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/malwarebo/courier/models"
)

// ResponseCache keeps completed saved responses in Redis so a retry can be
// replayed without touching Postgres. Only completed responses are ever
// written and they are immutable, so a stale or missing entry is harmless:
// the caller falls through to the durable store.
type ResponseCache struct {
	redis *RedisCache
}

func CreateResponseCache(redis *RedisCache) *ResponseCache {
	return &ResponseCache{redis: redis}
}

type cachedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    []models.HeaderPair `json:"headers"`
	Body       []byte              `json:"body"`
}

func (c *ResponseCache) GetResponse(ctx context.Context, userID string, key models.IdempotencyKey) (*models.SavedResponse, bool) {
	data, err := c.redis.Get(ctx, responseKey(userID, key))
	if err != nil {
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}

	return &models.SavedResponse{
		StatusCode: cached.StatusCode,
		Headers:    cached.Headers,
		Body:       cached.Body,
	}, true
}

func (c *ResponseCache) SetResponse(ctx context.Context, userID string, key models.IdempotencyKey, resp *models.SavedResponse) {
	data, err := json.Marshal(cachedResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
	})
	if err != nil {
		return
	}

	// Best effort: a write failure only costs a future Postgres read.
	_ = c.redis.Set(ctx, responseKey(userID, key), data)
}

func responseKey(userID string, key models.IdempotencyKey) string {
	return fmt.Sprintf("courier:response:%s:%s", userID, key.String())
}
