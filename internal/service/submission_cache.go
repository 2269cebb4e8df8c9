package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
)

// SubmissionCache keeps recently polled submissions. Every state write must
// invalidate the entry.
type SubmissionCache interface {
	Get(ctx context.Context, id uint) (dto.SubmissionResponse, bool)
	Set(ctx context.Context, response dto.SubmissionResponse)
	Invalidate(ctx context.Context, ids ...uint)
}

type redisSubmissionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewSubmissionCache returns a redis backed cache, or a no-op cache when client is nil.
func NewSubmissionCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) SubmissionCache {
	if client == nil {
		return nopSubmissionCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &redisSubmissionCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "submission_cache").Logger(),
	}
}

func submissionCacheKey(id uint) string {
	return fmt.Sprintf("grader:submission:%d", id)
}

func (c *redisSubmissionCache) Get(ctx context.Context, id uint) (dto.SubmissionResponse, bool) {
	cached, err := c.client.Get(ctx, submissionCacheKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Uint("submission_id", id).Msg("failed to read submission cache")
		}
		return dto.SubmissionResponse{}, false
	}

	var response dto.SubmissionResponse
	if err := json.Unmarshal([]byte(cached), &response); err != nil {
		c.logger.Warn().Err(err).Uint("submission_id", id).Msg("discarding corrupt submission cache entry")
		return dto.SubmissionResponse{}, false
	}
	return response, true
}

func (c *redisSubmissionCache) Set(ctx context.Context, response dto.SubmissionResponse) {
	payload, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, submissionCacheKey(response.ID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Uint("submission_id", response.ID).Msg("failed to store submission cache")
	}
}

func (c *redisSubmissionCache) Invalidate(ctx context.Context, ids ...uint) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			keys = append(keys, submissionCacheKey(id))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("failed to invalidate submission cache")
	}
}

type nopSubmissionCache struct{}

func (nopSubmissionCache) Get(context.Context, uint) (dto.SubmissionResponse, bool) {
	return dto.SubmissionResponse{}, false
}

func (nopSubmissionCache) Set(context.Context, dto.SubmissionResponse) {}

func (nopSubmissionCache) Invalidate(context.Context, ...uint) {}
