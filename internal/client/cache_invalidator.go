package client

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCacheInvalidator drops cached work request entries when a request
// mutates or is soft-deleted. Invalidation is advisory: failures are logged
// and never surfaced to the caller.
type RedisCacheInvalidator struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisCacheInvalidator creates an invalidator over the given Redis
// client. A nil client disables invalidation.
func NewRedisCacheInvalidator(rdb *redis.Client, log zerolog.Logger) *RedisCacheInvalidator {
	return &RedisCacheInvalidator{rdb: rdb, log: log}
}

// Invalidate removes the item key and the organization's list key.
func (c *RedisCacheInvalidator) Invalidate(ctx context.Context, organizationID, workRequestID string) {
	if c.rdb == nil {
		return
	}

	keys := []string{
		fmt.Sprintf("workrequests:%s:%s", organizationID, workRequestID),
		fmt.Sprintf("workrequests:%s:list", organizationID),
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).
			Str("work_request_id", workRequestID).
			Msg("cache: failed to invalidate keys (non-fatal)")
		return
	}

	c.log.Debug().
		Str("work_request_id", workRequestID).
		Msg("cache: keys invalidated")
}
