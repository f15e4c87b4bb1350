package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedSource keeps approved assignments in Redis. Rejections are not cached
// so a freshly approved request is picked up on the next call.
type CachedSource struct {
	next   Source
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func NewCachedSource(next Source, client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *CachedSource {
	return &CachedSource{next: next, client: client, prefix: prefix, ttl: ttl, log: logger}
}

func (c *CachedSource) key(requestID string) string {
	return fmt.Sprintf("%s:assignment:%s", c.prefix, requestID)
}

func (c *CachedSource) GetApprovedAssignment(ctx context.Context, requestID string) (*Assignment, error) {
	b, err := c.client.Get(ctx, c.key(requestID)).Bytes()
	if err == nil {
		var a Assignment
		if jerr := json.Unmarshal(b, &a); jerr == nil {
			return &a, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("assignment cache read", zap.String("request_id", requestID), zap.Error(err))
	}

	a, err := c.next.GetApprovedAssignment(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if j, jerr := json.Marshal(a); jerr == nil {
		if serr := c.client.Set(ctx, c.key(requestID), j, c.ttl).Err(); serr != nil {
			c.log.Warn("assignment cache write", zap.String("request_id", requestID), zap.Error(serr))
		}
	}
	return a, nil
}
