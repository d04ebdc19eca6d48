package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	wbfredis "github.com/wb-go/wbf/redis"
	wbfretry "github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/models"
)

// CachedDirectory fronts a Directory with Redis. Cache misses and Redis
// outages fall through to the upstream directory; a stale or missing
// cache entry never blocks a delivery.
type CachedDirectory struct {
	upstream Directory
	client   *redis.Client
	ttl      time.Duration
	strategy wbfretry.Strategy
}

func NewCachedDirectory(upstream Directory, addr, password string, db int, ttl time.Duration) (*CachedDirectory, error) {
	wbfClient := wbfredis.New(addr, password, db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	strategy := wbfretry.Strategy{
		Attempts: 3,
		Delay:    100 * time.Millisecond,
		Backoff:  2,
	}

	if err := wbfretry.DoContext(ctx, strategy, func() error {
		return wbfClient.Ping(ctx)
	}); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &CachedDirectory{
		upstream: upstream,
		client:   wbfClient.Client,
		ttl:      ttl,
		strategy: strategy,
	}, nil
}

func cacheKey(clientID string) string {
	return "client:" + clientID
}

func (d *CachedDirectory) Lookup(ctx context.Context, clientID string) (*models.Client, error) {
	data, err := d.client.Get(ctx, cacheKey(clientID)).Bytes()
	if err == nil {
		var c models.Client
		if err := json.Unmarshal(data, &c); err == nil {
			return &c, nil
		}
		// poisoned entry: drop it and fall through
		d.client.Del(ctx, cacheKey(clientID))
	} else if !errors.Is(err, redis.Nil) {
		zlog.Logger.Warn().Err(err).Str("client_id", clientID).Msg("client cache read failed")
	}

	c, err := d.upstream.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(c); err == nil {
		setErr := wbfretry.DoContext(ctx, d.strategy, func() error {
			return d.client.Set(ctx, cacheKey(clientID), data, d.ttl).Err()
		})
		if setErr != nil {
			zlog.Logger.Warn().Err(setErr).Str("client_id", clientID).Msg("client cache write failed")
		}
	}
	return c, nil
}
