package store

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"classroll/internal/apperr"
)

const redisPingTimeout = 500 * time.Millisecond

// Redis holds the client shared by the detection queue and the live cache.
type Redis struct {
	Client *redis.Client
}

// NewRedis accepts either host:port or a redis:// URL. Timeouts stay short
// because the live poll path must fail fast.
func NewRedis(addr string) (*Redis, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, apperr.Validationf("redis address %q: %v", addr, err)
		}
		opts = parsed
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	return &Redis{Client: redis.NewClient(opts)}, nil
}

// Healthy pings redis, bounded so a stalled server cannot hang /healthz.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
