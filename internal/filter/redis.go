package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maxvaer/fofasweep/internal/record"
)

// setNXer is the part of the redis client RedisSet needs.
type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisSet keeps seen hosts as keys under a prefix, so several runs or
// machines writing to the same logical output share one set. SETNX makes
// check-and-insert a single server-side step.
type RedisSet struct {
	client setNXer
	prefix string
	ttl    time.Duration // 0 = keys never expire
}

// NewRedisSet connects to addr and verifies the connection.
func NewRedisSet(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisSet, *redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		// Plain host:port.
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return newRedisSet(client, prefix, ttl), client, nil
}

func newRedisSet(c setNXer, prefix string, ttl time.Duration) *RedisSet {
	return &RedisSet{client: c, prefix: prefix, ttl: ttl}
}

func (s *RedisSet) key(host string) string { return s.prefix + host }

func (s *RedisSet) Seed(ctx context.Context, recs ...record.Record) error {
	for _, r := range recs {
		if err := s.client.SetNX(ctx, s.key(r.Host), 1, s.ttl).Err(); err != nil {
			return fmt.Errorf("seeding %s: %w", r.Host, err)
		}
	}
	return nil
}

func (s *RedisSet) Accept(ctx context.Context, rec record.Record) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(rec.Host), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", rec.Host, err)
	}
	return ok, nil
}
