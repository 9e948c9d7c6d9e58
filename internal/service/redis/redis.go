package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by Get for missing keys.
var Nil = redis.Nil

type (
	// RedisService namespaces every key with a prefix so client and
	// server can share one database.
	RedisService struct {
		rdb    *redis.Client
		prefix string
	}
)

func NewRedis(rdb *redis.Client, prefix string) *RedisService {
	return &RedisService{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (r *RedisService) key(k string) string {
	return r.prefix + k
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, r.key(key), value...).Err()
}

func (r *RedisService) LRange(ctx context.Context, key string) ([]string, error) {
	return r.rdb.LRange(ctx, r.key(key), 0, -1).Result()
}

// Drain returns the whole list and deletes it in one transaction.
func (r *RedisService) Drain(ctx context.Context, key string) ([]string, error) {
	var values *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		values = p.LRange(ctx, r.key(key), 0, -1)
		p.Del(ctx, r.key(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values.Val(), nil
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.key(key)).Err()
}

// Set stores value. A zero ttl keeps the key forever.
func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, r.key(key)).Result()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
