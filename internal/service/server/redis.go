package server

import (
	"context"
	"fmt"

	"mtproto_core/internal/service/redis"
)

// RedisQueue keeps offline updates in a redis list per user.
type RedisQueue struct {
	redisService *redis.RedisService
}

func NewRedisQueue(redisService *redis.RedisService) *RedisQueue {
	return &RedisQueue{redisService: redisService}
}

func updatesKey(to int64) string {
	return fmt.Sprintf("to: %d", to)
}

func (q *RedisQueue) GetUpdatesFromCache(ctx context.Context, to int64) ([][]byte, error) {
	vals, err := q.redisService.Drain(ctx, updatesKey(to))
	if err != nil {
		return nil, err
	}

	res := make([][]byte, 0, len(vals))
	for _, v := range vals {
		res = append(res, []byte(v))
	}
	return res, nil
}

func (q *RedisQueue) PutUpdatesToCache(ctx context.Context, to int64, updates [][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	vals := make([]any, 0, len(updates))
	for _, u := range updates {
		vals = append(vals, u)
	}
	return q.redisService.RPush(ctx, updatesKey(to), vals...)
}
