package store

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

// 所有 key 带同一个 hash tag，cluster 下落在同一个 slot，TxPipeline 才能跨 key 使用
const (
	redisIndexKey    = "collab:log:{log}:index" // ZSet<logKey>，score 恒为 0，按字典序排列
	redisValuePrefix = "collab:log:{log}:v:"    // String<value>
	redisPageSize    = 500
)

func redisValueKey(key string) string { return redisValuePrefix + key }

// RedisStore 用 score=0 的 ZSet 做有序索引，ZRANGEBYLEX 做范围扫描
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, redisValueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get", err)
	}
	return v, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	tx := s.rdb.TxPipeline()
	tx.Set(ctx, redisValueKey(key), value, 0)
	tx.ZAdd(ctx, redisIndexKey, redis.Z{Score: 0, Member: key})
	if _, err := tx.Exec(ctx); err != nil {
		return unavailable("redis put", err)
	}
	return nil
}

func (s *RedisStore) DeleteBatch(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += redisPageSize {
		chunk := keys[start:min(start+redisPageSize, len(keys))]
		members := make([]any, len(chunk))
		valueKeys := make([]string, len(chunk))
		for i, k := range chunk {
			members[i] = k
			valueKeys[i] = redisValueKey(k)
		}
		tx := s.rdb.TxPipeline()
		tx.ZRem(ctx, redisIndexKey, members...)
		tx.Del(ctx, valueKeys...)
		if _, err := tx.Exec(ctx); err != nil {
			return unavailable("redis delete", err)
		}
	}
	return nil
}

// Scan 分页读取索引：每页之后把边界收缩到上一页最后一个 key（开区间）
func (s *RedisStore) Scan(ctx context.Context, r Range, fn func(key string, value []byte) error) error {
	lo := "[" + r.Gte
	hi := "+"
	if r.Lt != "" {
		hi = "(" + r.Lt
	}
	remaining := r.Limit
	for {
		count := int64(redisPageSize)
		if r.Limit > 0 {
			count = int64(min(remaining, redisPageSize))
		}
		by := &redis.ZRangeBy{Min: lo, Max: hi, Offset: 0, Count: count}
		var (
			keys []string
			err  error
		)
		if r.Reverse {
			keys, err = s.rdb.ZRevRangeByLex(ctx, redisIndexKey, by).Result()
		} else {
			keys, err = s.rdb.ZRangeByLex(ctx, redisIndexKey, by).Result()
		}
		if err != nil {
			return unavailable("redis scan", err)
		}
		if len(keys) == 0 {
			return nil
		}

		valueKeys := make([]string, len(keys))
		for i, k := range keys {
			valueKeys[i] = redisValueKey(k)
		}
		values, err := s.rdb.MGet(ctx, valueKeys...).Result()
		if err != nil {
			return unavailable("redis mget", err)
		}
		for i, k := range keys {
			// 索引在、值不在：写入中途崩溃留下的残影，跳过
			str, ok := values[i].(string)
			if !ok {
				continue
			}
			if err := fn(k, []byte(str)); err != nil {
				return err
			}
		}

		if r.Limit > 0 {
			remaining -= len(keys)
			if remaining <= 0 {
				return nil
			}
		}
		if int64(len(keys)) < count {
			return nil
		}
		last := keys[len(keys)-1]
		if r.Reverse {
			hi = "(" + last
		} else {
			lo = "(" + last
		}
	}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
