package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把各实例本地的 awareness 镜像到 redis，其他实例据此知道谁在线
type PresenceCache interface {
	Touch(ctx context.Context, sessionID, userID string, awareness []byte, ttl time.Duration) error
	Leave(ctx context.Context, sessionID, userID string) error
	Sessions(ctx context.Context) ([]string, error)
	AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

type PresenceMember struct {
	UserID    string
	Awareness []byte
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// Touch 写入/刷新成员和它的 awareness，刷新 TTL 也直接调用 Touch
func (p *redisPresence) Touch(ctx context.Context, sessionID, userID string, awareness []byte, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	if len(awareness) > 0 {
		tx.HSet(ctx, awarenessKey(sessionID), userID, awareness)
	}
	tx.SAdd(ctx, sessionsKey(), sessionID)
	// 整个房间在最后一次刷新后 2*ttl 自动过期，进程崩溃也不会留垃圾
	tx.Expire(ctx, roomKey(sessionID), 2*ttl)
	tx.Expire(ctx, awarenessKey(sessionID), 2*ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Leave(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, awarenessKey(sessionID), userID)
	_, err := tx.Exec(ctx)
	return err
}

// Sessions 返回索引里的会话，房间已经整体过期的顺手从索引移除
func (p *redisPresence) Sessions(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil {
		return nil, err
	}
	var alive []string
	for _, id := range ids {
		n, err := p.rdb.Exists(ctx, roomKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			p.rdb.SRem(ctx, sessionsKey(), id)
			continue
		}
		alive = append(alive, id)
	}
	return alive, nil
}

// 清理过期成员：score=expireAt，expireAt <= now 视为过期
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(sessionID)
-- KEYS[2] = awarenessKey(sessionID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	now := p.now().Unix()
	_, err := sweepScript.Run(ctx, p.rdb, []string{roomKey(sessionID), awarenessKey(sessionID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取 awareness
	blobs, err := p.rdb.HMGet(ctx, awarenessKey(sessionID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range blobs {
		m := PresenceMember{UserID: aliveIDs[i]}
		if s, ok := v.(string); ok {
			m.Awareness = []byte(s)
		}
		members = append(members, m)
	}
	return members, nil
}
