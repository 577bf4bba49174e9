package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goodtape/app/model"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "goodtape:lock:"

// 值格式: lockID|owner|acquiredAtMs|expiresAtMs，前缀 lockID|owner| 用于校验持有者
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, #ARGV[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v or string.sub(v, 1, #ARGV[1]) ~= ARGV[1] then
	return 0
end
local acquired = string.match(string.sub(v, #ARGV[1] + 1), '^(%d+)|')
redis.call('SET', KEYS[1], ARGV[1] .. acquired .. '|' .. ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisStore 基于 SET NX PX 的锁存储，过期由 Redis 自动处理
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 锁存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func lockKey(jobID string) string {
	return keyPrefix + jobID
}

func holderPrefix(lockID, owner string) string {
	return lockID + "|" + owner + "|"
}

func encodeLock(l model.JobLock) string {
	return fmt.Sprintf("%s%d|%d", holderPrefix(l.LockID, l.Owner), l.AcquiredAt.UnixMilli(), l.ExpiresAt.UnixMilli())
}

func decodeLock(jobID, v string) (*model.JobLock, error) {
	parts := strings.Split(v, "|")
	if len(parts) < 4 {
		return nil, fmt.Errorf("锁数据格式错误: %q", v)
	}
	n := len(parts)
	acquired, err := strconv.ParseInt(parts[n-2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("锁获取时间格式错误: %w", err)
	}
	expires, err := strconv.ParseInt(parts[n-1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("锁到期时间格式错误: %w", err)
	}
	return &model.JobLock{
		JobID:      jobID,
		LockID:     parts[0],
		Owner:      strings.Join(parts[1:n-2], "|"),
		AcquiredAt: time.UnixMilli(acquired),
		ExpiresAt:  time.UnixMilli(expires),
	}, nil
}

func (s *RedisStore) TryAcquire(ctx context.Context, l model.JobLock, now time.Time) (bool, error) {
	ttl := l.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, lockKey(l.JobID), encodeLock(l), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("写入锁失败: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.JobLock, error) {
	v, err := s.client.Get(ctx, lockKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLock(jobID, v)
}

func (s *RedisStore) Extend(ctx context.Context, jobID, lockID, owner string, expiresAt, now time.Time) (bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	n, err := extendScript.Run(ctx, s.client, []string{lockKey(jobID)},
		holderPrefix(lockID, owner), expiresAt.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, jobID, lockID, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{lockKey(jobID)}, holderPrefix(lockID, owner)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeExpired Redis 会自动删除过期键，这里没有需要清理的内容
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	return nil, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
