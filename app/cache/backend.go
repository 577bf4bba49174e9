package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goodtape/app/model"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Backend 结果缓存条目的持久化
type Backend interface {
	Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	Put(ctx context.Context, e *model.CacheEntry) error
	Delete(ctx context.Context, fingerprint string) error
	// Purge 删除 now 之前过期的条目
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// GormBackend 存在 result_cache 表中
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

func (b *GormBackend) Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	if err := b.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Limit(1).Find(&e).Error; err != nil {
		return nil, err
	}
	if e.Fingerprint == "" {
		return nil, nil
	}
	return &e, nil
}

// Put 整条覆盖，访问计数按最后写入为准
func (b *GormBackend) Put(ctx context.Context, e *model.CacheEntry) error {
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		UpdateAll: true,
	}).Create(e).Error
}

func (b *GormBackend) Delete(ctx context.Context, fingerprint string) error {
	return b.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Delete(&model.CacheEntry{}).Error
}

func (b *GormBackend) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := b.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.CacheEntry{})
	return res.RowsAffected, res.Error
}

const redisKeyPrefix = "goodtape:cache:"

// RedisBackend 以 JSON 存放，键的 TTL 与条目过期时间一致
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

func (b *RedisBackend) Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	data, err := b.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e model.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("缓存条目解析失败: %w", err)
	}
	return &e, nil
}

func (b *RedisBackend) Put(ctx context.Context, e *model.CacheEntry) error {
	ttl := e.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, redisKeyPrefix+e.Fingerprint, data, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, fingerprint string) error {
	return b.client.Del(ctx, redisKeyPrefix+fingerprint).Err()
}

// Purge Redis 依靠 TTL 自动过期
func (b *RedisBackend) Purge(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
