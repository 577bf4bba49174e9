// Package cache 把请求指纹映射到已经生成的产物，命中前会校验过期时间、访问次数和存储对象是否存在。
package cache

import (
	"context"
	"time"

	"goodtape/app/logger"
	"goodtape/app/model"

	"go.uber.org/zap"
)

// Options 缓存策略
type Options struct {
	TTL       time.Duration
	MaxAccess int
	Now       func() time.Time
}

// Result 完成的转换产物
type Result struct {
	StorageKey  string
	DownloadURL string
	Filename    string
	FileSize    *int64
}

// ResultCache 结果缓存
type ResultCache struct {
	backend Backend
	prober  Prober
	opts    Options
	log     *logger.Logger
}

// New 创建结果缓存
func New(backend Backend, prober Prober, opts Options, log *logger.Logger) *ResultCache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAccess <= 0 {
		opts.MaxAccess = 100
	}
	if prober == nil {
		prober = NopProber{}
	}
	return &ResultCache{backend: backend, prober: prober, opts: opts, log: log}
}

// Lookup 查找有效条目。过期、访问次数用尽或存储对象不存在的条目会被删除并按未命中处理
func (c *ResultCache) Lookup(ctx context.Context, fingerprint string) (*model.CacheEntry, bool, error) {
	entry, err := c.backend.Get(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}

	now := c.opts.Now()
	if reason := c.invalidReason(ctx, entry, now); reason != "" {
		c.log.Info("缓存条目失效，已移除",
			zap.String("fingerprint", fingerprint),
			zap.String("storage_key", entry.StorageKey),
			zap.String("reason", reason),
		)
		if err := c.backend.Delete(ctx, fingerprint); err != nil {
			c.log.Warnf("删除失效缓存条目失败: %v", err)
		}
		return nil, false, nil
	}

	// 访问计数只用于统计，并发命中时以最后一次写入为准
	entry.Touch(now)
	if err := c.backend.Put(ctx, entry); err != nil {
		c.log.Warnf("更新缓存访问计数失败: %v", err)
	}
	return entry, true, nil
}

func (c *ResultCache) invalidReason(ctx context.Context, e *model.CacheEntry, now time.Time) string {
	if e.Expired(now) {
		return "expired"
	}
	if e.Exhausted(c.opts.MaxAccess) {
		return "access_limit"
	}
	ok, err := c.prober.Exists(ctx, e.StorageKey)
	if err != nil {
		c.log.Warnf("存储对象探测失败: key=%s, err=%v", e.StorageKey, err)
		return "probe_failed"
	}
	if !ok {
		return "object_missing"
	}
	return ""
}

// Store 写入新条目，失败只记录日志
func (c *ResultCache) Store(ctx context.Context, fingerprint string, r Result) {
	now := c.opts.Now()
	entry := &model.CacheEntry{
		Fingerprint:    fingerprint,
		StorageKey:     r.StorageKey,
		DownloadURL:    r.DownloadURL,
		Filename:       r.Filename,
		FileSize:       r.FileSize,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.opts.TTL),
		LastAccessedAt: now,
	}
	if err := c.backend.Put(ctx, entry); err != nil {
		c.log.Warnf("写入结果缓存失败: fingerprint=%s, err=%v", fingerprint, err)
		return
	}
	c.log.Debugf("结果已缓存: fingerprint=%s, key=%s", fingerprint, r.StorageKey)
}

// Invalidate 主动删除条目
func (c *ResultCache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.backend.Delete(ctx, fingerprint)
}

// Purge 删除过期条目
func (c *ResultCache) Purge(ctx context.Context) (int64, error) {
	return c.backend.Purge(ctx, c.opts.Now())
}
