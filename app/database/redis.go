package database

import (
	"context"
	"time"

	"goodtape/app/config"
	"goodtape/app/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedis 连接 Redis。未启用时返回 nil，调用方回退到数据库实现
func OpenRedis(cfg config.RedisConfig, log *logger.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		log.Info("Redis 未启用，锁和结果缓存使用数据库存储")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Errorf("Redis 连接失败: %v", err)
		return nil, err
	}
	log.Infof("Redis 连接成功: %s", cfg.Addr)
	return client, nil
}
