// Package lock 提供按任务 ID 加锁的租约存储。获取锁必须是原子的条件写入，
// 续期和释放都要求令牌与持有者同时匹配。
package lock

import (
	"context"
	"time"

	"goodtape/app/model"
)

// Store 共享的键/过期时间存储
type Store interface {
	// TryAcquire 仅当该任务没有有效锁时写入 l，返回是否获取成功
	TryAcquire(ctx context.Context, l model.JobLock, now time.Time) (bool, error)
	// Get 返回当前锁，不存在时返回 nil
	Get(ctx context.Context, jobID string) (*model.JobLock, error)
	// Extend 令牌和持有者匹配且锁未过期时把到期时间改为 expiresAt
	Extend(ctx context.Context, jobID, lockID, owner string, expiresAt, now time.Time) (bool, error)
	// Release 令牌和持有者匹配时删除锁
	Release(ctx context.Context, jobID, lockID, owner string) (bool, error)
	// PurgeExpired 删除已过期的锁并返回对应的任务 ID
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
	Ping(ctx context.Context) error
}
