package lock

import (
	"context"
	"fmt"
	"time"

	"goodtape/app/database"
	"goodtape/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 job_locks 表的锁存储，用于没有 Redis 的单机部署
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建数据库锁存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) TryAcquire(ctx context.Context, l model.JobLock, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)

	// 过期的锁可以直接删除，之后的插入依靠主键冲突保证只有一个写入者成功
	if err := db.Where("job_id = ? AND expires_at <= ?", l.JobID, now).Delete(&model.JobLock{}).Error; err != nil {
		return false, fmt.Errorf("清理过期锁失败: %w", err)
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoNothing: true,
	}).Create(&l)
	if res.Error != nil {
		return false, fmt.Errorf("写入锁失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Get(ctx context.Context, jobID string) (*model.JobLock, error) {
	var l model.JobLock
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Limit(1).Find(&l).Error
	if err != nil {
		return nil, err
	}
	if l.JobID == "" {
		return nil, nil
	}
	return &l, nil
}

func (s *GormStore) Extend(ctx context.Context, jobID, lockID, owner string, expiresAt, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.JobLock{}).
		Where("job_id = ? AND lock_id = ? AND owner = ? AND expires_at > ?", jobID, lockID, owner, now).
		Update("expires_at", expiresAt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Release(ctx context.Context, jobID, lockID, owner string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("job_id = ? AND lock_id = ? AND owner = ?", jobID, lockID, owner).
		Delete(&model.JobLock{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	db := s.db.WithContext(ctx)

	var ids []string
	if err := db.Model(&model.JobLock{}).Where("expires_at <= ?", now).Pluck("job_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := db.Where("job_id IN ? AND expires_at <= ?", ids, now).Delete(&model.JobLock{}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	return database.Ping(s.db.WithContext(ctx))
}
