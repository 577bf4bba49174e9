package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goodtape/app/model"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound       = errors.New("任务不存在")
	ErrInvalidTransition = errors.New("不允许的状态转换")
	ErrLockNotAcquired   = errors.New("未能获取任务锁")
)

// JobStore 任务表的持久化操作，所有状态写入都是带当前状态条件的更新
type JobStore struct {
	db *gorm.DB
}

// NewJobStore 创建任务存储
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// DB 返回底层连接，供健康检查使用
func (s *JobStore) DB() *gorm.DB {
	return s.db
}

// Create 写入新任务
func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("创建任务失败: %w", err)
	}
	return nil
}

// Get 按 ID 读取任务
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取任务失败: %w", err)
	}
	return &job, nil
}

// ConditionalUpdate 仅当任务仍处于 from 状态时写入 columns，返回是否命中
func (s *JobStore) ConditionalUpdate(ctx context.Context, id string, from model.JobStatus, columns map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(columns)
	if res.Error != nil {
		return false, fmt.Errorf("更新任务失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TakeOverStuck 接管仍然卡死的处理中任务，只有一个调用者能命中
func (s *JobStore) TakeOverStuck(ctx context.Context, id string, cutoff, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND updated_at < ?", id, model.JobStatusProcessing, cutoff).
		Updates(map[string]any{"updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("接管任务失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecoverStuck 只在任务仍处于处理中且 updated_at 早于 cutoff 时写入，
// 其他实例刚接管的任务不会被卡死恢复覆盖
func (s *JobStore) RecoverStuck(ctx context.Context, id string, cutoff time.Time, columns map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND updated_at < ?", id, model.JobStatusProcessing, cutoff).
		Updates(columns)
	if res.Error != nil {
		return false, fmt.Errorf("恢复卡死任务失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateProgress 写入进度。只在处理中且新值不小于当前值时生效，返回是否写入
func (s *JobStore) UpdateProgress(ctx context.Context, id string, percent int, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND progress <= ?", id, model.JobStatusProcessing, percent).
		Updates(map[string]any{"progress": percent, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("更新进度失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateMetadata 在任务仍处于 status 时覆盖元数据
func (s *JobStore) UpdateMetadata(ctx context.Context, id string, status model.JobStatus, meta model.JobMetadata, now time.Time) (bool, error) {
	raw, err := encodeMetadata(meta)
	if err != nil {
		return false, err
	}
	return s.ConditionalUpdate(ctx, id, status, map[string]any{"metadata": raw, "updated_at": now})
}

// FindRecentCompleted 查找 since 之后完成、下载地址仍有效的同参数任务
func (s *JobStore) FindRecentCompleted(ctx context.Context, url string, format model.Format, quality string, since, now time.Time) (*model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("url = ? AND format = ? AND quality = ? AND status = ?", url, format, quality, model.JobStatusCompleted).
		Where("download_url <> '' AND completed_at >= ?", since).
		Where("download_expires_at IS NULL OR download_expires_at > ?", now).
		Order("completed_at DESC").
		Limit(1).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询近期完成任务失败: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// ListStuck 处理中且 cutoff 之前没有更新过的任务
func (s *JobStore) ListStuck(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.JobStatusProcessing, cutoff).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询卡死任务失败: %w", err)
	}
	return jobs, nil
}

// ListQueued 按给定排序返回排队中的任务
func (s *JobStore) ListQueued(ctx context.Context, order func(*gorm.DB) *gorm.DB, limit int) ([]model.Job, error) {
	var jobs []model.Job
	query := s.db.WithContext(ctx).Where("status = ?", model.JobStatusQueued)
	if order != nil {
		query = order(query)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("查询排队任务失败: %w", err)
	}
	return jobs, nil
}

// DeleteExpired 删除已过回收时间的任务，处理中的任务留给卡死检测
func (s *JobStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ? AND status <> ?", now, model.JobStatusProcessing).
		Delete(&model.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("删除过期任务失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus 各状态任务数
func (s *JobStore) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	var rows []struct {
		Status model.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计任务失败: %w", err)
	}

	counts := map[model.JobStatus]int64{
		model.JobStatusQueued:     0,
		model.JobStatusProcessing: 0,
		model.JobStatusCompleted:  0,
		model.JobStatusFailed:     0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// AverageDuration since 之后完成的任务从开始处理到完成的平均耗时
func (s *JobStore) AverageDuration(ctx context.Context, since time.Time) (time.Duration, int, error) {
	var rows []struct {
		StartedAt   *time.Time
		CompletedAt *time.Time
	}
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Select("started_at, completed_at").
		Where("status = ? AND completed_at >= ? AND started_at IS NOT NULL", model.JobStatusCompleted, since).
		Order("completed_at DESC").
		Limit(500).
		Scan(&rows).Error
	if err != nil {
		return 0, 0, fmt.Errorf("统计处理耗时失败: %w", err)
	}

	var total time.Duration
	n := 0
	for _, r := range rows {
		if r.StartedAt == nil || r.CompletedAt == nil || r.CompletedAt.Before(*r.StartedAt) {
			continue
		}
		total += r.CompletedAt.Sub(*r.StartedAt)
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / time.Duration(n), n, nil
}

// metadata 列使用 JSON 序列化，map 更新不经过 gorm 的 serializer，需要自己编码
func encodeMetadata(meta model.JobMetadata) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("编码任务元数据失败: %w", err)
	}
	return string(raw), nil
}
