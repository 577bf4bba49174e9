package service

import (
	"context"
	"fmt"
	"time"

	"goodtape/app/cache"
	"goodtape/app/lock"
	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/platform"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stuckResetProgress 低于该进度的卡死任务视为从未真正开始，直接放回队列
const stuckResetProgress = 10

// EventPublisher 任务事件的出口
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// StateManagerOptions 状态管理参数
type StateManagerOptions struct {
	Owner          string
	LockLease      time.Duration
	StuckThreshold time.Duration
	Now            func() time.Time
}

// JobStateManager 负责任务状态机：锁的获取、续期和释放，状态转换，卡死检测与恢复，以及周期清理
type JobStateManager struct {
	jobs   *JobStore
	locks  lock.Store
	cache  *cache.ResultCache
	events EventPublisher
	opts   StateManagerOptions
	log    *logger.Logger
}

// NewJobStateManager 创建状态管理器。cache 和 events 可以为空
func NewJobStateManager(jobs *JobStore, locks lock.Store, results *cache.ResultCache, events EventPublisher, opts StateManagerOptions, log *logger.Logger) *JobStateManager {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 15 * time.Minute
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 10 * time.Minute
	}
	return &JobStateManager{
		jobs:   jobs,
		locks:  locks,
		cache:  results,
		events: events,
		opts:   opts,
		log:    log.Named("state"),
	}
}

// Owner 本实例的锁持有者标识
func (m *JobStateManager) Owner() string {
	return m.opts.Owner
}

// AcquireLock 为排队中或已卡死的任务加锁并置为处理中。
// 返回的 ok 为 false 表示任务当前不可处理或被其他写入者抢先，这不是错误
func (m *JobStateManager) AcquireLock(ctx context.Context, jobID string) (string, bool, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return "", false, err
	}

	now := m.opts.Now()
	stuck := job.IsStuck(now, m.opts.StuckThreshold)
	if job.Status != model.JobStatusQueued && !stuck {
		m.log.Debugf("任务状态不允许加锁: job=%s, status=%s", jobID, job.Status)
		return "", false, nil
	}

	l := model.JobLock{
		JobID:      jobID,
		LockID:     uuid.NewString(),
		Owner:      m.opts.Owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.opts.LockLease),
	}
	acquired, err := m.locks.TryAcquire(ctx, l, now)
	if err != nil {
		return "", false, fmt.Errorf("获取任务锁失败: %w", err)
	}
	if !acquired {
		m.log.Debugf("任务锁已被占用: job=%s", jobID)
		return "", false, nil
	}

	var moved bool
	if job.Status == model.JobStatusQueued {
		moved, err = m.jobs.ConditionalUpdate(ctx, jobID, model.JobStatusQueued, map[string]any{
			"status":     model.JobStatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
	} else {
		moved, err = m.jobs.TakeOverStuck(ctx, jobID, now.Add(-m.opts.StuckThreshold), now)
	}
	if err != nil || !moved {
		if _, relErr := m.locks.Release(ctx, jobID, l.LockID, l.Owner); relErr != nil {
			m.log.Warnf("回滚任务锁失败: job=%s, err=%v", jobID, relErr)
		}
		if err != nil {
			return "", false, err
		}
		m.log.Debugf("任务已被其他写入者修改，放弃加锁: job=%s", jobID)
		return "", false, nil
	}

	m.log.Info("已获取任务锁",
		zap.String("job_id", jobID),
		zap.String("lock_id", l.LockID),
		zap.String("owner", l.Owner),
		zap.Bool("takeover", stuck),
	)
	return l.LockID, true, nil
}

// ReleaseLock 令牌与持有者匹配时释放锁，不匹配返回 false
func (m *JobStateManager) ReleaseLock(ctx context.Context, jobID, lockID string) (bool, error) {
	ok, err := m.locks.Release(ctx, jobID, lockID, m.opts.Owner)
	if err != nil {
		return false, fmt.Errorf("释放任务锁失败: %w", err)
	}
	if !ok {
		m.log.Warnf("释放任务锁被拒绝，令牌或持有者不匹配: job=%s, lock=%s", jobID, lockID)
	}
	return ok, nil
}

// ExtendLock 把租约延长到当前时间之后 extra，令牌与持有者不匹配或锁已过期时返回 false
func (m *JobStateManager) ExtendLock(ctx context.Context, jobID, lockID string, extra time.Duration) (bool, error) {
	if extra <= 0 {
		extra = m.opts.LockLease
	}
	now := m.opts.Now()
	ok, err := m.locks.Extend(ctx, jobID, lockID, m.opts.Owner, now.Add(extra), now)
	if err != nil {
		return false, fmt.Errorf("续期任务锁失败: %w", err)
	}
	if !ok {
		m.log.Warnf("续期任务锁被拒绝: job=%s, lock=%s", jobID, lockID)
	}
	return ok, nil
}

// JobUpdates 状态转换时一并写入的字段，零值字段不写
type JobUpdates struct {
	DownloadURL       string
	StorageKey        string
	DownloadExpiresAt *time.Time
	FilePath          string
	Metadata          *model.JobMetadata
	ErrorMessage      string
}

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusQueued:     {model.JobStatusProcessing},
	model.JobStatusProcessing: {model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusQueued},
	model.JobStatusFailed:     {model.JobStatusQueued},
}

// CanTransition 状态图中是否存在 from 到 to 的边
func CanTransition(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionState 校验状态图后执行条件更新。返回 false 表示任务已被其他写入者改变，调用方不应盲目重试
func (m *JobStateManager) TransitionState(ctx context.Context, jobID string, from, to model.JobStatus, u JobUpdates, reason string) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	columns, err := transitionColumns(from, to, u, m.opts.Now())
	if err != nil {
		return false, err
	}

	ok, err := m.jobs.ConditionalUpdate(ctx, jobID, from, columns)
	if err != nil {
		return false, err
	}
	if !ok {
		m.log.Warn("状态转换未生效，任务已被修改",
			zap.String("job_id", jobID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false, nil
	}
	m.log.Info("任务状态转换",
		zap.String("job_id", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return true, nil
}

// transitionColumns 生成一次状态转换需要写入的列
func transitionColumns(from, to model.JobStatus, u JobUpdates, now time.Time) (map[string]any, error) {
	columns := map[string]any{
		"status":     to,
		"updated_at": now,
	}

	switch to {
	case model.JobStatusCompleted:
		if u.DownloadURL == "" {
			return nil, fmt.Errorf("%w: 完成状态必须携带下载地址", ErrInvalidTransition)
		}
		columns["progress"] = 100
		columns["completed_at"] = now
		columns["error_message"] = ""
	case model.JobStatusFailed:
		if u.ErrorMessage == "" {
			return nil, fmt.Errorf("%w: 失败状态必须携带错误信息", ErrInvalidTransition)
		}
		columns["completed_at"] = now
	case model.JobStatusQueued:
		columns["progress"] = 0
		columns["started_at"] = nil
		columns["completed_at"] = nil
		if from == model.JobStatusFailed {
			columns["error_message"] = ""
		}
	case model.JobStatusProcessing:
		columns["started_at"] = now
	}

	if u.DownloadURL != "" {
		columns["download_url"] = u.DownloadURL
	}
	if u.StorageKey != "" {
		columns["storage_key"] = u.StorageKey
	}
	if u.DownloadExpiresAt != nil {
		columns["download_expires_at"] = *u.DownloadExpiresAt
	}
	if u.FilePath != "" {
		columns["file_path"] = u.FilePath
	}
	if u.ErrorMessage != "" {
		columns["error_message"] = u.ErrorMessage
	}
	if u.Metadata != nil {
		raw, err := encodeMetadata(*u.Metadata)
		if err != nil {
			return nil, err
		}
		columns["metadata"] = raw
	}
	return columns, nil
}

// RecoveryReport 一次卡死检测的结果
type RecoveryReport struct {
	Scanned int      `json:"scanned"`
	Skipped int      `json:"skipped"`
	Reset   []string `json:"reset"`
	Failed  []string `json:"failed"`
}

// DetectAndRecoverStuckJobs 唯一的卡死恢复策略。仍持有有效锁的任务再给一些时间；
// 其余任务进度低于 10% 的放回队列并清零进度，否则标记为超时失败
func (m *JobStateManager) DetectAndRecoverStuckJobs(ctx context.Context) (*RecoveryReport, error) {
	now := m.opts.Now()
	cutoff := now.Add(-m.opts.StuckThreshold)
	stuck, err := m.jobs.ListStuck(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{Scanned: len(stuck)}
	for i := range stuck {
		job := &stuck[i]
		l, err := m.locks.Get(ctx, job.ID)
		if err != nil {
			m.log.Warnf("读取任务锁失败，跳过: job=%s, err=%v", job.ID, err)
			report.Skipped++
			continue
		}
		if l != nil && l.Valid(now) {
			m.log.Debugf("卡死任务仍持有有效锁，暂不处理: job=%s, owner=%s", job.ID, l.Owner)
			report.Skipped++
			continue
		}
		m.recoverJob(ctx, job, l, now, cutoff, report)
	}

	if len(report.Reset)+len(report.Failed) > 0 {
		m.log.Infof("卡死任务处理完成: 扫描 %d, 重新排队 %d, 标记失败 %d, 跳过 %d",
			report.Scanned, len(report.Reset), len(report.Failed), report.Skipped)
	}
	return report, nil
}

func (m *JobStateManager) recoverJob(ctx context.Context, job *model.Job, stale *model.JobLock, now, cutoff time.Time, report *RecoveryReport) {
	since := job.UpdatedAt
	if job.StartedAt != nil {
		since = *job.StartedAt
	}
	elapsed := now.Sub(since).Round(time.Second)

	if job.Progress < stuckResetProgress {
		reason := fmt.Sprintf("卡死 %s 且未真正开始，重新排队", elapsed)
		ok, err := m.recoverTransition(ctx, job.ID, model.JobStatusQueued, JobUpdates{}, now, cutoff, reason)
		if err != nil {
			m.log.Errorf("重置卡死任务失败: job=%s, err=%v", job.ID, err)
			return
		}
		if !ok {
			report.Skipped++
			return
		}
		report.Reset = append(report.Reset, job.ID)
		m.dropStaleLock(ctx, job.ID, stale)
		m.publish(ctx, model.ResetEvent{JobID: job.ID, Reason: reason, At: now})
		return
	}

	message := fmt.Sprintf("任务处理超时：已运行 %s，停滞在 %d%%，请稍后重试", elapsed, job.Progress)
	suggestions := platform.RecoverySuggestions(job.Platform, platform.NetworkError)
	meta := job.Metadata
	meta.Diagnostics = &model.Diagnostics{
		ErrorType:        string(platform.NetworkError),
		Severity:         string(platform.SeverityMedium),
		Platform:         job.Platform,
		ReliabilityScore: platform.ReliabilityScore(job.Platform),
		PlatformDegraded: platform.IsDegraded(job.Platform),
		Retryable:        true,
		Attempts:         meta.Attempt,
		Suggestions:      suggestions,
	}
	ok, err := m.recoverTransition(ctx, job.ID, model.JobStatusFailed,
		JobUpdates{ErrorMessage: message, Metadata: &meta}, now, cutoff, "卡死超时")
	if err != nil {
		m.log.Errorf("标记卡死任务失败出错: job=%s, err=%v", job.ID, err)
		return
	}
	if !ok {
		report.Skipped++
		return
	}
	report.Failed = append(report.Failed, job.ID)
	m.dropStaleLock(ctx, job.ID, stale)
	m.publish(ctx, model.FailedEvent{
		JobID:       job.ID,
		Progress:    job.Progress,
		Message:     message,
		ErrorType:   string(platform.NetworkError),
		Suggestions: suggestions,
		At:          now,
	})
}

// recoverTransition 卡死恢复专用的状态转换，条件里带上 updated_at，
// 读锁之后被其他实例接管的任务不会被改写
func (m *JobStateManager) recoverTransition(ctx context.Context, jobID string, to model.JobStatus, u JobUpdates, now, cutoff time.Time, reason string) (bool, error) {
	columns, err := transitionColumns(model.JobStatusProcessing, to, u, now)
	if err != nil {
		return false, err
	}
	ok, err := m.jobs.RecoverStuck(ctx, jobID, cutoff, columns)
	if err != nil {
		return false, err
	}
	if !ok {
		m.log.Info("任务已被接管或有新进度，放弃卡死恢复", zap.String("job_id", jobID))
		return false, nil
	}
	m.log.Info("任务状态转换",
		zap.String("job_id", jobID),
		zap.String("from", string(model.JobStatusProcessing)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return true, nil
}

func (m *JobStateManager) dropStaleLock(ctx context.Context, jobID string, stale *model.JobLock) {
	if stale == nil {
		return
	}
	if _, err := m.locks.Release(ctx, jobID, stale.LockID, stale.Owner); err != nil {
		m.log.Warnf("删除过期锁失败: job=%s, err=%v", jobID, err)
	}
}

func (m *JobStateManager) publish(ctx context.Context, ev model.Event) {
	if m.events != nil {
		m.events.Publish(ctx, ev)
	}
}

// ViolationLevel 不变量违反的严重程度
type ViolationLevel string

const (
	LevelWarning  ViolationLevel = "warning"
	LevelError    ViolationLevel = "error"
	LevelCritical ViolationLevel = "critical"
)

// Violation 一条不变量违反
type Violation struct {
	Level   ViolationLevel `json:"level"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
}

// ValidationReport 任务状态校验结果
type ValidationReport struct {
	JobID      string          `json:"jobId"`
	Status     model.JobStatus `json:"status"`
	Progress   int             `json:"progress"`
	LockHolder string          `json:"lockHolder,omitempty"`
	Violations []Violation     `json:"violations"`
	CanProceed bool            `json:"canProceed"`
}

func (r *ValidationReport) add(level ViolationLevel, code, message string) {
	r.Violations = append(r.Violations, Violation{Level: level, Code: code, Message: message})
}

func (r *ValidationReport) blocking() bool {
	for _, v := range r.Violations {
		if v.Level != LevelWarning {
			return true
		}
	}
	return false
}

// ValidateJobState 检查任务的全部不变量。只有排队中或处理中、且没有 error/critical 级违反的任务可以继续处理
func (m *JobStateManager) ValidateJobState(ctx context.Context, jobID string) (*ValidationReport, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	l, err := m.locks.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("读取任务锁失败: %w", err)
	}

	now := m.opts.Now()
	r := &ValidationReport{JobID: job.ID, Status: job.Status, Progress: job.Progress, Violations: []Violation{}}
	validLock := l != nil && l.Valid(now)
	if validLock {
		r.LockHolder = l.Owner
	}

	if !job.Status.Valid() {
		r.add(LevelCritical, "invalid_status", fmt.Sprintf("未知状态 %q", job.Status))
	}
	if job.Progress < 0 || job.Progress > 100 {
		r.add(LevelError, "progress_out_of_range", fmt.Sprintf("进度 %d 超出 0-100", job.Progress))
	}

	switch job.Status {
	case model.JobStatusCompleted:
		if job.DownloadURL == "" {
			r.add(LevelCritical, "completed_without_url", "已完成任务缺少下载地址")
		}
		if job.Progress != 100 {
			r.add(LevelError, "completed_progress", fmt.Sprintf("已完成任务进度为 %d", job.Progress))
		}
	case model.JobStatusFailed:
		if job.ErrorMessage == "" {
			r.add(LevelError, "failed_without_message", "失败任务缺少错误信息")
		}
	case model.JobStatusQueued:
		if job.Progress != 0 {
			r.add(LevelWarning, "queued_progress", fmt.Sprintf("排队中任务进度为 %d", job.Progress))
		}
		if validLock {
			r.add(LevelWarning, "queued_locked", "排队中任务仍持有有效锁")
		}
	case model.JobStatusProcessing:
		if !validLock {
			r.add(LevelWarning, "processing_unlocked", "处理中任务没有有效锁")
		}
		if job.IsStuck(now, m.opts.StuckThreshold) {
			r.add(LevelWarning, "stuck", fmt.Sprintf("已有 %s 未更新", now.Sub(job.UpdatedAt).Round(time.Second)))
		}
	}
	if job.IsExpired(now) {
		r.add(LevelWarning, "expired", "任务已超过回收时间")
	}

	active := job.Status == model.JobStatusQueued || job.Status == model.JobStatusProcessing
	r.CanProceed = active && !r.blocking()
	return r, nil
}

// CleanupReport 一次清理的结果
type CleanupReport struct {
	ExpiredJobs  int64 `json:"expiredJobs"`
	ExpiredLocks int   `json:"expiredLocks"`
	Recovered    int   `json:"recovered"`
	CacheEntries int64 `json:"cacheEntries"`
}

// PerformCleanup 删除过期任务和过期锁；锁刚过期且已卡死的处理中任务按卡死策略恢复
func (m *JobStateManager) PerformCleanup(ctx context.Context) (*CleanupReport, error) {
	now := m.opts.Now()
	report := &CleanupReport{}

	expired, err := m.locks.PurgeExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("清理过期锁失败: %w", err)
	}
	report.ExpiredLocks = len(expired)

	recovery := &RecoveryReport{}
	for _, jobID := range expired {
		job, err := m.jobs.Get(ctx, jobID)
		if err != nil {
			continue
		}
		if job.IsStuck(now, m.opts.StuckThreshold) {
			m.recoverJob(ctx, job, nil, now, now.Add(-m.opts.StuckThreshold), recovery)
		}
	}
	report.Recovered = len(recovery.Reset) + len(recovery.Failed)

	if report.ExpiredJobs, err = m.jobs.DeleteExpired(ctx, now); err != nil {
		return nil, err
	}

	if m.cache != nil {
		n, err := m.cache.Purge(ctx)
		if err != nil {
			m.log.Warnf("清理结果缓存失败: %v", err)
		}
		report.CacheEntries = n
	}

	m.log.Info("周期清理完成",
		zap.Int64("expired_jobs", report.ExpiredJobs),
		zap.Int("expired_locks", report.ExpiredLocks),
		zap.Int("recovered", report.Recovered),
		zap.Int64("cache_entries", report.CacheEntries),
	)
	return report, nil
}

// Retry 手动把失败任务放回队列，回退计数清零
func (m *JobStateManager) Retry(ctx context.Context, jobID string) (bool, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != model.JobStatusFailed {
		return false, fmt.Errorf("%w: 只有失败的任务可以重试，当前状态 %s", ErrInvalidTransition, job.Status)
	}

	meta := job.Metadata
	meta.Attempt = 0
	meta.FallbackHistory = nil
	meta.Diagnostics = nil
	return m.TransitionState(ctx, jobID, model.JobStatusFailed, model.JobStatusQueued, JobUpdates{Metadata: &meta}, "手动重试")
}
