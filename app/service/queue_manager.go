package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/platform"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recoverer 卡死任务恢复策略
type Recoverer interface {
	DetectAndRecoverStuckJobs(ctx context.Context) (*RecoveryReport, error)
}

// QueueOptions 队列参数
type QueueOptions struct {
	PlatformWeights map[string]int
	StatsWindow     time.Duration
	ETACacheTTL     time.Duration
	Concurrency     int
	Now             func() time.Time
}

// QueueStats 队列统计
type QueueStats struct {
	Queued             int64   `json:"queued"`
	Processing         int64   `json:"processing"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	AvgDurationSeconds float64 `json:"avgProcessingSeconds"`
	Samples            int     `json:"samples"`
}

// QueueManager 排队任务的优先级排序、排队位置和预计等待时间
type QueueManager struct {
	jobs      *JobStore
	recoverer Recoverer
	memo      *cache.Cache
	opts      QueueOptions
	log       *logger.Logger
}

const avgDurationKey = "avg_duration"

type durationSample struct {
	avg time.Duration
	n   int
}

// NewQueueManager 创建队列管理器
func NewQueueManager(jobs *JobStore, recoverer Recoverer, opts QueueOptions, log *logger.Logger) *QueueManager {
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = time.Hour
	}
	if opts.ETACacheTTL <= 0 {
		opts.ETACacheTTL = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.PlatformWeights == nil {
		opts.PlatformWeights = map[string]int{}
	}
	return &QueueManager{
		jobs:      jobs,
		recoverer: recoverer,
		memo:      cache.New(opts.ETACacheTTL, 2*opts.ETACacheTTL),
		opts:      opts,
		log:       log.Named("queue"),
	}
}

// formatRank 音频比视频更快处理，排在前面
func formatRank(f model.Format) int {
	if f == model.FormatAudio {
		return 0
	}
	return 1
}

func (q *QueueManager) platformWeight(p string) int {
	if w, ok := q.opts.PlatformWeights[strings.ToLower(p)]; ok {
		return w
	}
	if w, ok := q.opts.PlatformWeights[platform.Generic]; ok {
		return w
	}
	return 100
}

// precedes 与 NextJobs 的 SQL 排序一致：格式、平台权重、创建时间、ID
func (q *QueueManager) precedes(a, b *model.Job) bool {
	if fa, fb := formatRank(a.Format), formatRank(b.Format); fa != fb {
		return fa < fb
	}
	if wa, wb := q.platformWeight(a.Platform), q.platformWeight(b.Platform); wa != wb {
		return wa < wb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (q *QueueManager) orderScope(db *gorm.DB) *gorm.DB {
	names := make([]string, 0, len(q.opts.PlatformWeights))
	for name := range q.opts.PlatformWeights {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	vars := []any{model.FormatAudio}
	sb.WriteString("CASE WHEN format = ? THEN 0 ELSE 1 END, CASE LOWER(platform)")
	for _, name := range names {
		sb.WriteString(" WHEN ? THEN ?")
		vars = append(vars, name, q.opts.PlatformWeights[name])
	}
	sb.WriteString(" ELSE ? END, created_at ASC, id ASC")
	vars = append(vars, q.platformWeight(platform.Generic))

	return db.Clauses(clause.OrderBy{Expression: clause.Expr{SQL: sb.String(), Vars: vars, WithoutParentheses: true}})
}

// NextJobs 按优先级取出前 limit 个排队任务
func (q *QueueManager) NextJobs(ctx context.Context, limit int) ([]model.Job, error) {
	return q.jobs.ListQueued(ctx, q.orderScope, limit)
}

// QueuePosition 排在该任务之前的排队任务数加一，任务不在排队中时返回 0
func (q *QueueManager) QueuePosition(ctx context.Context, jobID string) (int, error) {
	job, err := q.jobs.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != model.JobStatusQueued {
		return 0, nil
	}

	queued, err := q.jobs.ListQueued(ctx, nil, 0)
	if err != nil {
		return 0, err
	}
	position := 1
	for i := range queued {
		if queued[i].ID != job.ID && q.precedes(&queued[i], job) {
			position++
		}
	}
	return position, nil
}

// EstimateWait 按平均处理耗时和并发数估算等待时间，没有样本时返回 false
func (q *QueueManager) EstimateWait(ctx context.Context, position int) (time.Duration, bool) {
	if position <= 0 {
		return 0, false
	}
	sample, err := q.averageDuration(ctx)
	if err != nil || sample.n == 0 {
		return 0, false
	}
	rounds := (position + q.opts.Concurrency - 1) / q.opts.Concurrency
	return sample.avg * time.Duration(rounds), true
}

// Stats 各状态任务数和窗口内的平均处理耗时
func (q *QueueManager) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	sample, err := q.averageDuration(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Queued:             counts[model.JobStatusQueued],
		Processing:         counts[model.JobStatusProcessing],
		Completed:          counts[model.JobStatusCompleted],
		Failed:             counts[model.JobStatusFailed],
		AvgDurationSeconds: sample.avg.Seconds(),
		Samples:            sample.n,
	}, nil
}

func (q *QueueManager) averageDuration(ctx context.Context) (durationSample, error) {
	if v, ok := q.memo.Get(avgDurationKey); ok {
		return v.(durationSample), nil
	}
	avg, n, err := q.jobs.AverageDuration(ctx, q.opts.Now().Add(-q.opts.StatsWindow))
	if err != nil {
		return durationSample{}, err
	}
	sample := durationSample{avg: avg, n: n}
	q.memo.SetDefault(avgDurationKey, sample)
	return sample, nil
}

// TimeoutSweep 交给状态管理器的卡死恢复策略处理，队列层不维护第二套超时阈值
func (q *QueueManager) TimeoutSweep(ctx context.Context) (*RecoveryReport, error) {
	return q.recoverer.DetectAndRecoverStuckJobs(ctx)
}
