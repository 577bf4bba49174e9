package service

import (
	"context"
	"time"

	"goodtape/app/logger"
	"goodtape/app/model"

	"go.uber.org/zap"
)

// Pusher 实时推送通道，比如 WebSocket
type Pusher interface {
	Push(ctx context.Context, payload model.NotificationPayload) error
}

// NotifierOptions 通知参数
type NotifierOptions struct {
	PersistAttempts int
	PersistBackoff  time.Duration
	Now             func() time.Time
}

// Notifier 进度通知。持久化与推送相互独立：持久化有限次重试，推送只尝试一次，两者失败都不会中断处理流程
type Notifier struct {
	jobs   *JobStore
	pusher Pusher
	opts   NotifierOptions
	log    *logger.Logger
}

// NewNotifier 创建通知器，pusher 可以为空
func NewNotifier(jobs *JobStore, pusher Pusher, opts NotifierOptions, log *logger.Logger) *Notifier {
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = 3
	}
	if opts.PersistBackoff <= 0 {
		opts.PersistBackoff = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Notifier{jobs: jobs, pusher: pusher, opts: opts, log: log.Named("notify")}
}

// Progress 发布一次进度，percent 会被限制在 0-100
func (n *Notifier) Progress(ctx context.Context, jobID string, percent int, status model.JobStatus, step string, extra map[string]any) {
	n.Publish(ctx, model.ProgressEvent{
		JobID:   jobID,
		Percent: model.ClampPercent(percent),
		Status:  status,
		Step:    step,
		Extra:   extra,
		At:      n.opts.Now(),
	})
}

// Publish 发布任务事件。只有进度事件需要这里落库，终态和重置由状态转换本身写入
func (n *Notifier) Publish(ctx context.Context, ev model.Event) {
	switch e := ev.(type) {
	case model.ProgressEvent:
		e.Percent = model.ClampPercent(e.Percent)
		n.persistProgress(ctx, e)
		ev = e
	case model.CompletedEvent:
		n.log.Debugf("任务完成事件: job=%s, from_cache=%t", e.JobID, e.FromCache)
	case model.FailedEvent:
		n.log.Debugf("任务失败事件: job=%s, type=%s", e.JobID, e.ErrorType)
	case model.ResetEvent:
		n.log.Debugf("任务重置事件: job=%s, reason=%s", e.JobID, e.Reason)
	}
	n.push(ctx, ev.Payload())
}

func (n *Notifier) persistProgress(ctx context.Context, e model.ProgressEvent) {
	backoff := n.opts.PersistBackoff
	for attempt := 1; attempt <= n.opts.PersistAttempts; attempt++ {
		ok, err := n.jobs.UpdateProgress(ctx, e.JobID, e.Percent, n.opts.Now())
		if err == nil {
			if !ok {
				// 数据库里的进度更高或任务已离开处理中，旧值不能覆盖
				n.log.Debugf("忽略回退的进度: job=%s, percent=%d", e.JobID, e.Percent)
			}
			return
		}

		n.log.Warn("进度持久化失败",
			zap.String("job_id", e.JobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == n.opts.PersistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	n.log.Errorf("进度持久化放弃: job=%s, percent=%d", e.JobID, e.Percent)
}

func (n *Notifier) push(ctx context.Context, payload model.NotificationPayload) {
	if n.pusher == nil {
		return
	}
	if err := n.pusher.Push(ctx, payload); err != nil {
		n.log.Warnf("推送任务事件失败: job=%s, kind=%s, err=%v", payload.JobID, payload.Kind, err)
	}
}
