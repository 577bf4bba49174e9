package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"goodtape/app/logger"
)

// JobProcessor 执行单个任务
type JobProcessor interface {
	Process(ctx context.Context, jobID string) error
}

// Dispatcher 本实例的任务调度循环：定时从队列取任务，用信号量限制并发
type Dispatcher struct {
	queue     *QueueManager
	processor JobProcessor
	interval  time.Duration
	workers   chan struct{}
	inflight  map[string]struct{}
	log       *logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewDispatcher 创建调度器
func NewDispatcher(queue *QueueManager, processor JobProcessor, concurrency int, interval time.Duration, log *logger.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1 // 默认 1 个并发
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		interval:  interval,
		workers:   make(chan struct{}, concurrency),
		inflight:  make(map[string]struct{}),
		log:       log.Named("dispatcher"),
	}
}

// Start 启动调度循环
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		d.log.Warn("任务调度器已经在运行中")
		return
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.isRunning = true
	d.log.Infof("启动任务调度器，最大并发数: %d, 轮询间隔: %s", cap(d.workers), d.interval)

	d.wg.Add(1)
	go d.loop()
}

// Stop 停止调度并等待进行中的任务结束
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return
	}
	d.log.Info("正在停止任务调度器...")
	d.cancel()
	d.isRunning = false
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("任务调度器已停止")
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(d.ctx)
		}
	}
}

// DispatchOnce 按空闲槽位数取出排队任务并发执行，返回本轮启动的任务数
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	free := cap(d.workers) - len(d.workers)
	if free <= 0 {
		return 0
	}
	jobs, err := d.queue.NextJobs(ctx, free)
	if err != nil {
		d.log.Errorf("获取排队任务失败: %v", err)
		return 0
	}

	started := 0
	for _, job := range jobs {
		if !d.claim(job.ID) {
			continue
		}
		select {
		case d.workers <- struct{}{}: // 获取工作者槽位
		default:
			d.unclaim(job.ID)
			return started
		}
		started++
		d.wg.Add(1)
		// 停止调度时让进行中的任务自然结束，不中断外部调用
		go d.run(context.WithoutCancel(ctx), job.ID)
	}
	return started
}

func (d *Dispatcher) claim(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[jobID]; ok {
		return false
	}
	d.inflight[jobID] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(jobID string) {
	d.mu.Lock()
	delete(d.inflight, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, jobID string) {
	defer func() {
		<-d.workers // 释放工作者槽位
		d.unclaim(jobID)
		d.wg.Done()
	}()

	err := d.processor.Process(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, ErrLockNotAcquired):
		// 其他实例已经在处理
	default:
		d.log.Errorf("任务执行出错: job=%s, err=%v", jobID, err)
	}
}

// Wait 等待已启动的任务全部结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
