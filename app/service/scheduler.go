package service

import (
	"context"
	"fmt"
	"time"

	"goodtape/app/logger"

	"github.com/robfig/cron/v3"
)

// Scheduler 按 cron 表达式周期执行卡死恢复和清理
type Scheduler struct {
	cron  *cron.Cron
	state *JobStateManager
	log   *logger.Logger
}

// NewScheduler 注册周期任务，表达式为空时不注册对应任务
func NewScheduler(state *JobStateManager, recoverySpec, cleanupSpec string, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		state: state,
		log:   log.Named("scheduler"),
	}

	if recoverySpec != "" {
		if _, err := s.cron.AddFunc(recoverySpec, s.recover); err != nil {
			return nil, fmt.Errorf("注册卡死恢复任务失败: %w", err)
		}
	}
	if cleanupSpec != "" {
		if _, err := s.cron.AddFunc(cleanupSpec, s.cleanup); err != nil {
			return nil, fmt.Errorf("注册清理任务失败: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.state.DetectAndRecoverStuckJobs(ctx); err != nil {
		s.log.Errorf("卡死任务检测失败: %v", err)
	}
}

func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.state.PerformCleanup(ctx); err != nil {
		s.log.Errorf("周期清理失败: %v", err)
	}
}

// Start 启动定时任务
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infof("定时任务已启动，共 %d 个", len(s.cron.Entries()))
}

// Stop 停止定时任务并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("定时任务已停止")
}
