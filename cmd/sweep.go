package cmd

import (
	"context"
	"time"

	"goodtape/app/config"
	"goodtape/app/logger"
	"goodtape/app/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "执行一次卡死任务恢复和过期数据清理",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()

		srv, err := server.New(cfg, log)
		if err != nil {
			log.Fatalf("服务器初始化失败: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		recovered, cleaned, err := srv.Sweep(ctx)
		if err != nil {
			log.Errorf("清理失败: %v", err)
			return
		}
		log.Info("清理完成",
			zap.Int("scanned", recovered.Scanned),
			zap.Int("reset", len(recovered.Reset)),
			zap.Int("failed", len(recovered.Failed)),
			zap.Int64("expired_jobs", cleaned.ExpiredJobs),
			zap.Int("expired_locks", cleaned.ExpiredLocks),
			zap.Int64("cache_entries", cleaned.CacheEntries),
		)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
