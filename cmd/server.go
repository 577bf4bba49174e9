package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goodtape/app/config"
	"goodtape/app/logger"
	"goodtape/app/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Close()

		// 配置文件修改后只热更新日志级别
		config.WatchLogLevel(func(level string) {
			log.SetLevel(level)
			log.Infof("日志级别已更新为 %s", level)
		})

		srv, err := server.New(cfg, log)
		if err != nil {
			log.Fatalf("服务器初始化失败: %v", err)
		}

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		// 等待进行中的任务写回状态，超过流水线截止时间后放弃
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.PipelineDeadline+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
