package cmd

import (
	"goodtape/app/config"
	"goodtape/app/database"
	"goodtape/app/logger"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或更新数据库表结构",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()

		// Open 内部会执行自动迁移
		db, err := database.Open(cfg, log)
		if err != nil {
			log.Fatalf("数据库迁移失败: %v", err)
		}
		if err := database.Close(db); err != nil {
			log.Errorf("关闭数据库连接失败: %v", err)
		}
		log.Info("数据库迁移完成")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
