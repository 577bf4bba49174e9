package cmd

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "goodtape",
	Short:   "媒体转换任务编排服务",
	Long:    "负责转换任务的排队、加锁、卡死恢复、结果复用和进度推送",
	Version: "1.0.0",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径 (默认 ./data/config.yaml 或 ./config.yaml)")
}

// initConfig 读取 .env、配置文件和环境变量
func initConfig() {
	// .env 可选，存在时先注入环境变量
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Println(".env 读取失败:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 添加配置文件搜索路径
		viper.AddConfigPath("./data") // 相对于当前工作目录的 data 文件夹
		viper.AddConfigPath(".")      // 当前目录
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("GOODTAPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // 读取匹配的环境变量，例如 GOODTAPE_PROCESSOR_API_KEY
}
