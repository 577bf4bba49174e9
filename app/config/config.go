package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Processor    ProcessorConfig    `mapstructure:"processor"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Queue        QueueConfig        `mapstructure:"queue"`
}

type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	InstanceID        string        `mapstructure:"instance_id"`        // 锁持有者标识，为空时自动生成
	WorkerConcurrency int           `mapstructure:"worker_concurrency"` // 本实例同时处理的任务数
	DispatchInterval  time.Duration `mapstructure:"dispatch_interval"`  // 调度器轮询间隔
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig 共享锁与结果缓存的存储，未启用时回退到数据库表
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ProcessorConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	CallTimeout time.Duration `mapstructure:"call_timeout"` // 单次调用超时
	HealthPath  string        `mapstructure:"health_path"`
}

type StorageConfig struct {
	PublicBaseURL string `mapstructure:"public_base_url"`
	ProbeMode     string `mapstructure:"probe_mode"` // http, local 或 none
	LocalRoot     string `mapstructure:"local_root"`
}

type OrchestratorConfig struct {
	LockLease        time.Duration `mapstructure:"lock_lease"`
	StuckThreshold   time.Duration `mapstructure:"stuck_threshold"`
	PipelineDeadline time.Duration `mapstructure:"pipeline_deadline"`
	DownloadURLTTL   time.Duration `mapstructure:"download_url_ttl"`
	RecentWindow     time.Duration `mapstructure:"recent_window"` // 同 URL 已完成任务的复用窗口
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	MaxAccess int           `mapstructure:"max_access"`
}

type JobsConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type NotifyConfig struct {
	PersistAttempts int           `mapstructure:"persist_attempts"`
	PersistBackoff  time.Duration `mapstructure:"persist_backoff"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ScheduleConfig 使用 cron 表达式，支持 @every 语法
type ScheduleConfig struct {
	RecoverySpec string `mapstructure:"recovery_spec"`
	CleanupSpec  string `mapstructure:"cleanup_spec"`
}

type QueueConfig struct {
	PlatformWeights map[string]int `mapstructure:"platform_weights"`
	ETACacheTTL     time.Duration  `mapstructure:"eta_cache_ttl"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	if config.Server.InstanceID == "" {
		config.Server.InstanceID = defaultInstanceID()
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// Default 返回只包含默认值的配置，供测试和一次性命令使用
func Default() *Config {
	v := viper.New()
	applyDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic("默认配置解码失败: " + err.Error())
	}
	config.Server.InstanceID = defaultInstanceID()
	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	applyDefaults(viper.GetViper())
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.worker_concurrency", 2)
	v.SetDefault("server.dispatch_interval", "5s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.path", "data/goodtape.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("processor.base_url", "http://localhost:8000")
	v.SetDefault("processor.call_timeout", "2m")
	v.SetDefault("processor.health_path", "/health")

	v.SetDefault("storage.probe_mode", "http")
	v.SetDefault("storage.local_root", "data/storage")

	v.SetDefault("orchestrator.lock_lease", "15m")
	v.SetDefault("orchestrator.stuck_threshold", "10m")
	v.SetDefault("orchestrator.pipeline_deadline", "10m")
	v.SetDefault("orchestrator.download_url_ttl", "24h")
	v.SetDefault("orchestrator.recent_window", "1h")
	v.SetDefault("orchestrator.backoff_base", "2s")
	v.SetDefault("orchestrator.backoff_max", "1m")

	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.max_access", 100)

	v.SetDefault("jobs.ttl", "72h")

	v.SetDefault("notify.persist_attempts", 3)
	v.SetDefault("notify.persist_backoff", "200ms")

	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("schedule.recovery_spec", "@every 1m")
	v.SetDefault("schedule.cleanup_spec", "@every 15m")

	v.SetDefault("queue.eta_cache_ttl", "30s")
	v.SetDefault("queue.platform_weights", map[string]int{
		"twitter":     1,
		"tiktok":      2,
		"instagram":   3,
		"vimeo":       3,
		"facebook":    4,
		"dailymotion": 4,
		"youtube":     5,
		"generic":     6,
	})
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.Processor.BaseURL == "" {
		return fmt.Errorf("处理服务地址未设置")
	}
	o := config.Orchestrator
	if o.LockLease <= 0 || o.StuckThreshold <= 0 || o.PipelineDeadline <= 0 {
		return fmt.Errorf("锁租期、卡死阈值和流水线截止时间必须大于 0")
	}
	if o.LockLease <= config.Processor.CallTimeout {
		return fmt.Errorf("锁租期(%s)必须大于单次处理调用超时(%s)", o.LockLease, config.Processor.CallTimeout)
	}
	if config.Cache.MaxAccess <= 0 {
		return fmt.Errorf("缓存最大访问次数必须大于 0")
	}
	switch config.Storage.ProbeMode {
	case "http", "local", "none":
	default:
		return fmt.Errorf("未知的存储探测模式: %s", config.Storage.ProbeMode)
	}
	return nil
}

// defaultInstanceID 主机名加随机后缀，保证同一主机上的多个进程也能区分
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
