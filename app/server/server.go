package server

import (
	"context"
	"fmt"
	"net/http"

	"goodtape/app/cache"
	"goodtape/app/config"
	"goodtape/app/database"
	"goodtape/app/handler"
	"goodtape/app/lock"
	"goodtape/app/logger"
	"goodtape/app/middleware"
	"goodtape/app/notify"
	"goodtape/app/platform"
	"goodtape/app/processor"
	"goodtape/app/service"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器以及后台调度组件
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	db         *gorm.DB
	redis      *redis.Client
	proc       *processor.Client
	httpProber *cache.HTTPProber
	prober     cache.Prober
	hub        *notify.Hub
	dispatcher *service.Dispatcher
	scheduler  *service.Scheduler

	jobs    *service.JobStore
	locks   lock.Store
	results *cache.ResultCache
	state   *service.JobStateManager
	queue   *service.QueueManager
	orch    *service.ConversionOrchestrator
}

// New 创建服务器并组装所有依赖
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	s := &Server{Config: cfg, Logger: log}
	if err := s.setupStores(); err != nil {
		s.closeStores()
		return nil, err
	}
	if err := s.setupServices(); err != nil {
		s.closeStores()
		return nil, err
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.gin = gin.New()
	s.gin.Use(gin.Recovery(), middleware.RequestLogger(log))
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.http = &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: c.Handler(s.gin),
	}
	return s, nil
}

// setupStores 打开数据库和 Redis，Redis 未启用时锁和结果缓存落到数据库表
func (s *Server) setupStores() error {
	db, err := database.Open(s.Config, s.Logger)
	if err != nil {
		return fmt.Errorf("数据库初始化失败: %w", err)
	}
	s.db = db

	rdb, err := database.OpenRedis(s.Config.Redis, s.Logger)
	if err != nil {
		return fmt.Errorf("Redis 初始化失败: %w", err)
	}
	s.redis = rdb

	var backend cache.Backend
	if rdb != nil {
		s.locks = lock.NewRedisStore(rdb)
		backend = cache.NewRedisBackend(rdb)
	} else {
		s.locks = lock.NewGormStore(db)
		backend = cache.NewGormBackend(db)
	}

	switch s.Config.Storage.ProbeMode {
	case "http":
		s.httpProber = cache.NewHTTPProber(s.Config.Storage.PublicBaseURL)
		s.prober = s.httpProber
	case "local":
		s.prober = cache.LocalProber{Root: s.Config.Storage.LocalRoot}
	default:
		s.prober = cache.NopProber{}
	}

	s.jobs = service.NewJobStore(db)
	s.results = cache.New(backend, s.prober, cache.Options{
		TTL:       s.Config.Cache.TTL,
		MaxAccess: s.Config.Cache.MaxAccess,
	}, s.Logger)
	return nil
}

func (s *Server) setupServices() error {
	cfg := s.Config
	log := s.Logger

	s.proc = processor.New(cfg.Processor)
	s.hub = notify.NewHub(log)

	notifier := service.NewNotifier(s.jobs, s.hub, service.NotifierOptions{
		PersistAttempts: cfg.Notify.PersistAttempts,
		PersistBackoff:  cfg.Notify.PersistBackoff,
	}, log)
	s.state = service.NewJobStateManager(s.jobs, s.locks, s.results, notifier, service.StateManagerOptions{
		Owner:          cfg.Server.InstanceID,
		LockLease:      cfg.Orchestrator.LockLease,
		StuckThreshold: cfg.Orchestrator.StuckThreshold,
	}, log)
	s.queue = service.NewQueueManager(s.jobs, s.state, service.QueueOptions{
		PlatformWeights: cfg.Queue.PlatformWeights,
		ETACacheTTL:     cfg.Queue.ETACacheTTL,
		Concurrency:     cfg.Server.WorkerConcurrency,
	}, log)

	s.orch = service.NewConversionOrchestrator(service.Deps{
		Jobs:      s.jobs,
		State:     s.state,
		Queue:     s.queue,
		Results:   s.results,
		Prober:    s.prober,
		Processor: s.proc,
		Errors:    platform.NewHandler(log),
		Notifier:  notifier,
		Alerter:   service.NewLogAlerter(log),
	}, service.OrchestratorOptions{
		PipelineDeadline: cfg.Orchestrator.PipelineDeadline,
		DownloadURLTTL:   cfg.Orchestrator.DownloadURLTTL,
		RecentWindow:     cfg.Orchestrator.RecentWindow,
		JobTTL:           cfg.Jobs.TTL,
		LockLease:        cfg.Orchestrator.LockLease,
		BackoffBase:      cfg.Orchestrator.BackoffBase,
		BackoffMax:       cfg.Orchestrator.BackoffMax,
	}, log)

	s.dispatcher = service.NewDispatcher(s.queue, s.orch, cfg.Server.WorkerConcurrency, cfg.Server.DispatchInterval, log)

	scheduler, err := service.NewScheduler(s.state, cfg.Schedule.RecoverySpec, cfg.Schedule.CleanupSpec, log)
	if err != nil {
		return err
	}
	s.scheduler = scheduler
	return nil
}

// Start 启动后台组件并开始监听
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器, 实例 %s", s.http.Addr, s.Config.Server.InstanceID)

	// 启动时先处理一次上个进程遗留的卡死任务
	if _, err := s.state.DetectAndRecoverStuckJobs(context.Background()); err != nil {
		s.Logger.Warnf("启动时卡死任务检测失败: %v", err)
	}

	s.scheduler.Start()
	s.dispatcher.Start()

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	// 停止调度并等待进行中的任务写回结果
	s.dispatcher.Stop()
	s.scheduler.Stop()
	s.hub.Close()

	s.closeStores()
	return err
}

func (s *Server) closeStores() {
	if s.proc != nil {
		_ = s.proc.Close()
	}
	if s.httpProber != nil {
		_ = s.httpProber.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.Logger.Errorf("关闭 Redis 连接失败: %v", err)
		}
	}
	if err := database.Close(s.db); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	jobHandler := handler.NewJobHandler(s.orch, s.state, s.hub, s.Logger)
	adminHandler := handler.NewAdminHandler(s.state, s.queue, s.Logger)
	healthHandler := handler.NewHealthHandler(s.db, s.locks, s.proc, s.queue)

	s.gin.GET("/health", healthHandler.Health)

	api := s.gin.Group("/api")

	jobs := api.Group("/jobs")
	{
		jobs.POST("", middleware.RateLimit(s.Config.RateLimit.RPS, s.Config.RateLimit.Burst), jobHandler.CreateJob)
		jobs.GET("/:id", jobHandler.GetJob)
		jobs.POST("/:id/retry", jobHandler.RetryJob)
		jobs.GET("/:id/ws", jobHandler.Subscribe)
		jobs.GET("/:id/validate", adminHandler.ValidateJob)
	}

	api.GET("/queue/stats", adminHandler.QueueStats)

	admin := api.Group("/admin")
	{
		admin.POST("/recover", adminHandler.Recover)
		admin.POST("/cleanup", adminHandler.Cleanup)
	}
}

// Sweep 执行一次卡死恢复和清理，供一次性命令使用
func (s *Server) Sweep(ctx context.Context) (*service.RecoveryReport, *service.CleanupReport, error) {
	recovered, err := s.state.DetectAndRecoverStuckJobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleaned, err := s.state.PerformCleanup(ctx)
	if err != nil {
		return recovered, nil, err
	}
	return recovered, cleaned, nil
}
