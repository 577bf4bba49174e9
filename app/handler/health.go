package handler

import (
	"context"
	"net/http"
	"time"

	"goodtape/app/database"
	"goodtape/app/lock"
	"goodtape/app/processor"
	"goodtape/app/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查
type HealthHandler struct {
	db    *gorm.DB
	locks lock.Store
	proc  processor.Processor
	queue *service.QueueManager
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, locks lock.Store, proc processor.Processor, queue *service.QueueManager) *HealthHandler {
	return &HealthHandler{db: db, locks: locks, proc: proc, queue: queue}
}

type healthReport struct {
	Status     string              `json:"status"`
	Components map[string]string   `json:"components"`
	Queue      *service.QueueStats `json:"queue,omitempty"`
}

// Health 数据库和锁存储不可用时返回 503，处理服务不可用只标记为降级
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := healthReport{Status: "ok", Components: map[string]string{}}
	statusCode := http.StatusOK

	if err := database.Ping(h.db); err != nil {
		report.Components["database"] = err.Error()
		report.Status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	} else {
		report.Components["database"] = "ok"
	}

	if err := h.locks.Ping(ctx); err != nil {
		report.Components["lock_store"] = err.Error()
		report.Status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	} else {
		report.Components["lock_store"] = "ok"
	}

	if err := h.proc.Health(ctx); err != nil {
		report.Components["processor"] = err.Error()
		if report.Status == "ok" {
			report.Status = "degraded"
		}
	} else {
		report.Components["processor"] = "ok"
	}

	if statusCode == http.StatusOK {
		if stats, err := h.queue.Stats(ctx); err == nil {
			report.Queue = stats
		}
	}

	c.JSON(statusCode, ApiResponse{Code: 0, Message: report.Status, Data: report})
}
