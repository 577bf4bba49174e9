package handler

import (
	"errors"
	"net/http"

	"goodtape/app/logger"
	"goodtape/app/service"

	"github.com/gin-gonic/gin"
)

// AdminHandler 运维相关接口
type AdminHandler struct {
	state *service.JobStateManager
	queue *service.QueueManager
	log   *logger.Logger
}

// NewAdminHandler 创建运维处理器
func NewAdminHandler(state *service.JobStateManager, queue *service.QueueManager, log *logger.Logger) *AdminHandler {
	return &AdminHandler{state: state, queue: queue, log: log}
}

// ValidateJob 检查任务不变量
func (h *AdminHandler) ValidateJob(c *gin.Context) {
	report, err := h.state.ValidateJobState(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrJobNotFound) {
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	}
	if err != nil {
		h.log.Errorf("校验任务失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "校验任务失败")
		return
	}
	success(c, report, "校验完成")
}

// QueueStats 队列统计
func (h *AdminHandler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.log.Errorf("获取队列统计失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "获取队列统计失败")
		return
	}
	success(c, stats, "获取队列统计成功")
}

// Recover 立即执行一次卡死任务恢复
func (h *AdminHandler) Recover(c *gin.Context) {
	report, err := h.queue.TimeoutSweep(c.Request.Context())
	if err != nil {
		h.log.Errorf("卡死任务恢复失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "卡死任务恢复失败")
		return
	}
	success(c, report, "卡死任务恢复完成")
}

// Cleanup 立即执行一次清理
func (h *AdminHandler) Cleanup(c *gin.Context) {
	report, err := h.state.PerformCleanup(c.Request.Context())
	if err != nil {
		h.log.Errorf("清理失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "清理失败")
		return
	}
	success(c, report, "清理完成")
}
