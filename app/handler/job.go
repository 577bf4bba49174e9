package handler

import (
	"errors"
	"net/http"
	"time"

	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/notify"
	"goodtape/app/service"

	"github.com/gin-gonic/gin"
)

// JobHandler 转换任务处理器
type JobHandler struct {
	orch  *service.ConversionOrchestrator
	state *service.JobStateManager
	hub   *notify.Hub
	log   *logger.Logger
}

// NewJobHandler 创建转换任务处理器
func NewJobHandler(orch *service.ConversionOrchestrator, state *service.JobStateManager, hub *notify.Hub, log *logger.Logger) *JobHandler {
	return &JobHandler{orch: orch, state: state, hub: hub, log: log}
}

type createJobRequest struct {
	URL      string `json:"url" binding:"required"`
	Format   string `json:"format"`
	Quality  string `json:"quality"`
	Platform string `json:"platform"`
}

// CreateJob 提交转换任务
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 400, "请求参数错误: 缺少 url")
		return
	}

	job, err := h.orch.Enqueue(c.Request.Context(), service.EnqueueRequest{
		URL:      req.URL,
		Format:   model.Format(req.Format),
		Quality:  req.Quality,
		Platform: req.Platform,
	})
	if errors.Is(err, service.ErrInvalidRequest) {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}
	if err != nil {
		h.log.Errorf("创建任务失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "创建任务失败")
		return
	}

	view, err := h.orch.GetStatus(c.Request.Context(), job.ID)
	if err != nil {
		h.log.Errorf("读取任务状态失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "读取任务状态失败")
		return
	}
	success(c, view, "任务已提交")
}

// GetJob 查询任务状态
func (h *JobHandler) GetJob(c *gin.Context) {
	view, err := h.orch.GetStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrJobNotFound) {
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	}
	if err != nil {
		h.log.Errorf("读取任务状态失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "读取任务状态失败")
		return
	}
	success(c, view, "获取任务状态成功")
}

// RetryJob 重新排队失败的任务
func (h *JobHandler) RetryJob(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.state.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	case errors.Is(err, service.ErrInvalidTransition):
		fail(c, http.StatusConflict, 409, "只有失败的任务可以重试")
		return
	case err != nil:
		h.log.Errorf("重试任务失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "重试任务失败")
		return
	case !ok:
		fail(c, http.StatusConflict, 409, "任务状态已变化，请刷新后再试")
		return
	}

	view, err := h.orch.GetStatus(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, "读取任务状态失败")
		return
	}
	success(c, view, "任务已重新排队")
}

// Subscribe 通过 WebSocket 订阅任务进度，先发送当前状态
func (h *JobHandler) Subscribe(c *gin.Context) {
	id := c.Param("id")
	view, err := h.orch.GetStatus(c.Request.Context(), id)
	if errors.Is(err, service.ErrJobNotFound) {
		fail(c, http.StatusNotFound, 404, "任务不存在")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, "读取任务状态失败")
		return
	}

	if err := h.hub.Serve(c.Writer, c.Request, id, snapshot(view)); err != nil {
		h.log.Debugf("任务订阅结束: job=%s, err=%v", id, err)
	}
}

func snapshot(v *service.StatusView) model.NotificationPayload {
	p := model.NotificationPayload{
		Kind:        model.EventProgress,
		JobID:       v.JobID,
		Progress:    v.Progress,
		Status:      v.Status,
		CurrentStep: "当前状态",
		Timestamp:   time.Now().UTC(),
		Extra:       map[string]any{},
	}
	switch v.Status {
	case model.JobStatusCompleted:
		p.Kind = model.EventCompleted
		p.Extra["downloadUrl"] = v.DownloadURL
	case model.JobStatusFailed:
		p.Kind = model.EventFailed
		p.CurrentStep = v.ErrorMessage
		p.Extra["errorType"] = v.ErrorType
		p.Extra["suggestions"] = v.Suggestions
	case model.JobStatusQueued:
		if v.QueuePosition != nil {
			p.Extra["queuePosition"] = *v.QueuePosition
		}
	}
	return p
}
