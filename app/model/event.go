package model

import "time"

// EventKind 事件种类
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventReset     EventKind = "reset"
)

// Event 推送给订阅者的任务事件，只有本包内的几种具体类型
type Event interface {
	Kind() EventKind
	Job() string
	Payload() NotificationPayload
	isEvent()
}

// NotificationPayload 推送的线上格式
type NotificationPayload struct {
	Kind        EventKind      `json:"kind"`
	JobID       string         `json:"jobId"`
	Progress    int            `json:"progress"`
	Status      JobStatus      `json:"status"`
	CurrentStep string         `json:"currentStep"`
	Timestamp   time.Time      `json:"timestamp"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ProgressEvent 处理中的进度更新，百分比为绝对值
type ProgressEvent struct {
	JobID   string
	Percent int
	Status  JobStatus
	Step    string
	Extra   map[string]any
	At      time.Time
}

func (e ProgressEvent) Kind() EventKind { return EventProgress }
func (e ProgressEvent) Job() string     { return e.JobID }
func (ProgressEvent) isEvent()          {}

func (e ProgressEvent) Payload() NotificationPayload {
	return NotificationPayload{
		Kind:        EventProgress,
		JobID:       e.JobID,
		Progress:    ClampPercent(e.Percent),
		Status:      e.Status,
		CurrentStep: e.Step,
		Timestamp:   e.At,
		Extra:       e.Extra,
	}
}

// CompletedEvent 任务完成
type CompletedEvent struct {
	JobID       string
	DownloadURL string
	FromCache   bool
	At          time.Time
}

func (e CompletedEvent) Kind() EventKind { return EventCompleted }
func (e CompletedEvent) Job() string     { return e.JobID }
func (CompletedEvent) isEvent()          {}

func (e CompletedEvent) Payload() NotificationPayload {
	return NotificationPayload{
		Kind:        EventCompleted,
		JobID:       e.JobID,
		Progress:    100,
		Status:      JobStatusCompleted,
		CurrentStep: "转换完成",
		Timestamp:   e.At,
		Extra: map[string]any{
			"downloadUrl": e.DownloadURL,
			"fromCache":   e.FromCache,
		},
	}
}

// FailedEvent 任务失败，只携带已分类的用户信息
type FailedEvent struct {
	JobID       string
	Progress    int
	Message     string
	ErrorType   string
	Suggestions []string
	At          time.Time
}

func (e FailedEvent) Kind() EventKind { return EventFailed }
func (e FailedEvent) Job() string     { return e.JobID }
func (FailedEvent) isEvent()          {}

func (e FailedEvent) Payload() NotificationPayload {
	return NotificationPayload{
		Kind:        EventFailed,
		JobID:       e.JobID,
		Progress:    ClampPercent(e.Progress),
		Status:      JobStatusFailed,
		CurrentStep: e.Message,
		Timestamp:   e.At,
		Extra: map[string]any{
			"errorType":   e.ErrorType,
			"suggestions": e.Suggestions,
		},
	}
}

// ResetEvent 卡死任务被重置回队列，进度归零
type ResetEvent struct {
	JobID  string
	Reason string
	At     time.Time
}

func (e ResetEvent) Kind() EventKind { return EventReset }
func (e ResetEvent) Job() string     { return e.JobID }
func (ResetEvent) isEvent()          {}

func (e ResetEvent) Payload() NotificationPayload {
	return NotificationPayload{
		Kind:        EventReset,
		JobID:       e.JobID,
		Progress:    0,
		Status:      JobStatusQueued,
		CurrentStep: e.Reason,
		Timestamp:   e.At,
	}
}

// ClampPercent 把百分比限制在 [0,100]
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
