package model

import (
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid 是否为已知状态
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal 是否为终态。failed 仍可被重新排队，所以只有 completed 是真正的终点
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Format 输出格式
type Format string

const (
	FormatAudio Format = "audio"
	FormatVideo Format = "video"
)

// Valid 是否为支持的格式
func (f Format) Valid() bool {
	return f == FormatAudio || f == FormatVideo
}

// Job 转换任务
type Job struct {
	ID                string      `gorm:"primaryKey;size:36" json:"id"`
	URL               string      `gorm:"not null;index;comment:源视频地址" json:"url"`
	Platform          string      `gorm:"size:32;not null;comment:来源平台" json:"platform"`
	Format            Format      `gorm:"size:16;not null;comment:输出格式(audio,video)" json:"format"`
	Quality           string      `gorm:"size:32;comment:输出质量" json:"quality"`
	Status            JobStatus   `gorm:"size:20;not null;index;default:queued;comment:状态" json:"status"`
	Progress          int         `gorm:"not null;default:0;comment:进度(0-100)" json:"progress"`
	DownloadURL       string      `gorm:"type:text;comment:下载地址" json:"download_url"`
	StorageKey        string      `gorm:"size:512;comment:存储对象键" json:"storage_key"`
	DownloadExpiresAt *time.Time  `gorm:"comment:下载地址过期时间" json:"download_expires_at"`
	FilePath          string      `gorm:"size:512;comment:产物文件路径" json:"file_path"`
	Metadata          JobMetadata `gorm:"type:text;serializer:json;comment:元数据" json:"metadata"`
	ErrorMessage      string      `gorm:"type:text;comment:面向用户的错误信息" json:"error_message"`
	StartedAt         *time.Time  `gorm:"comment:进入处理中的时间" json:"started_at"`
	CompletedAt       *time.Time  `gorm:"comment:进入终态的时间" json:"completed_at"`
	CreatedAt         time.Time   `gorm:"autoCreateTime:false;index" json:"created_at"`
	UpdatedAt         time.Time   `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	ExpiresAt         time.Time   `gorm:"index;comment:回收时间" json:"expires_at"`
}

// TableName 指定表名
func (Job) TableName() string {
	return "jobs"
}

// IsStuck 处理中且超过阈值未更新
func (j *Job) IsStuck(now time.Time, threshold time.Duration) bool {
	return j.Status == JobStatusProcessing && now.Sub(j.UpdatedAt) > threshold
}

// IsExpired 是否已超过回收时间
func (j *Job) IsExpired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && now.After(j.ExpiresAt)
}

// JobMetadata 任务元数据，以 JSON 存在 jobs.metadata 列中
type JobMetadata struct {
	Title     string  `json:"title,omitempty"`
	Uploader  string  `json:"uploader,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	FileSize  int64   `json:"file_size,omitempty"`

	// MetadataSource 记录元数据来自主提取还是备用提取
	MetadataSource string `json:"metadata_source,omitempty"`
	FromCache      bool   `json:"from_cache,omitempty"`
	ReusedJobID    string `json:"reused_job_id,omitempty"`

	// Attempt 已进行的回退重入次数，跨进程重启保留
	Attempt         int              `json:"attempt"`
	FallbackHistory []FallbackRecord `json:"fallback_history,omitempty"`
	Diagnostics     *Diagnostics     `json:"diagnostics,omitempty"`
}

// FallbackRecord 一次回退重入的记录
type FallbackRecord struct {
	Attempt   int       `json:"attempt"`
	Step      int       `json:"step"` // 在平台回退链中的位置，跳过的无效动作也计入`
	Action    string    `json:"action"`
	ErrorType string    `json:"error_type"`
	At        time.Time `json:"at"`
}

// Diagnostics 失败任务的结构化诊断信息
type Diagnostics struct {
	ErrorType        string   `json:"error_type"`
	Severity         string   `json:"severity"`
	Platform         string   `json:"platform"`
	ReliabilityScore int      `json:"reliability_score"`
	PlatformDegraded bool     `json:"platform_degraded"`
	Retryable        bool     `json:"retryable"`
	Attempts         int      `json:"attempts"`
	Suggestion       string   `json:"suggestion,omitempty"`
	Suggestions      []string `json:"suggestions,omitempty"`
}
