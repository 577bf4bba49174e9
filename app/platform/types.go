package platform

import "time"

// ErrorType 错误分类
type ErrorType string

const (
	AccessDenied      ErrorType = "ACCESS_DENIED"
	VideoNotFound     ErrorType = "VIDEO_NOT_FOUND"
	VideoTooLong      ErrorType = "VIDEO_TOO_LONG"
	NetworkError      ErrorType = "NETWORK_ERROR"
	RateLimitExceeded ErrorType = "RATE_LIMIT_EXCEEDED"
	ConversionFailed  ErrorType = "CONVERSION_FAILED"
	ServerError       ErrorType = "SERVER_ERROR"
	Unknown           ErrorType = "UNKNOWN"
)

// Severity 严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BackoffStrategy 重试间隔的计算方式
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// FallbackAction 可重试失败后的备用执行策略
type FallbackAction string

const (
	ActionUseProxy          FallbackAction = "use_proxy"
	ActionDirectConnection  FallbackAction = "direct_connection"
	ActionAlternativeClient FallbackAction = "try_alternative_client"
	ActionAlternativeRegion FallbackAction = "try_alternative_region"
	ActionReduceQuality     FallbackAction = "reduce_quality"
	ActionDifferentFormat   FallbackAction = "try_different_format"
	ActionWaitAndRetry      FallbackAction = "wait_and_retry"
	ActionRetryWithBackoff  FallbackAction = "retry_with_backoff"
)

// Classification 一次失败的分类结果
type Classification struct {
	Type              ErrorType        `json:"type"`
	Platform          string           `json:"platform"`
	Severity          Severity         `json:"severity"`
	Retryable         bool             `json:"retryable"`
	MaxRetries        int              `json:"max_retries"`
	Backoff           BackoffStrategy  `json:"backoff_strategy"`
	FallbackActions   []FallbackAction `json:"fallback_actions"`
	UserMessage       string           `json:"user_message"`
	TechnicalMessage  string           `json:"technical_message"`
	Suggestion        string           `json:"suggestion,omitempty"`
	AlertRequired     bool             `json:"alert_required"`
	EstimatedRecovery time.Duration    `json:"estimated_recovery,omitempty"`
}

// ShouldFallback 可重试且存在备用动作
func (c Classification) ShouldFallback() bool {
	return c.Retryable && len(c.FallbackActions) > 0
}

// Critical 需要额外的运维告警
func (c Classification) Critical() bool {
	return c.AlertRequired || c.Severity == SeverityCritical
}

// FallbackChain 平台的三层备用策略，按已尝试次数依次选用
type FallbackChain struct {
	Primary   []FallbackAction
	Secondary []FallbackAction
	Emergency []FallbackAction
}
