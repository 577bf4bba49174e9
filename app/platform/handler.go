package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goodtape/app/logger"

	"go.uber.org/zap"
)

// StatusCoder 携带 HTTP 状态码的错误，比如处理服务返回的错误
type StatusCoder interface {
	HTTPStatus() int
}

// Handler 按平台对失败进行分类并给出重试和回退策略
type Handler struct {
	log *logger.Logger
}

// NewHandler 创建错误处理器
func NewHandler(log *logger.Logger) *Handler {
	return &Handler{log: log}
}

var platformHosts = []struct {
	platform string
	hosts    []string
}{
	{"youtube", []string{"youtube.com", "youtu.be"}},
	{"twitter", []string{"twitter.com", "x.com"}},
	{"tiktok", []string{"tiktok.com"}},
	{"instagram", []string{"instagram.com"}},
	{"facebook", []string{"facebook.com", "fb.watch"}},
	{"vimeo", []string{"vimeo.com"}},
	{"dailymotion", []string{"dailymotion.com"}},
}

// DetectPlatform 根据 URL 的域名识别平台
func DetectPlatform(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Generic
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range platformHosts {
		for _, h := range p.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return p.platform
			}
		}
	}
	return Generic
}

// Classify 对任意错误分类。先匹配平台专属规则，再匹配通用规则，最后按状态码兜底
func (h *Handler) Classify(err error, platform string) Classification {
	if platform == "" {
		platform = Generic
	}
	if err == nil {
		return unknownClassification(platform, "nil error")
	}

	message := err.Error()
	c, ok := matchPatterns(message, platform)
	if !ok {
		c, ok = classifyByType(err)
	}
	if !ok {
		c = unknownClassification(platform, message)
	}
	c.Platform = platform
	c.FallbackActions = append([]FallbackAction(nil), c.FallbackActions...)
	if c.TechnicalMessage == "" {
		c.TechnicalMessage = message
	}

	h.logClassification(c, message)
	return c
}

func matchPatterns(message, platform string) (Classification, bool) {
	for _, p := range errorPatterns {
		if p.platform != platform && p.platform != Generic {
			continue
		}
		for _, r := range p.patterns {
			if r.MatchString(message) {
				return p.classification, true
			}
		}
	}
	return Classification{}, false
}

func classifyByType(err error) (Classification, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return matchGeneric(NetworkError)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return matchGeneric(NetworkError)
	}

	var sc StatusCoder
	if !errors.As(err, &sc) {
		return Classification{}, false
	}
	switch status := sc.HTTPStatus(); {
	case status == http.StatusTooManyRequests:
		return matchGeneric(RateLimitExceeded)
	case status == http.StatusNotFound:
		return matchGeneric(VideoNotFound)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return matchGeneric(AccessDenied)
	case status == http.StatusInsufficientStorage:
		return matchGeneric(ServerError)
	case status >= 500:
		return matchGeneric(NetworkError)
	}
	return Classification{}, false
}

func matchGeneric(t ErrorType) (Classification, bool) {
	for _, p := range errorPatterns {
		if p.platform == Generic && p.classification.Type == t {
			return p.classification, true
		}
	}
	return Classification{}, false
}

// NextFallbackAction 按已尝试次数选择备用动作：先用完主策略，再用次级策略，最后依次使用应急策略
func (h *Handler) NextFallbackAction(platform string, attempt int) (FallbackAction, bool) {
	chain, ok := fallbackChains[platform]
	if !ok {
		chain = fallbackChains[Generic]
	}
	if attempt < 0 {
		return "", false
	}

	for _, tier := range [][]FallbackAction{chain.Primary, chain.Secondary, chain.Emergency} {
		if attempt < len(tier) {
			return tier[attempt], true
		}
		attempt -= len(tier)
	}
	return "", false
}

// BackoffDelay 计算第 attempt 次(从 1 开始)重试前的等待时间
func BackoffDelay(strategy BackoffStrategy, attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	if strategy == BackoffExponential {
		d = base << uint(attempt-1)
		if d <= 0 {
			d = ceiling
		}
	} else {
		d = base * time.Duration(attempt)
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// ReliabilityScore 平台可靠性评分，仅供观测
func ReliabilityScore(platform string) int {
	if s, ok := reliabilityScores[platform]; ok {
		return s
	}
	return reliabilityScores[Generic]
}

// IsDegraded 平台是否处于已知的不稳定状态
func IsDegraded(platform string) bool {
	return degradedPlatforms[platform]
}

// RecoverySuggestions 平台相关的补救建议
func RecoverySuggestions(platform string, t ErrorType) []string {
	byType, ok := recoverySuggestions[platform]
	if !ok {
		return append([]string(nil), genericSuggestions...)
	}
	if s, ok := byType[t]; ok {
		return append([]string(nil), s...)
	}
	if s, ok := byType[""]; ok {
		return append([]string(nil), s...)
	}
	return append([]string(nil), genericSuggestions...)
}

// UserMessage 面向用户的错误信息，附带预计恢复时间
func UserMessage(c Classification) string {
	msg := c.UserMessage
	if c.EstimatedRecovery > 0 {
		minutes := int((c.EstimatedRecovery + time.Minute - 1) / time.Minute)
		msg += fmt.Sprintf("（预计 %d 分钟后恢复）", minutes)
	}
	return msg
}

func (h *Handler) logClassification(c Classification, message string) {
	if h.log == nil {
		return
	}
	h.log.Info("错误已分类",
		zap.String("type", string(c.Type)),
		zap.String("platform", c.Platform),
		zap.String("severity", string(c.Severity)),
		zap.Bool("retryable", c.Retryable),
	)
	h.log.Debug("原始错误", zap.String("message", message))
	if c.Critical() {
		h.log.Error("严重错误需要告警", zap.String("platform", c.Platform), zap.String("type", string(c.Type)))
	}
}
