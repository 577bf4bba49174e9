package platform

import (
	"regexp"
	"time"
)

const Generic = "generic"

type errorPattern struct {
	platform       string
	patterns       []*regexp.Regexp
	classification Classification
}

func re(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + expr)
}

// 按顺序匹配，平台专属规则排在通用规则前面
var errorPatterns = []errorPattern{
	{
		platform: "youtube",
		patterns: []*regexp.Regexp{
			re(`sign in to confirm`), re(`this video is not available`), re(`video unavailable`),
			re(`private video`), re(`members-only content`),
		},
		classification: Classification{
			Type: AccessDenied, Severity: SeverityHigh, Retryable: false, Backoff: BackoffLinear,
			UserMessage:      "该 YouTube 视频需要登录或为私有视频，请换一个公开视频",
			TechnicalMessage: "YouTube access denied, authentication required",
			Suggestion:       "请使用其他公开的 YouTube 视频，或改用 Twitter/X、TikTok 等平台的视频",
		},
	},
	{
		platform: "youtube",
		patterns: []*regexp.Regexp{
			re(`anti-bot`), re(`bot detection`), re(`too many requests`), re(`rate limit`),
			re(`temporarily restricted`), re(`access from your location`),
		},
		classification: Classification{
			Type: AccessDenied, Severity: SeverityMedium, Retryable: true, MaxRetries: 3, Backoff: BackoffExponential,
			FallbackActions:   []FallbackAction{ActionUseProxy, ActionAlternativeClient, ActionWaitAndRetry},
			UserMessage:       "YouTube 暂时限制了访问，正在尝试其他方式",
			TechnicalMessage:  "YouTube anti-bot detection triggered",
			Suggestion:        "这是 YouTube 的临时限制，请几分钟后再试，或使用其他平台的视频",
			EstimatedRecovery: 5 * time.Minute,
		},
	},
	{
		platform: "youtube",
		patterns: []*regexp.Regexp{re(`video too long`), re(`duration exceeds`), re(`maximum length`)},
		classification: Classification{
			Type: VideoTooLong, Severity: SeverityMedium, Retryable: false, Backoff: BackoffLinear,
			UserMessage:      "视频时长超出限制，请使用较短的视频",
			TechnicalMessage: "video duration exceeds maximum allowed length",
			Suggestion:       "请使用 10 分钟以内的视频，较长的视频可以选择仅音频格式",
		},
	},
	{
		platform: "twitter",
		patterns: []*regexp.Regexp{
			re(`tweet not found`), re(`this tweet is unavailable`), re(`protected tweets`), re(`account suspended`),
		},
		classification: Classification{
			Type: VideoNotFound, Severity: SeverityHigh, Retryable: false, Backoff: BackoffLinear,
			UserMessage:      "该推文不可用或已被删除",
			TechnicalMessage: "twitter content not accessible",
			Suggestion:       "请确认推文存在且公开可见",
		},
	},
	{
		platform: "twitter",
		patterns: []*regexp.Regexp{re(`rate limit exceeded`), re(`too many requests`), re(`api limit`)},
		classification: Classification{
			Type: RateLimitExceeded, Severity: SeverityLow, Retryable: true, MaxRetries: 5, Backoff: BackoffExponential,
			FallbackActions:   []FallbackAction{ActionWaitAndRetry, ActionAlternativeClient},
			UserMessage:       "Twitter 请求频率达到上限，稍后自动重试",
			TechnicalMessage:  "twitter api rate limit exceeded",
			Suggestion:        "请稍等片刻再试",
			EstimatedRecovery: 15 * time.Minute,
		},
	},
	{
		platform: "tiktok",
		patterns: []*regexp.Regexp{
			re(`video not available`), re(`content not found`), re(`private account`), re(`region blocked`),
		},
		classification: Classification{
			Type: VideoNotFound, Severity: SeverityMedium, Retryable: true, MaxRetries: 2, Backoff: BackoffLinear,
			FallbackActions:  []FallbackAction{ActionAlternativeRegion, ActionUseProxy},
			UserMessage:      "该 TikTok 视频不可用，正在尝试其他访问方式",
			TechnicalMessage: "tiktok content access restricted",
			Suggestion:       "视频可能有地区限制或来自私密账号，请换一个视频",
		},
	},
	{
		platform: "instagram",
		patterns: []*regexp.Regexp{
			re(`login required`), re(`private account`), re(`content not available`), re(`post not found`),
		},
		classification: Classification{
			Type: AccessDenied, Severity: SeverityMedium, Retryable: true, MaxRetries: 2, Backoff: BackoffLinear,
			FallbackActions:  []FallbackAction{ActionAlternativeClient},
			UserMessage:      "该 Instagram 内容需要登录或为私密内容，正在尝试其他方式",
			TechnicalMessage: "instagram access restricted",
			Suggestion:       "请确认帖子是公开的",
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{
			re(`no space left`), re(`disk full`), re(`storage quota`), re(`insufficient storage`), re(`out of memory`),
		},
		classification: Classification{
			Type: ServerError, Severity: SeverityCritical, Retryable: false, Backoff: BackoffLinear,
			UserMessage:      "服务暂时无法处理请求，请稍后再试",
			TechnicalMessage: "processor storage or memory exhausted",
			Suggestion:       "服务端资源不足，已通知运维人员",
			AlertRequired:    true,
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{
			re(`access denied`), re(`forbidden`), re(`\b403\b`), re(`unauthorized`),
		},
		classification: Classification{
			Type: AccessDenied, Severity: SeverityHigh, Retryable: true, MaxRetries: 2, Backoff: BackoffExponential,
			FallbackActions:  []FallbackAction{ActionUseProxy, ActionAlternativeClient},
			UserMessage:      "源站拒绝了访问，正在尝试其他方式",
			TechnicalMessage: "source refused access",
			Suggestion:       "请确认视频是公开的",
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{re(`rate limit`), re(`rate-limit`), re(`too many requests`), re(`\b429\b`)},
		classification: Classification{
			Type: RateLimitExceeded, Severity: SeverityLow, Retryable: true, MaxRetries: 3, Backoff: BackoffExponential,
			FallbackActions:   []FallbackAction{ActionWaitAndRetry},
			UserMessage:       "请求过于频繁，稍后自动重试",
			TechnicalMessage:  "rate limited by source",
			Suggestion:        "请稍等片刻再试",
			EstimatedRecovery: 2 * time.Minute,
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{re(`not found`), re(`\b404\b`), re(`does not exist`), re(`has been removed`)},
		classification: Classification{
			Type: VideoNotFound, Severity: SeverityHigh, Retryable: false, Backoff: BackoffLinear,
			UserMessage:      "找不到该视频，可能已被删除",
			TechnicalMessage: "source media not found",
			Suggestion:       "请检查链接是否正确",
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{re(`too long`), re(`duration exceeds`), re(`maximum length`)},
		classification: Classification{
			Type: VideoTooLong, Severity: SeverityMedium, Retryable: false, Backoff: BackoffLinear,
			UserMessage:      "视频时长超出限制，请使用较短的视频",
			TechnicalMessage: "video duration exceeds maximum allowed length",
			Suggestion:       "较长的视频可以选择仅音频格式",
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{
			re(`network error`), re(`connection timeout`), re(`connection refused`), re(`connection reset`),
			re(`dns resolution failed`), re(`no such host`), re(`ssl error`), re(`certificate error`),
			re(`timeout`), re(`deadline exceeded`), re(`\b50[234]\b`), re(`unavailable`),
		},
		classification: Classification{
			Type: NetworkError, Severity: SeverityMedium, Retryable: true, MaxRetries: 3, Backoff: BackoffExponential,
			FallbackActions:   []FallbackAction{ActionRetryWithBackoff, ActionUseProxy},
			UserMessage:       "网络连接出现问题，正在使用其他设置重试",
			TechnicalMessage:  "network connectivity problem",
			Suggestion:        "这通常是临时的网络问题，请稍后再试",
			EstimatedRecovery: time.Minute,
		},
	},
	{
		platform: Generic,
		patterns: []*regexp.Regexp{
			re(`conversion failed`), re(`encoding failed`), re(`encoding error`), re(`ffmpeg error`),
			re(`format not supported`), re(`postprocessing`),
		},
		classification: Classification{
			Type: ConversionFailed, Severity: SeverityMedium, Retryable: true, MaxRetries: 2, Backoff: BackoffLinear,
			FallbackActions:  []FallbackAction{ActionDifferentFormat, ActionReduceQuality},
			UserMessage:      "转换失败，正在使用其他参数重试",
			TechnicalMessage: "media conversion failed",
			Suggestion:       "可以尝试选择其他质量或格式",
		},
	},
}

// unknownClassification 无法识别的错误
func unknownClassification(platform, message string) Classification {
	return Classification{
		Type:             Unknown,
		Platform:         platform,
		Severity:         SeverityMedium,
		Retryable:        true,
		MaxRetries:       2,
		Backoff:          BackoffLinear,
		FallbackActions:  []FallbackAction{ActionRetryWithBackoff},
		UserMessage:      "发生了意外错误，正在重试",
		TechnicalMessage: "unclassified error: " + message,
		Suggestion:       "请稍后再试，如果问题持续，请换一个视频",
	}
}

// 平台可靠性评分(0-100)，只用于观测和告警
var reliabilityScores = map[string]int{
	"youtube":   45,
	"twitter":   85,
	"tiktok":    80,
	"instagram": 75,
	"facebook":  60,
	"vimeo":     90,
	Generic:     70,
}

var degradedPlatforms = map[string]bool{
	"youtube": true,
}

var fallbackChains = map[string]FallbackChain{
	"youtube": {
		Primary:   []FallbackAction{ActionUseProxy},
		Secondary: []FallbackAction{ActionAlternativeClient},
		Emergency: []FallbackAction{ActionReduceQuality, ActionWaitAndRetry},
	},
	"twitter": {
		Primary:   []FallbackAction{ActionWaitAndRetry},
		Secondary: []FallbackAction{ActionAlternativeClient},
		Emergency: []FallbackAction{ActionUseProxy, ActionWaitAndRetry},
	},
	"tiktok": {
		Primary:   []FallbackAction{ActionAlternativeRegion},
		Secondary: []FallbackAction{ActionUseProxy},
		Emergency: []FallbackAction{ActionReduceQuality},
	},
	"instagram": {
		Primary:   []FallbackAction{ActionAlternativeClient},
		Secondary: []FallbackAction{ActionUseProxy},
		Emergency: []FallbackAction{ActionWaitAndRetry},
	},
	Generic: {
		Primary:   []FallbackAction{ActionRetryWithBackoff},
		Secondary: []FallbackAction{ActionUseProxy, ActionDifferentFormat},
		Emergency: []FallbackAction{ActionReduceQuality, ActionDirectConnection, ActionWaitAndRetry},
	},
}

var recoverySuggestions = map[string]map[ErrorType][]string{
	"youtube": {
		AccessDenied: {
			"请换一个可以公开访问的 YouTube 视频",
			"可以改用 Twitter/X、TikTok 或 Instagram 的视频",
			"YouTube 的限制通常是临时的，几分钟后再试",
		},
		VideoTooLong: {
			"请使用 10 分钟以内的视频",
			"较长的视频可以转换为 MP3",
			"可以寻找同一内容的片段或精华",
		},
	},
	"twitter": {
		"": {
			"请确认推文公开且不是受保护账号",
			"请确认推文包含视频",
			"如果有直接的视频链接，可以直接使用",
		},
	},
	"tiktok": {
		"": {
			"请确认 TikTok 视频来自公开账号",
			"可以换一个 TikTok 视频",
			"请确认视频在你所在的地区可用",
		},
	},
	"instagram": {
		"": {
			"请确认 Instagram 帖子是公开的",
			"可以尝试 Reels 链接",
			"请确认帖子包含视频",
		},
	},
}

var genericSuggestions = []string{
	"请几分钟后再试",
	"请检查网络连接",
	"可以换一个视频链接",
}
