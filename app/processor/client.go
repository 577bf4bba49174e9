// Package processor 是外部媒体处理服务的 HTTP 客户端。处理服务被视为缓慢且不可信的依赖，
// 每次调用都有超时，所有失败都以 *Error 返回，交给平台错误处理器分类。
package processor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"goodtape/app/config"

	"resty.dev/v3"
)

// Error 处理服务调用失败
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("处理服务 %s 失败(状态码 %d): %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("处理服务 %s 失败: %s", e.Endpoint, e.Message)
}

// HTTPStatus 供错误分类使用
func (e *Error) HTTPStatus() int {
	return e.StatusCode
}

// Options 转换时的执行策略，由回退动作调整
type Options struct {
	UseProxy     bool   `json:"use_proxy,omitempty"`
	Client       string `json:"client,omitempty"`
	Region       string `json:"region,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// Metadata 媒体元数据
type Metadata struct {
	Title     string  `json:"title"`
	Uploader  string  `json:"uploader"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
}

// ConvertRequest 转换请求
type ConvertRequest struct {
	URL        string  `json:"url"`
	Format     string  `json:"format"`
	Quality    string  `json:"quality"`
	StorageKey string  `json:"storage_key,omitempty"`
	Options    Options `json:"options"`
}

// ConvertResult 转换产物
type ConvertResult struct {
	DownloadURL string `json:"downloadUrl"`
	FileSize    int64  `json:"fileSize"`
	StorageKey  string `json:"storageKey"`
	Filename    string `json:"filename,omitempty"`
}

type metadataResponse struct {
	Success  bool      `json:"success"`
	Metadata *Metadata `json:"metadata"`
	Error    string    `json:"error"`
}

type convertResponse struct {
	Success bool           `json:"success"`
	Result  *ConvertResult `json:"result"`
	Error   string         `json:"error"`
}

// Processor 编排器依赖的处理服务能力
type Processor interface {
	ExtractMetadata(ctx context.Context, url string, opts Options) (*Metadata, error)
	Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error)
	Health(ctx context.Context) error
}

// Client 处理服务客户端
type Client struct {
	client      *resty.Client
	callTimeout time.Duration
	healthPath  string
}

// New 创建处理服务客户端
func New(cfg config.ProcessorConfig) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	return &Client{client: client, callTimeout: timeout, healthPath: healthPath}
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.client.Close()
}

// ExtractMetadata 调用 POST /extract-metadata
func (c *Client) ExtractMetadata(ctx context.Context, url string, opts Options) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out metadataResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"url": url, "options": opts}).
		SetResult(&out).
		SetError(&out).
		Post("/extract-metadata")
	if err != nil {
		return nil, transportError(ctx, "extract-metadata", err)
	}
	if resp.StatusCode() != http.StatusOK || !out.Success {
		return nil, responseError("extract-metadata", resp, out.Error)
	}
	if out.Metadata == nil {
		return nil, &Error{Endpoint: "extract-metadata", StatusCode: resp.StatusCode(), Message: "响应中缺少元数据"}
	}
	return out.Metadata, nil
}

// Convert 调用 POST /convert，在处理服务完成转换后返回
func (c *Client) Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var out convertResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/convert")
	if err != nil {
		return nil, transportError(ctx, "convert", err)
	}
	if resp.StatusCode() != http.StatusOK || !out.Success {
		return nil, responseError("convert", resp, out.Error)
	}
	if out.Result == nil || out.Result.DownloadURL == "" {
		return nil, &Error{Endpoint: "convert", StatusCode: resp.StatusCode(), Message: "响应中缺少下载地址"}
	}
	return out.Result, nil
}

// Health 调用处理服务健康检查
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.client.R().SetContext(ctx).Get(c.healthPath)
	if err != nil {
		return transportError(ctx, "health", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return responseError("health", resp, "")
	}
	return nil
}

func transportError(ctx context.Context, endpoint string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("处理服务 %s connection timeout: %w", endpoint, context.DeadlineExceeded)
	}
	return &Error{Endpoint: endpoint, Message: "network error: " + err.Error()}
}

func responseError(endpoint string, resp *resty.Response, message string) error {
	if message == "" {
		message = strings.TrimSpace(resp.String())
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode())
	}
	return &Error{Endpoint: endpoint, StatusCode: resp.StatusCode(), Message: message}
}
