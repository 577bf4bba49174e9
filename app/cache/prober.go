package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"resty.dev/v3"
)

// Prober 检查存储对象是否仍然存在
type Prober interface {
	Exists(ctx context.Context, storageKey string) (bool, error)
}

// HTTPProber 对公开存储地址发 HEAD 请求
type HTTPProber struct {
	client *resty.Client
}

func NewHTTPProber(baseURL string) *HTTPProber {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Exists(ctx context.Context, storageKey string) (bool, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		Head("/" + escapeKey(storageKey))
	if err != nil {
		return false, fmt.Errorf("探测存储对象失败: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone:
		return false, nil
	case resp.StatusCode() >= 200 && resp.StatusCode() < 300:
		return true, nil
	}
	return false, fmt.Errorf("探测存储对象返回异常状态码: %d", resp.StatusCode())
}

// Close 释放底层连接
func (p *HTTPProber) Close() error {
	return p.client.Close()
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// LocalProber 产物写在本地目录时使用
type LocalProber struct {
	Root string
}

func (p LocalProber) Exists(ctx context.Context, storageKey string) (bool, error) {
	clean := filepath.Clean("/" + storageKey)
	info, err := os.Stat(filepath.Join(p.Root, clean))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// NopProber 不做探测，认为对象总是存在
type NopProber struct{}

func (NopProber) Exists(context.Context, string) (bool, error) {
	return true, nil
}
