package model

import "time"

// CacheEntry 结果缓存条目，以请求指纹为键
type CacheEntry struct {
	Fingerprint    string    `gorm:"primaryKey;size:64" json:"fingerprint"`
	StorageKey     string    `gorm:"size:512;not null" json:"storage_key"`
	DownloadURL    string    `gorm:"type:text;not null" json:"download_url"`
	Filename       string    `gorm:"size:255" json:"filename"`
	FileSize       *int64    `json:"file_size,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	AccessCount    int       `gorm:"not null;default:0" json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// TableName 指定表名
func (CacheEntry) TableName() string {
	return "result_cache"
}

// Expired 是否已过期
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Exhausted 访问次数是否已达上限
func (e *CacheEntry) Exhausted(maxAccess int) bool {
	return e.AccessCount >= maxAccess
}

// Touch 记录一次命中
func (e *CacheEntry) Touch(now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}
