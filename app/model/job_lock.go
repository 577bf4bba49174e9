package model

import "time"

// JobLock 任务租约锁，每个任务最多一条有效记录
type JobLock struct {
	JobID      string    `gorm:"primaryKey;size:36" json:"job_id"`
	LockID     string    `gorm:"size:36;not null;comment:锁令牌" json:"lock_id"`
	Owner      string    `gorm:"size:128;not null;comment:持有实例" json:"owner"`
	AcquiredAt time.Time `gorm:"autoCreateTime:false" json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"index;comment:租约到期时间" json:"expires_at"`
}

// TableName 指定表名
func (JobLock) TableName() string {
	return "job_locks"
}

// Valid 在给定时刻是否仍然有效
func (l *JobLock) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// HeldBy 令牌与持有者是否都匹配
func (l *JobLock) HeldBy(lockID, owner string) bool {
	return l.LockID == lockID && l.Owner == owner
}
