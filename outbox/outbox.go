// Package outbox 实现事务性出箱（Transactional Outbox），确保变更通知的可靠性
//
// 解决的问题：
// 1. 记录变更与事件发布的原子性：事件行与变更写在同一事务内
// 2. 投递失败时的重试机制
// 3. 至少一次投递下的最终一致性
package outbox

import (
	"time"

	"regstore/event"
)

// Status 出箱记录状态
type Status string

const (
	StatusPending   Status = "pending"   // 待投递
	StatusDelivered Status = "delivered" // 已投递
	StatusFailed    Status = "failed"    // 投递失败，等待重试
)

// Entry 一条待投递的变更事件记录
type Entry struct {
	ID          int64        `json:"id"`
	Table       string       `json:"table"`
	RecordID    string       `json:"record_id"`
	KeyID       string       `json:"key_id"`
	Action      event.Action `json:"action"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
}

// ToEvent 将出箱记录转换为变更事件
func (e *Entry) ToEvent() event.ChangeEvent {
	return event.ChangeEvent{
		Seq:       e.ID,
		Table:     e.Table,
		RecordID:  e.RecordID,
		KeyID:     e.KeyID,
		Action:    e.Action,
		EmittedAt: e.CreatedAt,
	}
}

// NextRetryTime 计算下次重试时间（指数退避）
func (e *Entry) NextRetryTime(baseInterval time.Duration) time.Time {
	retryCount := e.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	// 上限 5 次指数放大（2^5 = 32），避免移位产生超大等待时间
	if retryCount > 5 {
		retryCount = 5
	}
	backoffMultiplier := 1 << retryCount

	return time.Now().Add(baseInterval * time.Duration(backoffMultiplier))
}

// Config 出箱投递配置
type Config struct {
	// 轮询间隔
	PollInterval time.Duration `json:"poll_interval"`

	// 每次处理的最大记录数
	BatchSize int `json:"batch_size"`

	// 投递失败的重试间隔基数（指数退避）
	RetryInterval time.Duration `json:"retry_interval"`

	// 已投递记录的清理间隔与保留时长
	CleanupInterval time.Duration `json:"cleanup_interval"`
	RetentionPeriod time.Duration `json:"retention_period"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		PollInterval:    200 * time.Millisecond,
		BatchSize:       100,
		RetryInterval:   time.Second,
		CleanupInterval: time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}
