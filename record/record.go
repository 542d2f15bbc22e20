// Package record 实现按键（Key）划分的记录存储引擎。
//
// 每次变更在同一事务内完成三件事：记录行变更、审计账本追加、
// 出箱事件入队；三者要么全部提交要么全部回滚，崩溃不会留下
// 历史与事件不匹配的状态。
package record

import (
	"encoding/json"
	"time"
)

// Record 一条受键管辖的记录（变更单元）
//
// 存储中只保留当前版本，历史版本全部在审计账本内。
type Record struct {
	ID        string          `json:"id"`
	KeyID     string          `json:"key_id"`
	Data      json.RawMessage `json:"data"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedBy string          `json:"created_by"`
	UpdatedBy string          `json:"updated_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
