// Package event 定义行变更事件。
//
// ChangeEvent 是短生命周期的通知载体：只用于驱动后置处理器调度，
// 不充当可查询的历史（历史由审计账本承担）。
package event

import (
	"fmt"
	"time"
)

// Action 变更动作
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ChangeEvent 一次已提交变更的通知
//
// Seq 是出箱表内的提交序号：同一 RecordID 的事件按 Seq 升序投递，
// 不同记录之间不保证顺序。
type ChangeEvent struct {
	Seq       int64     `json:"seq"`
	Table     string    `json:"table"`
	RecordID  string    `json:"record_id"`
	KeyID     string    `json:"key_id"`
	Action    Action    `json:"action"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Topic 投递主题：按表名分流
func (e ChangeEvent) Topic() string {
	return e.Table
}

// DedupKey 幂等去重键
//
// 至少一次投递下可能重复收到同一事件，
// 处理器按 (record, action, emitted_at) 去重。
func (e ChangeEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", e.RecordID, e.Action, e.EmittedAt.UTC().UnixNano())
}
