// Package ledger 实现记录变更的只追加审计账本。
//
// 每次记录变更都会在同一事务内追加一条 HistoryEntry；
// 账本没有更新/删除 API，写入后不可变。
package ledger

import (
	"bytes"
	"encoding/json"
	"time"
)

// Operation 变更操作类型
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// HistoryEntry 一次记录变更的不可变审计条目
//
// 快照约定：
//   - DataSnapshot 是变更提交后的完整数据（delete 为空），重放序列即可还原现值；
//   - PrevData 是变更前的完整数据（create 为空），update/delete 由此留存被覆盖的版本。
//
// 历史版本只存在于账本中，记录存储只保留当前版本。
type HistoryEntry struct {
	ID           string          `json:"id"`
	RecordID     string          `json:"record_id"`
	KeyID        string          `json:"key_id"`
	Operation    Operation       `json:"operation"`
	DataSnapshot json.RawMessage `json:"data_snapshot,omitempty"`
	PrevData     json.RawMessage `json:"prev_data,omitempty"`
	Actor        string          `json:"actor"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Replay 按顺序重放历史条目，还原记录的当前数据
//
// 规则：create 置入数据，update 整体替换，delete 清空。
// 对完整序列重放的结果必须与记录存储中的现值一致（删除后为 nil）。
func Replay(entries []HistoryEntry) json.RawMessage {
	var state json.RawMessage
	for _, e := range entries {
		switch e.Operation {
		case OperationCreate, OperationUpdate:
			state = e.DataSnapshot
		case OperationDelete:
			state = nil
		}
	}
	return state
}

// SnapshotEqual 比较两份 JSON 快照是否字节一致
func SnapshotEqual(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}
