// Package catalog 定义寄存器（Register）与键（Key）的目录模型及访问策略。
//
// 目录是唯一的策略执行点：记录存储的每次读写都必须先经过
// Service.CheckAccess，绕过目录直接操作记录表属于违规。
package catalog

import (
	"encoding/json"
	"time"
)

// AccessMode 键的访问模式
type AccessMode string

const (
	AccessModeFull      AccessMode = "full"       // 可读可写
	AccessModeReadOnly  AccessMode = "read_only"  // 仅可读
	AccessModeWriteOnly AccessMode = "write_only" // 仅可写
)

// Valid 判断访问模式是否为已知取值
func (m AccessMode) Valid() bool {
	switch m {
	case AccessModeFull, AccessModeReadOnly, AccessModeWriteOnly:
		return true
	}
	return false
}

// Operation 访问操作类型
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// HandlerName 后置处理器名称
type HandlerName string

const (
	HandlerBlockchain HandlerName = "blockchain" // 数据哈希上链锚定
	HandlerElastic    HandlerName = "elastic"    // 推送搜索索引
	HandlerPlink      HandlerName = "plink"      // 签发永久链接
)

// Register 寄存器：键的顶层分组
//
// 身份不可变；metadata 可编辑。
type Register struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key 寄存器内的一个模式/策略单元
//
// AccessMode 决定其下记录接受读、写或两者；
// AfterHandlers 列出变更提交后应触发的后置处理器。
type Key struct {
	ID            string        `json:"id"`
	RegisterID    string        `json:"register_id"`
	AccessMode    AccessMode    `json:"access_mode"`
	AfterHandlers []HandlerName `json:"after_handlers,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasHandler 判断键是否配置了指定后置处理器
func (k *Key) HasHandler(name HandlerName) bool {
	for _, h := range k.AfterHandlers {
		if h == name {
			return true
		}
	}
	return false
}

// AllowsRead 判断键是否允许读取
func (k *Key) AllowsRead() bool {
	return k.AccessMode == AccessModeFull || k.AccessMode == AccessModeReadOnly
}

// AllowsWrite 判断键是否允许写入
func (k *Key) AllowsWrite() bool {
	return k.AccessMode == AccessModeFull || k.AccessMode == AccessModeWriteOnly
}

// marshalHandlers 将处理器集合序列化为 JSON 数组文本
func marshalHandlers(handlers []HandlerName) (string, error) {
	if len(handlers) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(handlers)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalHandlers 从 JSON 数组文本还原处理器集合
func unmarshalHandlers(raw string) ([]HandlerName, error) {
	if raw == "" {
		return nil, nil
	}
	var handlers []HandlerName
	if err := json.Unmarshal([]byte(raw), &handlers); err != nil {
		return nil, err
	}
	if len(handlers) == 0 {
		return nil, nil
	}
	return handlers, nil
}

// marshalMetadata 将自由映射序列化为 JSON 文本
func marshalMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalMetadata 从 JSON 文本还原自由映射
func unmarshalMetadata(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
