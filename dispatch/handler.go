// Package dispatch 实现后置处理器（after-handler）的异步调度。
//
// 调度器消费已提交的变更事件，按键配置逐个触发处理器：
// 每个 (事件, 处理器) 组合独立运行，拥有各自的超时与重试预算；
// 单个处理器的失败与其他处理器、其他事件完全隔离。
package dispatch

import (
	"context"
	"sync"

	"regstore/catalog"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/record"
)

// Handler 后置处理器接口
//
// 错误约定：
//   - errors.Retryable(...)：瞬态失败，按退避重试，超限后停放；
//   - errors.Fatal(...)：永久失败，立即停放；
//   - 其他错误视为可重试。
// 处理器必须按 ev.DedupKey() 幂等：至少一次投递下重复事件
// 收敛到同一终态。
// 处理器必须响应 ctx 取消：超时后调度器只放弃等待并计一次
// 可重试失败，承载调用的 goroutine 要等处理器返回才能退出，
// 无视 ctx 的处理器会按重试次数累积泄漏 goroutine。
type Handler interface {
	// Name 返回处理器注册名（对应键配置中的 after_handlers 取值）。
	Name() catalog.HandlerName

	// Handle 处理一条已提交的变更。
	// rec 是记录的当前数据；删除事件下是账本中最后一份快照。
	Handle(ctx context.Context, ev event.ChangeEvent, rec *record.Record) error
}

// Registry 处理器注册表
//
// 处理器按名称注册，调度器按键配置查找；
// 新增处理器类型无需改动调度循环。
type Registry struct {
	mu       sync.RWMutex
	handlers map[catalog.HandlerName]Handler
}

// NewRegistry 创建处理器注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[catalog.HandlerName]Handler)}
}

// Register 注册处理器；重名注册返回错误
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return apperrors.Newf(apperrors.ErrCodeConflict, "handler already registered: %s", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get 按名称查找处理器
func (r *Registry) Get(name catalog.HandlerName) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names 返回已注册的处理器名称
func (r *Registry) Names() []catalog.HandlerName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]catalog.HandlerName, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
