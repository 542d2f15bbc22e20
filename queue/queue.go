// Package queue 提供变更事件的内部队列抽象。
//
// 主题按表名划分；队列只在通知器（生产方）和调度器（消费方）之间
// 流转，不属于对外 API 面。实现可以是进程内通道，也可以是
// NATS JetStream / Redis Streams 等跨进程流。
package queue

import (
	"context"

	"regstore/event"
)

// Handler 事件处理回调
type Handler interface {
	// Handle 处理一条变更事件。
	// 返回错误表示本次交接失败，生产方据此决定是否重投。
	Handle(ctx context.Context, ev event.ChangeEvent) error
}

// HandlerFunc 函数式 Handler 适配
type HandlerFunc func(ctx context.Context, ev event.ChangeEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev event.ChangeEvent) error {
	return f(ctx, ev)
}

// Queue 变更事件队列接口
type Queue interface {
	// Publish 将事件发布到其主题（ev.Topic()，即表名）。
	Publish(ctx context.Context, ev event.ChangeEvent) error

	// Subscribe 订阅主题；"*" 匹配所有主题。
	Subscribe(topic string, handler Handler) error

	// Start 启动队列（消费端开始分发）。
	Start(ctx context.Context) error

	// Close 关闭队列，等待在途事件处理完成。
	Close() error
}
