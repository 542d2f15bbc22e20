// Package memory 提供进程内的变更事件队列实现。
//
// 缓冲通道 + Worker 池：Publish 写入通道，Worker 取出后分发给订阅者。
// workerCount 为 1 时严格保持发布顺序；大于 1 时只保证各 Worker
// 内部有序，调用方需要按记录分片时应使用单 Worker。
package memory

import (
	"context"
	"fmt"
	"sync"

	"regstore/event"
	"regstore/logging"
	"regstore/queue"
)

// Config 内存队列配置
type Config struct {
	QueueSize   int // 通道缓冲大小，默认 1024
	WorkerCount int // Worker 数量，默认 1（保序）
	Logger      logging.Logger
}

// Queue 进程内队列实现
type Queue struct {
	cfg    Config
	logger logging.Logger

	handlers map[string][]queue.Handler
	ch       chan event.ChangeEvent

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	pubWG   sync.WaitGroup
}

// New 创建内存队列
func New(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("queue.memory")
	}
	return &Queue{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string][]queue.Handler),
		ch:       make(chan event.ChangeEvent, cfg.QueueSize),
	}
}

// Publish 将事件写入通道
//
// 在持锁检查 running 的同时登记在途发布，Close 会等待
// 在途发布完成后才关闭通道，避免向已关闭通道发送。
func (q *Queue) Publish(ctx context.Context, ev event.ChangeEvent) error {
	q.mu.RLock()
	if !q.running {
		q.mu.RUnlock()
		return fmt.Errorf("memory queue is not running")
	}
	q.pubWG.Add(1)
	q.mu.RUnlock()
	defer q.pubWG.Done()

	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 订阅主题
func (q *Queue) Subscribe(topic string, handler queue.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Start 启动 Worker 池
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("memory queue is already running")
	}
	q.running = true

	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.mu.Unlock()
	return nil
}

// Close 关闭队列并等待在途事件处理完成
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return fmt.Errorf("memory queue is not running")
	}
	q.running = false
	ch := q.ch
	q.mu.Unlock()

	// 等在途发布完成后再关闭通道，Worker 读完缓冲后自然退出
	q.pubWG.Wait()
	close(ch)
	q.wg.Wait()
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case ev, ok := <-q.ch:
			if !ok {
				return
			}
			q.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch 分发事件到精确匹配与通配符订阅者
//
// 异步分发：handler 错误不会传播给发布者，只记录日志；
// 重试/停放等机制由消费方自行实现。
func (q *Queue) dispatch(ctx context.Context, ev event.ChangeEvent) {
	q.mu.RLock()
	exact := q.handlers[ev.Topic()]
	wildcard := q.handlers["*"]
	handlers := make([]queue.Handler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	q.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler.Handle(ctx, ev); err != nil {
			q.logger.Warn(ctx, "event handler failed",
				logging.String("topic", ev.Topic()),
				logging.String("record_id", ev.RecordID),
				logging.Error(err))
		}
	}
}
