package accesslog

import (
	"context"
	"sync"

	"regstore/logging"
)

// Writer 异步访问日志写入器
//
// Log 只负责把条目放进缓冲通道；后台协程批量落库。
// 通道满或写入失败时丢弃条目并告警，绝不把失败传导给调用方。
type Writer struct {
	appender *SQLAppender
	logger   logging.Logger

	ch       chan Entry
	stopOnce sync.Once
	doneCh   chan struct{}
}

// WriterConfig 写入器配置
type WriterConfig struct {
	BufferSize int // 缓冲条目数，默认 256
	Logger     logging.Logger
}

// NewWriter 创建并启动异步写入器
func NewWriter(appender *SQLAppender, cfg WriterConfig) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("accesslog.writer")
	}
	w := &Writer{
		appender: appender,
		logger:   cfg.Logger,
		ch:       make(chan Entry, cfg.BufferSize),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Log 记录一次访问（fire-and-forget）
func (w *Writer) Log(ctx context.Context, recordID, keyID string, accessContext map[string]any) {
	entry := Entry{
		RecordID: recordID,
		KeyID:    keyID,
		Context:  accessContext,
	}
	select {
	case w.ch <- entry:
	default:
		// 缓冲已满：丢弃并暴露给可观测性
		w.logger.Warn(ctx, "access log buffer full, entry dropped",
			logging.String("record_id", recordID),
			logging.String("key_id", keyID))
	}
}

// Close 停止写入器并排空缓冲
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		close(w.ch)
	})
	<-w.doneCh
	return nil
}

func (w *Writer) loop() {
	defer close(w.doneCh)
	ctx := context.Background()
	for entry := range w.ch {
		e := entry
		if err := w.appender.Append(ctx, &e); err != nil {
			// 尽力而为：失败只告警，不重试不传播
			w.logger.Warn(ctx, "access log append failed",
				logging.String("record_id", e.RecordID),
				logging.String("key_id", e.KeyID),
				logging.Error(err))
		}
	}
}
