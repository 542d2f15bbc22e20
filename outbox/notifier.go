package outbox

import (
	"context"
	"sync"
	"time"

	"regstore/logging"
	"regstore/queue"
)

// Notifier 变更通知器：按批拉取未投递记录并发布到事件队列
//
// 投递语义为至少一次：发布成功后才标记已投递，
// 若在标记前崩溃，重启后同一事件会被再次投递，
// 消费方必须按 (record_id, action, emitted_at) 幂等处理。
// 同一 record_id 的事件按提交顺序投递。
type Notifier struct {
	repo  IRepository
	queue queue.Queue
	cfg   Config
	log   logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
}

// NewNotifier 创建变更通知器
func NewNotifier(repo IRepository, q queue.Queue, cfg Config, logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.ComponentLogger("outbox.notifier")
	}
	return &Notifier{
		repo:   repo,
		queue:  q,
		cfg:    cfg,
		log:    logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start 启动后台投递循环
func (n *Notifier) Start(ctx context.Context) error {
	go n.loop(ctx)
	return nil
}

// Stop 停止投递循环并等待退出
func (n *Notifier) Stop() error {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	<-n.doneCh
	return nil
}

// Close 实现关闭语义，便于作为资源统一管理
func (n *Notifier) Close() error {
	return n.Stop()
}

// DeliverPending 手动触发一次投递（测试与运维入口）
func (n *Notifier) DeliverPending(ctx context.Context) error {
	return n.processOnce(ctx)
}

func (n *Notifier) loop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	cleanup := time.NewTicker(n.cfg.CleanupInterval)
	defer func() {
		ticker.Stop()
		cleanup.Stop()
		close(n.doneCh)
	}()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if err := n.processOnce(ctx); err != nil {
				n.log.Error(ctx, "notifier processOnce failed in loop", logging.Error(err))
			}
		case <-cleanup.C:
			if err := n.repo.DeleteDelivered(ctx, time.Now().Add(-n.cfg.RetentionPeriod)); err != nil {
				n.log.Error(ctx, "notifier delete delivered failed", logging.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) processOnce(ctx context.Context) error {
	var firstErr error

	entries, err := n.repo.GetPending(ctx, n.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	// 本轮发布失败的记录：其后续事件顺延到下一轮，保证单条记录内有序
	deferred := make(map[string]struct{})

	for _, e := range entries {
		if _, blocked := deferred[e.RecordID]; blocked {
			n.log.Debug(ctx, "notifier deferred entry behind failed sibling",
				logging.Int64("entry", e.ID), logging.String("record_id", e.RecordID))
			continue
		}
		if err := n.queue.Publish(ctx, e.ToEvent()); err != nil {
			deferred[e.RecordID] = struct{}{}
			next := e.NextRetryTime(n.cfg.RetryInterval)
			if markErr := n.repo.MarkFailed(ctx, e.ID, err.Error(), next); markErr != nil {
				n.log.Error(ctx, "notifier mark failed entry as failed", logging.Int64("entry", e.ID), logging.Error(markErr))
				if firstErr == nil {
					firstErr = markErr
				}
			}
			n.log.Warn(ctx, "notifier publish failed", logging.Int64("entry", e.ID), logging.Error(err))
			continue
		}
		if err := n.repo.MarkDelivered(ctx, e.ID); err != nil {
			// 标记失败不影响事件已经进入队列，但会导致重复投递；
			// 消费方幂等兜底，这里仅记录错误。
			n.log.Error(ctx, "notifier mark delivered failed", logging.Int64("entry", e.ID), logging.Error(err))
		}
	}
	return firstErr
}
