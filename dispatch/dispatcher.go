package dispatch

import (
	"context"
	"sync"
	"time"

	"regstore/catalog"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/ledger"
	"regstore/logging"
	"regstore/record"
	"regstore/retry"
)

// RecordLoader 装载记录当前数据
type RecordLoader interface {
	Fetch(ctx context.Context, recordID string) (*record.Record, error)
}

// HistoryLoader 装载记录的审计历史（用于删除事件的快照还原）
type HistoryLoader interface {
	ListHistory(ctx context.Context, recordID string) ([]ledger.HistoryEntry, error)
}

// KeyResolver 解析事件所属的键配置
type KeyResolver interface {
	GetKey(ctx context.Context, id string) (*catalog.Key, error)
}

// Config 调度器配置
type Config struct {
	// 单次处理器调用的超时；超时按可重试错误处理
	HandlerTimeout time.Duration `json:"handler_timeout"`

	// 处理器调用的重试预算
	Retry retry.Config `json:"retry"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 10 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

// Dispatcher 后置处理器调度器
//
// 实现 queue.Handler：每收到一条变更事件，按键配置为每个处理器
// 启动一个独立协程（自带超时与重试预算）。处理器结果不会回传
// 到写入路径；重试耗尽或永久失败的事件进入停放存储。
type Dispatcher struct {
	registry *Registry
	records  RecordLoader
	history  HistoryLoader
	keys     KeyResolver
	parked   IParkedStore
	cfg      Config
	log      logging.Logger

	wg sync.WaitGroup
}

// NewDispatcher 创建调度器
func NewDispatcher(registry *Registry, records RecordLoader, history HistoryLoader,
	keys KeyResolver, parked IParkedStore, cfg Config, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.ComponentLogger("dispatch.dispatcher")
	}
	return &Dispatcher{
		registry: registry,
		records:  records,
		history:  history,
		keys:     keys,
		parked:   parked,
		cfg:      cfg,
		log:      logger,
	}
}

// Handle 消费一条变更事件（queue.Handler 实现）
//
// 返回 nil 即视为交接成功：处理器的失败由调度器内部消化
// （重试/停放），不回传给队列。
func (d *Dispatcher) Handle(ctx context.Context, ev event.ChangeEvent) error {
	key, err := d.keys.GetKey(ctx, ev.KeyID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// 键在事件产生后被删除：没有可触发的处理器配置
			d.log.Warn(ctx, "key gone, event skipped",
				logging.String("key_id", ev.KeyID),
				logging.String("record_id", ev.RecordID))
			return nil
		}
		return err
	}
	if len(key.AfterHandlers) == 0 {
		return nil
	}

	rec, err := d.loadRecord(ctx, ev)
	if err != nil {
		return err
	}

	for _, name := range key.AfterHandlers {
		handler, ok := d.registry.Get(name)
		if !ok {
			d.log.Warn(ctx, "configured handler not registered",
				logging.String("handler", string(name)),
				logging.String("key_id", ev.KeyID))
			continue
		}

		d.wg.Add(1)
		go func(h Handler) {
			defer d.wg.Done()
			d.invoke(ctx, h, ev, rec)
		}(handler)
	}
	return nil
}

// Wait 等待所有在途的处理器调用完成（关停与测试用）
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// RetryParked 重试一条停放记录对应的处理器调用，成功后删除停放记录
func (d *Dispatcher) RetryParked(ctx context.Context, parkedID int64) error {
	p, err := d.parked.Get(ctx, parkedID)
	if err != nil {
		return err
	}
	handler, ok := d.registry.Get(p.Handler)
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "handler not registered: %s", p.Handler)
	}

	ev := p.ToEvent()
	rec, err := d.loadRecord(ctx, ev)
	if err != nil {
		return err
	}
	if err := d.callOnce(ctx, handler, ev, rec); err != nil {
		return err
	}
	return d.parked.Delete(ctx, parkedID)
}

// loadRecord 装载事件对应的记录数据
//
// 删除事件（或记录随后被删除）时，用账本中最后一份快照
// 构造记录，处理器据此清理各自的派生物。
func (d *Dispatcher) loadRecord(ctx context.Context, ev event.ChangeEvent) (*record.Record, error) {
	rec, err := d.records.Fetch(ctx, ev.RecordID)
	if err == nil {
		return rec, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	entries, err := d.history.ListHistory(ctx, ev.RecordID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "record has no history: %s", ev.RecordID)
	}
	last := entries[len(entries)-1]

	snapshot := last.DataSnapshot
	if len(snapshot) == 0 {
		snapshot = last.PrevData
	}
	return &record.Record{
		ID:        ev.RecordID,
		KeyID:     ev.KeyID,
		Data:      snapshot,
		UpdatedBy: last.Actor,
		UpdatedAt: last.CreatedAt,
	}, nil
}

// invoke 执行一次带重试预算的处理器调用
//
// 永久失败立即停放；可重试失败按退避重试，预算耗尽后停放。
// 停放失败只能记录日志——停放本身已是最后的兜底。
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev event.ChangeEvent, rec *record.Record) {
	attempts := 0
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		return d.callOnce(ctx, h, ev, rec)
	}, d.cfg.Retry, func(err error) bool {
		return !apperrors.IsFatal(err)
	})
	if err == nil {
		return
	}

	d.log.Warn(ctx, "handler exhausted, parking event",
		logging.String("handler", string(h.Name())),
		logging.String("record_id", ev.RecordID),
		logging.Int("attempts", attempts),
		logging.Error(err))

	if parkErr := d.parked.Park(ctx, ev, h.Name(), err.Error(), attempts); parkErr != nil {
		d.log.Error(ctx, "park failed, handler failure lost from store",
			logging.String("handler", string(h.Name())),
			logging.String("record_id", ev.RecordID),
			logging.Error(parkErr))
	}
}

// callOnce 单次处理器调用，超时视为可重试错误
func (d *Dispatcher) callOnce(ctx context.Context, h Handler, ev event.ChangeEvent, rec *record.Record) error {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d.cfg.HandlerTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Handle(callCtx, ev, rec)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return apperrors.Retryable(callCtx.Err())
	}
}
