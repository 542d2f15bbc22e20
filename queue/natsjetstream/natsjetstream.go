// Package natsjetstream 基于 NATS JetStream 的变更事件队列。
//
// 每个主题（表名）映射到流内的一个 subject；消费端使用持久化
// QueueSubscribe，手动 Ack 保证至少一次投递。
package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"regstore/event"
	"regstore/logging"
	"regstore/queue"
)

// Config JetStream 队列配置
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	Logger        logging.Logger
	Conn          *nats.Conn

	// 可选：流参数
	Retention string // workqueue|limits|interest（默认 workqueue）
	MaxBytes  int64  // 0 表示不设置
	Replicas  int    // 0 表示默认
}

// Queue 实现 queue.Queue
type Queue struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	handlers map[string][]queue.Handler
	subs     map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool
}

// NewQueue 创建 JetStream 队列
func NewQueue(cfg Config) *Queue {
	if cfg.Stream == "" {
		cfg.Stream = "REGSTORE"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "changes."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "regstore-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("queue.nats")
	}
	return &Queue{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string][]queue.Handler),
		subs:     make(map[string]*nats.Subscription),
	}
}

func (q *Queue) Publish(ctx context.Context, ev event.ChangeEvent) error {
	q.mu.RLock()
	js := q.js
	running := q.running
	q.mu.RUnlock()
	if !running || js == nil {
		return errors.New("nats queue not running")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = js.Publish(q.subjectName(ev.Topic()), data)
	return err
}

func (q *Queue) Subscribe(topic string, handler queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	if q.running && topic != "*" {
		return q.subscribeLocked(topic)
	}
	return nil
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("nats queue already running")
	}
	if err := q.ensureConnection(); err != nil {
		return err
	}
	if err := q.ensureStream(); err != nil {
		return err
	}
	for topic := range q.handlers {
		if topic == "*" {
			// 通配订阅靠流级 subject 匹配
			if err := q.subscribeAllLocked(); err != nil {
				return err
			}
			continue
		}
		if err := q.subscribeLocked(topic); err != nil {
			return err
		}
	}
	q.running = true
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		if q.ownsConn && q.conn != nil {
			q.conn.Close()
		}
		return nil
	}
	q.running = false
	for topic, sub := range q.subs {
		_ = sub.Drain()
		delete(q.subs, topic)
	}
	if q.ownsConn && q.conn != nil {
		q.conn.Close()
	}
	q.conn = nil
	q.js = nil
	return nil
}

func (q *Queue) ensureConnection() error {
	if q.conn != nil && q.js != nil {
		return nil
	}
	if q.cfg.Conn != nil {
		q.conn = q.cfg.Conn
	} else {
		if q.cfg.URL == "" {
			q.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(q.cfg.URL)
		if err != nil {
			return err
		}
		q.conn = conn
		q.ownsConn = true
	}
	js, err := q.conn.JetStream()
	if err != nil {
		return err
	}
	q.js = js
	return nil
}

func (q *Queue) ensureStream() error {
	_, err := q.js.StreamInfo(q.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.WorkQueuePolicy
	switch strings.ToLower(q.cfg.Retention) {
	case "limits":
		retention = nats.LimitsPolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.SubjectPrefix + ">"},
		Retention: retention,
	}
	if q.cfg.MaxBytes > 0 {
		sc.MaxBytes = q.cfg.MaxBytes
	}
	if q.cfg.Replicas > 0 {
		sc.Replicas = q.cfg.Replicas
	}
	_, err = q.js.AddStream(sc)
	return err
}

func (q *Queue) subscribeLocked(topic string) error {
	if _, exists := q.subs[topic]; exists {
		return nil
	}
	durable := q.cfg.DurablePrefix + topic
	sub, err := q.js.QueueSubscribe(q.subjectName(topic), durable, q.handleMsg(),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxAckPending(q.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	q.subs[topic] = sub
	return nil
}

func (q *Queue) subscribeAllLocked() error {
	if _, exists := q.subs["*"]; exists {
		return nil
	}
	durable := q.cfg.DurablePrefix + "all"
	sub, err := q.js.QueueSubscribe(q.cfg.SubjectPrefix+">", durable, q.handleMsg(),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxAckPending(q.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	q.subs["*"] = sub
	return nil
}

// handleMsg 解码失败直接 Ack 丢弃（毒消息不值得重投）；
// 处理器全部成功才 Ack，否则留给 AckWait 重投。
func (q *Queue) handleMsg() nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev event.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			q.logger.Warn(context.Background(), "decode nats message failed", logging.Error(err))
			_ = msg.Ack()
			return
		}
		if err := q.dispatch(context.Background(), ev); err != nil {
			q.logger.Warn(context.Background(), "event hand-off failed, redelivery expected",
				logging.String("record_id", ev.RecordID), logging.Error(err))
			return
		}
		if err := msg.Ack(); err != nil {
			q.logger.Warn(context.Background(), "nats ack failed", logging.Error(err))
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, ev event.ChangeEvent) error {
	q.mu.RLock()
	exact := q.handlers[ev.Topic()]
	wildcard := q.handlers["*"]
	handlers := make([]queue.Handler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	q.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) subjectName(topic string) string {
	return q.cfg.SubjectPrefix + topic
}
