// Package redisstreams 基于 Redis Streams 消费组的变更事件队列。
//
// 每个主题（表名）一条 Stream；消费组 + XACK 保证至少一次投递，
// 处理失败的条目留在 pending 列表等待重读。
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"regstore/event"
	"regstore/logging"
	"regstore/queue"
)

// client 收敛用到的 go-redis 命令面（便于测试替身）
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 队列配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Logger       logging.Logger

	// 订阅错误退避
	MinReadBackoff time.Duration // 默认 100ms
	MaxReadBackoff time.Duration // 默认 5s
}

// Queue 实现 queue.Queue
type Queue struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	handlers map[string][]queue.Handler
	readers  map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue 创建 Redis Streams 队列
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "changes:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "regstore"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("queue.redisstreams")
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		options := &redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
		cl = redis.NewClient(options)
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	return &Queue{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
		handlers:  make(map[string][]queue.Handler),
		readers:   make(map[string]bool),
	}, nil
}

func (q *Queue) Publish(ctx context.Context, ev event.ChangeEvent) error {
	values, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamName(ev.Topic()),
		Values: values,
	}).Err()
}

func (q *Queue) Subscribe(topic string, handler queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	if q.running && topic != "*" {
		q.startReaderLocked(topic)
	}
	return nil
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("redis streams queue already running")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for topic := range q.handlers {
		if topic == "*" {
			// 通配订阅依赖具体主题的读循环；单独的 "*" 订阅
			// 在有任一具体主题订阅时即可收到事件
			continue
		}
		q.startReaderLocked(topic)
	}
	q.running = true
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		if q.ownClient {
			return q.client.Close()
		}
		return nil
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	if q.ownClient {
		return q.client.Close()
	}
	return nil
}

func (q *Queue) startReaderLocked(topic string) {
	if q.readers[topic] {
		return
	}
	q.readers[topic] = true
	q.wg.Add(1)
	go q.readLoop(topic)
}

func (q *Queue) readLoop(topic string) {
	defer q.wg.Done()
	stream := q.streamName(topic)
	if err := q.ensureGroup(stream); err != nil {
		q.logger.Warn(q.ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    q.cfg.GroupName,
		Consumer: q.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    q.cfg.ReadCount,
		Block:    q.cfg.BlockTimeout,
	}
	backoff := q.cfg.MinReadBackoff
	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}
		res, err := q.client.XReadGroup(q.ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if q.ctx.Err() != nil {
				return
			}
			q.logger.Warn(q.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > q.cfg.MaxReadBackoff {
				backoff = q.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = q.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				ev, decodeErr := decodeEvent(entry)
				if decodeErr != nil {
					q.logger.Warn(q.ctx, "decode stream entry failed", logging.Error(decodeErr))
					_ = q.client.XAck(q.ctx, streamRes.Stream, q.cfg.GroupName, entry.ID).Err()
					continue
				}
				if err := q.dispatch(q.ctx, ev); err != nil {
					// 不 Ack：条目留在 pending，等待重读
					q.logger.Warn(q.ctx, "event hand-off failed, entry left pending",
						logging.String("record_id", ev.RecordID), logging.Error(err))
					continue
				}
				if ackErr := q.client.XAck(q.ctx, streamRes.Stream, q.cfg.GroupName, entry.ID).Err(); ackErr != nil {
					q.logger.Warn(q.ctx, "xack failed", logging.Error(ackErr))
				}
			}
		}
	}
}

func (q *Queue) ensureGroup(stream string) error {
	err := q.client.XGroupCreateMkStream(q.ctx, stream, q.cfg.GroupName, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
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

func (q *Queue) streamName(topic string) string {
	return q.cfg.StreamPrefix + topic
}

func encodeEvent(ev event.ChangeEvent) (map[string]interface{}, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"seq":     strconv.FormatInt(ev.Seq, 10),
		"payload": string(data),
	}, nil
}

func decodeEvent(entry redis.XMessage) (event.ChangeEvent, error) {
	var ev event.ChangeEvent
	raw, _ := entry.Values["payload"].(string)
	if raw == "" {
		return ev, errors.New("stream entry missing payload")
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	return ev, nil
}
