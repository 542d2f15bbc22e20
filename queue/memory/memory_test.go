package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regstore/event"
	"regstore/queue"
)

// collector 线程安全地收集收到的事件
type collector struct {
	mu     sync.Mutex
	events []event.ChangeEvent
}

func (c *collector) Handle(ctx context.Context, ev event.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) snapshot() []event.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.ChangeEvent, len(c.events))
	copy(out, c.events)
	return out
}

func testEvent(seq int64, table, recordID string) event.ChangeEvent {
	return event.ChangeEvent{
		Seq:       seq,
		Table:     table,
		RecordID:  recordID,
		KeyID:     "k1",
		Action:    event.ActionCreate,
		EmittedAt: time.Now().UTC(),
	}
}

func TestPublishBeforeStartFails(t *testing.T) {
	q := New(Config{})
	err := q.Publish(context.Background(), testEvent(1, "records", "r1"))
	require.Error(t, err)
}

func TestPublishSubscribe(t *testing.T) {
	q := New(Config{})
	c := &collector{}
	require.NoError(t, q.Subscribe("records", c))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Publish(ctx, testEvent(1, "records", "r1")))
	require.NoError(t, q.Publish(ctx, testEvent(2, "records", "r2")))
	require.NoError(t, q.Close())

	events := c.snapshot()
	require.Len(t, events, 2)
	// 单 Worker 保持发布顺序
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestTopicRouting(t *testing.T) {
	q := New(Config{})
	records := &collector{}
	other := &collector{}
	all := &collector{}
	require.NoError(t, q.Subscribe("records", records))
	require.NoError(t, q.Subscribe("other", other))
	require.NoError(t, q.Subscribe("*", all))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Publish(ctx, testEvent(1, "records", "r1")))
	require.NoError(t, q.Close())

	assert.Len(t, records.snapshot(), 1)
	assert.Empty(t, other.snapshot())
	assert.Len(t, all.snapshot(), 1)
}

// handler 错误不回传给发布者，也不阻断后续订阅者
func TestHandlerErrorIsSwallowed(t *testing.T) {
	q := New(Config{})
	failing := queue.HandlerFunc(func(ctx context.Context, ev event.ChangeEvent) error {
		return errors.New("boom")
	})
	c := &collector{}
	require.NoError(t, q.Subscribe("records", failing))
	require.NoError(t, q.Subscribe("records", c))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Publish(ctx, testEvent(1, "records", "r1")))
	require.NoError(t, q.Close())

	assert.Len(t, c.snapshot(), 1)
}

func TestSubscribeNilHandler(t *testing.T) {
	q := New(Config{})
	require.Error(t, q.Subscribe("records", nil))
}

func TestDoubleStartAndClose(t *testing.T) {
	q := New(Config{})
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	require.Error(t, q.Start(ctx))
	require.NoError(t, q.Close())
	require.Error(t, q.Close())
}

// Close 等待缓冲中的事件全部分发完
// Close 与并发 Publish 竞争时不崩溃：通过检查的发布被完整投递，
// 其余得到队列已停止的错误
func TestCloseDuringConcurrentPublish(t *testing.T) {
	q := New(Config{QueueSize: 16})
	c := &collector{}
	require.NoError(t, q.Subscribe("records", c))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	var published int64
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := q.Publish(ctx, testEvent(int64(i), "records", "r1")); err != nil {
					return
				}
				atomic.AddInt64(&published, 1)
			}
		}()
	}

	time.Sleep(time.Millisecond)
	require.NoError(t, q.Close())
	wg.Wait()

	assert.Len(t, c.snapshot(), int(atomic.LoadInt64(&published)))
}

func TestCloseDrainsBuffer(t *testing.T) {
	q := New(Config{QueueSize: 64})
	c := &collector{}
	require.NoError(t, q.Subscribe("records", c))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Publish(ctx, testEvent(int64(i), "records", "r1")))
	}
	require.NoError(t, q.Close())

	assert.Len(t, c.snapshot(), 50)
}
