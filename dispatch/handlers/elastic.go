package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"regstore/catalog"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/logging"
	"regstore/record"
)

// IndexDocument 搜索索引中的一条文档
type IndexDocument struct {
	RecordID string          `json:"record_id"`
	KeyID    string          `json:"key_id"`
	Data     json.RawMessage `json:"data"`
	Seq      int64           `json:"seq"`
}

// SearchIndex 搜索索引写入端
//
// Upsert 与 Remove 都按记录 ID 幂等；实现还应拒绝回退
// （已有文档的 Seq 更大时忽略本次写入），兜底重投乱序。
type SearchIndex interface {
	Upsert(ctx context.Context, doc IndexDocument) error
	Remove(ctx context.Context, recordID string) error
}

// MemoryIndex 进程内索引（测试与单机部署用）
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]IndexDocument
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]IndexDocument)}
}

func (i *MemoryIndex) Upsert(_ context.Context, doc IndexDocument) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.docs[doc.RecordID]; ok && existing.Seq > doc.Seq {
		return nil
	}
	i.docs[doc.RecordID] = doc
	return nil
}

func (i *MemoryIndex) Remove(_ context.Context, recordID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.docs, recordID)
	return nil
}

// Get 按记录 ID 查询文档
func (i *MemoryIndex) Get(recordID string) (IndexDocument, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	doc, ok := i.docs[recordID]
	return doc, ok
}

// RedisIndex 以 Redis hash 为载体的索引：每条文档一个键
type RedisIndex struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisIndex(client redis.UniversalClient, keyPrefix string) *RedisIndex {
	if keyPrefix == "" {
		keyPrefix = "regstore:index:"
	}
	return &RedisIndex{client: client, keyPrefix: keyPrefix}
}

func (i *RedisIndex) docKey(recordID string) string {
	return i.keyPrefix + recordID
}

func (i *RedisIndex) Upsert(ctx context.Context, doc IndexDocument) error {
	// 先读旧文档比较 Seq；同一记录由调度器串行投递，
	// 这里的读改写无需加锁。
	raw, err := i.client.Get(ctx, i.docKey(doc.RecordID)).Result()
	if err != nil && err != redis.Nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "redis get failed")
	}
	if err == nil {
		var existing IndexDocument
		if jsonErr := json.Unmarshal([]byte(raw), &existing); jsonErr == nil && existing.Seq > doc.Seq {
			return nil
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal index document failed")
	}
	if err := i.client.Set(ctx, i.docKey(doc.RecordID), data, 0).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "redis set failed")
	}
	return nil
}

func (i *RedisIndex) Remove(ctx context.Context, recordID string) error {
	if err := i.client.Del(ctx, i.docKey(recordID)).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "redis del failed")
	}
	return nil
}

// ElasticHandler 将记录数据同步推送到搜索索引
//
// 创建与更新写入文档，删除移除文档。
type ElasticHandler struct {
	index SearchIndex
	log   logging.Logger
}

func NewElasticHandler(index SearchIndex, logger logging.Logger) *ElasticHandler {
	if logger == nil {
		logger = logging.ComponentLogger("handlers.elastic")
	}
	return &ElasticHandler{index: index, log: logger}
}

func (h *ElasticHandler) Name() catalog.HandlerName {
	return catalog.HandlerElastic
}

func (h *ElasticHandler) Handle(ctx context.Context, ev event.ChangeEvent, rec *record.Record) error {
	if ev.Action == event.ActionDelete {
		if err := h.index.Remove(ctx, ev.RecordID); err != nil {
			return apperrors.Retryable(err)
		}
		h.log.Debug(ctx, "document removed", logging.String("record_id", ev.RecordID))
		return nil
	}

	if rec == nil {
		return apperrors.Fatal(apperrors.New(apperrors.ErrCodeInvalidInput, "elastic handler requires record data"))
	}
	doc := IndexDocument{
		RecordID: ev.RecordID,
		KeyID:    ev.KeyID,
		Data:     rec.Data,
		Seq:      ev.Seq,
	}
	if err := h.index.Upsert(ctx, doc); err != nil {
		return apperrors.Retryable(err)
	}
	h.log.Debug(ctx, "document indexed", logging.String("record_id", ev.RecordID))
	return nil
}
