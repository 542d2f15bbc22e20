package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"regstore/catalog"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/logging"
	"regstore/record"
)

// Permalink 一条永久链接
type Permalink struct {
	RecordID string    `json:"record_id"`
	Token    string    `json:"token"`
	Revoked  bool      `json:"revoked"`
	IssuedAt time.Time `json:"issued_at"`
}

// PermalinkStore 永久链接存储
type PermalinkStore interface {
	// GetLink 按记录 ID 查询已有链接
	GetLink(ctx context.Context, recordID string) (*Permalink, error)
	// SaveLink 写入或覆盖一条链接
	SaveLink(ctx context.Context, link Permalink) error
}

// MemoryPermalinkStore 进程内链接存储（测试与单机部署用）
type MemoryPermalinkStore struct {
	mu    sync.RWMutex
	links map[string]Permalink
}

func NewMemoryPermalinkStore() *MemoryPermalinkStore {
	return &MemoryPermalinkStore{links: make(map[string]Permalink)}
}

func (s *MemoryPermalinkStore) GetLink(_ context.Context, recordID string) (*Permalink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[recordID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "permalink not found: %s", recordID)
	}
	return &link, nil
}

func (s *MemoryPermalinkStore) SaveLink(_ context.Context, link Permalink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.RecordID] = link
	return nil
}

// PlinkHandler 为记录签发稳定的永久链接
//
// 创建事件签发新链接；更新事件保留既有 token（链接的稳定性
// 是其全部价值）；删除事件标记撤销但不移除，保证旧链接可以
// 明确回答“已删除”而非“不存在”。
type PlinkHandler struct {
	store PermalinkStore
	log   logging.Logger
}

func NewPlinkHandler(store PermalinkStore, logger logging.Logger) *PlinkHandler {
	if logger == nil {
		logger = logging.ComponentLogger("handlers.plink")
	}
	return &PlinkHandler{store: store, log: logger}
}

func (h *PlinkHandler) Name() catalog.HandlerName {
	return catalog.HandlerPlink
}

func (h *PlinkHandler) Handle(ctx context.Context, ev event.ChangeEvent, _ *record.Record) error {
	existing, err := h.store.GetLink(ctx, ev.RecordID)
	if err != nil && !apperrors.IsNotFound(err) {
		return apperrors.Retryable(err)
	}

	link := Permalink{
		RecordID: ev.RecordID,
		Revoked:  ev.Action == event.ActionDelete,
	}
	if existing != nil {
		link.Token = existing.Token
		link.IssuedAt = existing.IssuedAt
	} else {
		link.Token = uuid.NewString()
		link.IssuedAt = time.Now()
	}

	if err := h.store.SaveLink(ctx, link); err != nil {
		return apperrors.Retryable(err)
	}
	h.log.Debug(ctx, "permalink updated",
		logging.String("record_id", ev.RecordID),
		logging.Bool("revoked", link.Revoked))
	return nil
}
