// Package handlers 提供三类内置后置处理器：链上锚定、搜索索引、永久链接。
//
// 所有处理器都按记录 ID 幂等：同一事件重复投递（至少一次语义）
// 产生相同的终态。
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"regstore/catalog"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/logging"
	"regstore/record"
)

// Anchor 一条链上锚定：记录数据摘要与事件位点
type Anchor struct {
	RecordID string    `json:"record_id"`
	Digest   string    `json:"digest"`
	Seq      int64     `json:"seq"`
	Revoked  bool      `json:"revoked"`
	Written  time.Time `json:"written"`
}

// AnchorSink 锚定写入端（链节点客户端的抽象）
type AnchorSink interface {
	// WriteAnchor 写入或覆盖一条锚定
	WriteAnchor(ctx context.Context, anchor Anchor) error
}

// MemoryAnchorSink 进程内锚定存储（测试与单机部署用）
type MemoryAnchorSink struct {
	mu      sync.RWMutex
	anchors map[string]Anchor
}

func NewMemoryAnchorSink() *MemoryAnchorSink {
	return &MemoryAnchorSink{anchors: make(map[string]Anchor)}
}

func (s *MemoryAnchorSink) WriteAnchor(_ context.Context, anchor Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[anchor.RecordID] = anchor
	return nil
}

// GetAnchor 按记录 ID 查询锚定
func (s *MemoryAnchorSink) GetAnchor(recordID string) (Anchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[recordID]
	return a, ok
}

// BlockchainHandler 将记录数据的 SHA-256 摘要锚定到链上
//
// 删除事件不抹掉锚定，改为标记撤销——链上留痕本身是目的。
type BlockchainHandler struct {
	sink AnchorSink
	log  logging.Logger
}

func NewBlockchainHandler(sink AnchorSink, logger logging.Logger) *BlockchainHandler {
	if logger == nil {
		logger = logging.ComponentLogger("handlers.blockchain")
	}
	return &BlockchainHandler{sink: sink, log: logger}
}

func (h *BlockchainHandler) Name() catalog.HandlerName {
	return catalog.HandlerBlockchain
}

func (h *BlockchainHandler) Handle(ctx context.Context, ev event.ChangeEvent, rec *record.Record) error {
	if rec == nil {
		return apperrors.Fatal(apperrors.New(apperrors.ErrCodeInvalidInput, "blockchain handler requires record data"))
	}

	digest := sha256.Sum256(rec.Data)
	anchor := Anchor{
		RecordID: ev.RecordID,
		Digest:   hex.EncodeToString(digest[:]),
		Seq:      ev.Seq,
		Revoked:  ev.Action == event.ActionDelete,
		Written:  time.Now(),
	}
	if err := h.sink.WriteAnchor(ctx, anchor); err != nil {
		return apperrors.Retryable(err)
	}

	h.log.Debug(ctx, "anchor written",
		logging.String("record_id", ev.RecordID),
		logging.String("digest", anchor.Digest),
		logging.Bool("revoked", anchor.Revoked))
	return nil
}
