package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regstore/catalog"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/record"
)

func changeEvent(seq int64, recordID string, action event.Action) event.ChangeEvent {
	return event.ChangeEvent{
		Seq:       seq,
		Table:     "records",
		RecordID:  recordID,
		KeyID:     "k1",
		Action:    action,
		EmittedAt: time.Now().UTC(),
	}
}

func testRecord(id string, data string) *record.Record {
	return &record.Record{ID: id, KeyID: "k1", Data: json.RawMessage(data)}
}

func TestBlockchainHandlerAnchorsDigest(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAnchorSink()
	h := NewBlockchainHandler(sink, nil)
	assert.Equal(t, catalog.HandlerBlockchain, h.Name())

	rec := testRecord("r1", `{"plate":"ABC"}`)
	require.NoError(t, h.Handle(ctx, changeEvent(1, "r1", event.ActionCreate), rec))

	anchor, ok := sink.GetAnchor("r1")
	require.True(t, ok)
	want := sha256.Sum256(rec.Data)
	assert.Equal(t, hex.EncodeToString(want[:]), anchor.Digest)
	assert.False(t, anchor.Revoked)
	assert.Equal(t, int64(1), anchor.Seq)
}

// 同一事件重复投递收敛到同一终态
func TestBlockchainHandlerIdempotent(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAnchorSink()
	h := NewBlockchainHandler(sink, nil)

	rec := testRecord("r1", `{"v":1}`)
	ev := changeEvent(1, "r1", event.ActionCreate)
	require.NoError(t, h.Handle(ctx, ev, rec))
	first, _ := sink.GetAnchor("r1")
	require.NoError(t, h.Handle(ctx, ev, rec))
	second, _ := sink.GetAnchor("r1")
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Revoked, second.Revoked)
}

// 删除不抹掉锚定，仅标记撤销
func TestBlockchainHandlerRevokesOnDelete(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAnchorSink()
	h := NewBlockchainHandler(sink, nil)

	rec := testRecord("r1", `{"v":1}`)
	require.NoError(t, h.Handle(ctx, changeEvent(1, "r1", event.ActionCreate), rec))
	require.NoError(t, h.Handle(ctx, changeEvent(2, "r1", event.ActionDelete), rec))

	anchor, ok := sink.GetAnchor("r1")
	require.True(t, ok)
	assert.True(t, anchor.Revoked)
}

func TestBlockchainHandlerRequiresRecord(t *testing.T) {
	h := NewBlockchainHandler(NewMemoryAnchorSink(), nil)
	err := h.Handle(context.Background(), changeEvent(1, "r1", event.ActionCreate), nil)
	assert.True(t, apperrors.IsFatal(err))
}

func TestElasticHandlerIndexesAndRemoves(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	h := NewElasticHandler(index, nil)
	assert.Equal(t, catalog.HandlerElastic, h.Name())

	rec := testRecord("r1", `{"plate":"ABC"}`)
	require.NoError(t, h.Handle(ctx, changeEvent(1, "r1", event.ActionCreate), rec))

	doc, ok := index.Get("r1")
	require.True(t, ok)
	assert.JSONEq(t, `{"plate":"ABC"}`, string(doc.Data))

	rec2 := testRecord("r1", `{"plate":"XYZ"}`)
	require.NoError(t, h.Handle(ctx, changeEvent(2, "r1", event.ActionUpdate), rec2))
	doc, ok = index.Get("r1")
	require.True(t, ok)
	assert.JSONEq(t, `{"plate":"XYZ"}`, string(doc.Data))

	require.NoError(t, h.Handle(ctx, changeEvent(3, "r1", event.ActionDelete), nil))
	_, ok = index.Get("r1")
	assert.False(t, ok)

	// 删除重复投递同样成功
	require.NoError(t, h.Handle(ctx, changeEvent(3, "r1", event.ActionDelete), nil))
}

// 迟到的旧版本不会覆盖索引中更新的文档
func TestElasticHandlerRejectsStaleUpsert(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	h := NewElasticHandler(index, nil)

	require.NoError(t, h.Handle(ctx, changeEvent(5, "r1", event.ActionUpdate), testRecord("r1", `{"v":5}`)))
	require.NoError(t, h.Handle(ctx, changeEvent(4, "r1", event.ActionUpdate), testRecord("r1", `{"v":4}`)))

	doc, ok := index.Get("r1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":5}`, string(doc.Data))
	assert.Equal(t, int64(5), doc.Seq)
}

func TestElasticHandlerRequiresRecordForUpsert(t *testing.T) {
	h := NewElasticHandler(NewMemoryIndex(), nil)
	err := h.Handle(context.Background(), changeEvent(1, "r1", event.ActionCreate), nil)
	assert.True(t, apperrors.IsFatal(err))
}

func TestPlinkHandlerIssuesStableToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPermalinkStore()
	h := NewPlinkHandler(store, nil)
	assert.Equal(t, catalog.HandlerPlink, h.Name())

	require.NoError(t, h.Handle(ctx, changeEvent(1, "r1", event.ActionCreate), testRecord("r1", `{"v":1}`)))
	link, err := store.GetLink(ctx, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, link.Token)

	// 更新保留既有 token
	require.NoError(t, h.Handle(ctx, changeEvent(2, "r1", event.ActionUpdate), testRecord("r1", `{"v":2}`)))
	after, err := store.GetLink(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, link.Token, after.Token)
	assert.Equal(t, link.IssuedAt, after.IssuedAt)
}

// 删除标记撤销但保留链接，旧链接能明确回答“已删除”
func TestPlinkHandlerRevokesOnDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPermalinkStore()
	h := NewPlinkHandler(store, nil)

	require.NoError(t, h.Handle(ctx, changeEvent(1, "r1", event.ActionCreate), testRecord("r1", `{"v":1}`)))
	require.NoError(t, h.Handle(ctx, changeEvent(2, "r1", event.ActionDelete), nil))

	link, err := store.GetLink(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, link.Revoked)
	assert.NotEmpty(t, link.Token)
}
