package accesslog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"regstore/db"
	basicdb "regstore/db/basic"
)

func setupAppender(t *testing.T) *SQLAppender {
	t.Helper()
	database, err := basicdb.New(db.Config{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	appender := NewSQLAppender(database)
	require.NoError(t, appender.EnsureTable(context.Background()))
	return appender
}

func TestAppendAndListByRecord(t *testing.T) {
	ctx := context.Background()
	appender := setupAppender(t)

	require.NoError(t, appender.Append(ctx, &Entry{
		RecordID: "r1",
		KeyID:    "k1",
		Context:  map[string]any{"operation": "read", "actor": "alice", "outcome": "ok"},
	}))
	require.NoError(t, appender.Append(ctx, &Entry{
		RecordID: "r1",
		KeyID:    "k1",
		Context:  map[string]any{"operation": "update", "actor": "bob", "outcome": "ok"},
	}))
	require.NoError(t, appender.Append(ctx, &Entry{RecordID: "r2", KeyID: "k1"}))

	entries, err := appender.ListByRecord(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "read", entries[0].Context["operation"])
	assert.Equal(t, "bob", entries[1].Context["actor"])
	assert.NotEmpty(t, entries[0].ID)

	other, err := appender.ListByRecord(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Nil(t, other[0].Context)
}

func TestWriterFlushesAsync(t *testing.T) {
	appender := setupAppender(t)
	w := NewWriter(appender, WriterConfig{})

	ctx := context.Background()
	w.Log(ctx, "r1", "k1", map[string]any{"operation": "read"})
	w.Log(ctx, "r1", "k1", map[string]any{"operation": "update"})

	require.Eventually(t, func() bool {
		entries, err := appender.ListByRecord(ctx, "r1")
		return err == nil && len(entries) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
}

// Close 排空缓冲后返回
func TestWriterCloseDrains(t *testing.T) {
	appender := setupAppender(t)
	w := NewWriter(appender, WriterConfig{BufferSize: 64})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		w.Log(ctx, "r1", "k1", nil)
	}
	require.NoError(t, w.Close())

	entries, err := appender.ListByRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

// 追加失败只告警，Log 与 Close 均不报错
func TestWriterSwallowsAppendFailure(t *testing.T) {
	database, err := basicdb.New(db.Config{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	appender := NewSQLAppender(database)
	// 不建表：Append 必然失败
	w := NewWriter(appender, WriterConfig{})

	w.Log(context.Background(), "r1", "k1", nil)
	require.NoError(t, w.Close())
	require.NoError(t, database.Close())
}

func TestNopLogger(t *testing.T) {
	// 空实现不崩溃即可
	NopLogger{}.Log(context.Background(), "r1", "k1", nil)
}
