// Package accesslog 实现面向合规审查的访问日志。
//
// 与变更不同，访问日志是尽力而为的独立流：写入失败不会影响
// 触发它的读写操作，但必须通过日志暴露给可观测性。
package accesslog

import (
	"context"
	"encoding/json"
	"time"

	"regstore/db"
	apperrors "regstore/errors"

	"github.com/google/uuid"
)

// Entry 一条访问日志
type Entry struct {
	ID        string         `json:"id"`
	RecordID  string         `json:"record_id"`
	KeyID     string         `json:"key_id"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ILogger 访问日志接口
//
// Log 相对调用方的主操作是 fire-and-forget：不返回错误，不阻塞。
type ILogger interface {
	Log(ctx context.Context, recordID, keyID string, accessContext map[string]any)
}

// NopLogger 空实现（用于不需要访问日志的场景与测试）
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, recordID, keyID string, accessContext map[string]any) {}

// SQLAppender 访问日志的 SQL 追加存储
type SQLAppender struct {
	db db.IDatabase
}

// NewSQLAppender 创建访问日志存储
func NewSQLAppender(database db.IDatabase) *SQLAppender {
	return &SQLAppender{db: database}
}

// EnsureTable 确保访问日志表存在
func (a *SQLAppender) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS access_log (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			key_id TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_log_record ON access_log(record_id, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := a.db.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "create access log table failed")
		}
	}
	return nil
}

// Append 追加一条访问日志
func (a *SQLAppender) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	contextJSON := "{}"
	if len(entry.Context) > 0 {
		data, err := json.Marshal(entry.Context)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshal access context failed")
		}
		contextJSON = string(data)
	}

	_, err := a.db.Exec(ctx,
		`INSERT INTO access_log (id, record_id, key_id, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecordID, entry.KeyID, contextJSON, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "append access log failed")
	}
	return nil
}

// ListByRecord 按记录维度查询访问日志（从旧到新）
func (a *SQLAppender) ListByRecord(ctx context.Context, recordID string) ([]Entry, error) {
	rows, err := a.db.Query(ctx,
		`SELECT id, record_id, key_id, context, created_at, updated_at
		 FROM access_log WHERE record_id = ? ORDER BY created_at ASC, rowid ASC`, recordID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query access log failed")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var contextJSON string
		if err := rows.Scan(&entry.ID, &entry.RecordID, &entry.KeyID, &contextJSON,
			&entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "scan access log failed")
		}
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &entry.Context); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "unmarshal access context failed")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
