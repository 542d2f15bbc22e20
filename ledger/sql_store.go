package ledger

import (
	"context"
	"time"

	"regstore/db"
	apperrors "regstore/errors"
	"regstore/logging"

	"github.com/google/uuid"
)

// IStore 审计账本存储接口
type IStore interface {
	// Append 在调用方事务内追加一条审计条目。
	// exec 应为记录变更所在的事务，保证变更与审计的原子性。
	Append(ctx context.Context, exec db.IExecutor, entry *HistoryEntry) error

	// ListHistory 按记录维度拉取全部审计条目（从旧到新）。
	ListHistory(ctx context.Context, recordID string) ([]HistoryEntry, error)
}

// SQLStore 审计账本的 SQL 实现
type SQLStore struct {
	db     db.IDatabase
	logger logging.Logger
}

// NewSQLStore 创建审计账本存储
func NewSQLStore(database db.IDatabase, logger logging.Logger) *SQLStore {
	if logger == nil {
		logger = logging.ComponentLogger("ledger.store")
	}
	return &SQLStore{db: database, logger: logger}
}

// EnsureTable 确保账本表存在
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS record_history (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			key_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			data_snapshot TEXT NULL,
			prev_data TEXT NULL,
			actor TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_history_record ON record_history(record_id, created_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "create history table failed")
		}
	}
	return nil
}

// Append 追加审计条目（只追加，无更新/删除路径）
func (s *SQLStore) Append(ctx context.Context, exec db.IExecutor, entry *HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var snapshot, prev any
	if len(entry.DataSnapshot) > 0 {
		snapshot = string(entry.DataSnapshot)
	}
	if len(entry.PrevData) > 0 {
		prev = string(entry.PrevData)
	}

	_, err := exec.Exec(ctx,
		`INSERT INTO record_history (id, record_id, key_id, operation, data_snapshot, prev_data, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RecordID, entry.KeyID, entry.Operation, snapshot, prev, entry.Actor, entry.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "append history entry failed")
	}
	return nil
}

// ListHistory 按记录维度查询审计条目（从旧到新）
//
// created_at 相同（同毫秒内多次变更）时以插入顺序为准，
// sqlite 下借助 rowid 保证稳定排序。
func (s *SQLStore) ListHistory(ctx context.Context, recordID string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, record_id, key_id, operation, data_snapshot, prev_data, actor, created_at
		 FROM record_history WHERE record_id = ? ORDER BY created_at ASC, rowid ASC`, recordID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query history failed")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var snapshot, prev *string
		if err := rows.Scan(&entry.ID, &entry.RecordID, &entry.KeyID, &entry.Operation,
			&snapshot, &prev, &entry.Actor, &entry.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "scan history entry failed")
		}
		if snapshot != nil {
			entry.DataSnapshot = []byte(*snapshot)
		}
		if prev != nil {
			entry.PrevData = []byte(*prev)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
