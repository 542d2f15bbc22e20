package outbox

import (
	"context"
	"database/sql"
	"time"

	"regstore/db"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/logging"
)

// IRepository 出箱仓储接口
type IRepository interface {
	// Enqueue 在调用方事务内写入一条待投递事件。
	// exec 应为记录变更所在的事务，保证变更与事件的原子性。
	Enqueue(ctx context.Context, exec db.IExecutor, table, recordID, keyID string, action event.Action) error

	// GetPending 按提交顺序获取待投递记录（含到期的失败重试记录）。
	GetPending(ctx context.Context, limit int) ([]Entry, error)

	// MarkDelivered 标记记录为已投递。
	MarkDelivered(ctx context.Context, entryID int64) error

	// MarkFailed 标记记录投递失败，并设置下次重试时间。
	MarkFailed(ctx context.Context, entryID int64, errorMsg string, nextRetryAt time.Time) error

	// DeleteDelivered 删除已投递的历史记录。
	DeleteDelivered(ctx context.Context, olderThan time.Time) error
}

// SQLRepository 出箱的 SQL 实现
type SQLRepository struct {
	db     db.IDatabase
	logger logging.Logger
}

// NewSQLRepository 创建出箱仓储
func NewSQLRepository(database db.IDatabase, logger logging.Logger) *SQLRepository {
	if logger == nil {
		logger = logging.ComponentLogger("outbox.repository")
	}
	return &SQLRepository{db: database, logger: logger}
}

// EnsureTable 确保出箱表存在
func (r *SQLRepository) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS change_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			key_id TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			delivered_at DATETIME NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NULL,
			next_retry_at DATETIME NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_outbox_status ON change_outbox(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_change_outbox_record ON change_outbox(record_id)`,
	}
	for _, stmt := range ddl {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "create outbox table failed")
		}
	}
	return nil
}

// Enqueue 在调用方事务内写入待投递事件
func (r *SQLRepository) Enqueue(ctx context.Context, exec db.IExecutor, table, recordID, keyID string, action event.Action) error {
	_, err := exec.Exec(ctx,
		`INSERT INTO change_outbox (table_name, record_id, key_id, action, status, created_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		table, recordID, keyID, action, StatusPending, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "enqueue change event failed")
	}
	return nil
}

// GetPending 获取待投递记录（含到期重试），按提交顺序返回
//
// 同一 record_id 存在更早的、尚未到重试时间的失败记录时，
// 其后续记录一并扣留，保证单条记录内按提交顺序投递。
func (r *SQLRepository) GetPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	now := time.Now()
	rows, err := r.db.Query(ctx,
		`SELECT id, table_name, record_id, key_id, action, status, created_at,
		        delivered_at, retry_count, last_error, next_retry_at
		 FROM change_outbox o
		 WHERE (o.status = ?
		    OR (o.status = ? AND (o.next_retry_at IS NULL OR o.next_retry_at <= ?)))
		   AND NOT EXISTS (
		     SELECT 1 FROM change_outbox prior
		      WHERE prior.record_id = o.record_id
		        AND prior.id < o.id
		        AND prior.status = ?
		        AND prior.next_retry_at > ?
		   )
		 ORDER BY o.id ASC
		 LIMIT ?`,
		StatusPending, StatusFailed, now, StatusFailed, now, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query pending entries failed")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var deliveredAt, nextRetryAt sql.NullTime
		var lastError sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.Table, &entry.RecordID, &entry.KeyID, &entry.Action,
			&entry.Status, &entry.CreatedAt, &deliveredAt,
			&entry.RetryCount, &lastError, &nextRetryAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "scan outbox entry failed")
		}

		if deliveredAt.Valid {
			entry.DeliveredAt = &deliveredAt.Time
		}
		if lastError.Valid {
			entry.LastError = lastError.String
		}
		if nextRetryAt.Valid {
			entry.NextRetryAt = &nextRetryAt.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkDelivered 标记为已投递
func (r *SQLRepository) MarkDelivered(ctx context.Context, entryID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE change_outbox SET status = ?, delivered_at = ? WHERE id = ?`,
		StatusDelivered, time.Now().UTC(), entryID)
	if err != nil {
		r.logger.Warn(ctx, "mark delivered failed", logging.Int64("entry_id", entryID), logging.Error(err))
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "mark delivered failed")
	}
	return nil
}

// MarkFailed 标记为失败并累加重试计数
func (r *SQLRepository) MarkFailed(ctx context.Context, entryID int64, errorMsg string, nextRetryAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE change_outbox
		 SET status = ?, last_error = ?, retry_count = retry_count + 1, next_retry_at = ?
		 WHERE id = ?`,
		StatusFailed, errorMsg, nextRetryAt, entryID)
	if err != nil {
		r.logger.Warn(ctx, "mark failed failed", logging.Int64("entry_id", entryID), logging.Error(err))
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "mark failed failed")
	}
	return nil
}

// DeleteDelivered 删除已投递的历史记录
func (r *SQLRepository) DeleteDelivered(ctx context.Context, olderThan time.Time) error {
	result, err := r.db.Exec(ctx,
		`DELETE FROM change_outbox WHERE status = ? AND delivered_at < ?`,
		StatusDelivered, olderThan)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "delete delivered failed")
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected > 0 {
		r.logger.Info(ctx, "cleaned delivered outbox entries", logging.Int64("deleted", rowsAffected))
	}
	return nil
}
