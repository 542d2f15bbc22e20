package dispatch

import (
	"context"
	"database/sql"
	"time"

	"regstore/catalog"
	"regstore/db"
	apperrors "regstore/errors"
	"regstore/event"
)

// ParkedEvent 停放的处理器失败
//
// 处理器重试超限或遇到永久失败时，事件连同失败原因被停放，
// 供运维侧检视、重试或删除；停放是可观测的，绝不静默丢弃。
type ParkedEvent struct {
	ID        int64               `json:"id"`
	Seq       int64               `json:"seq"`
	Table     string              `json:"table"`
	RecordID  string              `json:"record_id"`
	KeyID     string              `json:"key_id"`
	Action    event.Action        `json:"action"`
	EmittedAt time.Time           `json:"emitted_at"`
	Handler   catalog.HandlerName `json:"handler"`
	Reason    string              `json:"reason"`
	Attempts  int                 `json:"attempts"`
	ParkedAt  time.Time           `json:"parked_at"`
}

// ToEvent 还原停放记录对应的变更事件
func (p *ParkedEvent) ToEvent() event.ChangeEvent {
	return event.ChangeEvent{
		Seq:       p.Seq,
		Table:     p.Table,
		RecordID:  p.RecordID,
		KeyID:     p.KeyID,
		Action:    p.Action,
		EmittedAt: p.EmittedAt,
	}
}

// IParkedStore 停放事件存储接口
type IParkedStore interface {
	// Park 停放一条处理器失败。
	Park(ctx context.Context, ev event.ChangeEvent, handler catalog.HandlerName, reason string, attempts int) error

	// List 按停放时间倒序列出停放记录。
	List(ctx context.Context, limit int) ([]ParkedEvent, error)

	// Get 按 ID 查询停放记录。
	Get(ctx context.Context, id int64) (*ParkedEvent, error)

	// Delete 删除停放记录。
	Delete(ctx context.Context, id int64) error

	// Count 统计停放记录数量。
	Count(ctx context.Context) (int64, error)
}

// SQLParkedStore 停放事件的 SQL 实现
type SQLParkedStore struct {
	db db.IDatabase
}

// NewSQLParkedStore 创建停放事件存储
func NewSQLParkedStore(database db.IDatabase) *SQLParkedStore {
	return &SQLParkedStore{db: database}
}

// EnsureTable 确保停放表存在
func (s *SQLParkedStore) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS parked_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			key_id TEXT NOT NULL,
			action TEXT NOT NULL,
			emitted_at DATETIME NOT NULL,
			handler TEXT NOT NULL,
			reason TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			parked_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parked_events_record ON parked_events(record_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "create parked events table failed")
		}
	}
	return nil
}

// Park 停放一条处理器失败
func (s *SQLParkedStore) Park(ctx context.Context, ev event.ChangeEvent, handler catalog.HandlerName, reason string, attempts int) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO parked_events (seq, table_name, record_id, key_id, action, emitted_at, handler, reason, attempts, parked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Table, ev.RecordID, ev.KeyID, ev.Action, ev.EmittedAt, handler, reason, attempts, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "insert parked event failed")
	}
	return nil
}

// List 按停放时间倒序列出停放记录
func (s *SQLParkedStore) List(ctx context.Context, limit int) ([]ParkedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, seq, table_name, record_id, key_id, action, emitted_at, handler, reason, attempts, parked_at
		 FROM parked_events ORDER BY parked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query parked events failed")
	}
	defer rows.Close()

	var parked []ParkedEvent
	for rows.Next() {
		var p ParkedEvent
		if err := rows.Scan(&p.ID, &p.Seq, &p.Table, &p.RecordID, &p.KeyID, &p.Action,
			&p.EmittedAt, &p.Handler, &p.Reason, &p.Attempts, &p.ParkedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "scan parked event failed")
		}
		parked = append(parked, p)
	}
	return parked, rows.Err()
}

// Get 按 ID 查询停放记录
func (s *SQLParkedStore) Get(ctx context.Context, id int64) (*ParkedEvent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, seq, table_name, record_id, key_id, action, emitted_at, handler, reason, attempts, parked_at
		 FROM parked_events WHERE id = ?`, id)

	var p ParkedEvent
	err := row.Scan(&p.ID, &p.Seq, &p.Table, &p.RecordID, &p.KeyID, &p.Action,
		&p.EmittedAt, &p.Handler, &p.Reason, &p.Attempts, &p.ParkedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "parked event not found: %d", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query parked event failed")
	}
	return &p, nil
}

// Delete 删除停放记录
func (s *SQLParkedStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.Exec(ctx, `DELETE FROM parked_events WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "delete parked event failed")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "parked event not found: %d", id)
	}
	return nil
}

// Count 统计停放记录数量
func (s *SQLParkedStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM parked_events`).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "count parked events failed")
	}
	return count, nil
}
