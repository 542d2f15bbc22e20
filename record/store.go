package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"regstore/accesslog"
	"regstore/catalog"
	"regstore/db"
	apperrors "regstore/errors"
	"regstore/event"
	"regstore/ledger"
	"regstore/logging"
	"regstore/outbox"

	"github.com/google/uuid"
)

// TableName 记录表名，同时作为变更事件的主题
const TableName = "records"

// Store 记录存储引擎
//
// 所有操作先经目录策略判定；变更操作在单个事务内完成
// {记录行变更, 审计追加, 出箱入队}。调用方可见的失败只有
// NOT_FOUND / ACCESS_DENIED / STORAGE_UNAVAILABLE。
type Store struct {
	db        db.IDatabase
	catalog   catalog.IService
	ledger    ledger.IStore
	outbox    outbox.IRepository
	accessLog accesslog.ILogger
	logger    logging.Logger
}

// NewStore 创建记录存储引擎
//
// accessLog 传 nil 时不记录访问日志。
func NewStore(database db.IDatabase, cat catalog.IService, led ledger.IStore,
	out outbox.IRepository, accessLog accesslog.ILogger, logger logging.Logger) *Store {
	if accessLog == nil {
		accessLog = accesslog.NopLogger{}
	}
	if logger == nil {
		logger = logging.ComponentLogger("record.store")
	}
	return &Store{
		db:        database,
		catalog:   cat,
		ledger:    led,
		outbox:    out,
		accessLog: accessLog,
		logger:    logger,
	}
}

// EnsureTable 确保记录表存在
func (s *Store) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			data TEXT NOT NULL,
			meta TEXT NULL,
			created_by TEXT NOT NULL,
			updated_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_key ON records(key_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "create records table failed")
		}
	}
	return nil
}

// Create 在指定键下新建记录
func (s *Store) Create(ctx context.Context, keyID string, data, meta json.RawMessage, actor string) (*Record, error) {
	if err := s.catalog.CheckAccess(ctx, keyID, catalog.OperationWrite); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		KeyID:     keyID,
		Data:      data,
		Meta:      meta,
		CreatedBy: actor,
		UpdatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.inTx(ctx, func(tx db.ITransaction) error {
		var metaVal any
		if len(rec.Meta) > 0 {
			metaVal = string(rec.Meta)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO records (id, key_id, data, meta, created_by, updated_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.KeyID, string(rec.Data), metaVal, rec.CreatedBy, rec.UpdatedBy, rec.CreatedAt, rec.UpdatedAt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "insert record failed")
		}

		if err := s.ledger.Append(ctx, tx, &ledger.HistoryEntry{
			RecordID:     rec.ID,
			KeyID:        rec.KeyID,
			Operation:    ledger.OperationCreate,
			DataSnapshot: rec.Data,
			Actor:        actor,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, TableName, rec.ID, rec.KeyID, event.ActionCreate)
	})
	s.logAccess(ctx, rec.ID, keyID, "create", actor, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "record created",
		logging.String("record_id", rec.ID),
		logging.String("key_id", keyID),
		logging.String("actor", actor))
	return rec, nil
}

// Update 整体替换记录数据
//
// 被覆盖前的完整快照写入审计账本；读取前值与覆盖在同一事务内，
// 并发更新时每次提交都会留下各自的前值快照（最后提交者胜出）。
func (s *Store) Update(ctx context.Context, recordID string, data, meta json.RawMessage, actor string) (*Record, error) {
	var rec *Record
	err := s.inTx(ctx, func(tx db.ITransaction) error {
		prev, err := s.fetch(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if err := s.catalog.CheckAccess(ctx, prev.KeyID, catalog.OperationWrite); err != nil {
			return err
		}

		now := time.Now().UTC()
		rec = &Record{
			ID:        prev.ID,
			KeyID:     prev.KeyID,
			Data:      data,
			Meta:      meta,
			CreatedBy: prev.CreatedBy,
			UpdatedBy: actor,
			CreatedAt: prev.CreatedAt,
			UpdatedAt: now,
		}

		var metaVal any
		if len(rec.Meta) > 0 {
			metaVal = string(rec.Meta)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE records SET data = ?, meta = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
			string(rec.Data), metaVal, rec.UpdatedBy, rec.UpdatedAt, rec.ID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "update record failed")
		}

		if err := s.ledger.Append(ctx, tx, &ledger.HistoryEntry{
			RecordID:     rec.ID,
			KeyID:        rec.KeyID,
			Operation:    ledger.OperationUpdate,
			DataSnapshot: rec.Data,
			PrevData:     prev.Data,
			Actor:        actor,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, TableName, rec.ID, rec.KeyID, event.ActionUpdate)
	})
	if rec != nil {
		s.logAccess(ctx, recordID, rec.KeyID, "update", actor, err)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "record updated",
		logging.String("record_id", rec.ID),
		logging.String("key_id", rec.KeyID),
		logging.String("actor", actor))
	return rec, nil
}

// Delete 删除记录
//
// 记录行被物理移除；删除前最后一份数据以账本条目的形式留存
// （墓碑在账本里，不在存储里）。
func (s *Store) Delete(ctx context.Context, recordID string, actor string) error {
	var keyID string
	err := s.inTx(ctx, func(tx db.ITransaction) error {
		prev, err := s.fetch(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if err := s.catalog.CheckAccess(ctx, prev.KeyID, catalog.OperationWrite); err != nil {
			return err
		}
		keyID = prev.KeyID

		if _, err := tx.Exec(ctx, `DELETE FROM records WHERE id = ?`, recordID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "delete record failed")
		}

		now := time.Now().UTC()
		if err := s.ledger.Append(ctx, tx, &ledger.HistoryEntry{
			RecordID:  recordID,
			KeyID:     prev.KeyID,
			Operation: ledger.OperationDelete,
			PrevData:  prev.Data,
			Actor:     actor,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, TableName, recordID, prev.KeyID, event.ActionDelete)
	})
	if keyID != "" {
		s.logAccess(ctx, recordID, keyID, "delete", actor, err)
	}
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "record deleted",
		logging.String("record_id", recordID),
		logging.String("actor", actor))
	return nil
}

// Get 读取记录
//
// 键为 write_only 时拒绝读取。
func (s *Store) Get(ctx context.Context, recordID string) (*Record, error) {
	rec, err := s.fetch(ctx, s.db, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.CheckAccess(ctx, rec.KeyID, catalog.OperationRead); err != nil {
		s.logAccess(ctx, recordID, rec.KeyID, "read", "", err)
		return nil, err
	}
	s.logAccess(ctx, recordID, rec.KeyID, "read", "", nil)
	return rec, nil
}

// Fetch 内部读取：不经过目录策略，也不记录访问日志。
// 仅供调度层在触发后置处理器前装载记录使用。
func (s *Store) Fetch(ctx context.Context, recordID string) (*Record, error) {
	return s.fetch(ctx, s.db, recordID)
}

func (s *Store) fetch(ctx context.Context, exec db.IExecutor, recordID string) (*Record, error) {
	row := exec.QueryRow(ctx,
		`SELECT id, key_id, data, meta, created_by, updated_by, created_at, updated_at
		 FROM records WHERE id = ?`, recordID)

	var rec Record
	var data string
	var meta *string
	err := row.Scan(&rec.ID, &rec.KeyID, &data, &meta, &rec.CreatedBy, &rec.UpdatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "record not found: %s", recordID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query record failed")
	}
	rec.Data = []byte(data)
	if meta != nil {
		rec.Meta = []byte(*meta)
	}
	return &rec, nil
}

// inTx 在单个事务内执行 fn：fn 返回错误则整体回滚，不留部分产物
func (s *Store) inTx(ctx context.Context, fn func(tx db.ITransaction) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "begin transaction failed")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "commit transaction failed")
	}
	return nil
}

// logAccess 访问日志：独立于主操作结果，失败不传播
func (s *Store) logAccess(ctx context.Context, recordID, keyID, op, actor string, opErr error) {
	accessContext := map[string]any{"operation": op}
	if actor != "" {
		accessContext["actor"] = actor
	}
	if opErr != nil {
		accessContext["outcome"] = string(apperrors.GetErrorCode(opErr))
	} else {
		accessContext["outcome"] = "ok"
	}
	s.accessLog.Log(ctx, recordID, keyID, accessContext)
}
