// Package catalog 提供目录的 SQL 仓储实现
package catalog

import (
	"context"
	"database/sql"
	"time"

	"regstore/db"
	apperrors "regstore/errors"
	"regstore/logging"
)

// SQLRepository 目录的 SQL 仓储实现
//
// registers / register_keys 两张表；records 表仅用于
// DeleteKey 的引用完整性检查。
type SQLRepository struct {
	db     db.IDatabase
	logger logging.Logger
}

// NewSQLRepository 创建目录 SQL 仓储
func NewSQLRepository(database db.IDatabase, logger logging.Logger) *SQLRepository {
	if logger == nil {
		logger = logging.ComponentLogger("catalog.repository")
	}
	return &SQLRepository{db: database, logger: logger}
}

// EnsureTables 确保目录表存在
func (r *SQLRepository) EnsureTables(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS registers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS register_keys (
			id TEXT PRIMARY KEY,
			register_id TEXT NOT NULL,
			access_mode TEXT NOT NULL,
			after_handlers TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_register_keys_register ON register_keys(register_id)`,
	}
	for _, stmt := range ddl {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "create catalog tables failed")
		}
	}
	return nil
}

// CreateRegister 新建寄存器
func (r *SQLRepository) CreateRegister(ctx context.Context, reg *Register) error {
	meta, err := marshalMetadata(reg.Metadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshal register metadata failed")
	}
	now := time.Now().UTC()
	reg.CreatedAt = now
	reg.UpdatedAt = now

	_, err = r.db.Exec(ctx,
		`INSERT INTO registers (id, name, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		reg.ID, reg.Name, meta, reg.CreatedAt, reg.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "insert register failed")
	}
	return nil
}

// GetRegister 按 ID 查询寄存器
func (r *SQLRepository) GetRegister(ctx context.Context, id string) (*Register, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, name, metadata, created_at, updated_at FROM registers WHERE id = ?`, id)

	var reg Register
	var meta string
	err := row.Scan(&reg.ID, &reg.Name, &meta, &reg.CreatedAt, &reg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "register not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query register failed")
	}
	if reg.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "unmarshal register metadata failed")
	}
	return &reg, nil
}

// ListRegisters 列出全部寄存器（按名称排序）
func (r *SQLRepository) ListRegisters(ctx context.Context) ([]Register, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, metadata, created_at, updated_at FROM registers ORDER BY name ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query registers failed")
	}
	defer rows.Close()

	var registers []Register
	for rows.Next() {
		var reg Register
		var meta string
		if err := rows.Scan(&reg.ID, &reg.Name, &meta, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "scan register failed")
		}
		if reg.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "unmarshal register metadata failed")
		}
		registers = append(registers, reg)
	}
	return registers, rows.Err()
}

// UpdateRegisterMetadata 更新寄存器元数据（身份不可变，仅 metadata 可编辑）
func (r *SQLRepository) UpdateRegisterMetadata(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshal register metadata failed")
	}

	result, err := r.db.Exec(ctx,
		`UPDATE registers SET metadata = ?, updated_at = ? WHERE id = ?`,
		meta, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "update register failed")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "register not found: %s", id)
	}
	return nil
}

// CreateKey 新建键
func (r *SQLRepository) CreateKey(ctx context.Context, key *Key) error {
	if !key.AccessMode.Valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid access mode: %s", key.AccessMode)
	}
	// 键必须挂在已存在的寄存器下
	if _, err := r.GetRegister(ctx, key.RegisterID); err != nil {
		return err
	}

	handlers, err := marshalHandlers(key.AfterHandlers)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshal after handlers failed")
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	_, err = r.db.Exec(ctx,
		`INSERT INTO register_keys (id, register_id, access_mode, after_handlers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.RegisterID, key.AccessMode, handlers, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "insert key failed")
	}
	return nil
}

// GetKey 按 ID 查询键
func (r *SQLRepository) GetKey(ctx context.Context, id string) (*Key, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, register_id, access_mode, after_handlers, created_at, updated_at
		 FROM register_keys WHERE id = ?`, id)

	var key Key
	var handlers string
	err := row.Scan(&key.ID, &key.RegisterID, &key.AccessMode, &handlers, &key.CreatedAt, &key.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "key not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query key failed")
	}
	if key.AfterHandlers, err = unmarshalHandlers(handlers); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "unmarshal after handlers failed")
	}
	return &key, nil
}

// ListKeys 列出寄存器下的全部键
func (r *SQLRepository) ListKeys(ctx context.Context, registerID string) ([]Key, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, register_id, access_mode, after_handlers, created_at, updated_at
		 FROM register_keys WHERE register_id = ? ORDER BY created_at ASC`, registerID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "query keys failed")
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		var handlers string
		if err := rows.Scan(&key.ID, &key.RegisterID, &key.AccessMode, &handlers, &key.CreatedAt, &key.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "scan key failed")
		}
		if key.AfterHandlers, err = unmarshalHandlers(handlers); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "unmarshal after handlers failed")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UpdateKey 更新键的访问模式与后置处理器配置
func (r *SQLRepository) UpdateKey(ctx context.Context, key *Key) error {
	if !key.AccessMode.Valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid access mode: %s", key.AccessMode)
	}
	handlers, err := marshalHandlers(key.AfterHandlers)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshal after handlers failed")
	}
	key.UpdatedAt = time.Now().UTC()

	result, err := r.db.Exec(ctx,
		`UPDATE register_keys SET access_mode = ?, after_handlers = ?, updated_at = ? WHERE id = ?`,
		key.AccessMode, handlers, key.UpdatedAt, key.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "update key failed")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "key not found: %s", key.ID)
	}
	return nil
}

// DeleteKey 删除键
//
// 引用不变量：仍有记录引用该键时拒绝删除。
func (r *SQLRepository) DeleteKey(ctx context.Context, id string) error {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE key_id = ?`, id).Scan(&count)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "count key records failed")
	}
	if count > 0 {
		return apperrors.Newf(apperrors.ErrCodeConflict, "key %s still referenced by %d records", id, count)
	}

	result, err := r.db.Exec(ctx, `DELETE FROM register_keys WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageUnavailable, "delete key failed")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "key not found: %s", id)
	}
	return nil
}
