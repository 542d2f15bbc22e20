package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"regstore/db"
	basicdb "regstore/db/basic"
	apperrors "regstore/errors"
)

// 测试辅助函数：创建测试数据库
func setupTestDB(t *testing.T) db.IDatabase {
	t.Helper()
	database, err := basicdb.New(db.Config{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	repo := NewSQLRepository(database, nil)
	require.NoError(t, repo.EnsureTables(ctx))

	// DeleteKey 的引用检查需要 records 表
	_, err = database.Exec(ctx, `CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		key_id TEXT NOT NULL
	)`)
	require.NoError(t, err)
	return database
}

func setupService(t *testing.T) (*Service, db.IDatabase) {
	t.Helper()
	database := setupTestDB(t)
	return NewService(NewSQLRepository(database, nil), nil), database
}

func TestRegisterCRUD(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	reg, err := svc.CreateRegister(ctx, "vehicles", map[string]any{"owner": "dmv"})
	require.NoError(t, err)
	require.NotEmpty(t, reg.ID)

	got, err := svc.GetRegister(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "vehicles", got.Name)
	assert.Equal(t, "dmv", got.Metadata["owner"])

	// 身份不可变，仅 metadata 可编辑
	require.NoError(t, svc.UpdateRegisterMetadata(ctx, reg.ID, map[string]any{"owner": "dot"}))
	got, err = svc.GetRegister(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "dot", got.Metadata["owner"])
	assert.Equal(t, "vehicles", got.Name)

	_, err = svc.CreateRegister(ctx, "animals", nil)
	require.NoError(t, err)
	list, err := svc.ListRegisters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "animals", list[0].Name) // 按名称排序
}

func TestCreateRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	_, err := svc.CreateRegister(ctx, "", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))
}

func TestGetRegisterNotFound(t *testing.T) {
	svc, _ := setupService(t)
	_, err := svc.GetRegister(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestKeyCRUD(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)

	reg, err := svc.CreateRegister(ctx, "vehicles", nil)
	require.NoError(t, err)

	key, err := svc.CreateKey(ctx, reg.ID, AccessModeFull, []HandlerName{HandlerBlockchain, HandlerElastic})
	require.NoError(t, err)
	require.NotEmpty(t, key.ID)

	got, err := svc.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, AccessModeFull, got.AccessMode)
	assert.True(t, got.HasHandler(HandlerBlockchain))
	assert.True(t, got.HasHandler(HandlerElastic))
	assert.False(t, got.HasHandler(HandlerPlink))

	got.AccessMode = AccessModeReadOnly
	got.AfterHandlers = []HandlerName{HandlerPlink}
	require.NoError(t, svc.UpdateKey(ctx, got))

	got, err = svc.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, AccessModeReadOnly, got.AccessMode)
	assert.Equal(t, []HandlerName{HandlerPlink}, got.AfterHandlers)

	keys, err := svc.ListKeys(ctx, reg.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestCreateKeyRequiresRegister(t *testing.T) {
	svc, _ := setupService(t)
	_, err := svc.CreateKey(context.Background(), "ghost-register", AccessModeFull, nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateKeyRejectsInvalidMode(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)
	reg, err := svc.CreateRegister(ctx, "vehicles", nil)
	require.NoError(t, err)

	_, err = svc.CreateKey(ctx, reg.ID, AccessMode("whatever"), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetErrorCode(err))
}

func TestDeleteKeyReferenceConflict(t *testing.T) {
	ctx := context.Background()
	svc, database := setupService(t)

	reg, err := svc.CreateRegister(ctx, "vehicles", nil)
	require.NoError(t, err)
	key, err := svc.CreateKey(ctx, reg.ID, AccessModeFull, nil)
	require.NoError(t, err)

	_, err = database.Exec(ctx, `INSERT INTO records (id, key_id) VALUES (?, ?)`, "r1", key.ID)
	require.NoError(t, err)

	err = svc.DeleteKey(ctx, key.ID)
	assert.True(t, apperrors.IsConflict(err))

	// 引用移除后删除放行
	_, err = database.Exec(ctx, `DELETE FROM records WHERE id = ?`, "r1")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteKey(ctx, key.ID))

	_, err = svc.GetKey(ctx, key.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCheckAccessModes(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t)
	reg, err := svc.CreateRegister(ctx, "vehicles", nil)
	require.NoError(t, err)

	cases := []struct {
		mode    AccessMode
		readOK  bool
		writeOK bool
	}{
		{AccessModeFull, true, true},
		{AccessModeReadOnly, true, false},
		{AccessModeWriteOnly, false, true},
	}
	for _, tc := range cases {
		key, err := svc.CreateKey(ctx, reg.ID, tc.mode, nil)
		require.NoError(t, err)

		readErr := svc.CheckAccess(ctx, key.ID, OperationRead)
		writeErr := svc.CheckAccess(ctx, key.ID, OperationWrite)
		if tc.readOK {
			assert.NoError(t, readErr, "mode %s read", tc.mode)
		} else {
			assert.True(t, apperrors.IsAccessDenied(readErr), "mode %s read", tc.mode)
		}
		if tc.writeOK {
			assert.NoError(t, writeErr, "mode %s write", tc.mode)
		} else {
			assert.True(t, apperrors.IsAccessDenied(writeErr), "mode %s write", tc.mode)
		}
	}
}

func TestCheckAccessUnknownKey(t *testing.T) {
	svc, _ := setupService(t)
	err := svc.CheckAccess(context.Background(), "missing", OperationRead)
	assert.True(t, apperrors.IsNotFound(err))
}
