// Package db 提供通用的数据库抽象接口
//
// 设计目标：
// 1. 隔离具体的驱动（sqlite、mysql 等）
// 2. 提供统一的数据库操作接口
// 3. 支持事务操作：记录变更、审计追加、出箱入队必须共享同一事务
// 4. 便于单元测试（内存 sqlite / Mock）
package db

import (
	"context"
	"database/sql"
)

// IDatabase 通用数据库接口
type IDatabase interface {
	// 查询操作
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow

	// 执行操作
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// 事务操作
	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	// 连接管理
	Ping(ctx context.Context) error
	Close() error
}

// ITransaction 事务接口
//
// 同时实现 IDatabase，便于把事务透传给需要数据库句柄的仓储方法。
type ITransaction interface {
	IDatabase

	// 事务控制
	Commit() error
	Rollback() error
}

// IExecutor 读写执行器：*DB 或进行中的事务都满足该接口。
// 仓储方法接收 IExecutor，调用方决定操作是否落在事务内。
type IExecutor interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// IRows 查询结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...any) error
}

// Config 数据库配置
type Config struct {
	Driver   string // sqlite, mysql, etc.
	Database string // DSN；sqlite 场景下为文件路径或 ":memory:"

	// 连接池配置
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // 秒
}
