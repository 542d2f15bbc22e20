// Package retry 提供带指数退避的有界重试。
// 调度层用它约束单次处理器调用的重试预算。
package retry

import (
	"context"
	"time"
)

// Operation 可重试的操作函数类型，attempt 从 1 开始计数
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数（指数退避）
	MaxDelay      time.Duration // 最大延迟
}

// DefaultConfig 返回默认配置
//
// 默认值：
//   - MaxAttempts: 3（1次初始 + 2次重试）
//   - InitialDelay: 50ms
//   - BackoffFactor: 2.0（指数退避）
//   - MaxDelay: 5s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      5 * time.Second,
	}
}

// Do 执行带重试的操作
//
// 返回：
//   - nil（任意一次尝试成功）
//   - 最后一次执行的错误（所有尝试都失败）
//   - ctx.Err()（上下文被取消）
//
// 是否继续重试由 shouldRetry 决定；shouldRetry 为 nil 时所有错误都重试。
func Do(ctx context.Context, op Operation, cfg Config, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return lastErr
		}

		// 最后一次尝试不需要等待
		if attempt < cfg.MaxAttempts {
			select {
			case <-time.After(Delay(cfg, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// Delay 计算第 attempt 次失败后的退避延迟
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// pow 简单的幂运算实现（避免引入 math 包）
func pow(base, exp float64) float64 {
	if exp == 0 {
		return 1
	}
	result := base
	for i := 1; i < int(exp); i++ {
		result *= base
	}
	return result
}
