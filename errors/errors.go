// Package errors 定义寄存器数据存储的统一错误类型与错误代码。
//
// 错误分类约定：
//   - NOT_FOUND / ACCESS_DENIED / STORAGE_UNAVAILABLE 对调用方可见；
//   - HANDLER_RETRYABLE / HANDLER_FATAL 仅在后置处理器调度层内部流转，
//     永远不会回传到写入路径的调用方。
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// 调用方可见错误代码
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeAccessDenied       ErrorCode = "ACCESS_DENIED"
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"

	// 后置处理器错误代码（调度层内部）
	ErrCodeHandlerRetryable ErrorCode = "HANDLER_RETRYABLE"
	ErrCodeHandlerFatal     ErrorCode = "HANDLER_FATAL"

	// 基础设施错误代码
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
}

// New 创建新错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{code: code, message: message}
}

// Newf 创建带格式化消息的新错误
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: message, cause: err}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Unwrap 解包错误（支持 errors.Unwrap / errors.Is）
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is 以错误代码作为等价判断依据
func (e *AppError) Is(target error) bool {
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	return false
}

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}
	return false
}

// GetErrorCode 获取错误代码；非 AppError 一律视为内部错误
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsAccessDenied 检查是否为访问策略拒绝错误
func IsAccessDenied(err error) bool {
	return IsErrorCode(err, ErrCodeAccessDenied)
}

// IsStorageUnavailable 检查是否为底层存储不可用错误
func IsStorageUnavailable(err error) bool {
	return IsErrorCode(err, ErrCodeStorageUnavailable)
}

// IsConflict 检查是否为冲突错误（如删除仍被记录引用的 Key）
func IsConflict(err error) bool {
	return IsErrorCode(err, ErrCodeConflict)
}

// IsRetryable 检查是否为可重试的处理器错误
func IsRetryable(err error) bool {
	return IsErrorCode(err, ErrCodeHandlerRetryable)
}

// IsFatal 检查是否为不可恢复的处理器错误
func IsFatal(err error) bool {
	return IsErrorCode(err, ErrCodeHandlerFatal)
}

// Retryable 将任意错误标记为可重试的处理器错误
func Retryable(err error) *AppError {
	return Wrap(err, ErrCodeHandlerRetryable, "handler failed transiently")
}

// Fatal 将任意错误标记为不可恢复的处理器错误
func Fatal(err error) *AppError {
	return Wrap(err, ErrCodeHandlerFatal, "handler failed permanently")
}
