package cacheutil

import (
	goerrors "errors"

	"github.com/agilira/go-errors"
)

// 磁盘层与引擎共用的错误码。
const (
	ErrCodeIOPending        errors.ErrorCode = "SIMPLECACHE_IO_PENDING"
	ErrCodeFailed           errors.ErrorCode = "SIMPLECACHE_FAILED"
	ErrCodeInvalidArgument  errors.ErrorCode = "SIMPLECACHE_INVALID_ARGUMENT"
	ErrCodeInitFailed       errors.ErrorCode = "SIMPLECACHE_INIT_FAILED"
	ErrCodeChecksumMismatch errors.ErrorCode = "SIMPLECACHE_CHECKSUM_MISMATCH"
	ErrCodeFileExists       errors.ErrorCode = "SIMPLECACHE_FILE_EXISTS"
	ErrCodeNoMoreEntries    errors.ErrorCode = "SIMPLECACHE_NO_MORE_ENTRIES"
	ErrCodeClosed           errors.ErrorCode = "SIMPLECACHE_CLOSED"
)

const (
	msgIOPending        = "operation is pending; the result arrives through the callback"
	msgFailed           = "cache operation failed"
	msgInvalidArgument  = "invalid argument"
	msgInitFailed       = "cache directory is inconsistent and could not be repaired"
	msgChecksumMismatch = "stored checksum does not match the data"
	msgFileExists       = "entry files already exist"
	msgNoMoreEntries    = "iteration reached the last entry"
	msgClosed           = "cache backend is closed"
)

// 以下哨兵错误只能通过 IsXxx 判断，不要用 == 比较，也不要附加上下文。
var (
	ErrIOPending       = errors.NewWithField(ErrCodeIOPending, msgIOPending, "scope", "operation")
	ErrFailed          = errors.NewWithField(ErrCodeFailed, msgFailed, "scope", "entry")
	ErrInvalidArgument = errors.NewWithField(ErrCodeInvalidArgument, msgInvalidArgument, "scope", "caller")
	ErrInitFailed      = errors.NewWithField(ErrCodeInitFailed, msgInitFailed, "scope", "backend")
	ErrNoMoreEntries   = errors.NewWithField(ErrCodeNoMoreEntries, msgNoMoreEntries, "scope", "iterator")
	ErrClosed          = errors.NewWithField(ErrCodeClosed, msgClosed, "scope", "backend")
)

// NewErrFailed 包装磁盘或簿记失败。
func NewErrFailed(operation string, cause error) error {
	if cause == nil {
		return errors.NewWithField(ErrCodeFailed, msgFailed, "operation", operation)
	}
	return errors.Wrap(cause, ErrCodeFailed, msgFailed).
		WithContext("operation", operation)
}

// NewErrInvalidArgument 表示调用方传入的参数不合法。
func NewErrInvalidArgument(field string, value interface{}) error {
	return errors.NewWithContext(ErrCodeInvalidArgument, msgInvalidArgument, map[string]interface{}{
		"field": field,
		"value": value,
	})
}

// NewErrInitFailed 表示缓存目录不可用。
func NewErrInitFailed(dir string, cause error) error {
	if cause == nil {
		return errors.NewWithField(ErrCodeInitFailed, msgInitFailed, "dir", dir).
			WithSeverity("critical")
	}
	return errors.Wrap(cause, ErrCodeInitFailed, msgInitFailed).
		WithContext("dir", dir).
		WithSeverity("critical")
}

// NewErrChecksumMismatch 表示流或 sparse 数据已损坏。
func NewErrChecksumMismatch(path string, stream int) error {
	return errors.NewWithContext(ErrCodeChecksumMismatch, msgChecksumMismatch, map[string]interface{}{
		"path":   path,
		"stream": stream,
	})
}

// NewErrFileExists 表示在已有文件之上执行 create。
func NewErrFileExists(path string) error {
	return errors.NewWithField(ErrCodeFileExists, msgFileExists, "path", path)
}

// IsPending 判断 err 是否为异步结果标记。
func IsPending(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeIOPending)
}

// IsFailed 判断操作是否失败，磁盘层上报的损坏与 create 冲突同样算作失败。
func IsFailed(err error) bool {
	if err == nil {
		return false
	}
	return errors.HasCode(err, ErrCodeFailed) ||
		errors.HasCode(err, ErrCodeChecksumMismatch) ||
		errors.HasCode(err, ErrCodeFileExists)
}

func IsInvalidArgument(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeInvalidArgument)
}

func IsInitFailed(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeInitFailed)
}

func IsChecksumMismatch(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeChecksumMismatch)
}

func IsFileExists(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeFileExists)
}

func IsNoMoreEntries(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeNoMoreEntries)
}

func IsClosed(err error) bool {
	return err != nil && errors.HasCode(err, ErrCodeClosed)
}

// ErrorCode 提取 err 的错误码，外部错误返回 ""。
func ErrorCode(err error) errors.ErrorCode {
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return ""
}
