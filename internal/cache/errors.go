package cache

import "github.com/any-hub/simple-cache/internal/cacheutil"

// 引擎的哨兵错误与判断函数，与磁盘层共用同一套错误码。
var (
	ErrIOPending       = cacheutil.ErrIOPending
	ErrFailed          = cacheutil.ErrFailed
	ErrInvalidArgument = cacheutil.ErrInvalidArgument
	ErrInitFailed      = cacheutil.ErrInitFailed
	ErrNoMoreEntries   = cacheutil.ErrNoMoreEntries
	ErrClosed          = cacheutil.ErrClosed
)

var (
	IsPending         = cacheutil.IsPending
	IsFailed          = cacheutil.IsFailed
	IsInvalidArgument = cacheutil.IsInvalidArgument
	IsInitFailed      = cacheutil.IsInitFailed
	IsNoMoreEntries   = cacheutil.IsNoMoreEntries
	IsClosed          = cacheutil.IsClosed
)

// invalidArgument 表示条目操作的参数不合法。
func invalidArgument(field string, value interface{}) error {
	return cacheutil.NewErrInvalidArgument(field, value)
}

// failed 表示没有底层原因的条目级失败。
func failed(operation string) error {
	return cacheutil.NewErrFailed(operation, nil)
}
