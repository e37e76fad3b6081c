package cache

// Priority 决定条目间磁盘任务的先后：优先级高者先执行，同优先级下较早的条目先执行。
type Priority int

const (
	PriorityThrottled Priority = iota
	PriorityIdle
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHighest
)

// CompletionFunc 接收 doom 或初始化的结果。
type CompletionFunc func(err error)

// IOCompletionFunc 接收读写的字节数。
type IOCompletionFunc func(n int, err error)

// Int64CompletionFunc 接收 backend 计算出的大小。
type Int64CompletionFunc func(n int64, err error)

// EntryResult 是 open 或 create 的结果，成功时 Entry 非空，接收方最终必须将其 Close。
type EntryResult struct {
	Entry  *Entry
	Opened bool
	Err    error
}

type EntryResultFunc func(EntryResult)

// StatsCompletionFunc 接收索引就绪后的统计快照。
type StatsCompletionFunc func(Stats, error)

// RangeResult 描述窗口内第一段已存储的 sparse 数据。
type RangeResult struct {
	Start     int64
	Available int
	Err       error
}

type RangeResultFunc func(RangeResult)

func pendingEntryResult() EntryResult { return EntryResult{Err: ErrIOPending} }

// Stats 是 backend 容量统计的快照。
type Stats struct {
	EntryCount int
	Size       int64
	MaxSize    int64
}
