package cache

import "fmt"

// WaitQueue 保存排在某个在途操作之后的闭包。
type WaitQueue struct {
	closures []func()
}

// Append 将 fn 推迟到阻塞操作完成后执行。
func (q *WaitQueue) Append(fn func()) {
	q.closures = append(q.closures, fn)
}

// Len 返回已推迟的闭包数量。
func (q *WaitQueue) Len() int { return len(q.closures) }

// WaitTable 跟踪有在途操作（doom 或按 hash 打开）的 hash 以及排在其后的工作。
type WaitTable struct {
	pending map[uint64]*WaitQueue
}

func NewWaitTable() *WaitTable {
	return &WaitTable{pending: make(map[uint64]*WaitQueue)}
}

// OnOperationStart 标记 hash 为在途；对已在途的 hash 再次开始时保留其队列。
func (t *WaitTable) OnOperationStart(hash uint64) {
	if _, ok := t.pending[hash]; !ok {
		t.pending[hash] = &WaitQueue{}
	}
}

// Has 判断 hash 是否在途。
func (t *WaitTable) Has(hash uint64) bool {
	_, ok := t.pending[hash]
	return ok
}

// Find 返回 hash 的队列，不在途时返回 nil。
func (t *WaitTable) Find(hash uint64) *WaitQueue {
	return t.pending[hash]
}

// OnOperationComplete 清除 hash 并按追加顺序执行其推迟的闭包，闭包可以在同一 hash 上开始新操作。
func (t *WaitTable) OnOperationComplete(hash uint64) {
	q, ok := t.pending[hash]
	if !ok {
		panic(fmt.Sprintf("cache: completing operation on %016x that never started", hash))
	}
	delete(t.pending, hash)
	for _, fn := range q.closures {
		fn()
	}
}

// Len 返回在途 hash 的数量。
func (t *WaitTable) Len() int { return len(t.pending) }
