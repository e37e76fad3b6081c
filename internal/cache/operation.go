package cache

import "github.com/any-hub/simple-cache/internal/syncentry"

type operationType int

const (
	opOpen operationType = iota
	opCreate
	opOpenOrCreate
	opClose
	opRead
	opWrite
	opReadSparse
	opWriteSparse
	opGetAvailableRange
	opDoom
)

func (t operationType) String() string {
	switch t {
	case opOpen:
		return "open"
	case opCreate:
		return "create"
	case opOpenOrCreate:
		return "open_or_create"
	case opClose:
		return "close"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opReadSparse:
		return "read_sparse"
	case opWriteSparse:
		return "write_sparse"
	case opGetAvailableRange:
		return "get_available_range"
	case opDoom:
		return "doom"
	default:
		return "unknown"
	}
}

// operation 是条目上排队的一个操作，只设置与其类型相关的字段。
type operation struct {
	typ operationType

	// alreadyReturned 标记已被乐观交给调用方的 create，完成时没有 callback 需要执行。
	alreadyReturned bool
	indexState      syncentry.IndexState

	stream       int
	offset       int
	sparseOffset int64
	length       int
	buf          []byte
	truncate     bool

	entryCallback EntryResultFunc
	ioCallback    IOCompletionFunc
	rangeCallback RangeResultFunc
	doomCallback  CompletionFunc
}

func openOperation(cb EntryResultFunc) *operation {
	return &operation{typ: opOpen, entryCallback: cb}
}

func createOperation(alreadyReturned bool, cb EntryResultFunc) *operation {
	return &operation{typ: opCreate, alreadyReturned: alreadyReturned, entryCallback: cb}
}

func openOrCreateOperation(state syncentry.IndexState, alreadyReturned bool, cb EntryResultFunc) *operation {
	return &operation{typ: opOpenOrCreate, indexState: state, alreadyReturned: alreadyReturned, entryCallback: cb}
}

func closeOperation() *operation {
	return &operation{typ: opClose}
}

func readOperation(stream, offset int, buf []byte, cb IOCompletionFunc) *operation {
	return &operation{typ: opRead, stream: stream, offset: offset, length: len(buf), buf: buf, ioCallback: cb}
}

func writeOperation(stream, offset int, buf []byte, truncate bool, cb IOCompletionFunc) *operation {
	return &operation{typ: opWrite, stream: stream, offset: offset, length: len(buf), buf: buf, truncate: truncate, ioCallback: cb}
}

func readSparseOperation(offset int64, buf []byte, cb IOCompletionFunc) *operation {
	return &operation{typ: opReadSparse, sparseOffset: offset, length: len(buf), buf: buf, ioCallback: cb}
}

func writeSparseOperation(offset int64, buf []byte, cb IOCompletionFunc) *operation {
	return &operation{typ: opWriteSparse, sparseOffset: offset, length: len(buf), buf: buf, ioCallback: cb}
}

func availableRangeOperation(offset int64, length int, cb RangeResultFunc) *operation {
	return &operation{typ: opGetAvailableRange, sparseOffset: offset, length: length, rangeCallback: cb}
}

func doomOperation(cb CompletionFunc) *operation {
	return &operation{typ: opDoom, doomCallback: cb}
}

// operationQueue 是条目上等待执行的 FIFO 队列。
type operationQueue struct {
	ops []*operation
}

func (q *operationQueue) push(op *operation) { q.ops = append(q.ops, op) }

func (q *operationQueue) pop() *operation {
	op := q.ops[0]
	q.ops[0] = nil
	q.ops = q.ops[1:]
	return op
}

func (q *operationQueue) len() int { return len(q.ops) }
