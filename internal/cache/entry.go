package cache

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cacheutil"
	"github.com/any-hub/simple-cache/internal/syncentry"
)

type entryState int

const (
	stateUninitialized entryState = iota
	stateReady
	stateIOPending
	stateFailure
)

func (s entryState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateIOPending:
		return "io_pending"
	case stateFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// doomState 只会向前推进，且在 resetEntry 后保留。
type doomState int

const (
	doomNone doomState = iota
	doomQueued
	doomCompleted
)

// createPendingDoom 跟踪在同一 hash 的 doom 尚未完成时被乐观交出的条目。
type createPendingDoom int

const (
	createNormal createPendingDoom = iota
	// createPendingDoomWaiting：条目以 stateIOPending 等待先前的 doom 完成。
	createPendingDoomWaiting
	// createPendingDoomFollowedByDoom：等待期间条目自身又被 doom，先前的 doom 完成后再登记自己的 doom。
	createPendingDoomFollowedByDoom
)

// Entry 是单个缓存条目的存活实例。每个 hash 至多一个活跃 Entry，打开同一 key 的调用方共享它。
//
// 每次成功的 open 或 create 交出的 Entry 都必须恰好 Close 一次。
type Entry struct {
	backend    *Backend
	hash       uint64
	key        string
	hasKey     bool
	optimistic bool
	priority   uint64
	log        logrus.FieldLogger

	state             entryState
	doomState         doomState
	createPendingDoom createPendingDoom

	// openCount 为调用方 handle 数；refs 还额外计入排队操作、在途磁盘任务与已投递的闭包。
	openCount int
	refs      int
	active    bool

	pendingOps operationQueue

	lastUsed       time.Time
	lastModified   time.Time
	dataSize       [cacheutil.StreamCount]int
	sparseDataSize int64

	// crc32s[i] 覆盖 stream i 从 0 到 crcEndOffset[i] 的内容。
	crc32s       [cacheutil.StreamCount]uint32
	crcEndOffset [cacheutil.StreamCount]int
	haveWritten  [cacheutil.StreamCount]bool

	stream0 []byte
	sync    *syncentry.Entry

	postDoomWaiting *WaitTable
}

func newEntry(b *Backend, hash uint64, priority uint64) *Entry {
	now := time.Now()
	e := &Entry{
		backend:      b,
		hash:         hash,
		optimistic:   b.optimistic,
		priority:     priority,
		log:          b.log.WithField("hash", cacheutil.HashToHex(hash)),
		lastUsed:     now,
		lastModified: now,
	}
	e.resetEntry()
	return e
}

func (e *Entry) setKey(key string) {
	e.key = key
	e.hasKey = true
	e.log = e.log.WithField("key", key)
}

func (e *Entry) backendAlive() bool { return !e.backend.closed }

func (e *Entry) addRef() { e.refs++ }

// release 释放一个引用，最后一次释放时从 backend 的活跃集合中注销。
func (e *Entry) release() {
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.refs < 0 {
		panic(fmt.Sprintf("cache: entry %016x released more often than referenced", e.hash))
	}
	e.deactivate()
}

func (e *Entry) deactivate() {
	if !e.active {
		return
	}
	e.active = false
	e.backend.onDeactivate(e)
}

func (e *Entry) enqueue(op *operation) {
	e.addRef()
	e.pendingOps.push(op)
}

// Key 返回条目 key。
func (e *Entry) Key() string {
	e.backend.checkSequence()
	return e.key
}

// Hash 返回条目 hash。
func (e *Entry) Hash() uint64 { return e.hash }

func (e *Entry) LastUsed() time.Time {
	e.backend.checkSequence()
	return e.lastUsed
}

func (e *Entry) LastModified() time.Time {
	e.backend.checkSequence()
	return e.lastModified
}

// DataSize 返回 stream 的大小，以最后一次排队的写入为准。
func (e *Entry) DataSize(stream int) int {
	e.backend.checkSequence()
	if stream < 0 || stream >= cacheutil.StreamCount {
		return 0
	}
	return e.dataSize[stream]
}

// Doom 将条目从缓存中移除，已打开的 handle 在关闭前仍可使用。
func (e *Entry) Doom(callback CompletionFunc) error {
	e.backend.checkSequence()
	return e.doomEntry(callback)
}

// Close 释放一个调用方 handle；最后一个 handle 释放时关闭文件并写入最终校验和。
func (e *Entry) Close() {
	e.backend.checkSequence()
	if e.openCount <= 0 {
		panic(fmt.Sprintf("cache: entry %016x closed more often than opened", e.hash))
	}
	e.openCount--
	if e.openCount > 0 {
		e.release()
		return
	}
	e.enqueue(closeOperation())
	e.release()
	e.runNextOperationIfNeeded()
}

// ReadData 从 offset 起读取 stream 至多 len(buf) 字节。数据在内存中且条目空闲时直接返回字节数，
// 否则返回 ErrIOPending 并通过 callback 通知。
func (e *Entry) ReadData(stream, offset int, buf []byte, callback IOCompletionFunc) (int, error) {
	e.backend.checkSequence()
	if stream < 0 || stream >= cacheutil.StreamCount {
		return 0, invalidArgument("stream", stream)
	}
	if offset < 0 {
		return 0, invalidArgument("offset", offset)
	}
	if e.pendingOps.len() == 0 && e.state == stateReady {
		return e.readDataInternal(true, stream, offset, buf, callback)
	}
	e.enqueue(readOperation(stream, offset, buf, callback))
	e.runNextOperationIfNeeded()
	return 0, ErrIOPending
}

// WriteData 将 buf 写入 stream 的 offset 处，truncate 时流在写入字节之后结束。空闲条目上的
// stream 0 写入立即完成；乐观模式下空闲条目的其他写入也立即返回成功并在后台执行。
func (e *Entry) WriteData(stream, offset int, buf []byte, truncate bool, callback IOCompletionFunc) (int, error) {
	e.backend.checkSequence()
	if stream < 0 || stream >= cacheutil.StreamCount {
		return 0, invalidArgument("stream", stream)
	}
	if offset < 0 {
		return 0, invalidArgument("offset", offset)
	}
	end := int64(offset) + int64(len(buf))
	if end > math.MaxInt32 || (e.backendAlive() && end > e.backend.MaxFileSize()) {
		return 0, cacheutil.NewErrFailed("write", fmt.Errorf("write ending at %d exceeds the file size limit", end))
	}
	defer e.runNextOperationIfNeeded()

	if stream == 0 && e.state == stateReady && e.pendingOps.len() == 0 {
		e.state = stateIOPending
		e.setStream0Data(buf, offset, truncate)
		e.state = stateReady
		return len(buf), nil
	}

	// 只有空闲条目可以提前确认写入：该写入必须是下一个执行的操作，后续读取才不会看到旧的大小。
	optimistic := e.optimistic && e.state == stateReady && e.pendingOps.len() == 0
	if !optimistic {
		e.enqueue(writeOperation(stream, offset, buf, truncate, callback))
		return 0, ErrIOPending
	}
	e.enqueue(writeOperation(stream, offset, append([]byte(nil), buf...), truncate, nil))
	return len(buf), nil
}

// ReadSparseData 从 offset 起读取连续存储的 sparse 数据。
func (e *Entry) ReadSparseData(offset int64, buf []byte, callback IOCompletionFunc) (int, error) {
	e.backend.checkSequence()
	if offset < 0 {
		return 0, invalidArgument("offset", offset)
	}
	defer e.runNextOperationIfNeeded()
	e.enqueue(readSparseOperation(offset, buf, callback))
	return 0, ErrIOPending
}

// WriteSparseData 将 buf 写到 sparse 空间的 offset 处。
func (e *Entry) WriteSparseData(offset int64, buf []byte, callback IOCompletionFunc) (int, error) {
	e.backend.checkSequence()
	if offset < 0 {
		return 0, invalidArgument("offset", offset)
	}
	if offset > math.MaxInt64-int64(len(buf)) {
		return 0, invalidArgument("length", len(buf))
	}
	defer e.runNextOperationIfNeeded()
	e.enqueue(writeSparseOperation(offset, buf, callback))
	return 0, ErrIOPending
}

// GetAvailableRange 返回 [offset, offset+length) 内第一段已存储的 sparse 数据。
func (e *Entry) GetAvailableRange(offset int64, length int, callback RangeResultFunc) RangeResult {
	e.backend.checkSequence()
	if offset < 0 {
		return RangeResult{Err: invalidArgument("offset", offset)}
	}
	if length < 0 {
		return RangeResult{Err: invalidArgument("length", length)}
	}
	if int64(length) > math.MaxInt64-offset {
		length = int(math.MaxInt64 - offset)
	}
	defer e.runNextOperationIfNeeded()
	e.enqueue(availableRangeOperation(offset, length, callback))
	return RangeResult{Err: ErrIOPending}
}

// CouldBeSparse 表示条目是否允许 sparse 操作。
func (e *Entry) CouldBeSparse() bool { return true }

// CancelSparseIO 无事可做：每个 hash 只有一个 Entry，sparse IO 不需要跨实例协调。
func (e *Entry) CancelSparseIO() {}

// ReadyForSparseIO 总是立即成功。
func (e *Entry) ReadyForSparseIO(callback CompletionFunc) error { return nil }

// openEntry 排入一次 open；已加载索引不认识的 hash 立即失败。
func (e *Entry) openEntry(callback EntryResultFunc) EntryResult {
	if e.backend.indexState(e.hash) == syncentry.IndexMiss {
		return EntryResult{Err: cacheutil.NewErrFailed("open", fmt.Errorf("%016x not in index", e.hash))}
	}
	e.enqueue(openOperation(callback))
	e.runNextOperationIfNeeded()
	return pendingEntryResult()
}

// createEntry 排入一次 create；乐观模式下空闲条目立即交出，文件在后台创建。
func (e *Entry) createEntry(callback EntryResultFunc) EntryResult {
	result := pendingEntryResult()
	if e.optimistic && e.state == stateUninitialized && e.pendingOps.len() == 0 {
		e.returnEntryToCaller()
		result = EntryResult{Entry: e}
		e.enqueue(createOperation(true, nil))
		if e.createPendingDoom != createNormal {
			// 先前的 doom 完成前暂缓 create。
			e.state = stateIOPending
		}
	} else {
		e.enqueue(createOperation(false, callback))
	}

	// 在文件存在之前写入索引，最多留下一个陈旧索引项，不会留下未索引的文件；创建失败时会再次移除。
	e.backend.index.Insert(e.hash)
	e.runNextOperationIfNeeded()
	return result
}

func (e *Entry) openOrCreateEntry(callback EntryResultFunc) EntryResult {
	indexState := e.backend.indexState(e.hash)
	result := pendingEntryResult()
	if indexState == syncentry.IndexMiss && e.optimistic &&
		e.state == stateUninitialized && e.pendingOps.len() == 0 {
		e.returnEntryToCaller()
		result = EntryResult{Entry: e}
		e.enqueue(openOrCreateOperation(indexState, true, nil))
	} else {
		e.enqueue(openOrCreateOperation(indexState, false, callback))
	}
	e.backend.index.Insert(e.hash)
	e.runNextOperationIfNeeded()
	return result
}

// doomEntry 在条目已被 doom 时返回 nil。
func (e *Entry) doomEntry(callback CompletionFunc) error {
	if e.doomState != doomNone {
		return nil
	}
	e.log.WithField("action", "doom").Debug("entry doom queued")
	e.markAsDoomed(doomQueued)
	if e.backendAlive() {
		if e.createPendingDoom == createNormal {
			e.postDoomWaiting = e.backend.onDoomStart(e.hash)
		} else {
			// backend 仍在跟踪该 hash 先前的 doom，本次 doom 在 notifyDoomBeforeCreateComplete 中登记。
			e.createPendingDoom = createPendingDoomFollowedByDoom
		}
	}
	e.enqueue(doomOperation(callback))
	e.runNextOperationIfNeeded()
	return ErrIOPending
}

func (e *Entry) setCreatePendingDoom() {
	if e.createPendingDoom != createNormal {
		panic("cache: entry already waits for a doom")
	}
	e.createPendingDoom = createPendingDoomWaiting
}

// notifyDoomBeforeCreateComplete 在乐观 create 之前的 doom 完成后运行。
func (e *Entry) notifyDoomBeforeCreateComplete() {
	if e.state != stateIOPending || e.createPendingDoom == createNormal {
		panic(fmt.Sprintf("cache: entry %016x was not waiting for a doom (state %s)", e.hash, e.state))
	}
	if e.backendAlive() && e.createPendingDoom == createPendingDoomFollowedByDoom {
		e.postDoomWaiting = e.backend.onDoomStart(e.hash)
	}
	e.state = stateUninitialized
	e.createPendingDoom = createNormal
	e.runNextOperationIfNeeded()
}

func (e *Entry) resetEntry() {
	if e.doomState == doomCompleted {
		// 已 doom 的条目不再拥有它的名字。
		e.state = stateFailure
	} else {
		e.state = stateUninitialized
	}
	e.crcEndOffset = [cacheutil.StreamCount]int{}
	e.crc32s = [cacheutil.StreamCount]uint32{}
	e.haveWritten = [cacheutil.StreamCount]bool{}
	e.dataSize = [cacheutil.StreamCount]int{}
	e.stream0 = nil
}

func (e *Entry) returnEntryToCaller() {
	e.openCount++
	e.addRef()
}

// returnEntryToCallerAsync 立即计入 handle，避免其他 handle 的 Close 提前结束条目，再通过投递的任务交付。
func (e *Entry) returnEntryToCallerAsync(opened bool, callback EntryResultFunc) {
	e.openCount++
	e.addRef()
	if !e.backend.seq.Post(func() { e.finishReturnEntryToCallerAsync(opened, callback) }) {
		e.openCount--
		e.release()
	}
}

func (e *Entry) finishReturnEntryToCallerAsync(opened bool, callback EntryResultFunc) {
	if !e.backendAlive() || callback == nil {
		// 没有人接手，代为关闭 handle。
		e.Close()
		return
	}
	callback(EntryResult{Entry: e, Opened: opened})
}

func (e *Entry) markAsDoomed(state doomState) {
	e.doomState = state
	if !e.backendAlive() {
		return
	}
	e.backend.index.Remove(e.hash)
	e.deactivate()
}

func (e *Entry) stat() syncentry.Stat {
	return syncentry.Stat{
		LastUsed:       e.lastUsed,
		LastModified:   e.lastModified,
		DataSize:       e.dataSize,
		SparseDataSize: e.sparseDataSize,
	}
}

func (e *Entry) diskUsage() int64 {
	return e.stat().DiskUsage(len(e.key))
}
