package cache

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/any-hub/simple-cache/internal/cacheutil"
	"github.com/any-hub/simple-cache/internal/syncentry"
)

// runNextOperationIfNeeded 在没有在途磁盘任务时启动队首操作。每个处理函数都会 defer 它，
// 无论以何种方式返回队列都会继续推进。
func (e *Entry) runNextOperationIfNeeded() {
	if e.pendingOps.len() == 0 || e.state == stateIOPending {
		return
	}
	op := e.pendingOps.pop()
	switch op.typ {
	case opOpen:
		e.openEntryInternal(op.entryCallback)
	case opCreate:
		e.createEntryInternal(op.alreadyReturned, op.entryCallback)
	case opOpenOrCreate:
		e.openOrCreateEntryInternal(op.indexState, op.alreadyReturned, op.entryCallback)
	case opClose:
		e.closeInternal()
	case opRead:
		e.readDataInternal(false, op.stream, op.offset, op.buf, op.ioCallback)
	case opWrite:
		e.writeDataInternal(op.stream, op.offset, op.buf, op.truncate, op.ioCallback)
	case opReadSparse:
		e.readSparseDataInternal(op.sparseOffset, op.buf, op.ioCallback)
	case opWriteSparse:
		e.writeSparseDataInternal(op.sparseOffset, op.buf, op.ioCallback)
	case opGetAvailableRange:
		e.getAvailableRangeInternal(op.sparseOffset, op.length, op.rangeCallback)
	case opDoom:
		e.doomEntryInternal(op.doomCallback)
	default:
		panic(fmt.Sprintf("cache: unknown operation %d", op.typ))
	}
	// 释放队列为 op 持有的引用。
	e.release()
}

// postTaskAndReply 在 worker pool 上执行 task，再回到 backend sequence 执行 reply；reply 返回前条目保持被引用。
func (e *Entry) postTaskAndReply(task, reply func()) {
	e.addRef()
	ok := e.backend.runner.PostTaskAndReply(e.priority, task, func() {
		defer e.release()
		reply()
	})
	if !ok {
		e.log.WithField("action", "dispatch").Warn("worker pool rejected entry task")
		e.release()
	}
}

// postIOCallback 把 IO 结果异步交给调用方；backend 关闭后不再回调。
func (e *Entry) postIOCallback(cb IOCompletionFunc, n int, err error) {
	if cb == nil {
		return
	}
	e.backend.seq.Post(func() {
		if !e.backendAlive() {
			return
		}
		cb(n, err)
	})
}

func (e *Entry) postCompletion(cb CompletionFunc, err error) {
	if cb == nil {
		return
	}
	e.backend.seq.Post(func() {
		if !e.backendAlive() {
			return
		}
		cb(err)
	})
}

func (e *Entry) postEntryCallback(cb EntryResultFunc, res EntryResult) {
	if cb == nil {
		return
	}
	e.backend.seq.Post(func() {
		if !e.backendAlive() {
			return
		}
		cb(res)
	})
}

func (e *Entry) postRangeCallback(cb RangeResultFunc, res RangeResult) {
	if cb == nil {
		return
	}
	e.backend.seq.Post(func() {
		if !e.backendAlive() {
			return
		}
		cb(res)
	})
}

func (e *Entry) openEntryInternal(callback EntryResultFunc) {
	defer e.runNextOperationIfNeeded()
	switch e.state {
	case stateReady:
		e.returnEntryToCallerAsync(true, callback)
		return
	case stateFailure:
		e.postEntryCallback(callback, EntryResult{Err: failed("open")})
		return
	}

	e.state = stateIOPending
	dir, key, hasKey, hash := e.backend.dir, e.key, e.hasKey, e.hash
	var res syncentry.CreationResults
	e.postTaskAndReply(func() {
		res = syncentry.OpenEntry(dir, key, hasKey, hash)
	}, func() {
		e.creationOperationComplete(callback, false, res)
	})
}

func (e *Entry) createEntryInternal(alreadyReturned bool, callback EntryResultFunc) {
	defer e.runNextOperationIfNeeded()
	if e.state != stateUninitialized {
		// 该 key 的条目已经打开。
		e.postEntryCallback(callback, EntryResult{Err: failed("create")})
		return
	}

	e.state = stateIOPending
	// 文件创建前的近似值。
	now := time.Now()
	e.lastUsed, e.lastModified = now, now

	dir, key, hash := e.backend.dir, e.key, e.hash
	var res syncentry.CreationResults
	e.postTaskAndReply(func() {
		res = syncentry.CreateEntry(dir, key, hash)
	}, func() {
		e.creationOperationComplete(callback, alreadyReturned, res)
	})
}

func (e *Entry) openOrCreateEntryInternal(indexState syncentry.IndexState, alreadyReturned bool, callback EntryResultFunc) {
	defer e.runNextOperationIfNeeded()
	switch e.state {
	case stateReady:
		e.returnEntryToCallerAsync(true, callback)
		return
	case stateFailure:
		e.postEntryCallback(callback, EntryResult{Err: failed("open_or_create")})
		return
	}

	e.state = stateIOPending
	dir, key, hash := e.backend.dir, e.key, e.hash
	var res syncentry.CreationResults
	e.postTaskAndReply(func() {
		res = syncentry.OpenOrCreateEntry(dir, key, hash, indexState, alreadyReturned)
	}, func() {
		e.creationOperationComplete(callback, alreadyReturned, res)
	})
}

func (e *Entry) creationOperationComplete(callback EntryResultFunc, alreadyReturned bool, res syncentry.CreationResults) {
	defer e.runNextOperationIfNeeded()
	if e.state != stateIOPending {
		panic(fmt.Sprintf("cache: creation completed on entry %016x in state %s", e.hash, e.state))
	}

	if res.Err != nil {
		e.log.WithError(res.Err).WithField("action", "open").Debug("entry creation failed")
		// 条目保持活跃：它可能还有排队操作，不能与同一 hash 的新实例并发。
		if !cacheutil.IsFileExists(res.Err) && e.backendAlive() {
			e.backend.index.Remove(e.hash)
		}
		if !alreadyReturned {
			e.postEntryCallback(callback, EntryResult{Err: res.Err})
		}
		e.resetEntry()
		if alreadyReturned {
			// 调用方持有的条目，其文件从未真正创建。
			e.state = stateFailure
			e.markAsDoomed(doomCompleted)
		}
		return
	}

	if res.Created {
		// 新条目的全部内容在 close 时持久化。
		for i := range e.haveWritten {
			e.haveWritten[i] = true
		}
	}
	// 经由冲突或 OpenOrCreate 创建时，hash 可能尚未写入索引。
	if e.backendAlive() && e.doomState == doomNone {
		e.backend.index.Insert(e.hash)
	}

	e.sync = res.Sync
	e.stream0 = res.Stream0
	e.crc32s[0] = res.Stream0CRC
	e.crcEndOffset[0] = res.Stat.DataSize[0]
	if !e.hasKey {
		// 按 hash 打开。
		e.setKey(res.Sync.Key())
	}
	e.updateDataFromEntryStat(res.Stat)
	if e.backendAlive() && res.TrailerPrefetchSize > 0 {
		e.backend.index.SetTrailerPrefetchSize(e.hash, res.TrailerPrefetchSize)
	}
	e.state = stateReady
	if !alreadyReturned {
		e.returnEntryToCallerAsync(!res.Created, callback)
	}
}

// readDataInternal 处理一次读取；syncPossible 且无需磁盘操作时直接返回结果，否则交给 callback。
func (e *Entry) readDataInternal(syncPossible bool, stream, offset int, buf []byte, callback IOCompletionFunc) (int, error) {
	defer e.runNextOperationIfNeeded()
	result := func(n int, err error) (int, error) {
		if syncPossible {
			return n, err
		}
		e.postIOCallback(callback, n, err)
		return 0, ErrIOPending
	}

	if e.state == stateFailure || e.state == stateUninitialized {
		return result(0, failed("read"))
	}
	size := e.dataSize[stream]
	if offset >= size || len(buf) == 0 {
		return result(0, nil)
	}
	length := len(buf)
	if rest := size - offset; length > rest {
		length = rest
	}
	if stream == 0 {
		return result(copy(buf[:length], e.stream0[offset:]), nil)
	}

	e.state = stateIOPending
	if e.doomState == doomNone && e.backendAlive() {
		e.backend.index.UseIfExists(e.hash)
	}

	req := syncentry.ReadRequest{Stream: stream, Offset: offset, Length: length}
	if e.crcEndOffset[stream] == offset {
		req.UpdateCRC = true
		if offset != 0 {
			req.PreviousCRC = e.crc32s[stream]
		}
		// 被覆盖过的流不再与已存储的校验和一致。
		req.VerifyCRC = !e.haveWritten[stream]
	}

	stat := e.stat()
	se := e.sync
	var res syncentry.ReadResult
	e.postTaskAndReply(func() {
		res = se.ReadData(req, &stat, buf)
	}, func() {
		e.readOperationComplete(stream, callback, stat, res)
	})
	return 0, ErrIOPending
}

func (e *Entry) readOperationComplete(stream int, callback IOCompletionFunc, stat syncentry.Stat, res syncentry.ReadResult) {
	if res.Err != nil {
		e.crcEndOffset[stream] = 0
	} else if res.N > 0 && res.CRCUpdated {
		e.crcEndOffset[stream] += res.N
		e.crc32s[stream] = res.UpdatedCRC
	}
	e.entryOperationComplete(callback, stat, res.N, res.Err)
}

func (e *Entry) writeDataInternal(stream, offset int, buf []byte, truncate bool, callback IOCompletionFunc) {
	defer e.runNextOperationIfNeeded()
	if e.state == stateFailure || e.state == stateUninitialized {
		e.postIOCallback(callback, 0, failed("write"))
		return
	}
	size := e.dataSize[stream]
	if len(buf) == 0 {
		// 不改变大小的零长度写入不做任何事。
		if (truncate && offset == size) || (!truncate && offset <= size) {
			e.postIOCallback(callback, 0, nil)
			return
		}
	}

	e.state = stateIOPending
	if e.doomState == doomNone && e.backendAlive() {
		e.backend.index.UseIfExists(e.hash)
	}

	if stream == 0 {
		n := e.setStream0Data(buf, offset, truncate)
		e.state = stateReady
		e.postIOCallback(callback, n, nil)
		return
	}

	req := syncentry.WriteRequest{
		Stream:   stream,
		Offset:   offset,
		Length:   len(buf),
		Truncate: truncate,
		Doomed:   e.doomState != doomNone,
	}
	// 滚动校验和只跟随顺序写入。
	if offset == 0 || e.crcEndOffset[stream] == offset {
		req.UpdateCRC = true
		if offset != 0 {
			req.PreviousCRC = e.crc32s[stream]
		}
	}

	// 磁盘层需要本次写入之前的大小。
	stat := e.stat()
	end := offset + len(buf)
	if truncate || end > size {
		e.dataSize[stream] = end
	}
	now := time.Now()
	e.lastUsed, e.lastModified = now, now
	e.haveWritten[stream] = true
	if stream == 1 {
		// stream 1 大小变化时 stream 0 会随之移动。
		e.haveWritten[0] = true
	}

	se := e.sync
	var res syncentry.WriteResult
	e.postTaskAndReply(func() {
		res = se.WriteData(req, buf, &stat)
	}, func() {
		e.writeOperationComplete(stream, offset, callback, stat, res)
	})
}

func (e *Entry) writeOperationComplete(stream, offset int, callback IOCompletionFunc, stat syncentry.Stat, res syncentry.WriteResult) {
	switch {
	case res.Err == nil && res.CRCUpdated:
		e.crcEndOffset[stream] = offset + res.N
		e.crc32s[stream] = res.UpdatedCRC
	case res.Err != nil || offset < e.crcEndOffset[stream]:
		e.crcEndOffset[stream] = 0
	}
	e.entryOperationComplete(callback, stat, res.N, res.Err)
}

// setStream0Data 将写入应用到内存中的 stream 0，空洞补零，校验和在关闭时重新计算。
func (e *Entry) setStream0Data(buf []byte, offset int, truncate bool) int {
	e.haveWritten[0] = true
	size := len(e.stream0)
	if offset == 0 && truncate {
		e.stream0 = append([]byte(nil), buf...)
	} else {
		newSize := offset + len(buf)
		if !truncate && size > newSize {
			newSize = size
		}
		data := make([]byte, newSize)
		copy(data, e.stream0)
		copy(data[offset:], buf)
		e.stream0 = data
	}
	e.crcEndOffset[0] = 0

	now := time.Now()
	stat := e.stat()
	stat.LastUsed, stat.LastModified = now, now
	stat.DataSize[0] = len(e.stream0)
	e.updateDataFromEntryStat(stat)
	return len(buf)
}

func (e *Entry) readSparseDataInternal(offset int64, buf []byte, callback IOCompletionFunc) {
	defer e.runNextOperationIfNeeded()
	if e.state == stateFailure || e.state == stateUninitialized {
		e.postIOCallback(callback, 0, failed("read_sparse"))
		return
	}
	e.state = stateIOPending

	stat := e.stat()
	se := e.sync
	var (
		n   int
		err error
	)
	e.postTaskAndReply(func() {
		n, err = se.ReadSparseData(offset, buf, &stat.LastUsed)
	}, func() {
		e.entryOperationComplete(callback, stat, n, err)
	})
}

func (e *Entry) writeSparseDataInternal(offset int64, buf []byte, callback IOCompletionFunc) {
	defer e.runNextOperationIfNeeded()
	if e.state == stateFailure || e.state == stateUninitialized {
		e.postIOCallback(callback, 0, failed("write_sparse"))
		return
	}
	e.state = stateIOPending
	if e.doomState == doomNone && e.backendAlive() {
		e.backend.index.UseIfExists(e.hash)
	}

	var maxCache int64
	if e.backendAlive() {
		maxCache = e.backend.index.MaxSize()
	}
	maxSparse := cacheutil.MaxSparseDataSize(maxCache)

	stat := e.stat()
	now := time.Now()
	e.lastUsed, e.lastModified = now, now

	se := e.sync
	var (
		n   int
		err error
	)
	e.postTaskAndReply(func() {
		n, err = se.WriteSparseData(offset, buf, maxSparse, &stat)
	}, func() {
		e.entryOperationComplete(callback, stat, n, err)
	})
}

func (e *Entry) getAvailableRangeInternal(offset int64, length int, callback RangeResultFunc) {
	defer e.runNextOperationIfNeeded()
	if e.state == stateFailure || e.state == stateUninitialized {
		e.postRangeCallback(callback, RangeResult{Err: failed("get_available_range")})
		return
	}
	e.state = stateIOPending

	stat := e.stat()
	se := e.sync
	var res RangeResult
	e.postTaskAndReply(func() {
		res.Start, res.Available, res.Err = se.GetAvailableRange(offset, length)
	}, func() {
		e.updateStateAfterOperationComplete(stat, res.Err)
		e.postRangeCallback(callback, res)
		e.runNextOperationIfNeeded()
	})
}

func (e *Entry) doomEntryInternal(callback CompletionFunc) {
	if e.doomState == doomCompleted {
		// 排队期间某次失败的操作已经删除了文件。
		e.doomOperationComplete(callback, e.state, nil)
		return
	}

	restore := e.state
	dir, hash := e.backend.dir, e.hash
	var task func() error
	switch {
	case !e.backendAlive():
		// 删除会更新目录 mtime，导致下次启动时完整重建索引；空文件打开会失败并在那时被清理。
		// 此后条目上的任何操作都不会成功。
		restore = stateFailure
		task = func() error { return syncentry.TruncateEntryFiles(dir, hash) }
	case e.sync != nil:
		task = e.sync.Doom
	default:
		task = func() error { return syncentry.DeleteEntryFiles(dir, hash) }
	}

	e.state = stateIOPending
	var err error
	e.postTaskAndReply(func() {
		err = task()
	}, func() {
		e.doomOperationComplete(callback, restore, err)
	})
}

func (e *Entry) doomOperationComplete(callback CompletionFunc, restore entryState, err error) {
	e.state = restore
	e.doomState = doomCompleted
	e.postCompletion(callback, err)
	e.runNextOperationIfNeeded()
	if w := e.postDoomWaiting; w != nil {
		e.postDoomWaiting = nil
		w.OnOperationComplete(e.hash)
	}
}

func (e *Entry) closeInternal() {
	defer e.runNextOperationIfNeeded()
	if e.openCount != 0 {
		// Close 之后又被重新打开。
		return
	}

	var crcs []syncentry.CRCRecord
	if e.state == stateReady {
		e.state = stateIOPending
		crcs = e.crcRecordsToWrite()
	}

	if e.sync == nil {
		e.closeOperationComplete(0)
		return
	}
	se := e.sync
	e.sync = nil
	stat := e.stat()
	stream0 := e.stream0
	var res syncentry.CloseResults
	e.postTaskAndReply(func() {
		res = se.Close(stat, crcs, stream0)
	}, func() {
		e.closeOperationComplete(res.TrailerPrefetchSize)
	})
}

// crcRecordsToWrite 列出每个已写流的校验和状态；只有从 0 顺序写到末尾的流才携带校验和。
func (e *Entry) crcRecordsToWrite() []syncentry.CRCRecord {
	var recs []syncentry.CRCRecord
	for i := 0; i < cacheutil.StreamCount; i++ {
		if !e.haveWritten[i] {
			continue
		}
		switch {
		case i == 0:
			recs = append(recs, syncentry.CRCRecord{Stream: 0, HasCRC: true, CRC: crc32.ChecksumIEEE(e.stream0)})
		case e.dataSize[i] == e.crcEndOffset[i]:
			crc := e.crc32s[i]
			if e.dataSize[i] == 0 {
				crc = 0
			}
			recs = append(recs, syncentry.CRCRecord{Stream: i, HasCRC: true, CRC: crc})
		default:
			recs = append(recs, syncentry.CRCRecord{Stream: i})
		}
	}
	return recs
}

func (e *Entry) closeOperationComplete(trailerPrefetchSize int) {
	if e.openCount != 0 {
		panic(fmt.Sprintf("cache: entry %016x closed with %d open handles", e.hash, e.openCount))
	}
	if trailerPrefetchSize > 0 && e.backendAlive() && e.doomState == doomNone {
		e.backend.index.SetTrailerPrefetchSize(e.hash, trailerPrefetchSize)
	}
	e.resetEntry()
	e.runNextOperationIfNeeded()
}

func (e *Entry) entryOperationComplete(callback IOCompletionFunc, stat syncentry.Stat, n int, err error) {
	e.updateStateAfterOperationComplete(stat, err)
	e.postIOCallback(callback, n, err)
	e.runNextOperationIfNeeded()
}

// updateStateAfterOperationComplete 在磁盘操作后更新条目状态；失败会 doom 该实例，因为其文件已不可信。
func (e *Entry) updateStateAfterOperationComplete(stat syncentry.Stat, err error) {
	if err != nil {
		e.log.WithError(err).WithField("action", "io").Warn("entry operation failed")
		e.state = stateFailure
		e.markAsDoomed(doomCompleted)
		return
	}
	e.updateDataFromEntryStat(stat)
	e.state = stateReady
}

// updateDataFromEntryStat 运行时条目处于 IO pending，大小更新触发的淘汰不会在其下方启动排队操作。
func (e *Entry) updateDataFromEntryStat(stat syncentry.Stat) {
	if e.state != stateIOPending {
		panic(fmt.Sprintf("cache: entry %016x updated in state %s", e.hash, e.state))
	}
	e.lastUsed = stat.LastUsed
	e.lastModified = stat.LastModified
	e.dataSize = stat.DataSize
	e.sparseDataSize = stat.SparseDataSize
	if e.doomState == doomNone && e.backendAlive() {
		e.backend.index.UpdateEntrySize(e.hash, e.diskUsage())
	}
}
