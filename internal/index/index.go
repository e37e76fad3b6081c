package index

import (
	"sort"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/dispatch"
)

// Delegate 负责删除被淘汰选中的条目。
type Delegate interface {
	DoomEntries(hashes []uint64, callback func(error)) error
}

// WriteReason 说明本次持久化索引的原因。
type WriteReason int

const (
	WriteReasonShutdown WriteReason = iota
	WriteReasonIdle
	WriteReasonRestored
)

func (r WriteReason) String() string {
	switch r {
	case WriteReasonShutdown:
		return "shutdown"
	case WriteReasonIdle:
		return "idle"
	case WriteReasonRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// EntryMetadata 是索引为每个 hash 保存的元数据。
type EntryMetadata struct {
	LastUsed            time.Time
	EntrySize           int64
	TrailerPrefetchSize int32
}

// Options 配置 Index。
type Options struct {
	// Dir 为缓存目录。
	Dir string
	// FlushDelay 用于合并变更后的写盘。
	FlushDelay time.Duration
	Logger     logrus.FieldLogger
	// Clock 用于记录最近使用时间，默认使用进程级缓存时钟。
	Clock func() time.Time
}

const evictionMarginDivisor = 20

// Index 是内存中的条目表。
type Index struct {
	delegate Delegate
	seq      *dispatch.Sequence
	pool     *dispatch.WorkerPool
	dir      string
	logger   logrus.FieldLogger
	now      func() time.Time

	entries   map[uint64]EntryMetadata
	cacheSize int64

	maxSize       int64
	highWatermark int64
	lowWatermark  int64

	evictionInProgress bool

	initialized          bool
	removedWhileLoading  map[uint64]struct{}
	toRunWhenInitialized []func(error)

	flushDelay time.Duration
	writeTimer *time.Timer
	timerGen   uint64
	writer     *diskWriter
	shutdown   bool
}

// New 构造一个尚未初始化的索引；Initialize 完成前 Has 对任何 hash 都返回 true。
func New(delegate Delegate, seq *dispatch.Sequence, pool *dispatch.WorkerPool, opts Options) *Index {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Unix(0, timecache.CachedTimeNano()) }
	}
	flushDelay := opts.FlushDelay
	if flushDelay <= 0 {
		flushDelay = 20 * time.Second
	}
	return &Index{
		delegate:            delegate,
		seq:                 seq,
		pool:                pool,
		dir:                 opts.Dir,
		logger:              logger.WithField("component", "index"),
		now:                 now,
		entries:             make(map[uint64]EntryMetadata),
		removedWhileLoading: make(map[uint64]struct{}),
		flushDelay:          flushDelay,
		writer:              &diskWriter{},
	}
}

// Initialize 在 worker pool 上加载持久化索引。dirMtime 为缓存目录的修改时间，
// 早于它的索引文件视为过期。
func (idx *Index) Initialize(dirMtime time.Time) {
	dir := idx.dir
	logger := idx.logger
	dispatch.PostTaskAndReplyWithResult(idx.pool, idx.seq, func() loadResult {
		return loadIndex(dir, dirMtime, logger)
	}, idx.mergeInitialization)
}

// Initialized 表示加载是否已完成。
func (idx *Index) Initialized() bool { return idx.initialized }

func (idx *Index) mergeInitialization(res loadResult) {
	if idx.shutdown {
		return
	}
	if res.err != nil {
		idx.logger.WithError(res.err).Warn("index load failed, starting empty")
		res.entries = make(map[uint64]EntryMetadata)
	}
	for h := range idx.removedWhileLoading {
		delete(res.entries, h)
	}
	for h, md := range idx.entries {
		res.entries[h] = md
	}
	idx.entries = res.entries
	idx.cacheSize = 0
	for _, md := range idx.entries {
		idx.cacheSize += md.EntrySize
	}
	idx.removedWhileLoading = nil
	idx.initialized = true

	idx.logger.WithFields(logrus.Fields{
		"action":   "index_loaded",
		"entries":  len(idx.entries),
		"size":     idx.cacheSize,
		"restored": res.restored,
	}).Info("index ready")

	if res.flushRequired {
		idx.WriteToDisk(WriteReasonRestored)
	}
	callbacks := idx.toRunWhenInitialized
	idx.toRunWhenInitialized = nil
	for _, cb := range callbacks {
		cb(nil)
	}
	idx.startEvictionIfNeeded()
}

// ExecuteWhenReady 在加载完成后执行 callback，始终异步调用。
func (idx *Index) ExecuteWhenReady(callback func(error)) {
	if idx.initialized {
		idx.seq.Post(func() { callback(nil) })
		return
	}
	idx.toRunWhenInitialized = append(idx.toRunWhenInitialized, callback)
}

// Insert 以大小 0 记录一个新条目。
func (idx *Index) Insert(hash uint64) {
	if old, ok := idx.entries[hash]; ok {
		idx.cacheSize -= old.EntrySize
	}
	idx.entries[hash] = EntryMetadata{LastUsed: idx.now()}
	if !idx.initialized {
		delete(idx.removedWhileLoading, hash)
	}
	idx.postponeWritingToDisk()
}

// Remove 移除 hash。
func (idx *Index) Remove(hash uint64) {
	if md, ok := idx.entries[hash]; ok {
		idx.cacheSize -= md.EntrySize
		delete(idx.entries, hash)
	}
	if !idx.initialized {
		idx.removedWhileLoading[hash] = struct{}{}
	}
	idx.postponeWritingToDisk()
}

// Has 判断 hash 是否可能在缓存中；加载完成前总是返回 true。
func (idx *Index) Has(hash uint64) bool {
	if !idx.initialized {
		return true
	}
	_, ok := idx.entries[hash]
	return ok
}

// UseIfExists 刷新 hash 的最近使用时间。
func (idx *Index) UseIfExists(hash uint64) bool {
	if !idx.initialized {
		return true
	}
	md, ok := idx.entries[hash]
	if !ok {
		return false
	}
	md.LastUsed = idx.now()
	idx.entries[hash] = md
	idx.postponeWritingToDisk()
	return true
}

// UpdateEntrySize 记录 hash 的磁盘占用，可能触发淘汰。
func (idx *Index) UpdateEntrySize(hash uint64, size int64) bool {
	md, ok := idx.entries[hash]
	if !ok {
		return false
	}
	idx.cacheSize += size - md.EntrySize
	md.EntrySize = size
	idx.entries[hash] = md
	idx.postponeWritingToDisk()
	idx.startEvictionIfNeeded()
	return true
}

func (idx *Index) SetMaxSize(maxBytes int64) {
	if maxBytes < 0 {
		return
	}
	idx.maxSize = maxBytes
	idx.highWatermark = maxBytes - maxBytes/evictionMarginDivisor
	idx.lowWatermark = maxBytes - 2*(maxBytes/evictionMarginDivisor)
	idx.startEvictionIfNeeded()
}

func (idx *Index) MaxSize() int64 { return idx.maxSize }

func (idx *Index) GetEntryCount() int { return len(idx.entries) }

func (idx *Index) GetCacheSize() int64 { return idx.cacheSize }

// GetAllHashes 按升序返回所有已知 hash。
func (idx *Index) GetAllHashes() []uint64 {
	hashes := make([]uint64, 0, len(idx.entries))
	for h := range idx.entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// GetEntriesBetween 返回最近使用时间落在 [begin, end) 的 hash，end 为零值表示不设上限。
func (idx *Index) GetEntriesBetween(begin, end time.Time) []uint64 {
	var hashes []uint64
	for h, md := range idx.entries {
		if inRange(md.LastUsed, begin, end) {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// GetCacheSizeBetween 汇总最近使用时间落在 [begin, end) 的条目大小。
func (idx *Index) GetCacheSizeBetween(begin, end time.Time) int64 {
	var size int64
	for _, md := range idx.entries {
		if inRange(md.LastUsed, begin, end) {
			size += md.EntrySize
		}
	}
	return size
}

func inRange(t, begin, end time.Time) bool {
	if t.Before(begin) {
		return false
	}
	return end.IsZero() || t.Before(end)
}

func (idx *Index) GetLastUsedTime(hash uint64) time.Time {
	if !idx.initialized {
		return time.Time{}
	}
	return idx.entries[hash].LastUsed
}

func (idx *Index) GetTrailerPrefetchSize(hash uint64) int {
	return int(idx.entries[hash].TrailerPrefetchSize)
}

func (idx *Index) SetTrailerPrefetchSize(hash uint64, size int) {
	md, ok := idx.entries[hash]
	if !ok || md.TrailerPrefetchSize == int32(size) {
		return
	}
	md.TrailerPrefetchSize = int32(size)
	idx.entries[hash] = md
	idx.postponeWritingToDisk()
}

func (idx *Index) startEvictionIfNeeded() {
	if !idx.initialized || idx.evictionInProgress || idx.maxSize == 0 || idx.cacheSize <= idx.highWatermark {
		return
	}

	type candidate struct {
		hash uint64
		md   EntryMetadata
	}
	candidates := make([]candidate, 0, len(idx.entries))
	for h, md := range idx.entries {
		candidates = append(candidates, candidate{hash: h, md: md})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].md.LastUsed.Equal(candidates[j].md.LastUsed) {
			return candidates[i].md.LastUsed.Before(candidates[j].md.LastUsed)
		}
		return candidates[i].hash < candidates[j].hash
	})

	target := idx.cacheSize - idx.lowWatermark
	var evicted int64
	var hashes []uint64
	for _, c := range candidates {
		if evicted >= target {
			break
		}
		hashes = append(hashes, c.hash)
		evicted += c.md.EntrySize
	}
	if len(hashes) == 0 {
		return
	}

	fields := logrus.Fields{
		"action":  "evict",
		"entries": len(hashes),
		"bytes":   evicted,
		"size":    idx.cacheSize,
		"max":     idx.maxSize,
	}
	idx.logger.WithFields(fields).Info("eviction started")

	idx.evictionInProgress = true
	idx.delegate.DoomEntries(hashes, func(err error) {
		idx.evictionInProgress = false
		if err != nil {
			idx.logger.WithFields(fields).WithError(err).Warn("eviction finished with errors")
		}
	})
}

// HasPendingWrite 表示是否已安排一次合并写盘。
func (idx *Index) HasPendingWrite() bool { return idx.writeTimer != nil }

func (idx *Index) postponeWritingToDisk() {
	if !idx.initialized || idx.shutdown {
		return
	}
	idx.cancelPendingWrite()
	gen := idx.timerGen
	idx.writeTimer = idx.seq.PostDelayed(idx.flushDelay, func() {
		if gen != idx.timerGen {
			return
		}
		idx.writeTimer = nil
		idx.WriteToDisk(WriteReasonIdle)
	})
}

func (idx *Index) cancelPendingWrite() {
	idx.timerGen++
	if idx.writeTimer != nil {
		idx.writeTimer.Stop()
		idx.writeTimer = nil
	}
}

// WriteToDisk 生成索引快照并在 worker pool 上写入。
func (idx *Index) WriteToDisk(reason WriteReason) {
	if !idx.initialized {
		return
	}
	idx.cancelPendingWrite()
	data := encodeIndex(idx.entries)
	gen := idx.writer.next()
	dir := idx.dir
	logger := idx.logger.WithFields(logrus.Fields{
		"action":  "index_write",
		"reason":  reason.String(),
		"entries": len(idx.entries),
	})
	idx.pool.Post(func() {
		if err := idx.writer.write(dir, gen, data); err != nil {
			logger.WithError(err).Warn("index write failed")
			return
		}
		logger.Debug("index written")
	})
}

// Shutdown 最后写一次索引并停止后续调度。
func (idx *Index) Shutdown() {
	if idx.shutdown {
		return
	}
	idx.WriteToDisk(WriteReasonShutdown)
	idx.cancelPendingWrite()
	idx.shutdown = true
}
