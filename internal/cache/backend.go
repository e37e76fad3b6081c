package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cacheutil"
	"github.com/any-hub/simple-cache/internal/dispatch"
	"github.com/any-hub/simple-cache/internal/index"
	"github.com/any-hub/simple-cache/internal/syncentry"
)

// Options 配置 Backend。
type Options struct {
	// Dir 为缓存目录，不存在时自动创建。
	Dir string
	// MaxBytes 为容量上限，0 表示根据 Dir 所在卷的剩余空间推算。
	MaxBytes int64
	// Optimistic 允许 create 与 write 在磁盘操作完成前即返回成功。
	Optimistic bool
	// Workers 为执行文件操作的 goroutine 数量。
	Workers int
	// IndexFlushDelay 用于合并索引写盘。
	IndexFlushDelay time.Duration
	Logger          logrus.FieldLogger
}

// Backend 管理单个缓存目录下所有存活的 Entry。它及其交出的 Entry 的方法都必须在
// sequence 上运行，其他 goroutine 请通过 Post 或 Client 调用。
type Backend struct {
	id         string
	dir        string
	optimistic bool
	maxBytes   int64
	log        logrus.FieldLogger

	seq    *dispatch.Sequence
	pool   *dispatch.WorkerPool
	runner *dispatch.PrioritizedTaskRunner
	index  *index.Index

	// activeEntries 中每个 hash 至多一个 Entry，但并不持有它们：最后一个引用释放时条目自行移除。
	activeEntries         map[uint64]*Entry
	postDoomWaiting       *WaitTable
	postOpenByHashWaiting *WaitTable
	entryCount            uint64

	initialized bool
	initErr     error
	closed      bool

	closeOnce sync.Once
	done      chan struct{}
}

// New 构造 backend 并启动 sequence 与 worker；其他操作之前须先在 sequence 上调用 Init。
func New(opts Options) (*Backend, error) {
	if opts.Dir == "" {
		return nil, cacheutil.NewErrInvalidArgument("dir", opts.Dir)
	}
	if opts.MaxBytes < 0 {
		return nil, cacheutil.NewErrInvalidArgument("max_bytes", opts.MaxBytes)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	id := uuid.NewString()
	b := &Backend{
		id:                    id,
		dir:                   opts.Dir,
		optimistic:            opts.Optimistic,
		maxBytes:              opts.MaxBytes,
		log:                   logger.WithFields(logrus.Fields{"component": "backend", "backend": id}),
		seq:                   dispatch.NewSequence(),
		pool:                  dispatch.NewWorkerPool(workers),
		activeEntries:         make(map[uint64]*Entry),
		postDoomWaiting:       NewWaitTable(),
		postOpenByHashWaiting: NewWaitTable(),
		done:                  make(chan struct{}),
	}
	b.runner = dispatch.NewPrioritizedTaskRunner(b.pool, b.seq)
	b.index = index.New(indexDelegate{b}, b.seq, b.pool, index.Options{
		Dir:        opts.Dir,
		FlushDelay: opts.IndexFlushDelay,
		Logger:     logger,
	})
	return b, nil
}

// indexDelegate 让索引通过 backend 执行淘汰。
type indexDelegate struct{ b *Backend }

func (d indexDelegate) DoomEntries(hashes []uint64, callback func(error)) error {
	return d.b.DoomEntries(hashes, callback)
}

// ID 用于在日志中标识 backend 实例。
func (b *Backend) ID() string { return b.id }

// Dir 返回缓存目录。
func (b *Backend) Dir() string { return b.dir }

// Post 在 backend sequence 上执行 fn，backend 关闭后返回 false。
func (b *Backend) Post(fn func()) bool {
	return b.seq.Post(fn)
}

// Done 在 Close 开始关闭 backend 时被关闭。
func (b *Backend) Done() <-chan struct{} { return b.done }

func (b *Backend) checkSequence() {
	if !b.seq.RunsTasksInCurrentSequence() {
		panic("cache: backend used outside its sequence")
	}
}

// usable 返回 backend 无法接受条目操作的原因，可用时返回 nil。
func (b *Backend) usable() error {
	switch {
	case b.closed:
		return ErrClosed
	case b.initErr != nil:
		return b.initErr
	case !b.initialized:
		return cacheutil.NewErrFailed("backend", fmt.Errorf("backend is not initialized"))
	}
	return nil
}

// Init 准备目录并加载索引；backend 可用或确定失败后在 sequence 上调用 callback。
func (b *Backend) Init(callback CompletionFunc) error {
	b.checkSequence()
	if b.closed {
		return ErrClosed
	}
	dir, maxBytes, logger := b.dir, b.maxBytes, b.log
	ok := dispatch.PostTaskAndReplyWithResult(b.pool, b.seq, func() diskStatResult {
		return initCacheStructureOnDisk(dir, maxBytes, logger)
	}, func(res diskStatResult) {
		b.initializeIndex(callback, res)
	})
	if !ok {
		return ErrClosed
	}
	return ErrIOPending
}

func (b *Backend) initializeIndex(callback CompletionFunc, res diskStatResult) {
	if b.closed {
		callback(ErrClosed)
		return
	}
	if res.err != nil {
		b.initErr = res.err
		b.log.WithError(res.err).WithField("action", "init").Error("cache directory unusable")
		callback(res.err)
		return
	}
	b.index.SetMaxSize(res.maxSize)
	b.index.Initialize(res.dirMtime)
	b.initialized = true
	b.log.WithFields(logrus.Fields{
		"action":   "init",
		"dir":      b.dir,
		"max_size": res.maxSize,
	}).Info("cache backend ready")
	callback(nil)
}

// SetMaxSize 调整容量上限，缩小时立即触发淘汰。
func (b *Backend) SetMaxSize(maxBytes int64) error {
	b.checkSequence()
	if maxBytes < 0 {
		return cacheutil.NewErrInvalidArgument("max_bytes", maxBytes)
	}
	b.maxBytes = maxBytes
	if b.initialized {
		b.index.SetMaxSize(maxBytes)
	}
	return nil
}

// MaxFileSize 返回单个条目允许的最大流大小。
func (b *Backend) MaxFileSize() int64 {
	return cacheutil.MaxFileSize(b.index.MaxSize())
}

// GetEntryCount 返回索引中的条目数，不等待索引加载。
func (b *Backend) GetEntryCount() int {
	b.checkSequence()
	return b.index.GetEntryCount()
}

// Stats 返回当前容量统计快照。
func (b *Backend) Stats() Stats {
	b.checkSequence()
	return Stats{
		EntryCount: b.index.GetEntryCount(),
		Size:       b.index.GetCacheSize(),
		MaxSize:    b.index.MaxSize(),
	}
}

// CalculateStats 在索引加载完成后回报统计快照；Stats 在加载期间可能偏小。
func (b *Backend) CalculateStats(callback StatsCompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	b.index.ExecuteWhenReady(func(err error) {
		if err == nil {
			err = b.usable()
		}
		if err != nil {
			callback(Stats{}, err)
			return
		}
		callback(b.Stats(), nil)
	})
	return ErrIOPending
}

// OnExternalCacheHit 在不打开条目的情况下刷新 key 的最近使用时间。
func (b *Backend) OnExternalCacheHit(key string) {
	b.checkSequence()
	b.index.UseIfExists(cacheutil.EntryHashKey(key))
}

func (b *Backend) indexState(hash uint64) syncentry.IndexState {
	if !b.index.Initialized() {
		return syncentry.IndexNoExist
	}
	if b.index.Has(hash) {
		return syncentry.IndexHit
	}
	return syncentry.IndexMiss
}

// newEntryPriority 先按请求优先级、再按创建先后给条目排序。
func (b *Backend) newEntryPriority(p Priority) uint64 {
	if p < PriorityThrottled {
		p = PriorityThrottled
	} else if p > PriorityHighest {
		p = PriorityHighest
	}
	b.entryCount++
	return uint64(PriorityHighest-p)<<56 | b.entryCount&(1<<56-1)
}

func (b *Backend) newActiveEntry(hash uint64, p Priority) *Entry {
	e := newEntry(b, hash, b.newEntryPriority(p))
	e.active = true
	b.activeEntries[hash] = e
	return e
}

func (b *Backend) onDeactivate(e *Entry) {
	if b.activeEntries[e.hash] == e {
		delete(b.activeEntries, e.hash)
	}
}

// onDoomStart 标记 hash 正在被 doom，并返回条目完成时需要通知的等待表。
func (b *Backend) onDoomStart(hash uint64) *WaitTable {
	b.postDoomWaiting.OnOperationStart(hash)
	return b.postDoomWaiting
}

type waitKind int

const (
	waitNone waitKind = iota
	waitPostDoom
	waitPostOpenByHash
)

// createOrFindActiveOrDoomedEntry 将 hash 解析为存活条目，必要时新建。若该 hash 上有 doom
// 或按 hash 打开正在进行，返回 nil 及需要排队的等待表。返回的条目带有一个引用，调用方负责释放。
func (b *Backend) createOrFindActiveOrDoomedEntry(hash uint64, key string, p Priority) (*Entry, waitKind) {
	if b.postDoomWaiting.Has(hash) {
		return nil, waitPostDoom
	}
	e, ok := b.activeEntries[hash]
	if !ok {
		e = b.newActiveEntry(hash, p)
		e.setKey(key)
	}
	if e.hasKey && e.key == key {
		e.addRef()
		return e, waitNone
	}
	if !e.hasKey {
		return nil, waitPostOpenByHash
	}

	b.log.WithFields(logrus.Fields{
		"action": "collision",
		"hash":   cacheutil.HashToHex(hash),
	}).Debug("hash collision with active entry")
	e.addRef()
	e.doomEntry(nil)
	e.release()
	// 此时 doom 已在进行，重试会排到它之后。
	return b.createOrFindActiveOrDoomedEntry(hash, key, p)
}

func (b *Backend) waitQueue(hash uint64, kind waitKind) *WaitQueue {
	if kind == waitPostOpenByHash {
		return b.postOpenByHashWaiting.Find(hash)
	}
	return b.postDoomWaiting.Find(hash)
}

// maybeOptimisticCreateForPostDoom 在旧条目仍在 doom 时交出新条目，仅当没有其他操作等待该 doom 时才安全。
func (b *Backend) maybeOptimisticCreateForPostDoom(hash uint64, key string, p Priority) *Entry {
	q := b.postDoomWaiting.Find(hash)
	if q.Len() != 0 || !b.optimistic {
		return nil
	}
	e := b.newActiveEntry(hash, p)
	e.setKey(key)
	e.setCreatePendingDoom()
	e.addRef()
	e.addRef()
	q.Append(func() {
		defer e.release()
		e.notifyDoomBeforeCreateComplete()
	})
	return e
}

// runEntryResultOperation 在 hash 空闲后重放排队的 open/create，并转发未经 callback 返回的结果。
func runEntryResultOperation(op func(EntryResultFunc) EntryResult, callback EntryResultFunc) func() {
	return func() {
		res := op(callback)
		if !IsPending(res.Err) && callback != nil {
			callback(res)
		}
	}
}

func runCompletionOperation(op func(CompletionFunc) error, callback CompletionFunc) func() {
	return func() {
		err := op(callback)
		if !IsPending(err) && callback != nil {
			callback(err)
		}
	}
}

// OpenEntry 打开已有条目。
func (b *Backend) OpenEntry(key string, p Priority, callback EntryResultFunc) EntryResult {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return EntryResult{Err: err}
	}
	hash := cacheutil.EntryHashKey(key)
	e, kind := b.createOrFindActiveOrDoomedEntry(hash, key, p)
	if e == nil {
		q := b.waitQueue(hash, kind)
		if kind == waitPostDoom && q.Len() == 0 && b.optimistic {
			// doom 完成前不会有人重新创建该条目。
			return EntryResult{Err: cacheutil.NewErrFailed("open", fmt.Errorf("%016x is being doomed", hash))}
		}
		q.Append(runEntryResultOperation(func(cb EntryResultFunc) EntryResult {
			return b.OpenEntry(key, p, cb)
		}, callback))
		return pendingEntryResult()
	}
	defer e.release()
	return e.openEntry(callback)
}

// CreateEntry 创建一个尚不存在的条目。
func (b *Backend) CreateEntry(key string, p Priority, callback EntryResultFunc) EntryResult {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return EntryResult{Err: err}
	}
	hash := cacheutil.EntryHashKey(key)
	e, kind := b.createOrFindActiveOrDoomedEntry(hash, key, p)
	if e == nil && kind == waitPostDoom {
		e = b.maybeOptimisticCreateForPostDoom(hash, key, p)
	}
	if e == nil {
		b.waitQueue(hash, kind).Append(runEntryResultOperation(func(cb EntryResultFunc) EntryResult {
			return b.CreateEntry(key, p, cb)
		}, callback))
		return pendingEntryResult()
	}
	defer e.release()
	return e.createEntry(callback)
}

// OpenOrCreateEntry 打开条目，不存在时创建。
func (b *Backend) OpenOrCreateEntry(key string, p Priority, callback EntryResultFunc) EntryResult {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return EntryResult{Err: err}
	}
	hash := cacheutil.EntryHashKey(key)
	e, kind := b.createOrFindActiveOrDoomedEntry(hash, key, p)
	if e == nil {
		if kind == waitPostDoom {
			if e = b.maybeOptimisticCreateForPostDoom(hash, key, p); e != nil {
				defer e.release()
				return e.createEntry(callback)
			}
		}
		b.waitQueue(hash, kind).Append(runEntryResultOperation(func(cb EntryResultFunc) EntryResult {
			return b.OpenOrCreateEntry(key, p, cb)
		}, callback))
		return pendingEntryResult()
	}
	defer e.release()
	return e.openOrCreateEntry(callback)
}

// DoomEntry 从缓存中移除 key，条目已被 doom 时直接返回 nil。
func (b *Backend) DoomEntry(key string, p Priority, callback CompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	hash := cacheutil.EntryHashKey(key)
	e, kind := b.createOrFindActiveOrDoomedEntry(hash, key, p)
	if e == nil {
		// 已有 doom 时再次 doom 并不多余：可能是 Doom、Create、Doom 的顺序。
		b.waitQueue(hash, kind).Append(runCompletionOperation(func(cb CompletionFunc) error {
			return b.DoomEntry(key, p, cb)
		}, callback))
		return ErrIOPending
	}
	defer e.release()
	return e.doomEntry(callback)
}

// DoomEntryFromHash 按 hash doom 条目。
func (b *Backend) DoomEntryFromHash(hash uint64, callback CompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	if q := b.postDoomWaiting.Find(hash); q != nil {
		q.Append(runCompletionOperation(func(cb CompletionFunc) error {
			return b.DoomEntryFromHash(hash, cb)
		}, callback))
		return ErrIOPending
	}
	if e, ok := b.activeEntries[hash]; ok {
		e.addRef()
		defer e.release()
		return e.doomEntry(callback)
	}
	// 既未打开也不在 doom 中：直接删除文件。
	return b.DoomEntries([]uint64{hash}, callback)
}

// OpenEntryFromHash 按 hash 打开条目并从磁盘读出 key；同一 hash 的按 key 查找会等到 key 已知。
func (b *Backend) OpenEntryFromHash(hash uint64, callback EntryResultFunc) EntryResult {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return EntryResult{Err: err}
	}
	if q := b.postDoomWaiting.Find(hash); q != nil {
		q.Append(runEntryResultOperation(func(cb EntryResultFunc) EntryResult {
			return b.OpenEntryFromHash(hash, cb)
		}, callback))
		return pendingEntryResult()
	}

	e, ok := b.activeEntries[hash]
	if ok {
		e.addRef()
		defer e.release()
		return e.openEntry(callback)
	}

	e = b.newActiveEntry(hash, PriorityHighest)
	e.addRef()
	defer e.release()
	b.postOpenByHashWaiting.OnOperationStart(hash)
	res := e.openEntry(func(res EntryResult) {
		b.onEntryOpenedFromHash(e, res.Err)
		if callback != nil {
			callback(res)
		}
	})
	if !IsPending(res.Err) {
		b.onEntryOpenedFromHash(e, res.Err)
	}
	return res
}

func (b *Backend) onEntryOpenedFromHash(e *Entry, err error) {
	if err != nil {
		// 遗留一个没有 key 的条目，会把后续查找引向已不存在的等待表。
		e.deactivate()
	}
	b.postOpenByHashWaiting.OnOperationComplete(e.hash)
}

// DoomEntries 删除 hashes 中的每一项：有存活条目或 doom 进行中的逐个经由条目处理，其余批量删除。
// 两部分都完成后只调用一次 callback，携带第一个错误。
func (b *Backend) DoomEntries(hashes []uint64, callback CompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}

	seen := make(map[uint64]struct{}, len(hashes))
	var individually, mass []uint64
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if _, active := b.activeEntries[h]; active || b.postDoomWaiting.Has(h) {
			individually = append(individually, h)
		} else {
			mass = append(mass, h)
		}
	}

	barrier := newCompletionBarrier(len(individually)+1, callback)
	for _, h := range individually {
		if err := b.DoomEntryFromHash(h, barrier.done); !IsPending(err) {
			barrier.done(err)
		}
		b.index.Remove(h)
	}
	for _, h := range mass {
		b.index.Remove(h)
		b.onDoomStart(h)
	}

	dir := b.dir
	ok := dispatch.PostTaskAndReplyWithResult(b.pool, b.seq, func() error {
		return syncentry.DeleteEntrySetFiles(mass, dir)
	}, func(err error) {
		for _, h := range mass {
			b.postDoomWaiting.OnOperationComplete(h)
		}
		barrier.done(err)
	})
	if !ok {
		for _, h := range mass {
			b.postDoomWaiting.OnOperationComplete(h)
		}
		barrier.done(ErrClosed)
	}
	return ErrIOPending
}

// completionBarrier 在 n 次完成后调用一次 callback，并带上第一个错误。
type completionBarrier struct {
	remaining int
	err       error
	callback  CompletionFunc
}

func newCompletionBarrier(n int, callback CompletionFunc) *completionBarrier {
	return &completionBarrier{remaining: n, callback: callback}
}

func (c *completionBarrier) done(err error) {
	if err != nil && c.err == nil {
		c.err = err
	}
	c.remaining--
	if c.remaining == 0 && c.callback != nil {
		c.callback(c.err)
	}
}

// DoomAllEntries 清空缓存。
func (b *Backend) DoomAllEntries(callback CompletionFunc) error {
	return b.DoomEntriesBetween(time.Time{}, time.Time{}, callback)
}

// DoomEntriesSince 删除最近使用时间不早于 begin 的条目。
func (b *Backend) DoomEntriesSince(begin time.Time, callback CompletionFunc) error {
	return b.DoomEntriesBetween(begin, time.Time{}, callback)
}

// DoomEntriesBetween 删除最近使用时间在 [begin, end) 内的条目，end 为零值表示不设上限。
func (b *Backend) DoomEntriesBetween(begin, end time.Time, callback CompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	b.index.ExecuteWhenReady(func(err error) {
		if err == nil {
			err = b.usable()
		}
		if err != nil {
			callback(err)
			return
		}
		hashes := b.index.GetEntriesBetween(begin, end)
		if err := b.DoomEntries(hashes, callback); !IsPending(err) {
			callback(err)
		}
	})
	return ErrIOPending
}

// CalculateSizeOfAllEntries 在索引加载完成后回报总磁盘占用。
func (b *Backend) CalculateSizeOfAllEntries(callback Int64CompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	b.index.ExecuteWhenReady(func(err error) {
		if err == nil {
			err = b.usable()
		}
		if err != nil {
			callback(0, err)
			return
		}
		callback(b.index.GetCacheSize(), nil)
	})
	return ErrIOPending
}

// CalculateSizeOfEntriesBetween 回报最近使用时间在 [begin, end) 内条目的磁盘占用。
func (b *Backend) CalculateSizeOfEntriesBetween(begin, end time.Time, callback Int64CompletionFunc) error {
	b.checkSequence()
	if err := b.usable(); err != nil {
		return err
	}
	b.index.ExecuteWhenReady(func(err error) {
		if err == nil {
			err = b.usable()
		}
		if err != nil {
			callback(0, err)
			return
		}
		callback(b.index.GetCacheSizeBetween(begin, end), nil)
	})
	return ErrIOPending
}

// Close 关闭 backend：在途回复不再送达调用方，写出索引并排空 worker 与 sequence。
// 不能在 sequence 内调用。
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		shutdown := make(chan struct{})
		if b.seq.Post(func() {
			b.closed = true
			close(b.done)
			if b.initialized {
				b.index.Shutdown()
			}
			b.log.WithFields(logrus.Fields{
				"action":         "shutdown",
				"active_entries": len(b.activeEntries),
			}).Info("cache backend closed")
			close(shutdown)
		}) {
			<-shutdown
		}
		b.pool.Close()
		b.seq.Close()
	})
}
