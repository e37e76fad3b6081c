package cache

import (
	"context"
	"sync"
	"time"
)

// Client 允许任意 goroutine 驱动 Backend：每次调用把工作投递到 sequence，
// 并阻塞到结果返回、ctx 结束或 backend 关闭。
type Client struct {
	b        *Backend
	priority Priority
}

// Start 构造并初始化 backend，返回包装后的 Client。
func Start(ctx context.Context, opts Options) (*Client, error) {
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	c := &Client{b: b, priority: PriorityMedium}
	if err := c.completion(ctx, b.Init); err != nil {
		b.Close()
		return nil, err
	}
	return c, nil
}

// Backend 暴露底层 backend，例如用于向其 sequence 投递任务。
func (c *Client) Backend() *Backend { return c.b }

// Close 关闭 backend。
func (c *Client) Close() { c.b.Close() }

// waiter 把 sequence 上产生的一个值交给阻塞中的调用方；调用方放弃后到达的值交给 abandon。
type waiter[T any] struct {
	mu        sync.Mutex
	ch        chan T
	abandoned bool
	abandon   func(T)
}

func (w *waiter[T]) deliver(v T) {
	w.mu.Lock()
	abandoned := w.abandoned
	if !abandoned {
		w.ch <- v
	}
	w.mu.Unlock()
	if abandoned && w.abandon != nil {
		w.abandon(v)
	}
}

func (w *waiter[T]) wait(ctx context.Context, done <-chan struct{}) (T, error) {
	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
	case <-done:
	}
	w.mu.Lock()
	w.abandoned = true
	w.mu.Unlock()
	select {
	case v := <-w.ch:
		return v, nil
	default:
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, ErrClosed
}

// call 在 sequence 上执行 start 并等待其交付的值；deliver 必须在 sequence 上恰好调用一次。
func call[T any](ctx context.Context, c *Client, abandon func(T), start func(deliver func(T))) (T, error) {
	w := &waiter[T]{ch: make(chan T, 1), abandon: abandon}
	if !c.b.Post(func() { start(w.deliver) }) {
		var zero T
		return zero, ErrClosed
	}
	return w.wait(ctx, c.b.Done())
}

func (c *Client) completion(ctx context.Context, op func(CompletionFunc) error) error {
	res, err := call(ctx, c, nil, func(deliver func(error)) {
		if err := op(deliver); !IsPending(err) {
			deliver(err)
		}
	})
	if err != nil {
		return err
	}
	return res
}

type ioResult struct {
	n   int
	err error
}

func (c *Client) io(ctx context.Context, op func(IOCompletionFunc) (int, error)) (int, error) {
	res, err := call(ctx, c, nil, func(deliver func(ioResult)) {
		n, err := op(func(n int, err error) { deliver(ioResult{n: n, err: err}) })
		if !IsPending(err) {
			deliver(ioResult{n: n, err: err})
		}
	})
	if err != nil {
		return 0, err
	}
	return res.n, res.err
}

type sizeResult struct {
	n   int64
	err error
}

func (c *Client) size(ctx context.Context, op func(Int64CompletionFunc) error) (int64, error) {
	res, err := call(ctx, c, nil, func(deliver func(sizeResult)) {
		if err := op(func(n int64, err error) { deliver(sizeResult{n: n, err: err}) }); !IsPending(err) {
			deliver(sizeResult{err: err})
		}
	})
	if err != nil {
		return 0, err
	}
	return res.n, res.err
}

func (c *Client) entry(ctx context.Context, op func(EntryResultFunc) EntryResult) (*Handle, error) {
	// 调用方已离开时，代其关闭打开的条目。
	closeEntry := func(res EntryResult) {
		if res.Entry != nil {
			res.Entry.Close()
		}
	}
	res, err := call(ctx, c, closeEntry, func(deliver func(EntryResult)) {
		if r := op(deliver); !IsPending(r.Err) {
			deliver(r)
		}
	})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &Handle{c: c, e: res.Entry, opened: res.Opened}, nil
}

// Open 打开已有条目。
func (c *Client) Open(ctx context.Context, key string) (*Handle, error) {
	return c.entry(ctx, func(cb EntryResultFunc) EntryResult {
		return c.b.OpenEntry(key, c.priority, cb)
	})
}

// Create 创建新条目，key 已存在时失败。
func (c *Client) Create(ctx context.Context, key string) (*Handle, error) {
	return c.entry(ctx, func(cb EntryResultFunc) EntryResult {
		return c.b.CreateEntry(key, c.priority, cb)
	})
}

// OpenOrCreate 打开 key，不存在时创建。
func (c *Client) OpenOrCreate(ctx context.Context, key string) (*Handle, error) {
	return c.entry(ctx, func(cb EntryResultFunc) EntryResult {
		return c.b.OpenOrCreateEntry(key, c.priority, cb)
	})
}

// Doom 从缓存中移除 key。
func (c *Client) Doom(ctx context.Context, key string) error {
	return c.completion(ctx, func(cb CompletionFunc) error {
		return c.b.DoomEntry(key, c.priority, cb)
	})
}

// DoomAll 清空缓存。
func (c *Client) DoomAll(ctx context.Context) error {
	return c.completion(ctx, c.b.DoomAllEntries)
}

// DoomBetween 删除最近使用时间在 [begin, end) 内的条目。
func (c *Client) DoomBetween(ctx context.Context, begin, end time.Time) error {
	return c.completion(ctx, func(cb CompletionFunc) error {
		return c.b.DoomEntriesBetween(begin, end, cb)
	})
}

// DoomSince 删除最近使用时间不早于 begin 的条目。
func (c *Client) DoomSince(ctx context.Context, begin time.Time) error {
	return c.completion(ctx, func(cb CompletionFunc) error {
		return c.b.DoomEntriesSince(begin, cb)
	})
}

// SizeOfAll 返回整个缓存的磁盘占用。
func (c *Client) SizeOfAll(ctx context.Context) (int64, error) {
	return c.size(ctx, c.b.CalculateSizeOfAllEntries)
}

// SizeBetween 返回最近使用时间在 [begin, end) 内条目的磁盘占用。
func (c *Client) SizeBetween(ctx context.Context, begin, end time.Time) (int64, error) {
	return c.size(ctx, func(cb Int64CompletionFunc) error {
		return c.b.CalculateSizeOfEntriesBetween(begin, end, cb)
	})
}

// EntryCount 返回索引中的条目数，会等待索引加载完成。
func (c *Client) EntryCount(ctx context.Context) (int, error) {
	stats, err := c.Stats(ctx)
	return stats.EntryCount, err
}

type statsResult struct {
	stats Stats
	err   error
}

// Stats 返回索引加载完成后的容量统计。
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	res, err := call(ctx, c, nil, func(deliver func(statsResult)) {
		err := c.b.CalculateStats(func(stats Stats, err error) {
			deliver(statsResult{stats: stats, err: err})
		})
		if !IsPending(err) {
			deliver(statsResult{err: err})
		}
	})
	if err != nil {
		return Stats{}, err
	}
	return res.stats, res.err
}

// SetMaxSize 调整容量上限。
func (c *Client) SetMaxSize(ctx context.Context, maxBytes int64) error {
	return c.completion(ctx, func(CompletionFunc) error {
		return c.b.SetMaxSize(maxBytes)
	})
}

// Touch 在不打开条目的情况下标记 key 为最近使用。
func (c *Client) Touch(ctx context.Context, key string) error {
	return c.completion(ctx, func(CompletionFunc) error {
		c.b.OnExternalCacheHit(key)
		return nil
	})
}

type keysResult struct {
	keys []string
	err  error
}

// Keys 列出所有可打开条目的 key，过程中会逐个打开再关闭条目。
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	res, err := call(ctx, c, nil, func(deliver func(keysResult)) {
		it := c.b.CreateIterator()
		var keys []string
		var next func()
		handle := func(res EntryResult) {
			switch {
			case res.Err == nil:
				keys = append(keys, res.Entry.Key())
				res.Entry.Close()
				next()
			case IsNoMoreEntries(res.Err):
				deliver(keysResult{keys: keys})
			default:
				deliver(keysResult{err: res.Err})
			}
		}
		next = func() {
			if err := it.OpenNextEntry(handle); !IsPending(err) {
				handle(EntryResult{Err: err})
			}
		}
		next()
	})
	if err != nil {
		return nil, err
	}
	return res.keys, res.err
}

// Handle 表示 Client 调用方持有的已打开条目，用完必须 Close。
type Handle struct {
	c      *Client
	e      *Entry
	opened bool

	closeOnce sync.Once
}

// Opened 表示返回该条目的调用之前条目是否已存在。
func (h *Handle) Opened() bool { return h.opened }

// Key 返回条目 key。
func (h *Handle) Key(ctx context.Context) (string, error) {
	return call(ctx, h.c, nil, func(deliver func(string)) {
		deliver(h.e.Key())
	})
}

// DataSize 返回 stream 的大小。
func (h *Handle) DataSize(ctx context.Context, stream int) (int, error) {
	return call(ctx, h.c, nil, func(deliver func(int)) {
		deliver(h.e.DataSize(stream))
	})
}

// Read 从 offset 起读取 stream 至多 n 字节。
func (h *Handle) Read(ctx context.Context, stream, offset, n int) ([]byte, error) {
	if n < 0 {
		return nil, invalidArgument("length", n)
	}
	buf := make([]byte, n)
	got, err := h.c.io(ctx, func(cb IOCompletionFunc) (int, error) {
		return h.e.ReadData(stream, offset, buf, cb)
	})
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

// Write 将 data 写入 stream 的 offset 处；truncate 时流在 data 之后结束。
func (h *Handle) Write(ctx context.Context, stream, offset int, data []byte, truncate bool) (int, error) {
	buf := append([]byte(nil), data...)
	return h.c.io(ctx, func(cb IOCompletionFunc) (int, error) {
		return h.e.WriteData(stream, offset, buf, truncate, cb)
	})
}

// ReadSparse 从 offset 起读取至多 n 字节连续存储的 sparse 数据。
func (h *Handle) ReadSparse(ctx context.Context, offset int64, n int) ([]byte, error) {
	if n < 0 {
		return nil, invalidArgument("length", n)
	}
	buf := make([]byte, n)
	got, err := h.c.io(ctx, func(cb IOCompletionFunc) (int, error) {
		return h.e.ReadSparseData(offset, buf, cb)
	})
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

// WriteSparse 将 data 写到 sparse 空间的 offset 处。
func (h *Handle) WriteSparse(ctx context.Context, offset int64, data []byte) (int, error) {
	buf := append([]byte(nil), data...)
	return h.c.io(ctx, func(cb IOCompletionFunc) (int, error) {
		return h.e.WriteSparseData(offset, buf, cb)
	})
}

// AvailableRange 返回 [offset, offset+length) 内第一段已存储的 sparse 数据。
func (h *Handle) AvailableRange(ctx context.Context, offset int64, length int) (int64, int, error) {
	res, err := call(ctx, h.c, nil, func(deliver func(RangeResult)) {
		if r := h.e.GetAvailableRange(offset, length, deliver); !IsPending(r.Err) {
			deliver(r)
		}
	})
	if err != nil {
		return 0, 0, err
	}
	return res.Start, res.Available, res.Err
}

// Doom 移除条目，handle 在关闭前仍可使用。
func (h *Handle) Doom(ctx context.Context) error {
	return h.c.completion(ctx, h.e.Doom)
}

// Close 释放 handle，重复调用无副作用。
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if !h.c.b.Post(h.e.Close) {
			err = ErrClosed
		}
	})
	return err
}
