package dispatch

import (
	"sync"

	"github.com/sourcegraph/conc"
)

// WorkerPool 在固定数量的 goroutine 上执行阻塞任务。
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool

	wg conc.WaitGroup
}

// NewWorkerPool 启动 workers 个 worker，至少一个。
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Go(p.work)
	}
	return p
}

// Post 将 job 排入队列；Close 之后返回 false。
func (p *WorkerPool) Post(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.jobs = append(p.jobs, job)
	p.cond.Signal()
	return true
}

// Close 停止接收任务，等待 worker 排空队列后返回；任务中的 panic 会在这里重新抛出。
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) work() {
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs[0] = nil
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		job()
	}
}

// PostTaskAndReply 先在 pool 上执行 task，再把 reply 投递到 seq。
// pool 已关闭时返回 false，reply 不会执行。
func PostTaskAndReply(pool *WorkerPool, seq *Sequence, task, reply func()) bool {
	return pool.Post(func() {
		task()
		seq.Post(reply)
	})
}

// PostTaskAndReplyWithResult 与 PostTaskAndReply 相同，但把 task 的返回值交给 reply。
func PostTaskAndReplyWithResult[T any](pool *WorkerPool, seq *Sequence, task func() T, reply func(T)) bool {
	var result T
	return PostTaskAndReply(pool, seq, func() { result = task() }, func() { reply(result) })
}
