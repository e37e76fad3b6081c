package dispatch

import (
	"container/heap"
	"sync"
)

// PrioritizedTaskRunner 调度 task/reply 对：priority 越小越先执行，同优先级保持提交顺序。
// task 跑在 WorkerPool 上，reply 回到 reply Sequence。
type PrioritizedTaskRunner struct {
	pool  *WorkerPool
	reply *Sequence

	mu      sync.Mutex
	tasks   jobHeap
	replies jobHeap
	nextSeq uint64
}

// NewPrioritizedTaskRunner 构造把 reply 投递到指定 Sequence 的 runner。
func NewPrioritizedTaskRunner(pool *WorkerPool, reply *Sequence) *PrioritizedTaskRunner {
	return &PrioritizedTaskRunner{pool: pool, reply: reply}
}

type job struct {
	priority uint64
	seq      uint64
	task     func()
	reply    func()
}

// PostTaskAndReply 将 task 交给 pool，完成后把 reply 投递到 reply Sequence。
// 多个任务排队时 worker 取 priority 最小者，reply 也按同样顺序交付。
func (r *PrioritizedTaskRunner) PostTaskAndReply(priority uint64, task, reply func()) bool {
	r.mu.Lock()
	heap.Push(&r.tasks, &job{priority: priority, seq: r.nextSeq, task: task, reply: reply})
	r.nextSeq++
	r.mu.Unlock()
	return r.pool.Post(r.runTopTask)
}

func (r *PrioritizedTaskRunner) runTopTask() {
	r.mu.Lock()
	j := heap.Pop(&r.tasks).(*job)
	r.mu.Unlock()

	j.task()

	r.mu.Lock()
	heap.Push(&r.replies, j)
	r.mu.Unlock()
	r.reply.Post(r.runTopReply)
}

func (r *PrioritizedTaskRunner) runTopReply() {
	r.mu.Lock()
	j := heap.Pop(&r.replies).(*job)
	r.mu.Unlock()
	j.reply()
}

// jobHeap 先按 priority、再按提交序号排序。
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
