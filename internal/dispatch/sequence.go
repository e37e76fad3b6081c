package dispatch

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Sequence 在一个专属 goroutine 上按投递顺序逐个执行任务。
type Sequence struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	// owner 记录 loop 所在 goroutine 的 ID，0 表示尚未启动。
	owner  atomic.Uint64
	inTask atomic.Bool
	done   chan struct{}
}

// NewSequence 创建 Sequence 并启动其 goroutine。
func NewSequence() *Sequence {
	s := &Sequence{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Post 将 task 排入队列；Close 之后返回 false。
func (s *Sequence) Post(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	return true
}

// PostDelayed 在 d 之后投递 task，停止返回的 timer 即可取消。
func (s *Sequence) PostDelayed(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() { s.Post(task) })
}

// RunsTasksInCurrentSequence 判断调用方是否正运行在 s 的某个任务里：
// 必须处于任务执行期间，且位于 loop goroutine 上。
func (s *Sequence) RunsTasksInCurrentSequence() bool {
	if !s.inTask.Load() {
		return false
	}
	owner := s.owner.Load()
	return owner != 0 && owner == currentGoroutineID()
}

// Close 停止接收任务，执行完已排队的任务后等待 goroutine 退出。
// 不能在任务内部调用。
func (s *Sequence) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Sequence) loop() {
	defer close(s.done)
	s.owner.Store(currentGoroutineID())
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.inTask.Store(true)
		task()
		s.inTask.Store(false)
	}
}

var goroutinePrefix = []byte("goroutine ")

// currentGoroutineID 从 runtime.Stack 的首行 "goroutine N [...]" 中解析出 N。
func currentGoroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
