package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequenceRunsTasksInOrder(t *testing.T) {
	seq := NewSequence()
	defer seq.Close()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, seq.Post(func() { got = append(got, i) }))
	}
	seq.Post(func() { close(done) })
	<-done

	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestSequenceReportsCurrentSequence(t *testing.T) {
	seq := NewSequence()
	defer seq.Close()

	inside := make(chan bool, 1)
	seq.Post(func() { inside <- seq.RunsTasksInCurrentSequence() })
	require.True(t, <-inside)
}

func TestSequenceRejectsPostsAfterClose(t *testing.T) {
	seq := NewSequence()
	var ran atomic.Int32
	seq.Post(func() { ran.Add(1) })
	seq.Close()

	require.Equal(t, int32(1), ran.Load(), "queued work drains before Close returns")
	require.False(t, seq.Post(func() { ran.Add(1) }))
}

func TestSequencePostDelayed(t *testing.T) {
	seq := NewSequence()
	defer seq.Close()

	fired := make(chan struct{})
	seq.PostDelayed(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestWorkerPoolDrainsOnClose(t *testing.T) {
	pool := NewWorkerPool(4)
	var count atomic.Int64
	for i := 0; i < 100; i++ {
		require.True(t, pool.Post(func() { count.Add(1) }))
	}
	pool.Close()
	require.Equal(t, int64(100), count.Load())
	require.False(t, pool.Post(func() {}))
}

func TestPostTaskAndReplyWithResult(t *testing.T) {
	pool := NewWorkerPool(2)
	seq := NewSequence()
	defer seq.Close()
	defer pool.Close()

	got := make(chan int, 1)
	ok := PostTaskAndReplyWithResult(pool, seq, func() int { return 42 }, func(v int) {
		if !seq.RunsTasksInCurrentSequence() {
			v = -1
		}
		got <- v
	})
	require.True(t, ok)
	require.Equal(t, 42, <-got)
}

func TestPrioritizedRunnerOrdersByPriorityThenSubmission(t *testing.T) {
	pool := NewWorkerPool(1)
	seq := NewSequence()
	defer seq.Close()
	defer pool.Close()

	runner := NewPrioritizedTaskRunner(pool, seq)

	release := make(chan struct{})
	var taskOrder []string
	var replyOrder []string
	replies := make(chan struct{}, 8)

	post := func(priority uint64, name string, task func()) {
		runner.PostTaskAndReply(priority, func() {
			if task != nil {
				task()
			}
			taskOrder = append(taskOrder, name)
		}, func() {
			replyOrder = append(replyOrder, name)
			replies <- struct{}{}
		})
	}

	// Occupies the only worker so the rest queue up behind it.
	post(0, "blocker", func() { <-release })
	post(5, "low", nil)
	post(1, "high-a", nil)
	post(3, "mid", nil)
	post(1, "high-b", nil)
	close(release)

	for i := 0; i < 5; i++ {
		select {
		case <-replies:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}

	want := []string{"blocker", "high-a", "high-b", "mid", "low"}
	require.Equal(t, want, taskOrder)
	done := make(chan []string, 1)
	seq.Post(func() { done <- append([]string(nil), replyOrder...) })
	require.Equal(t, want, <-done)
}

func TestSequenceRejectsForeignGoroutineDuringTask(t *testing.T) {
	seq := NewSequence()
	defer seq.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	seq.Post(func() {
		close(entered)
		<-release
	})
	<-entered

	// A task is running, but not on this goroutine.
	require.False(t, seq.RunsTasksInCurrentSequence())
	close(release)
}

func TestSequencesDoNotShareCurrentness(t *testing.T) {
	a, b := NewSequence(), NewSequence()
	defer a.Close()
	defer b.Close()

	release := make(chan struct{})
	entered := make(chan struct{})
	b.Post(func() {
		close(entered)
		<-release
	})
	<-entered

	seen := make(chan bool, 1)
	a.Post(func() { seen <- b.RunsTasksInCurrentSequence() })
	require.False(t, <-seen)
	close(release)
}

func TestCurrentGoroutineIDDistinguishesGoroutines(t *testing.T) {
	mine := currentGoroutineID()
	require.NotZero(t, mine)
	require.Equal(t, mine, currentGoroutineID())

	other := make(chan uint64, 1)
	go func() { other <- currentGoroutineID() }()
	require.NotEqual(t, mine, <-other)
}
