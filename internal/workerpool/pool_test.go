package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shm-ipc/shmipc/internal/workerpool"
)

func TestPool_ProcessesAllSubmittedTasks(t *testing.T) {
	const n = 200
	var processed int32
	var wg sync.WaitGroup
	wg.Add(n)

	p := workerpool.New(4, func(slot int) {
		atomic.AddInt32(&processed, 1)
		wg.Done()
	})

	for i := 0; i < n; i++ {
		if !p.Submit(i) {
			t.Fatalf("Submit(%d) rejected before shutdown", i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks to process")
	}

	if got := atomic.LoadInt32(&processed); got != n {
		t.Fatalf("processed = %d, want %d", got, n)
	}

	p.Shutdown(workerpool.Drain)
}

func TestPool_DrainShutdownRunsQueuedWork(t *testing.T) {
	var processed int32
	block := make(chan struct{})

	p := workerpool.New(1, func(slot int) {
		<-block
		atomic.AddInt32(&processed, 1)
	})

	for i := 0; i < 5; i++ {
		p.Submit(i)
	}
	close(block)

	discarded := p.Shutdown(workerpool.Drain)
	if discarded != 0 {
		t.Fatalf("Drain shutdown discarded = %d, want 0", discarded)
	}
	if got := atomic.LoadInt32(&processed); got != 5 {
		t.Fatalf("processed = %d, want 5", got)
	}
}

func TestPool_ImmediateShutdownDiscardsBacklog(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var processed int32

	p := workerpool.New(1, func(slot int) {
		if slot == 0 {
			close(started)
			<-release
			// Give the main goroutine's Shutdown call a chance to win the
			// race for the queue lock before this worker loops around to
			// pop the next backlog entry.
			time.Sleep(50 * time.Millisecond)
		}
		atomic.AddInt32(&processed, 1)
	})

	p.Submit(0)
	<-started // first task is now running, blocked on release

	for i := 1; i < 10; i++ {
		p.Submit(i)
	}

	close(release)
	discarded := p.Shutdown(workerpool.Immediate)
	if discarded == 0 {
		t.Fatalf("Immediate shutdown discarded = 0, want > 0")
	}
	if got := atomic.LoadInt32(&processed); got != 1 {
		t.Fatalf("processed = %d, want 1 (only the in-flight task)", got)
	}
}

func TestPool_SubmitAfterShutdownFails(t *testing.T) {
	p := workerpool.New(1, func(slot int) {})
	p.Shutdown(workerpool.Drain)

	if p.Submit(0) {
		t.Fatal("Submit after Shutdown returned true, want false")
	}
}

func TestPool_ShutdownIsIdempotent(t *testing.T) {
	p := workerpool.New(2, func(slot int) {})
	p.Submit(0)

	first := p.Shutdown(workerpool.Drain)
	second := p.Shutdown(workerpool.Drain)

	if first != 0 || second != 0 {
		t.Fatalf("Shutdown calls returned (%d, %d), want (0, 0)", first, second)
	}
}
