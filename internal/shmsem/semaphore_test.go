package shmsem_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shm-ipc/shmipc/internal/shmsem"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("test_%s_%d", t.Name(), time.Now().UnixNano())
}

func createTestSemaphore(t *testing.T, initial uint32) *shmsem.Semaphore {
	t.Helper()
	name := uniqueName(t)
	sem, err := shmsem.CreateSemaphore(name, initial)
	if err != nil {
		t.Fatalf("CreateSemaphore(%q, %d) failed: %v", name, initial, err)
	}
	t.Cleanup(func() {
		sem.Close()
		sem.Unlink()
	})
	return sem
}

func TestSemaphore_CreateFailsOnDuplicateName(t *testing.T) {
	name := uniqueName(t)
	sem, err := shmsem.CreateSemaphore(name, 0)
	if err != nil {
		t.Fatalf("first CreateSemaphore failed: %v", err)
	}
	defer func() {
		sem.Close()
		sem.Unlink()
	}()

	if _, err := shmsem.CreateSemaphore(name, 0); err == nil {
		t.Fatal("second CreateSemaphore with same name succeeded, want error")
	}
}

func TestSemaphore_CreateRecreateReclaimsStale(t *testing.T) {
	name := uniqueName(t)
	first, err := shmsem.CreateSemaphore(name, 0)
	if err != nil {
		t.Fatalf("first CreateSemaphore failed: %v", err)
	}
	// Simulate a crashed server: leave the file behind without unlinking.
	first.Close()

	second, err := shmsem.CreateSemaphoreRecreate(name, 3)
	if err != nil {
		t.Fatalf("CreateSemaphoreRecreate failed: %v", err)
	}
	defer func() {
		second.Close()
		second.Unlink()
	}()

	if err := second.WaitTimeout(int64(10 * time.Millisecond)); err != nil {
		t.Fatalf("WaitTimeout on recreated semaphore failed: %v", err)
	}
}

func TestSemaphore_PostThenWaitSucceedsImmediately(t *testing.T) {
	sem := createTestSemaphore(t, 0)

	if err := sem.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := sem.WaitTimeout(int64(time.Second)); err != nil {
		t.Fatalf("WaitTimeout after Post failed: %v", err)
	}
}

func TestSemaphore_WaitTimeoutExpiresWhenNeverPosted(t *testing.T) {
	sem := createTestSemaphore(t, 0)

	err := sem.WaitTimeout(int64(50 * time.Millisecond))
	if err != shmsem.ErrTimeout {
		t.Fatalf("WaitTimeout() = %v, want ErrTimeout", err)
	}
}

func TestSemaphore_OpenExistingSeesSameState(t *testing.T) {
	name := uniqueName(t)
	owner, err := shmsem.CreateSemaphore(name, 0)
	if err != nil {
		t.Fatalf("CreateSemaphore failed: %v", err)
	}
	defer func() {
		owner.Close()
		owner.Unlink()
	}()

	opener, err := shmsem.OpenSemaphore(name)
	if err != nil {
		t.Fatalf("OpenSemaphore failed: %v", err)
	}
	defer opener.Close()

	if err := owner.Post(); err != nil {
		t.Fatalf("Post via owner failed: %v", err)
	}
	if err := opener.WaitTimeout(int64(time.Second)); err != nil {
		t.Fatalf("Wait via opener after Post via owner failed: %v", err)
	}
}

func TestSemaphore_WaitBlocksAcrossGoroutines(t *testing.T) {
	sem := createTestSemaphore(t, 0)

	var woke int32
	done := make(chan struct{})
	go func() {
		if err := sem.WaitTimeout(int64(2 * time.Second)); err == nil {
			atomic.StoreInt32(&woke, 1)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&woke) != 0 {
		t.Fatal("waiter woke before Post")
	}

	if err := sem.Post(); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after Post")
	}
	if atomic.LoadInt32(&woke) != 1 {
		t.Fatal("waiter did not observe Post")
	}
}
