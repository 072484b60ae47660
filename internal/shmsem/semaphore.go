/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package shmsem implements named counting semaphores backed by small
// mmap'd files, the cross-process equivalent of POSIX sem_open/sem_post/
// sem_wait for pure Go (no cgo).
//
// Each semaphore is its own file under /dev/shm (or os.TempDir as a
// fallback), holding a single futex word pair: a counter and a wake
// sequence. Waiters block in the kernel via the non-private futex
// operations; posters bump the counter and wake one waiter. Unlike an
// in-process condition variable, these operations must be visible to
// unrelated processes that mapped the same file, which is why the
// private-futex fast path used elsewhere for single-process
// synchronization does not apply here — see futex_linux.go.
package shmsem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// filePrefix namespaces this package's /dev/shm entries from unrelated
// shared-memory objects on the same host.
const filePrefix = "shmipc_sem_"

// fileSize is one page: large enough for the futex word pair and
// defensive against systems with differing minimum mmap granularity.
const fileSize = 4096

// word is the on-disk/mmap layout of a semaphore: a counter protecting
// the logical semantics, plus a wake sequence the futex blocks on.
// Both fields are accessed exclusively through the atomic package.
type word struct {
	count uint32
	seq   uint32
}

// Semaphore is a named counting semaphore shared across processes.
type Semaphore struct {
	file *os.File
	mem  []byte
	w    *word
	path string
}

// CreateSemaphore creates a new named semaphore initialized to initial,
// failing if one by that name already exists. The caller owns the
// semaphore's lifetime and should Unlink it when no longer needed.
func CreateSemaphore(name string, initial uint32) (*Semaphore, error) {
	path := semaphorePath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmsem: create %s: %w", name, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(fileSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("shmsem: truncate %s: %w", name, err)
	}

	mem, err := mmapFile(file, fileSize)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shmsem: mmap %s: %w", name, err)
	}

	s := &Semaphore{file: file, mem: mem, w: wordView(mem), path: path}
	atomic.StoreUint32(&s.w.count, initial)
	atomic.StoreUint32(&s.w.seq, 0)
	return s, nil
}

// CreateSemaphoreRecreate creates a named semaphore, and if one already
// exists under that name (left behind by a server that crashed without
// unlinking it), unlinks the stale file and retries once. Server
// bootstrap uses this instead of CreateSemaphore so a prior crash never
// permanently wedges the next startup.
func CreateSemaphoreRecreate(name string, initial uint32) (*Semaphore, error) {
	s, err := CreateSemaphore(name, initial)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}
	if rmErr := os.Remove(semaphorePath(name)); rmErr != nil {
		return nil, fmt.Errorf("shmsem: stale semaphore %s: %w", name, err)
	}
	return CreateSemaphore(name, initial)
}

// OpenSemaphore opens an existing named semaphore.
func OpenSemaphore(name string) (*Semaphore, error) {
	path := semaphorePath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmsem: open %s: %w", name, err)
	}

	mem, err := mmapFile(file, fileSize)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmsem: mmap %s: %w", name, err)
	}

	return &Semaphore{file: file, mem: mem, w: wordView(mem), path: path}, nil
}

// Post increments the semaphore's count and wakes one waiter.
func (s *Semaphore) Post() error {
	atomic.AddUint32(&s.w.count, 1)
	atomic.AddUint32(&s.w.seq, 1)
	if _, err := futexWake(&s.w.seq, 1); err != nil {
		return fmt.Errorf("shmsem: post %s: %w", s.path, err)
	}
	return nil
}

// Wait blocks until the semaphore's count is positive, then decrements
// it, or until ctxDone is closed (returning ErrWaitCanceled).
func (s *Semaphore) Wait(ctxDone <-chan struct{}) error {
	for {
		if s.tryAcquire() {
			return nil
		}
		seq := atomic.LoadUint32(&s.w.seq)
		if s.tryAcquire() {
			return nil
		}
		done := make(chan error, 1)
		go func() { done <- futexWait(&s.w.seq, seq) }()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("shmsem: wait %s: %w", s.path, err)
			}
		case <-ctxDone:
			return ErrWaitCanceled
		}
	}
}

// WaitTimeout blocks until the semaphore's count is positive and
// decrements it, or returns ErrTimeout after d elapses.
func (s *Semaphore) WaitTimeout(d int64) error {
	for {
		if s.tryAcquire() {
			return nil
		}
		seq := atomic.LoadUint32(&s.w.seq)
		if s.tryAcquire() {
			return nil
		}
		if err := futexWaitTimeout(&s.w.seq, seq, d); err != nil {
			if err == ErrFutexTimeout {
				return ErrTimeout
			}
			return fmt.Errorf("shmsem: wait %s: %w", s.path, err)
		}
	}
}

func (s *Semaphore) tryAcquire() bool {
	for {
		cur := atomic.LoadUint32(&s.w.count)
		if cur == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.w.count, cur, cur-1) {
			return true
		}
	}
}

// Close unmaps the semaphore's backing file without removing it.
func (s *Semaphore) Close() error {
	if err := munmapImpl(s.mem); err != nil {
		return err
	}
	return s.file.Close()
}

// Unlink removes the semaphore's backing file. Only the owner (the
// server, at cleanup) should call this.
func (s *Semaphore) Unlink() error {
	return os.Remove(s.path)
}

func semaphorePath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", filePrefix+name)
	}
	return filepath.Join(os.TempDir(), filePrefix+name)
}

func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func wordView(mem []byte) *word {
	return (*word)(unsafe.Pointer(&mem[0]))
}

func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
