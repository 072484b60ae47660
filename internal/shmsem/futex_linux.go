//go:build linux && (amd64 || arm64)

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

package shmsem

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operations, deliberately without the _PRIVATE flag.
//
// FUTEX_WAIT_PRIVATE/FUTEX_WAKE_PRIVATE tell the kernel it may hash the
// futex word by virtual address instead of by the underlying physical
// page, which is a valid optimization only when every waiter and waker
// shares one address space (threads of a single process). Here the
// waiter and the waker are always in different processes mapping the
// same file at possibly different virtual addresses, so the private
// variants would hash to different buckets and silently never wake
// each other. The plain FUTEX_WAIT/FUTEX_WAKE operations, hashed by
// physical page, are required for correctness across processes.
//
// golang.org/x/sys/unix does not export these Linux uapi op codes, so they
// are given here with their fixed kernel ABI values (linux/futex.h).
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// futexWait blocks while *addr == val, waking on a matching futexWake
// or a spurious return. Callers must re-check their condition.
func futexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		0,
		0,
		0,
	)
	if errno != 0 {
		switch errno {
		case unix.EAGAIN, unix.EINTR:
			return nil
		default:
			return errno
		}
	}
	return nil
}

// futexWaitTimeout is futexWait bounded by d. It returns
// ErrFutexTimeout if the kernel reports ETIMEDOUT.
func futexWaitTimeout(addr *uint32, val uint32, d int64) error {
	if d <= 0 {
		return futexWait(addr, val)
	}
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	ts := unix.Timespec{
		Sec:  d / int64(time.Second),
		Nsec: d % int64(time.Second),
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	if errno != 0 {
		switch errno {
		case unix.EAGAIN, unix.EINTR:
			return nil
		case unix.ETIMEDOUT:
			return ErrFutexTimeout
		default:
			return errno
		}
	}
	return nil
}

// futexWake wakes up to n waiters blocked on addr.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
