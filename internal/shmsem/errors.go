package shmsem

import "errors"

// ErrFutexTimeout is returned internally by futexWaitTimeout when the
// kernel reports ETIMEDOUT.
var ErrFutexTimeout = errors.New("shmsem: futex timeout")

// ErrTimeout is returned by WaitTimeout when the deadline elapses
// without the semaphore becoming available.
var ErrTimeout = errors.New("shmsem: wait timeout")

// ErrWaitCanceled is returned by Wait when its cancellation channel
// fires before the semaphore becomes available.
var ErrWaitCanceled = errors.New("shmsem: wait canceled")
