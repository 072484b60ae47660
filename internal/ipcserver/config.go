// Package ipcserver implements the dispatcher side of the shared-memory
// request/response fabric: it owns the shared region and its
// synchronization primitives, scans pending slots, and hands each one
// to a math or string worker pool.
package ipcserver

import (
	"runtime"

	"github.com/shm-ipc/shmipc/internal/workerpool"
)

// Config controls how a Server is bootstrapped. Callers (cmd/ipc-server)
// are responsible for turning flags and environment variables into a
// Config; this package never reads either directly.
type Config struct {
	// ThreadsPerPool is the number of workers in each of the math and
	// string pools. If zero, DefaultThreadsPerPool() is used.
	ThreadsPerPool int

	// Shutdown selects Drain or Immediate semantics for Server.Shutdown.
	Shutdown workerpool.ShutdownMode
}

// DefaultThreadsPerPool sizes each pool so the two together leave at
// least one core free for the dispatcher loop: on machines with more
// than two logical CPUs, half of the cores minus one; otherwise, a
// single worker per pool.
func DefaultThreadsPerPool() int {
	hw := runtime.NumCPU()
	if hw <= 2 {
		return 1
	}
	return (hw - 1) / 2
}

func (c Config) threads() int {
	if c.ThreadsPerPool > 0 {
		return c.ThreadsPerPool
	}
	return DefaultThreadsPerPool()
}
