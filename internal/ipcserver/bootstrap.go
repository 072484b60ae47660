package ipcserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shm-ipc/shmipc/internal/ipclog"
	"github.com/shm-ipc/shmipc/internal/shmregion"
	"github.com/shm-ipc/shmipc/internal/shmsem"
	"github.com/shm-ipc/shmipc/internal/workerpool"
)

const (
	lockFileName       = "ipc_server.lock"
	generationFileName = "ipc_server.generation"
)

// ErrAlreadyRunning is returned by Bootstrap when another server
// instance holds the instance lock.
var ErrAlreadyRunning = errors.New("ipcserver: another server instance is already running")

func bookkeepingPath(name string) string {
	return filepath.Join(os.TempDir(), name)
}

// acquireInstanceLock takes an exclusive, non-blocking flock on the
// well-known lock file, so that at most one server process runs at a
// time. The returned file must be kept open for the lock's duration;
// closing it (or process exit) releases the lock automatically.
func acquireInstanceLock() (*os.File, error) {
	path := bookkeepingPath(lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("ipcserver: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("ipcserver: flock: %w", err)
	}
	return f, nil
}

// nextGeneration reads, increments, and persists a monotonic counter in
// a bookkeeping file shared across server restarts, so each incarnation
// of the server stamps a distinct generation number into the region for
// clients to detect a restart by. If the file can't be used for any
// reason, falls back to a wall-clock-derived value: a swallowed failure
// here would make restart detection merely improbable to fail, not
// impossible, so a degraded generation source is preferable to refusing
// to start.
func nextGeneration() uint64 {
	path := bookkeepingPath(generationFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return uint64(time.Now().Unix())
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return uint64(time.Now().Unix())
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	var buf [8]byte
	var gen uint64
	if n, _ := f.ReadAt(buf[:], 0); n == len(buf) {
		gen = binary.LittleEndian.Uint64(buf[:])
	}
	gen++

	binary.LittleEndian.PutUint64(buf[:], gen)
	if _, err := f.WriteAt(buf[:], 0); err == nil {
		f.Truncate(8)
	}
	return gen
}

// slotSemName returns the well-known name of the per-slot semaphore.
func slotSemName(i int) string {
	return fmt.Sprintf("ipc_slot_%d", i)
}

// Server owns the bootstrapped shared region, its synchronization
// primitives, and the two worker pools that process requests.
type Server struct {
	cfg Config

	lockFile *os.File
	region   *shmregion.Mapped
	mutex    *shmsem.Semaphore
	notify   *shmsem.Semaphore
	slotSems [shmregion.MaxSlots]*shmsem.Semaphore

	mathPool   *workerpool.Pool
	stringPool *workerpool.Pool

	generation uint64
	log        *ipclog.Logger
}

// Bootstrap acquires the instance lock, creates the shared region and
// its semaphores, and starts the worker pools. The returned Server is
// ready for Run.
func Bootstrap(cfg Config) (*Server, error) {
	lockFile, err := acquireInstanceLock()
	if err != nil {
		return nil, err
	}

	region, err := shmregion.CreateRegion(shmregion.Name)
	if err != nil {
		lockFile.Close()
		return nil, err
	}

	gen := nextGeneration()
	region.Region.StoreGeneration(gen)
	region.Region.NextRequestID = 1

	mutex, err := shmsem.CreateSemaphoreRecreate("ipc_mutex", 1)
	if err != nil {
		region.Close()
		os.Remove(region.Path)
		lockFile.Close()
		return nil, err
	}

	notify, err := shmsem.CreateSemaphoreRecreate("ipc_server_notify", 0)
	if err != nil {
		mutex.Close()
		mutex.Unlink()
		region.Close()
		os.Remove(region.Path)
		lockFile.Close()
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		lockFile:   lockFile,
		region:     region,
		mutex:      mutex,
		notify:     notify,
		generation: gen,
		log:        ipclog.New("ipcserver"),
	}

	for i := 0; i < shmregion.MaxSlots; i++ {
		sem, err := shmsem.CreateSemaphoreRecreate(slotSemName(i), 0)
		if err != nil {
			s.cleanupPartial(i)
			return nil, err
		}
		s.slotSems[i] = sem
	}

	s.mathPool = workerpool.New(cfg.threads(), s.processMath)
	s.stringPool = workerpool.New(cfg.threads(), s.processString)

	return s, nil
}

func (s *Server) cleanupPartial(created int) {
	for i := 0; i < created; i++ {
		s.slotSems[i].Close()
		s.slotSems[i].Unlink()
	}
	s.notify.Close()
	s.notify.Unlink()
	s.mutex.Close()
	s.mutex.Unlink()
	s.region.Close()
	os.Remove(s.region.Path)
	s.lockFile.Close()
}

// Generation returns the generation number stamped into the region at
// bootstrap.
func (s *Server) Generation() uint64 { return s.generation }

// Shutdown stops the worker pools per cfg.Shutdown, then releases every
// shared-memory resource the server owns. Safe to call once; a second
// call is a no-op beyond the (already idempotent) pool shutdowns.
func (s *Server) Shutdown() (discardedMath, discardedString int) {
	discardedMath = s.mathPool.Shutdown(s.cfg.Shutdown)
	discardedString = s.stringPool.Shutdown(s.cfg.Shutdown)

	for i := range s.slotSems {
		s.slotSems[i].Close()
		s.slotSems[i].Unlink()
	}
	s.notify.Close()
	s.notify.Unlink()
	s.mutex.Close()
	s.mutex.Unlink()
	s.region.Close()
	os.Remove(s.region.Path)
	s.lockFile.Close()
	os.Remove(bookkeepingPath(lockFileName))
	return discardedMath, discardedString
}
