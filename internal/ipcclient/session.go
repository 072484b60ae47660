// Package ipcclient implements the client side of the shared-memory
// request/response fabric: opening the region and its semaphores,
// submitting requests, and polling or blocking for their results.
package ipcclient

import (
	"fmt"
	"os"
	"time"

	"github.com/shm-ipc/shmipc/internal/ipcerr"
	"github.com/shm-ipc/shmipc/internal/shmregion"
	"github.com/shm-ipc/shmipc/internal/shmsem"
)

const (
	mutexWaitTimeout     = time.Second
	slotWaitTimeout      = time.Second
	maxMutexTimeoutRetry = 5
	maxSlotTimeoutRetry  = 16
)

func slotSemName(i int) string {
	return fmt.Sprintf("ipc_slot_%d", i)
}

// Session is a connection to the shared-memory IPC fabric. It is not
// safe for concurrent use by multiple goroutines without external
// synchronization; each Session assumes a single-threaded caller.
type Session struct {
	region     *shmregion.Mapped
	mutex      *shmsem.Semaphore
	notify     *shmsem.Semaphore
	slotSems   [shmregion.MaxSlots]*shmsem.Semaphore
	generation uint64
	pending    *PendingSet
}

// Init opens an existing shared region and its synchronization
// primitives, and records the server's current generation number.
func Init() (*Session, error) {
	s := &Session{pending: NewPendingSet()}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect() error {
	region, err := shmregion.OpenRegion(shmregion.Name)
	if err != nil {
		return err
	}
	mutex, err := shmsem.OpenSemaphore("ipc_mutex")
	if err != nil {
		region.Close()
		return err
	}
	notify, err := shmsem.OpenSemaphore("ipc_server_notify")
	if err != nil {
		mutex.Close()
		region.Close()
		return err
	}
	var slotSems [shmregion.MaxSlots]*shmsem.Semaphore
	for i := 0; i < shmregion.MaxSlots; i++ {
		sem, err := shmsem.OpenSemaphore(slotSemName(i))
		if err != nil {
			mutex.Close()
			notify.Close()
			for j := 0; j < i; j++ {
				slotSems[j].Close()
			}
			region.Close()
			return err
		}
		slotSems[i] = sem
	}

	s.region = region
	s.mutex = mutex
	s.notify = notify
	s.slotSems = slotSems
	s.generation = region.Region.LoadGeneration()
	return nil
}

// Close releases the session's mappings and semaphore handles without
// unlinking anything; only the server owns those names.
func (s *Session) Close() error {
	for i := range s.slotSems {
		if s.slotSems[i] != nil {
			s.slotSems[i].Close()
		}
	}
	if s.notify != nil {
		s.notify.Close()
	}
	if s.mutex != nil {
		s.mutex.Close()
	}
	if s.region != nil {
		return s.region.Close()
	}
	return nil
}

// shmObjectReplaced reports whether the region file on disk has been
// recreated (different device/inode) since this session opened it,
// which happens when a server restarts and a fresh CreateRegion call
// replaces the old file's directory entry.
func (s *Session) shmObjectReplaced() bool {
	curDev, curIno, err := s.region.Stat()
	if err != nil {
		return false
	}
	liveDev, liveIno, err := shmregion.StatPath(shmregion.Name)
	if err != nil {
		return false
	}
	return curDev != liveDev || curIno != liveIno
}

// reconnectAfterRestart tears down and reopens the session's resources
// against whatever server is now running, clears all pending request
// tracking (see PendingSet), and reports the restart to the caller.
func (s *Session) reconnectAfterRestart() error {
	s.Close()
	if err := s.connect(); err != nil {
		return err
	}
	s.pending.Invalidate()
	return ipcerr.ErrServerRestarted
}

// ensureFreshConnection checks whether the server this session is
// talking to is still the one it opened against, reconnecting if not.
func (s *Session) ensureFreshConnection() error {
	if s.shmObjectReplaced() {
		return s.reconnectAfterRestart()
	}
	if s.region.Region.LoadGeneration() != s.generation {
		return s.reconnectAfterRestart()
	}
	return nil
}

// lockMutexWithRecovery acquires the shared mutex, retrying through
// transient timeouts up to maxMutexTimeoutRetry times and checking
// server liveness between attempts. If the mutex still cannot be
// acquired, it assumes the server is gone and reconnects.
func (s *Session) lockMutexWithRecovery() error {
	for retries := 0; retries < maxMutexTimeoutRetry; retries++ {
		err := s.mutex.WaitTimeout(int64(mutexWaitTimeout))
		if err == nil {
			return nil
		}
		if err != shmsem.ErrTimeout {
			return fmt.Errorf("ipcclient: mutex wait: %w", err)
		}
		if rc := s.ensureFreshConnection(); rc != nil {
			return rc
		}
	}
	return s.reconnectAfterRestart()
}

func validateString(v string) error {
	if len(v) < 1 || len(v) > shmregion.MaxStringLen {
		return ipcerr.ErrInvalidString
	}
	return nil
}

// submitRequest writes a new request into a free slot and wakes the
// dispatcher, returning the slot index and the request id assigned to
// it.
func (s *Session) submitRequest(cmd shmregion.Command, payload shmregion.RequestPayload) (int, uint64, error) {
	if err := s.ensureFreshConnection(); err != nil {
		return 0, 0, err
	}
	if err := s.lockMutexWithRecovery(); err != nil {
		return 0, 0, err
	}

	if s.region.Region.LoadGeneration() != s.generation {
		s.mutex.Post()
		return 0, 0, s.reconnectAfterRestart()
	}

	idx := -1
	for i := range s.region.Region.Slots {
		if shmregion.SlotState(s.region.Region.Slots[i].State) == shmregion.SlotFree {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mutex.Post()
		return 0, 0, ipcerr.ErrNoFreeSlot
	}

	slot := &s.region.Region.Slots[idx]
	id := s.region.Region.NextRequestID
	s.region.Region.NextRequestID++
	slot.RequestID = id
	slot.ClientPID = int32(os.Getpid())
	slot.Command = uint32(cmd)
	slot.Request = payload
	slot.State = uint32(shmregion.SlotRequestPending)

	s.mutex.Post()
	if err := s.notify.Post(); err != nil {
		return idx, id, fmt.Errorf("ipcclient: notify post: %w", err)
	}
	return idx, id, nil
}

// blockingMath submits a math request and waits on the assigned slot's
// semaphore for the dispatcher to post the result, re-validating the
// slot's request id to guard against a stale wakeup from an unrelated
// earlier request that used the same slot.
func (s *Session) blockingMath(cmd shmregion.Command, a, b int32) (int32, error) {
	var payload shmregion.RequestPayload
	payload.SetMath(a, b)

	slotIdx, expectedID, err := s.submitRequest(cmd, payload)
	if err != nil {
		return 0, err
	}

	for retries := 0; retries < maxSlotTimeoutRetry; retries++ {
		err := s.slotSems[slotIdx].WaitTimeout(int64(slotWaitTimeout))
		if err != nil {
			if err != shmsem.ErrTimeout {
				return 0, fmt.Errorf("ipcclient: slot wait: %w", err)
			}
			if rc := s.ensureFreshConnection(); rc != nil {
				return 0, rc
			}
			continue
		}

		if err := s.lockMutexWithRecovery(); err != nil {
			return 0, err
		}
		slot := &s.region.Region.Slots[slotIdx]
		if slot.RequestID == expectedID && shmregion.SlotState(slot.State) == shmregion.SlotResponseReady {
			result := slot.Response.MathResult()
			status := shmregion.Status(slot.Status)
			slot.State = uint32(shmregion.SlotFree)
			s.mutex.Post()
			if status != shmregion.StatusOK {
				return 0, statusError(status)
			}
			return result, nil
		}
		s.mutex.Post()
	}
	return 0, s.reconnectAfterRestart()
}

// Add performs a blocking addition.
func (s *Session) Add(a, b int32) (int32, error) {
	return s.blockingMath(shmregion.CmdAdd, a, b)
}

// Subtract performs a blocking subtraction.
func (s *Session) Subtract(a, b int32) (int32, error) {
	return s.blockingMath(shmregion.CmdSub, a, b)
}

// Multiply submits an asynchronous multiplication and returns its
// request id for later collection via GetResult.
func (s *Session) Multiply(a, b int32) (uint64, error) {
	var payload shmregion.RequestPayload
	payload.SetMath(a, b)
	_, id, err := s.submitRequest(shmregion.CmdMul, payload)
	if err != nil {
		return 0, err
	}
	s.pending.Add(id, "", nil)
	return id, nil
}

// Divide submits an asynchronous division and returns its request id
// for later collection via GetResult.
func (s *Session) Divide(a, b int32) (uint64, error) {
	var payload shmregion.RequestPayload
	payload.SetMath(a, b)
	_, id, err := s.submitRequest(shmregion.CmdDiv, payload)
	if err != nil {
		return 0, err
	}
	s.pending.Add(id, "", nil)
	return id, nil
}

// Concat submits an asynchronous string concatenation and returns its
// request id for later collection via GetResult.
func (s *Session) Concat(s1, s2 string) (uint64, error) {
	if err := validateString(s1); err != nil {
		return 0, err
	}
	if err := validateString(s2); err != nil {
		return 0, err
	}
	var payload shmregion.RequestPayload
	payload.SetStrings(s1, s2)
	_, id, err := s.submitRequest(shmregion.CmdConcat, payload)
	if err != nil {
		return 0, err
	}
	s.pending.Add(id, "", nil)
	return id, nil
}

// Search submits an asynchronous substring search and returns its
// request id for later collection via GetResult.
func (s *Session) Search(haystack, needle string) (uint64, error) {
	if err := validateString(haystack); err != nil {
		return 0, err
	}
	if err := validateString(needle); err != nil {
		return 0, err
	}
	var payload shmregion.RequestPayload
	payload.SetStrings(haystack, needle)
	_, id, err := s.submitRequest(shmregion.CmdSearch, payload)
	if err != nil {
		return 0, err
	}
	s.pending.Add(id, "", nil)
	return id, nil
}

// Result is the outcome of a completed asynchronous request. Number
// holds a math result for Multiply/Divide or a match position for
// Search (-1 if not found); String holds a Concat result. Callers know
// which field applies from the command they submitted.
type Result struct {
	String string
	Number int32
	Status shmregion.Status
}

// GetResult polls for the outcome of a previously submitted
// asynchronous request. It returns ipcerr.ErrNotReady if the request
// has not completed yet, and ipcerr.ErrUnknownRequest if id does not
// belong to any request this session is tracking (including one that
// was invalidated by a detected server restart).
func (s *Session) GetResult(id uint64) (Result, error) {
	if !s.pending.Has(id) {
		return Result{}, ipcerr.ErrUnknownRequest
	}
	if err := s.ensureFreshConnection(); err != nil {
		return Result{}, err
	}
	if err := s.lockMutexWithRecovery(); err != nil {
		return Result{}, err
	}

	for i := range s.region.Region.Slots {
		slot := &s.region.Region.Slots[i]
		if slot.RequestID != id {
			continue
		}
		if shmregion.SlotState(slot.State) != shmregion.SlotResponseReady {
			s.mutex.Post()
			return Result{}, ipcerr.ErrNotReady
		}
		status := shmregion.Status(slot.Status)
		res := Result{
			String:   slot.Response.String(),
			Number:   slot.Response.Position(),
			Status:   status,
		}
		slot.State = uint32(shmregion.SlotFree)
		s.mutex.Post()
		s.pending.Remove(id)
		return res, nil
	}

	s.mutex.Post()
	return Result{}, ipcerr.ErrUnknownRequest
}

func statusError(status shmregion.Status) error {
	return fmt.Errorf("ipc: request failed with status %s", status)
}
