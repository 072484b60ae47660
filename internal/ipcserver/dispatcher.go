package ipcserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/time/rate"

	"github.com/shm-ipc/shmipc/internal/shmregion"
	"github.com/shm-ipc/shmipc/internal/shmsem"
)

// Run is the dispatcher's main loop. It blocks on the server-notify
// semaphore until ctx is cancelled, a SIGINT/SIGTERM arrives, or a
// client wakes it after submitting a request, then scans the shared
// region for pending slots and hands each to the appropriate worker
// pool. SIGUSR1 triggers a status report on stdout, rate-limited so a
// signal storm cannot flood the terminal; a SIGUSR1 that arrives
// before the limiter refills is not dropped, it is coalesced into the
// next allowed report.
//
// Signal handlers themselves do nothing but flip an atomic flag and
// post to the notify semaphore to wake the loop; all of the actual
// work happens on the main goroutine, outside signal-handling context.
func (s *Server) Run(ctx context.Context) error {
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigShutdown)

	sigStatus := make(chan os.Signal, 1)
	signal.Notify(sigStatus, syscall.SIGUSR1)
	defer signal.Stop(sigStatus)

	startedAt := time.Now()
	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)

	s.log.Info("Server started (pid=%d, generation=%d, threads-per-pool=%d)\n",
		os.Getpid(), s.generation, s.cfg.threads())

	var shutdownRequested atomic.Bool
	var statusRequested atomic.Bool

	stopRelay := make(chan struct{})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopRelay:
				return
			case <-sigShutdown:
				shutdownRequested.Store(true)
				s.notify.Post()
			case <-sigStatus:
				statusRequested.Store(true)
				s.notify.Post()
			}
		}
	}()
	defer func() { <-relayDone }()
	defer close(stopRelay)

	for !shutdownRequested.Load() {
		err := s.notify.Wait(ctx.Done())
		if err != nil {
			if errors.Is(err, shmsem.ErrWaitCanceled) {
				break
			}
			return fmt.Errorf("ipcserver: notify wait: %w", err)
		}

		if shutdownRequested.Load() {
			break
		}
		if statusRequested.Load() {
			if limiter.Allow() {
				statusRequested.Store(false)
				s.printStatus(startedAt)
			}
			// else: leave the flag set, the next wake (from a later
			// signal or an unrelated client post) retries the
			// rate-limiter check.
		}
		s.scanSlots()
	}

	return nil
}

// scanSlots locks the region mutex, finds every slot in
// RequestPending, flips it to Processing, and submits it to the
// matching pool. The mutex is held only long enough to read the
// command and flip the state; the actual computation happens outside
// the lock in the pool's worker goroutine.
func (s *Server) scanSlots() {
	if err := s.mutex.Wait(nil); err != nil {
		return
	}
	var toMath, toString, toInvalid []int
	for i := range s.region.Region.Slots {
		slot := &s.region.Region.Slots[i]
		if shmregion.SlotState(slot.State) != shmregion.SlotRequestPending {
			continue
		}
		slot.State = uint32(shmregion.SlotProcessing)
		cmd := shmregion.Command(slot.Command)
		switch {
		case cmd.IsMath():
			toMath = append(toMath, i)
		case cmd.IsString():
			toString = append(toString, i)
		default:
			slot.Status = uint32(shmregion.StatusInvalidInput)
			slot.State = uint32(shmregion.SlotResponseReady)
			toInvalid = append(toInvalid, i)
		}
	}
	s.mutex.Post()

	for _, i := range toMath {
		s.mathPool.Submit(i)
	}
	for _, i := range toString {
		s.stringPool.Submit(i)
	}
	for _, i := range toInvalid {
		s.slotSems[i].Post()
	}
}

// processMath computes the result of an Add/Sub/Mul/Div request. Mul
// and Div carry an artificial two-second delay so callers can observe
// the difference between the blocking and asynchronous call paths.
func (s *Server) processMath(i int) {
	if err := s.mutex.Wait(nil); err != nil {
		return
	}
	slot := &s.region.Region.Slots[i]
	cmd := shmregion.Command(slot.Command)
	args := slot.Request.Math()
	s.mutex.Post()

	if cmd == shmregion.CmdMul || cmd == shmregion.CmdDiv {
		time.Sleep(2 * time.Second)
	}

	var result int32
	status := shmregion.StatusOK
	switch cmd {
	case shmregion.CmdAdd:
		result = args.A + args.B
	case shmregion.CmdSub:
		result = args.A - args.B
	case shmregion.CmdMul:
		result = args.A * args.B
	case shmregion.CmdDiv:
		if args.B == 0 {
			status = shmregion.StatusDivByZero
		} else {
			result = args.A / args.B
		}
	default:
		status = shmregion.StatusInvalidInput
	}

	if err := s.mutex.Wait(nil); err != nil {
		return
	}
	slot = &s.region.Region.Slots[i]
	slot.Response.SetMathResult(result)
	slot.Status = uint32(status)
	slot.State = uint32(shmregion.SlotResponseReady)
	s.mutex.Post()

	s.slotSems[i].Post()
}

// processString computes the result of a Concat/Search request.
func (s *Server) processString(i int) {
	if err := s.mutex.Wait(nil); err != nil {
		return
	}
	slot := &s.region.Region.Slots[i]
	cmd := shmregion.Command(slot.Command)
	s1, s2 := slot.Request.Strings()
	s.mutex.Post()

	status := shmregion.StatusOK
	var resp shmregion.ResponsePayload

	switch {
	case len(s1) < 1 || len(s1) > shmregion.MaxStringLen || len(s2) < 1 || len(s2) > shmregion.MaxStringLen:
		status = shmregion.StatusStrTooLong
	case cmd == shmregion.CmdConcat:
		if len(s1)+len(s2) > shmregion.MaxResultLen-1 {
			status = shmregion.StatusStrTooLong
		} else {
			resp.SetString(s1 + s2)
		}
	case cmd == shmregion.CmdSearch:
		pos := indexOf(s1, s2)
		if pos < 0 {
			status = shmregion.StatusNotFound
			resp.SetPosition(-1)
		} else {
			resp.SetPosition(int32(pos))
		}
	default:
		status = shmregion.StatusInvalidInput
	}

	if err := s.mutex.Wait(nil); err != nil {
		return
	}
	slot = &s.region.Region.Slots[i]
	slot.Response = resp
	slot.Status = uint32(status)
	slot.State = uint32(shmregion.SlotResponseReady)
	s.mutex.Post()

	s.slotSems[i].Post()
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// printStatus renders a snapshot of slot occupancy and pool backlog to
// stdout as a table.
func (s *Server) printStatus(startedAt time.Time) {
	if err := s.mutex.Wait(nil); err != nil {
		return
	}
	free, pending, processing, ready := s.region.Region.StateCounts()
	s.mutex.Post()

	s.log.Status("[STATUS]\n")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("uptime", time.Since(startedAt).Round(time.Second).String())
	table.Append("shutdown mode", s.cfg.Shutdown.String())
	table.Append("threads per pool", strconv.Itoa(s.cfg.threads()))
	table.Append("generation", strconv.FormatUint(s.generation, 10))
	table.Append("slots free", strconv.Itoa(free))
	table.Append("slots pending", strconv.Itoa(pending))
	table.Append("slots processing", strconv.Itoa(processing))
	table.Append("slots ready", strconv.Itoa(ready))
	table.Append("math pool backlog", strconv.Itoa(s.mathPool.PendingCount()))
	table.Append("string pool backlog", strconv.Itoa(s.stringPool.PendingCount()))
	_ = table.Render()
}
