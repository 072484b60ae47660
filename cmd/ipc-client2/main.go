// Command ipc-client2 is a fixed, non-interactive demonstration client
// exercising the blocking subtraction call alongside the asynchronous
// divide and search calls, polling for their results as they complete
// and resubmitting anything still outstanding if the server restarts
// underneath it.
package main

import (
	"os"
	"time"

	"github.com/shm-ipc/shmipc/internal/ipcclient"
	"github.com/shm-ipc/shmipc/internal/ipcerr"
	"github.com/shm-ipc/shmipc/internal/ipclog"
	"github.com/shm-ipc/shmipc/internal/shmregion"
)

var logger = ipclog.New("client2")

func main() {
	sess, err := ipcclient.Init()
	if err != nil {
		logger.ErrorTo(os.Stderr, "failed to connect to server. Is it running? (%v)\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	diff, err := sess.Subtract(50, 8)
	if err != nil {
		logger.Error("subtract(50, 8) failed: %v\n", err)
	} else {
		logger.Info("subtract(50, 8) = %d\n", diff)
	}

	pending := ipcclient.NewPendingSet()

	submitDivide := func() (uint64, error) { return sess.Divide(84, 4) }
	if id, err := submitDivide(); err != nil {
		logger.Error("divide(84, 4) submit failed: %v\n", err)
	} else {
		pending.Add(id, "divide(84, 4)", submitDivide)
	}

	submitSearch := func() (uint64, error) { return sess.Search("shared memory", "memory") }
	if id, err := submitSearch(); err != nil {
		logger.Error("search(shared memory, memory) submit failed: %v\n", err)
	} else {
		pending.Add(id, "search(shared memory, memory)", submitSearch)
	}

	for pending.Len() > 0 {
		time.Sleep(200 * time.Millisecond)
		// Retry anything a prior restart (or a resubmit attempt that
		// itself failed) left zeroed before polling what's left.
		pending.Resubmit()
	poll:
		for _, op := range pending.Snapshot() {
			if op.ID == 0 {
				continue
			}
			res, err := sess.GetResult(op.ID)
			switch {
			case err == ipcerr.ErrNotReady:
				// still in flight, leave it tracked
			case err == ipcerr.ErrServerRestarted:
				logger.Warn("%s: server restarted, resubmitting\n", op.Label)
				pending.Invalidate()
				// The rest of this snapshot refers to ids issued before
				// the restart; the next tick's Resubmit call picks up
				// every zeroed entry at once.
				break poll
			case err != nil:
				logger.Error("%s: %v\n", op.Label, err)
				pending.Remove(op.ID)
			case res.Status == shmregion.StatusNotFound:
				logger.Info("%s: not found\n", op.Label)
				pending.Remove(op.ID)
			case res.Status != shmregion.StatusOK:
				logger.Error("%s: status=%s\n", op.Label, res.Status)
				pending.Remove(op.ID)
			default:
				logger.Info("%s = %d\n", op.Label, res.Number)
				pending.Remove(op.ID)
			}
		}
	}
}
