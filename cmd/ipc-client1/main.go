// Command ipc-client1 is a fixed, non-interactive demonstration client
// exercising the blocking addition call alongside the asynchronous
// multiply and concat calls, polling for their results as they
// complete and resubmitting anything still outstanding if the server
// restarts underneath it.
package main

import (
	"os"
	"strings"
	"time"

	"github.com/shm-ipc/shmipc/internal/ipcclient"
	"github.com/shm-ipc/shmipc/internal/ipcerr"
	"github.com/shm-ipc/shmipc/internal/ipclog"
	"github.com/shm-ipc/shmipc/internal/shmregion"
)

var logger = ipclog.New("client1")

func main() {
	sess, err := ipcclient.Init()
	if err != nil {
		logger.ErrorTo(os.Stderr, "failed to connect to server. Is it running? (%v)\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	sum, err := sess.Add(17, 25)
	if err != nil {
		logger.Error("add(17, 25) failed: %v\n", err)
	} else {
		logger.Info("add(17, 25) = %d\n", sum)
	}

	pending := ipcclient.NewPendingSet()

	submitMultiply := func() (uint64, error) { return sess.Multiply(6, 7) }
	if id, err := submitMultiply(); err != nil {
		logger.Error("multiply(6, 7) submit failed: %v\n", err)
	} else {
		pending.Add(id, "multiply(6, 7)", submitMultiply)
	}

	submitConcat := func() (uint64, error) { return sess.Concat("hello", "world") }
	if id, err := submitConcat(); err != nil {
		logger.Error("concat(hello, world) submit failed: %v\n", err)
	} else {
		pending.Add(id, "concat(hello, world)", submitConcat)
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
			case res.Status != shmregion.StatusOK:
				logger.Error("%s: status=%s\n", op.Label, res.Status)
				pending.Remove(op.ID)
			default:
				if strings.HasPrefix(op.Label, "concat(") {
					logger.Info("%s = %q\n", op.Label, res.String)
				} else {
					logger.Info("%s = %d\n", op.Label, res.Number)
				}
				pending.Remove(op.ID)
			}
		}
	}
}
