package ipcserver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shm-ipc/shmipc/internal/ipcclient"
	"github.com/shm-ipc/shmipc/internal/ipcerr"
	"github.com/shm-ipc/shmipc/internal/ipcserver"
	"github.com/shm-ipc/shmipc/internal/shmregion"
	"github.com/shm-ipc/shmipc/internal/workerpool"
)

// bootstrapAndRun bootstraps a server with a small pool size and runs
// it in the background, returning a stop function the caller must
// invoke exactly once (directly, or via t.Cleanup through
// startTestServer) to cancel the run loop and release every
// shared-memory resource the server owns.
//
// Tests that need to control exactly when a server instance goes away
// (to simulate a restart mid-request) call this directly instead of
// startTestServer, since a restart test needs to start a second
// instance before the first one's t.Cleanup would otherwise fire.
func bootstrapAndRun(t *testing.T) (*ipcserver.Server, func()) {
	t.Helper()
	srv, err := ipcserver.Bootstrap(ipcserver.Config{ThreadsPerPool: 2, Shutdown: workerpool.Drain})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Run(ctx)
	}()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		wg.Wait()
		srv.Shutdown()
	}
	return srv, stop
}

// startTestServer bootstraps a server and runs it for the duration of
// the test, stopping it automatically on cleanup.
func startTestServer(t *testing.T) *ipcserver.Server {
	t.Helper()
	srv, stop := bootstrapAndRun(t)
	t.Cleanup(stop)
	return srv
}

func TestServerClient_BlockingAdd(t *testing.T) {
	startTestServer(t)

	sess, err := ipcclient.Init()
	if err != nil {
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	sum, err := sess.Add(10, 32)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum != 42 {
		t.Fatalf("Add(10, 32) = %d, want 42", sum)
	}
}

func TestServerClient_AsyncDivideByZero(t *testing.T) {
	startTestServer(t)

	sess, err := ipcclient.Init()
	if err != nil {
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	id, err := sess.Divide(10, 0)
	if err != nil {
		t.Fatalf("Divide submit failed: %v", err)
	}

	res, err := pollResult(t, sess, id)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if res.Status != shmregion.StatusDivByZero {
		t.Fatalf("status = %s, want %s", res.Status, shmregion.StatusDivByZero)
	}
}

func TestServerClient_AsyncConcat(t *testing.T) {
	startTestServer(t)

	sess, err := ipcclient.Init()
	if err != nil {
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	id, err := sess.Concat("foo", "bar")
	if err != nil {
		t.Fatalf("Concat submit failed: %v", err)
	}

	res, err := pollResult(t, sess, id)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if res.String != "foobar" {
		t.Fatalf("Concat result = %q, want %q", res.String, "foobar")
	}
}

func TestServerClient_SearchNotFound(t *testing.T) {
	startTestServer(t)

	sess, err := ipcclient.Init()
	if err != nil {
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	id, err := sess.Search("hello", "xyz")
	if err != nil {
		t.Fatalf("Search submit failed: %v", err)
	}

	res, err := pollResult(t, sess, id)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if res.Status != shmregion.StatusNotFound {
		t.Fatalf("status = %s, want %s", res.Status, shmregion.StatusNotFound)
	}
}

func TestServerClient_InvalidStringRejectedLocally(t *testing.T) {
	startTestServer(t)

	sess, err := ipcclient.Init()
	if err != nil {
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	if _, err := sess.Concat("", "bar"); err != ipcerr.ErrInvalidString {
		t.Fatalf("Concat with empty string = %v, want ErrInvalidString", err)
	}
}

// TestServerClient_RestartMidFlight submits a request against one
// server instance, kills that instance, brings up a fresh one under
// the same well-known names, and checks that the session notices on
// its next call instead of hanging or silently talking to stale
// shared memory.
func TestServerClient_RestartMidFlight(t *testing.T) {
	_, stop1 := bootstrapAndRun(t)

	sess, err := ipcclient.Init()
	if err != nil {
		stop1()
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	id, err := sess.Multiply(6, 7)
	if err != nil {
		stop1()
		t.Fatalf("Multiply submit failed: %v", err)
	}

	stop1()

	_, stop2 := bootstrapAndRun(t)
	defer stop2()

	if _, err := sess.GetResult(id); !errors.Is(err, ipcerr.ErrServerRestarted) {
		t.Fatalf("GetResult after restart = %v, want ErrServerRestarted", err)
	}

	// The id belonged to the server instance that is now gone; the
	// session's own bookkeeping should have dropped it along with
	// everything else in the restart.
	if _, err := sess.GetResult(id); !errors.Is(err, ipcerr.ErrUnknownRequest) {
		t.Fatalf("GetResult for a pre-restart id = %v, want ErrUnknownRequest", err)
	}

	// The reconnected session should be fully usable against server 2.
	sum, err := sess.Add(1, 1)
	if err != nil {
		t.Fatalf("Add after reconnect failed: %v", err)
	}
	if sum != 2 {
		t.Fatalf("Add(1, 1) after reconnect = %d, want 2", sum)
	}
}

// TestServerClient_NoFreeSlotBoundary fills every slot in the region
// and checks that the next submission is rejected locally rather than
// blocking or corrupting an in-use slot. A slot stays occupied from
// the moment it is marked RequestPending until a caller collects its
// result via GetResult, regardless of how quickly the dispatcher
// finishes it, so submitting MaxSlots concats without ever collecting
// them pins every slot occupied for the rest of the test.
func TestServerClient_NoFreeSlotBoundary(t *testing.T) {
	startTestServer(t)

	sess, err := ipcclient.Init()
	if err != nil {
		t.Fatalf("ipcclient.Init failed: %v", err)
	}
	defer sess.Close()

	for i := 0; i < shmregion.MaxSlots; i++ {
		if _, err := sess.Concat("a", "b"); err != nil {
			t.Fatalf("Concat submit %d failed: %v", i, err)
		}
	}

	if _, err := sess.Concat("a", "b"); !errors.Is(err, ipcerr.ErrNoFreeSlot) {
		t.Fatalf("Concat submit with all slots occupied = %v, want ErrNoFreeSlot", err)
	}
}

func pollResult(t *testing.T, sess *ipcclient.Session, id uint64) (ipcclient.Result, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := sess.GetResult(id)
		if err != ipcerr.ErrNotReady {
			return res, err
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("result never became ready")
	return ipcclient.Result{}, nil
}
