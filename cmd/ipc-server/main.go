// Command ipc-server hosts the shared-memory request/response fabric:
// it creates the region and its synchronization primitives, then
// dispatches incoming requests to math and string worker pools until
// it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/shm-ipc/shmipc/internal/ipclog"
	"github.com/shm-ipc/shmipc/internal/ipcserver"
	"github.com/shm-ipc/shmipc/internal/workerpool"
)

var logger = ipclog.New("ipc-server")

func main() {
	threads := flag.Int("t", envInt("IPC_SERVER_THREADS", 0), "worker threads per pool (default: half of CPUs minus one)")
	shutdown := flag.String("shutdown", envString("IPC_SERVER_SHUTDOWN", "drain"), "shutdown mode on SIGINT/SIGTERM: drain or immediate")
	flag.Parse()

	mode, err := parseShutdownMode(*shutdown)
	if err != nil {
		logger.ErrorTo(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := ipcserver.Config{ThreadsPerPool: *threads, Shutdown: mode}

	srv, err := ipcserver.Bootstrap(cfg)
	if err != nil {
		if err == ipcserver.ErrAlreadyRunning {
			logger.ErrorTo(os.Stderr, "another server instance is already running.\n")
		} else {
			logger.ErrorTo(os.Stderr, "bootstrap failed: %v\n", err)
		}
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.ErrorTo(os.Stderr, "run failed: %v\n", err)
		srv.Shutdown()
		os.Exit(1)
	}

	discardedMath, discardedString := srv.Shutdown()
	if discardedMath+discardedString > 0 {
		logger.Warn("shutdown discarded %d math and %d string backlog tasks\n",
			discardedMath, discardedString)
	}
}

func parseShutdownMode(s string) (workerpool.ShutdownMode, error) {
	switch s {
	case "drain":
		return workerpool.Drain, nil
	case "immediate":
		return workerpool.Immediate, nil
	default:
		return 0, fmt.Errorf("unknown shutdown mode: %s (use drain or immediate)", s)
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
