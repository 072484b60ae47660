// Package ipcerr defines the sentinel errors shared across the client
// and server packages, and the mapping back to the wire-level status
// codes a caller on the other side of the shared region would recognize.
package ipcerr

import "errors"

var (
	// ErrServerRestarted is returned when a client detects, mid-request,
	// that the server it was talking to is gone and a new one has taken
	// its place (generation mismatch or inode/device change).
	ErrServerRestarted = errors.New("ipc: server restarted")

	// ErrNotReady is returned by polling operations (GetResult) when the
	// requested slot has not yet produced a response.
	ErrNotReady = errors.New("ipc: result not ready")

	// ErrNoFreeSlot is returned when a submission's single scan of the
	// region finds no free slot; the submission is not retried.
	ErrNoFreeSlot = errors.New("ipc: no free slot available")

	// ErrUnknownRequest is returned by GetResult when the supplied
	// request id does not correspond to any in-flight request this
	// client submitted.
	ErrUnknownRequest = errors.New("ipc: unknown request id")

	// ErrInvalidString is returned when a string argument is empty or
	// exceeds the maximum supported length.
	ErrInvalidString = errors.New("ipc: invalid string argument")

	// ErrMutexTimeout names a failure to acquire the shared mutex within
	// the recovery retry budget. No package in this module returns it:
	// the client reports that case as ErrServerRestarted after
	// reconnecting.
	ErrMutexTimeout = errors.New("ipc: mutex acquisition timed out")

	// ErrShuttingDown names a submission made after a pool has begun
	// shutting down. No package in this module returns it: a pool's
	// Submit reports that case by returning false.
	ErrShuttingDown = errors.New("ipc: server shutting down")
)

// Code maps an error to the numeric status code a caller outside this
// package (including a non-Go client of the same region) would
// recognize. Errors not recognized here map to -1 (generic internal
// error) and are expected to be logged, not acted on.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrServerRestarted):
		return -2
	case errors.Is(err, ErrNotReady):
		return 1
	default:
		return -1
	}
}
