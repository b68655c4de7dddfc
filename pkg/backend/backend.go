// Package backend defines the contract between the coordinator and a
// mapper execution strategy: local child processes on this host, or
// remote processes reached over SSH on provisioned cloud instances.
// The coordinator only ever sees MapperHandle values; where the three
// streams actually go is the backend's business.
package backend

import (
	"context"
	"io"
)

// MapperHandle is one running mapper the coordinator can drive. Input
// carries URIs one per line; Data and Control are the mapper's two
// output streams. Closing Input signals end-of-input to the mapper;
// for SSH-backed handles this performs the channel half-close that
// closing the write side alone does not.
type MapperHandle interface {
	// Input is the mapper's stdin. Write one URI per line.
	Input() io.WriteCloser

	// Data is the mapper's DATA stream (stdout): record lines bound
	// for the reducer.
	Data() io.Reader

	// Control is the mapper's CONTROL stream (stderr):
	// "status,size,uri" lines bound for the progress tracker.
	Control() io.Reader

	// Wait blocks until the mapper process exits and returns a non-nil
	// error iff it exited nonzero.
	Wait() error

	// Kill forcibly stops the mapper. Used only on abort.
	Kill() error

	// Pid returns the mapper's process ID for CPU sampling, or 0 when
	// the process is not local to this host.
	Pid() int
}

// Backend provisions whatever execution substrate its mappers need and
// starts them. Shutdown must be safe to call on every exit path,
// including after a failed Start.
type Backend interface {
	// Start provisions (remote only) and launches all mapper processes,
	// returning one handle per mapper.
	Start(ctx context.Context) ([]MapperHandle, error)

	// Shutdown releases everything Start acquired: reaps local
	// children, terminates provisioned instances. Idempotent.
	Shutdown(ctx context.Context) error
}
