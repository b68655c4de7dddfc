// Package local implements the local execution backend: N mapper
// child processes on this host, each a re-exec of the parafile binary
// in its hidden mapper mode, with the three standard streams piped to
// the coordinator.
package local

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/cuemby/parafile/pkg/backend"
	"github.com/cuemby/parafile/pkg/log"
)

// Backend spawns and supervises local mapper children.
type Backend struct {
	binary     string
	configPath string
	workers    int

	handles   []*handle
	handlesMu sync.Mutex
}

// New returns a local backend that will launch workers copies of
// "binary internal mapper configPath".
func New(binary, configPath string, workers int) *Backend {
	return &Backend{
		binary:     binary,
		configPath: configPath,
		workers:    workers,
	}
}

// Start launches the mapper children. There is no provisioning phase;
// a failure to spawn any child kills the ones already started.
func (b *Backend) Start(ctx context.Context) ([]backend.MapperHandle, error) {
	logger := log.WithComponent("backend-local")

	handles := make([]backend.MapperHandle, 0, b.workers)
	for i := 0; i < b.workers; i++ {
		h, err := b.spawn(ctx)
		if err != nil {
			_ = b.Shutdown(ctx)
			return nil, fmt.Errorf("spawning mapper %d: %w", i, err)
		}
		logger.Debug().Int("pid", h.cmd.Process.Pid).Msg("mapper started")
		handles = append(handles, h)
	}
	return handles, nil
}

func (b *Backend) spawn(ctx context.Context) (*handle, error) {
	cmd := exec.CommandContext(ctx, b.binary, "internal", "mapper", b.configPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &handle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	b.handlesMu.Lock()
	b.handles = append(b.handles, h)
	b.handlesMu.Unlock()
	return h, nil
}

// Shutdown kills and reaps any children that are still running. Under
// normal completion every child has already exited by the time this is
// called and the kills are no-ops.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.handlesMu.Lock()
	handles := b.handles
	b.handles = nil
	b.handlesMu.Unlock()

	for _, h := range handles {
		_ = h.Kill()
		_ = h.Wait()
	}
	return nil
}

// handle is one local mapper child and its three piped streams.
type handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (h *handle) Input() io.WriteCloser { return h.stdin }
func (h *handle) Data() io.Reader       { return h.stdout }
func (h *handle) Control() io.Reader    { return h.stderr }

func (h *handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

func (h *handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
