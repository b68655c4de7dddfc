// Package coordinator implements the parafile control plane: resolve
// input into a work list, drive a pool of mapper workers through a
// backend, fan their DATA streams into the single reducer, fold their
// CONTROL streams into progress, and shut everything down in order on
// completion, user abort, or worker failure.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/parafile/pkg/backend"
	"github.com/cuemby/parafile/pkg/log"
	"github.com/cuemby/parafile/pkg/progress"
	"github.com/cuemby/parafile/pkg/resolver"
	"github.com/cuemby/parafile/pkg/types"
	"github.com/cuemby/parafile/pkg/wire"
)

// dataQueueCap bounds the mapper-to-reducer queue so a slow reducer
// back-pressures mappers instead of growing memory without limit.
const dataQueueCap = 10000

// State names a position in the coordinator's lifecycle.
type State string

const (
	StateCreated      State = "CREATED"
	StateResolving    State = "RESOLVING"
	StateProvisioning State = "PROVISIONING"
	StateStreaming    State = "STREAMING"
	StateDraining     State = "DRAINING"
	StateShutdown     State = "SHUTDOWN"
)

// Outcome is a terminal job result.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailed       Outcome = "failed"
	OutcomeUserAborted  Outcome = "user-aborted"
	OutcomeWorkerFailed Outcome = "worker-failed"
)

// ReducerHandle is the single reducer process the coordinator feeds.
type ReducerHandle interface {
	// Input is the reducer's stdin, one record per line.
	Input() io.WriteCloser

	// Wait blocks until the reducer exits; non-nil iff it exited
	// nonzero.
	Wait() error
}

// ResolveFunc matches resolver.Resolve; swapped out in tests.
type ResolveFunc func(ctx context.Context, desc *types.JobDescriptor) (int64, []types.WorkItem, error)

// Config assembles a coordinator.
type Config struct {
	Desc    *types.JobDescriptor
	Backend backend.Backend

	// StartReducer launches the reducer process. Invoked once, when
	// streaming begins.
	StartReducer func(ctx context.Context) (ReducerHandle, error)

	Tracker *progress.Tracker

	// Dashboard, if non-nil, runs for the duration of streaming.
	Dashboard *progress.Dashboard

	// Resolve defaults to resolver.Resolve.
	Resolve ResolveFunc
}

// Coordinator runs one job to a terminal state.
type Coordinator struct {
	cfg Config

	state   State
	stateMu sync.Mutex

	abortOnce  sync.Once
	abortMu    sync.Mutex
	abortKind  types.ErrorKind
	abortCause error

	handles   []backend.MapperHandle
	handlesMu sync.Mutex
}

// New returns a coordinator in CREATED.
func New(cfg Config) *Coordinator {
	if cfg.Resolve == nil {
		cfg.Resolve = resolver.Resolve
	}
	if cfg.Tracker == nil {
		cfg.Tracker = progress.NewTracker(nil)
	}
	return &Coordinator{cfg: cfg, state: StateCreated}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	logger := log.WithComponent("coordinator")
	logger.Debug().Str("state", string(s)).Msg("state transition")
}

// setAbort latches the abort cause. First caller wins; the latch never
// clears.
func (c *Coordinator) setAbort(kind types.ErrorKind, cause error, cancel context.CancelFunc) {
	c.abortOnce.Do(func() {
		c.abortMu.Lock()
		c.abortKind = kind
		c.abortCause = cause
		c.abortMu.Unlock()
		logger := log.WithComponent("coordinator")
		logger.Warn().Str("kind", string(kind)).Err(cause).Msg("abort set")
		cancel()
	})
}

func (c *Coordinator) abortState() (types.ErrorKind, error) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	return c.abortKind, c.abortCause
}

// Run drives the job from CREATED to a terminal state. The backend is
// shut down on every exit path; for the remote backend that is what
// guarantees instance termination.
func (c *Coordinator) Run(parent context.Context) (Outcome, error) {
	logger := log.WithComponent("coordinator")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Backend shutdown must run even when ctx is already cancelled.
	defer func() {
		if err := c.cfg.Backend.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("backend shutdown failed")
		}
	}()

	// User interrupt arrives as parent cancellation.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-parent.Done():
			c.setAbort(types.ErrUserAbort, parent.Err(), cancel)
		case <-runDone:
		}
	}()

	c.setState(StateResolving)
	total, items, err := c.cfg.Resolve(ctx, c.cfg.Desc)
	if err != nil {
		c.setState(StateShutdown)
		return OutcomeFailed, err
	}
	if len(items) == 0 {
		c.setState(StateShutdown)
		return OutcomeFailed, types.NewJobError(types.ErrInputMissing, "", fmt.Errorf("input resolved to zero files"))
	}
	logger.Info().Int("files", len(items)).Int64("bytes", total).Msg("input resolved")
	c.cfg.Tracker.SetTotals(uint64(total), len(items))

	c.setState(StateProvisioning)
	handles, err := c.cfg.Backend.Start(ctx)
	if err != nil {
		c.setState(StateShutdown)
		if kind, cause := c.abortState(); cause != nil && kind == types.ErrUserAbort {
			return OutcomeUserAborted, types.NewJobError(types.ErrUserAbort, "", cause)
		}
		return OutcomeFailed, err
	}
	c.handlesMu.Lock()
	c.handles = handles
	c.handlesMu.Unlock()

	reducer, err := c.cfg.StartReducer(ctx)
	if err != nil {
		c.setState(StateShutdown)
		return OutcomeFailed, fmt.Errorf("starting reducer: %w", err)
	}

	c.setState(StateStreaming)
	c.stream(ctx, cancel, items, handles, reducer)

	// Streaming is over: either every mapper drained or abort fired.
	// Release the dashboard, close the reducer's input, and wait for
	// the finalizer to run. This happens on the failure paths too so a
	// partial artifact always exists.
	c.setState(StateDraining)
	cancel()
	_ = reducer.Input().Close()
	reduceErr := reducer.Wait()

	c.setState(StateShutdown)
	abortKind, abortCause := c.abortState()
	switch {
	case abortCause != nil:
		switch abortKind {
		case types.ErrUserAbort:
			return OutcomeUserAborted, types.NewJobError(types.ErrUserAbort, "", abortCause)
		default:
			return OutcomeWorkerFailed, types.NewJobError(abortKind, "", abortCause)
		}
	case reduceErr != nil:
		return OutcomeWorkerFailed, types.NewJobError(types.ErrReducerCrash, "", reduceErr)
	default:
		return OutcomeSuccess, nil
	}
}

// stream runs the per-mapper dispatch tasks, the reducer feeder, and
// the progress consumer until every mapper has drained or abort fires.
func (c *Coordinator) stream(ctx context.Context, cancel context.CancelFunc, items []types.WorkItem, handles []backend.MapperHandle, reducer ReducerHandle) {
	logger := log.WithComponent("coordinator")

	queue := newInputQueue(items, c.cfg.Desc.MaxRetries)
	dataCh := make(chan string, dataQueueCap)
	controlCh := make(chan types.ControlRecord, len(handles))

	// Abort kills every mapper so blocked stream reads unwind.
	killOnce := sync.Once{}
	go func() {
		<-ctx.Done()
		killOnce.Do(func() {
			for _, h := range handles {
				_ = h.Kill()
			}
		})
	}()

	if c.cfg.Dashboard != nil {
		go c.cfg.Dashboard.Run(ctx, c.Pids)
	}

	// Progress consumer: the only writer of the tracker's counters.
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for rec := range controlCh {
			c.cfg.Tracker.Observe(rec)
			if rec.Status == types.ControlFailure {
				c.cfg.Tracker.Message(fmt.Sprintf("requeued %s", rec.URI))
			}
		}
	}()

	// Reducer feeder: single consumer of the data queue, FIFO.
	feederDone := make(chan struct{})
	go func() {
		defer close(feederDone)
		for {
			select {
			case line, ok := <-dataCh:
				if !ok {
					return
				}
				if _, err := io.WriteString(reducer.Input(), line+"\n"); err != nil {
					c.setAbort(types.ErrReducerCrash, fmt.Errorf("writing to reducer: %w", err), cancel)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var controlWG, dataWG, waitWG sync.WaitGroup
	for _, h := range handles {
		h := h
		readersDone := make(chan struct{}, 2)

		dataWG.Add(1)
		go func() {
			defer dataWG.Done()
			defer func() { readersDone <- struct{}{} }()
			c.dataLoop(ctx, h, dataCh)
		}()

		controlWG.Add(1)
		go func() {
			defer controlWG.Done()
			defer func() { readersDone <- struct{}{} }()
			c.controlLoop(ctx, h, queue, controlCh)
		}()

		// Reap after both readers finish; a nonzero exit before the
		// job drained is a mapper crash.
		waitWG.Add(1)
		go func() {
			defer waitWG.Done()
			<-readersDone
			<-readersDone
			if err := h.Wait(); err != nil && ctx.Err() == nil {
				c.setAbort(types.ErrMapperCrash, err, cancel)
			}
		}()
	}

	controlWG.Wait()
	close(controlCh)
	dataWG.Wait()
	waitWG.Wait()
	close(dataCh)
	<-feederDone
	<-progressDone

	if dropped := queue.droppedCount(); dropped > 0 {
		logger.Warn().Int("dropped", dropped).Msg("items exhausted their retry budget")
	}
}

// dataLoop forwards every DATA line from h into the shared data queue
// in arrival order. A final line without a trailing break is still
// forwarded.
func (c *Coordinator) dataLoop(ctx context.Context, h backend.MapperHandle, dataCh chan<- string) {
	scanner := wire.NewLineScanner(h.Data())
	for scanner.Scan() {
		select {
		case dataCh <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// controlLoop is the per-mapper dispatch task: prime the pipeline with
// one item before reading the first control line, then per control
// record update progress or requeue and hand the mapper its next item.
// When the queue drains the mapper's input is closed, an explicit
// half-close, which for SSH handles is the only way the remote side
// sees EOF.
func (c *Coordinator) controlLoop(ctx context.Context, h backend.MapperHandle, queue *inputQueue, controlCh chan<- types.ControlRecord) {
	logger := log.WithComponent("coordinator")
	in := h.Input()

	inputClosed := false
	closeInput := func() {
		if !inputClosed {
			inputClosed = true
			_ = in.Close()
		}
	}
	defer closeInput()

	writeNext := func() bool {
		item, ok := queue.pop(ctx)
		if !ok {
			closeInput()
			return false
		}
		if _, err := io.WriteString(in, item.URI+"\n"); err != nil {
			// Mapper went away; requeue so another mapper picks the
			// item up. The reaper decides whether this was a crash.
			queue.requeue(item.URI)
			closeInput()
			return false
		}
		return true
	}

	// Prime before the first control read.
	writing := writeNext()

	scanner := wire.NewLineScanner(h.Control())
	for scanner.Scan() {
		rec, err := wire.ParseControlLine(scanner.Text())
		if err != nil {
			logger.Error().Str("line", scanner.Text()).Msg("invalid control record from mapper")
			continue
		}

		switch rec.Status {
		case types.ControlSuccess:
			queue.ack(rec.URI)
		case types.ControlFailure:
			if !queue.requeue(rec.URI) {
				logger.Warn().Str("uri", rec.URI).Msg("retry budget exhausted, dropping")
			}
		}
		select {
		case controlCh <- rec:
		case <-ctx.Done():
			return
		}

		if ctx.Err() != nil {
			return
		}
		if writing {
			writing = writeNext()
		}
	}
}

// Pids returns the process IDs of the live mappers for CPU sampling.
func (c *Coordinator) Pids() []int {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	pids := make([]int, 0, len(c.handles))
	for _, h := range c.handles {
		pids = append(pids, h.Pid())
	}
	return pids
}
