package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/parafile/pkg/backend"
	"github.com/cuemby/parafile/pkg/progress"
	"github.com/cuemby/parafile/pkg/types"
	"github.com/cuemby/parafile/pkg/wire"
)

// mapResult is what a scripted mapper does with one URI.
type mapResult struct {
	lines []string
	fail  bool
	crash bool
	delay time.Duration
}

// fakeMapper behaves like a real mapper process over in-memory pipes:
// it consumes URIs from its input, emits DATA lines and CONTROL
// records, and exits when its input closes.
type fakeMapper struct {
	inR, dataR, ctrlR *io.PipeReader
	inW, dataW, ctrlW *io.PipeWriter

	script func(uri string) mapResult

	done    chan struct{}
	exitErr error
}

func newFakeMapper(script func(uri string) mapResult) *fakeMapper {
	m := &fakeMapper{script: script, done: make(chan struct{})}
	m.inR, m.inW = io.Pipe()
	m.dataR, m.dataW = io.Pipe()
	m.ctrlR, m.ctrlW = io.Pipe()
	go m.run()
	return m
}

func (m *fakeMapper) run() {
	defer close(m.done)
	defer m.dataW.Close()
	defer m.ctrlW.Close()

	data := wire.NewDataWriter(m.dataW)
	control := wire.NewControlWriter(m.ctrlW)

	scanner := wire.NewLineScanner(m.inR)
	for scanner.Scan() {
		uri := scanner.Text()
		res := m.script(uri)
		if res.delay > 0 {
			time.Sleep(res.delay)
		}
		if res.crash {
			m.exitErr = errors.New("exit status 1")
			m.inR.CloseWithError(io.ErrClosedPipe)
			return
		}
		for _, line := range res.lines {
			if data.WriteLine(line) != nil {
				return
			}
		}
		if data.Flush() != nil {
			return
		}
		if res.fail {
			if control.WriteFailure(uri) != nil {
				return
			}
			continue
		}
		if control.WriteSuccess(uri, int64(len(uri))) != nil {
			return
		}
	}
}

func (m *fakeMapper) Input() io.WriteCloser { return m.inW }
func (m *fakeMapper) Data() io.Reader       { return m.dataR }
func (m *fakeMapper) Control() io.Reader    { return m.ctrlR }

func (m *fakeMapper) Wait() error {
	<-m.done
	return m.exitErr
}

func (m *fakeMapper) Kill() error {
	m.inR.CloseWithError(io.ErrClosedPipe)
	m.dataW.CloseWithError(io.ErrClosedPipe)
	m.ctrlW.CloseWithError(io.ErrClosedPipe)
	return nil
}

func (m *fakeMapper) Pid() int { return 0 }

type fakeBackend struct {
	handles []backend.MapperHandle

	mu        sync.Mutex
	shutdowns int
}

func (b *fakeBackend) Start(ctx context.Context) ([]backend.MapperHandle, error) {
	return b.handles, nil
}

func (b *fakeBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	return nil
}

func (b *fakeBackend) shutdownCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdowns
}

// fakeReducer records every line fed to it. failAfter > 0 simulates
// the reducer dying after that many records.
type fakeReducer struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu    sync.Mutex
	lines []string

	failAfter int
	done      chan struct{}
	exitErr   error
}

func newFakeReducer(failAfter int) *fakeReducer {
	r := &fakeReducer{failAfter: failAfter, done: make(chan struct{})}
	r.pr, r.pw = io.Pipe()
	go r.run()
	return r
}

func (r *fakeReducer) run() {
	defer close(r.done)
	scanner := wire.NewLineScanner(r.pr)
	for scanner.Scan() {
		r.mu.Lock()
		r.lines = append(r.lines, scanner.Text())
		count := len(r.lines)
		r.mu.Unlock()
		if r.failAfter > 0 && count >= r.failAfter {
			r.exitErr = errors.New("exit status 1")
			r.pr.CloseWithError(io.ErrClosedPipe)
			return
		}
	}
}

func (r *fakeReducer) Input() io.WriteCloser { return r.pw }

func (r *fakeReducer) Wait() error {
	<-r.done
	return r.exitErr
}

func (r *fakeReducer) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func staticResolve(work []types.WorkItem) ResolveFunc {
	return func(ctx context.Context, desc *types.JobDescriptor) (int64, []types.WorkItem, error) {
		var total int64
		for _, item := range work {
			total += item.Size
		}
		return total, work, nil
	}
}

func newTestCoordinator(desc *types.JobDescriptor, be *fakeBackend, reducer *fakeReducer, work []types.WorkItem) (*Coordinator, *progress.Tracker) {
	tracker := progress.NewTracker(nil)
	coord := New(Config{
		Desc:    desc,
		Backend: be,
		StartReducer: func(ctx context.Context) (ReducerHandle, error) {
			return reducer, nil
		},
		Tracker: tracker,
		Resolve: staticResolve(work),
	})
	return coord, tracker
}

func TestRunDeliversEveryRecordExactlyOnce(t *testing.T) {
	work := items("u1", "u2", "u3", "u4", "u5", "u6")

	script := func(uri string) mapResult {
		return mapResult{lines: []string{"rec-" + uri + "-1", "rec-" + uri + "-2"}}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{
		newFakeMapper(script), newFakeMapper(script),
	}}
	reducer := newFakeReducer(0)

	coord, tracker := newTestCoordinator(&types.JobDescriptor{Workers: 2, MaxRetries: 5}, be, reducer, work)
	outcome, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	got := reducer.received()
	assert.Len(t, got, len(work)*2)
	seen := make(map[string]int)
	for _, line := range got {
		seen[line]++
	}
	for _, item := range work {
		assert.Equal(t, 1, seen["rec-"+item.URI+"-1"], "missing or duplicated record for %s", item.URI)
		assert.Equal(t, 1, seen["rec-"+item.URI+"-2"], "missing or duplicated record for %s", item.URI)
	}

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(len(work)), snap.FilesProcessed)
	var wantBytes uint64
	for _, item := range work {
		wantBytes += uint64(item.Size)
	}
	assert.Equal(t, wantBytes, snap.BytesProcessed)
	assert.LessOrEqual(t, snap.BytesProcessed, snap.BytesTotal)
	assert.Equal(t, 1, be.shutdownCount())
}

func TestRecordsFromOneMapperKeepTheirOrder(t *testing.T) {
	work := items("solo")
	script := func(uri string) mapResult {
		return mapResult{lines: []string{"first", "second", "third"}}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{newFakeMapper(script)}}
	reducer := newFakeReducer(0)

	coord, _ := newTestCoordinator(&types.JobDescriptor{Workers: 1}, be, reducer, work)
	outcome, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, []string{"first", "second", "third"}, reducer.received())
}

// Scenario: a map that fails once per URI and succeeds on retry. Every
// URI must produce exactly one successful output.
func TestRequeueOnTransientFailure(t *testing.T) {
	work := items("a", "b", "c")

	var mu sync.Mutex
	attempts := make(map[string]int)
	script := func(uri string) mapResult {
		mu.Lock()
		attempts[uri]++
		n := attempts[uri]
		mu.Unlock()
		if n == 1 {
			return mapResult{fail: true}
		}
		return mapResult{lines: []string{"out-" + uri}}
	}

	be := &fakeBackend{handles: []backend.MapperHandle{
		newFakeMapper(script), newFakeMapper(script),
	}}
	reducer := newFakeReducer(0)

	coord, tracker := newTestCoordinator(&types.JobDescriptor{Workers: 2, MaxRetries: 5}, be, reducer, work)
	outcome, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	got := reducer.received()
	assert.ElementsMatch(t, []string{"out-a", "out-b", "out-c"}, got)

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(3), snap.FilesProcessed)
	assert.Equal(t, uint64(3), snap.FilesRequeued)
}

func TestRetryCapDropsPoisonItem(t *testing.T) {
	work := items("good", "poison")

	script := func(uri string) mapResult {
		if uri == "poison" {
			return mapResult{fail: true}
		}
		return mapResult{lines: []string{"out-" + uri}}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{newFakeMapper(script)}}
	reducer := newFakeReducer(0)

	coord, tracker := newTestCoordinator(&types.JobDescriptor{Workers: 1, MaxRetries: 2}, be, reducer, work)
	outcome, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	assert.Equal(t, []string{"out-good"}, reducer.received())
	snap := tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.FilesProcessed)
	assert.Equal(t, uint64(2), snap.FilesRequeued)
}

func TestEmptyResolvedInputIsFatal(t *testing.T) {
	be := &fakeBackend{}
	reducer := newFakeReducer(0)
	coord, _ := newTestCoordinator(&types.JobDescriptor{Workers: 1}, be, reducer, nil)

	outcome, err := coord.Run(context.Background())
	assert.Equal(t, OutcomeFailed, outcome)

	var jerr *types.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, types.ErrInputMissing, jerr.Kind)
	assert.Equal(t, 1, be.shutdownCount())
}

func TestMapperCrashAbortsJob(t *testing.T) {
	work := items("one", "two", "three", "four")

	script := func(uri string) mapResult {
		if uri == "two" {
			return mapResult{crash: true}
		}
		return mapResult{lines: []string{"out-" + uri}}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{newFakeMapper(script)}}
	reducer := newFakeReducer(0)

	coord, _ := newTestCoordinator(&types.JobDescriptor{Workers: 1}, be, reducer, work)
	outcome, err := coord.Run(context.Background())
	assert.Equal(t, OutcomeWorkerFailed, outcome)

	var jerr *types.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, types.ErrMapperCrash, jerr.Kind)
	assert.Equal(t, 1, be.shutdownCount())
}

// Scenario: abort during streaming. The coordinator must still close
// the reducer's input so the partial artifact exists.
func TestUserAbortDuringStreaming(t *testing.T) {
	uris := make([]string, 50)
	for i := range uris {
		uris[i] = fmt.Sprintf("u%02d", i)
	}
	work := items(uris...)

	script := func(uri string) mapResult {
		return mapResult{lines: []string{"out-" + uri}, delay: 20 * time.Millisecond}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{newFakeMapper(script)}}
	reducer := newFakeReducer(0)

	coord, _ := newTestCoordinator(&types.JobDescriptor{Workers: 1}, be, reducer, work)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	outcome, err := coord.Run(ctx)
	assert.Equal(t, OutcomeUserAborted, outcome)

	var jerr *types.JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, types.ErrUserAbort, jerr.Kind)

	// The reducer saw its input close: Wait returned, so the records
	// delivered before abort were folded and fewer than the full set.
	assert.Less(t, len(reducer.received()), len(work))
	assert.Equal(t, 1, be.shutdownCount())
}

func TestReducerDeathMidStreamAborts(t *testing.T) {
	work := items("a", "b", "c", "d", "e", "f", "g", "h")

	script := func(uri string) mapResult {
		return mapResult{lines: []string{"out-" + uri}, delay: 5 * time.Millisecond}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{newFakeMapper(script)}}
	reducer := newFakeReducer(2)

	coord, _ := newTestCoordinator(&types.JobDescriptor{Workers: 1}, be, reducer, work)
	outcome, err := coord.Run(context.Background())
	assert.Equal(t, OutcomeWorkerFailed, outcome)
	require.Error(t, err)
	assert.Equal(t, 1, be.shutdownCount())
}

func TestStateTransitions(t *testing.T) {
	work := items("x")
	script := func(uri string) mapResult {
		return mapResult{lines: []string{"out-" + uri}}
	}
	be := &fakeBackend{handles: []backend.MapperHandle{newFakeMapper(script)}}
	reducer := newFakeReducer(0)

	coord, _ := newTestCoordinator(&types.JobDescriptor{Workers: 1}, be, reducer, work)
	assert.Equal(t, StateCreated, coord.State())

	outcome, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, StateShutdown, coord.State())
}
