package progress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/parafile/pkg/types"
)

func TestTrackerCounters(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.SetTotals(100, 3)

	tracker.Observe(types.ControlRecord{Status: types.ControlSuccess, Size: 40, URI: "u1"})
	tracker.Observe(types.ControlRecord{Status: types.ControlFailure, URI: "u2"})
	tracker.Observe(types.ControlRecord{Status: types.ControlSuccess, Size: 60, URI: "u2"})

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(2), snap.FilesProcessed)
	assert.Equal(t, uint64(1), snap.FilesRequeued)
	assert.Equal(t, uint64(100), snap.BytesProcessed)
	assert.Equal(t, "u2", snap.LastFileProcessed)
	assert.LessOrEqual(t, snap.BytesProcessed, snap.BytesTotal)
}

func TestTrackerPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracker := NewTracker(reg)

	tracker.Observe(types.ControlRecord{Status: types.ControlSuccess, Size: 10, URI: "u"})
	tracker.Observe(types.ControlRecord{Status: types.ControlFailure, URI: "u"})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)

	assert.Equal(t, float64(1), testutil.ToFloat64(tracker.filesProcessed))
	assert.Equal(t, float64(10), testutil.ToFloat64(tracker.bytesProcessed))
	assert.Equal(t, float64(1), testutil.ToFloat64(tracker.filesRequeued))
}

func TestTrackerMessageRing(t *testing.T) {
	tracker := NewTracker(nil)
	for i := 0; i < messageCap+10; i++ {
		tracker.Message(fmt.Sprintf("msg-%d", i))
	}
	snap := tracker.Snapshot()
	assert.Len(t, snap.Messages, messageCap)
	assert.Equal(t, fmt.Sprintf("msg-%d", messageCap+9), snap.Messages[len(snap.Messages)-1])
}

func TestSnapshotIsACopy(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Message("original")

	snap := tracker.Snapshot()
	snap.Messages[0] = "mutated"

	assert.Equal(t, "original", tracker.Snapshot().Messages[0])
}

func TestDashboardRendersAndExitsOnAbort(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.SetTotals(10, 2)
	tracker.Observe(types.ControlRecord{Status: types.ControlSuccess, Size: 5, URI: "file:///a"})

	var buf bytes.Buffer
	dash := NewDashboard(tracker, 10*time.Millisecond, 10*time.Millisecond, &buf)
	dash.width = func() int { return 60 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dash.Run(ctx, func() []int { return []int{os.Getpid(), 0} })
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dashboard did not exit on abort")
	}

	out := buf.String()
	assert.Contains(t, out, "files  1 / 2")
	assert.Contains(t, out, "bytes  5 / 10")
	assert.Contains(t, out, "file:///a")
}

func TestCPUSamplerReportsZeroOnFailure(t *testing.T) {
	s := newCPUSampler()
	// PID that cannot exist.
	usage := s.sample([]int{1 << 30})
	assert.Equal(t, float64(0), usage[1<<30])
}

func TestCPUSamplerSelfSample(t *testing.T) {
	s := newCPUSampler()
	pid := os.Getpid()

	first := s.sample([]int{pid})
	assert.Equal(t, float64(0), first[pid], "first sample has no baseline")

	time.Sleep(20 * time.Millisecond)
	second := s.sample([]int{pid})
	assert.GreaterOrEqual(t, second[pid], float64(0))
}
