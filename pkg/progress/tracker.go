// Package progress maintains the shared job counters the coordinator's
// control-record consumer writes, renders the terminal dashboard, and
// exports the same counters to Prometheus for non-interactive runs.
package progress

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuemby/parafile/pkg/types"
)

// messageCap bounds the diagnostic ring so a job requeuing thousands
// of files cannot grow the message list without bound.
const messageCap = 50

// Tracker owns the shared progress state. Writes come from exactly one
// goroutine (the coordinator's control-record consumer); reads are
// snapshot-style and may be concurrent.
type Tracker struct {
	mu    sync.Mutex
	state types.Progress

	filesProcessed prometheus.Counter
	bytesProcessed prometheus.Counter
	filesRequeued  prometheus.Counter
}

// NewTracker returns a tracker registered against reg. A nil reg skips
// Prometheus export.
func NewTracker(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parafile_files_processed_total",
			Help: "Files successfully processed by mappers.",
		}),
		bytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parafile_bytes_processed_total",
			Help: "Bytes of input successfully processed by mappers.",
		}),
		filesRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parafile_files_requeued_total",
			Help: "Per-file failures reported by mappers, including ones dropped by the retry cap.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.filesProcessed, t.bytesProcessed, t.filesRequeued)
	}
	return t
}

// SetTotals records the resolved input size before streaming starts.
func (t *Tracker) SetTotals(bytesTotal uint64, filesTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.BytesTotal = bytesTotal
	t.state.FilesTotal = filesTotal
}

// Observe folds one control record into the counters.
func (t *Tracker) Observe(rec types.ControlRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch rec.Status {
	case types.ControlSuccess:
		t.state.FilesProcessed++
		t.state.BytesProcessed += uint64(rec.Size)
		t.state.LastFileProcessed = rec.URI
		t.filesProcessed.Inc()
		t.bytesProcessed.Add(float64(rec.Size))
	case types.ControlFailure:
		t.state.FilesRequeued++
		t.filesRequeued.Inc()
	}
}

// Message appends a diagnostic line, evicting the oldest past the cap.
func (t *Tracker) Message(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Messages = append(t.state.Messages, msg)
	if len(t.state.Messages) > messageCap {
		t.state.Messages = t.state.Messages[len(t.state.Messages)-messageCap:]
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() types.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.state
	snap.Messages = append([]string(nil), t.state.Messages...)
	return snap
}
