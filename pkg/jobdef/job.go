// Package jobdef defines the job plugin contract parafile jobs
// implement, a compile-time registry jobs register themselves into,
// and the YAML descriptor loader that turns a config file plus a
// registered job name into a runnable JobDescriptor + Job pair.
//
// Rather than loading arbitrary user code at runtime, a job is a Go
// value registered by name at program init time and selected by name
// from the descriptor file; the map/reduce code still executes in
// separate worker processes, never in the coordinator.
package jobdef

import (
	"fmt"
	"io"
	"sync"
)

// Job is the capability set a job plugin must implement: map a local
// file to zero or more output lines, reduce one line into the running
// result, and finalize exactly once. Jobs may additionally implement
// InputProvider and RequirementsProvider.
type Job interface {
	// Map is invoked once per input file by the mapper worker. It
	// must call emit once per output record. Returning an error marks
	// the URI a per-file failure (DOWNLOAD_FAILED/MAP_FAILED handling
	// happens around the call, not inside it).
	Map(localPath, uri string, emit func(line string)) error

	// Reduce is invoked once per DATA record received by the reducer
	// worker, with the trailing line break already stripped.
	Reduce(line string) error

	// Finalize is invoked exactly once, at end of input or on abort,
	// and writes the job's final artifact to w.
	Finalize(w io.Writer) error
}

// RequirementsProvider is implemented by jobs that need extra packages
// installed on remote instances before they can run.
type RequirementsProvider interface {
	Requirements() []string
}

// InputProvider is implemented by jobs that compute their own input
// URI list instead of taking it from the descriptor file.
type InputProvider interface {
	ResolveInput() ([]string, error)
}

// Factory constructs a fresh Job instance. Jobs are stateful (a
// word-count job accumulates counts across Reduce calls), so the
// registry holds a constructor, not a shared instance.
type Factory func() Job

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a job factory under name. Called from job package
// init() functions; panics on duplicate registration since that is
// always a build-time mistake.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("jobdef: job %q already registered", name))
	}
	registry[name] = factory
}

// New constructs a fresh Job for the named, registered job plugin.
func New(name string) (Job, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobdef: no job registered as %q", name)
	}
	return factory(), nil
}
