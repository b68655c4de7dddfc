package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/parafile/pkg/jobdef"
	"github.com/cuemby/parafile/pkg/wire"
)

// RunReducer reads one record per line from s.In, folds each into job
// via Reduce, and invokes Finalize exactly once: at end-of-stream, on
// abort, or on a reduce error. The artifact goes to s.Data. The
// returned error is nil iff both the fold and the finalizer succeeded;
// the finalizer runs even when the fold did not, so a partial artifact
// exists on every exit path.
func RunReducer(ctx context.Context, job jobdef.Job, s Streams) error {
	var (
		finalizeOnce sync.Once
		finalizeErr  error
	)
	finalize := func() {
		finalizeOnce.Do(func() {
			finalizeErr = job.Finalize(s.Data)
		})
	}
	defer finalize()

	scanner := wire.NewLineScanner(s.In)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			finalize()
			if finalizeErr != nil {
				return fmt.Errorf("finalizing: %w", finalizeErr)
			}
			return ctx.Err()
		default:
		}
		if err := job.Reduce(scanner.Text()); err != nil {
			finalize()
			return fmt.Errorf("reducing record: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		finalize()
		return fmt.Errorf("reading records: %w", err)
	}

	finalize()
	if finalizeErr != nil {
		return fmt.Errorf("finalizing: %w", finalizeErr)
	}
	return nil
}
