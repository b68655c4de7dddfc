// Package worker holds the mapper and reducer main loops that run
// when the parafile binary is re-exec'd in its hidden internal modes.
// Each is a standalone process: user map/reduce code runs here, never
// in the coordinator, so a crash in user code cannot corrupt
// coordinator state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/parafile/pkg/jobdef"
	"github.com/cuemby/parafile/pkg/resolver"
	"github.com/cuemby/parafile/pkg/types"
	"github.com/cuemby/parafile/pkg/wire"
)

// Streams are the three standard streams a worker process speaks on.
// Split out so tests can drive a worker loop over in-memory pipes.
type Streams struct {
	In      io.Reader // URIs (mapper) or DATA records (reducer)
	Data    io.Writer // mapper DATA out / reducer artifact out
	Control io.Writer // mapper CONTROL out
}

// StdStreams returns the process's real standard streams: stdin in,
// stdout DATA, stderr CONTROL.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Data: os.Stdout, Control: os.Stderr}
}

// RunMapper reads URIs from s.In one per line until end-of-stream. Per
// URI: download to a fresh temp path, invoke job.Map, delete the temp
// file, flush DATA, then report +/! on CONTROL. A per-file failure
// (download or map) emits ! and continues; anything else is fatal.
func RunMapper(ctx context.Context, desc *types.JobDescriptor, job jobdef.Job, s Streams) error {
	data := wire.NewDataWriter(s.Data)
	control := wire.NewControlWriter(s.Control)

	scanner := wire.NewLineScanner(s.In)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			_ = control.WriteFailure("mapper aborted")
			return types.NewJobError(types.ErrUserAbort, "", ctx.Err())
		default:
		}

		uri := scanner.Text()
		if uri == "" {
			continue
		}

		size, err := mapOne(ctx, desc, job, uri, data)
		if flushErr := data.Flush(); flushErr != nil {
			return fmt.Errorf("flushing data stream: %w", flushErr)
		}
		if err != nil {
			var jerr *types.JobError
			if !errors.As(err, &jerr) || !jerr.Kind.IsPerFile() {
				return err
			}
			if cerr := control.WriteFailure(uri); cerr != nil {
				return fmt.Errorf("writing control stream: %w", cerr)
			}
			continue
		}
		if cerr := control.WriteSuccess(uri, size); cerr != nil {
			return fmt.Errorf("writing control stream: %w", cerr)
		}
	}
	return scanner.Err()
}

// mapOne downloads uri and runs the map function over the local copy,
// returning the downloaded size. The temp file is removed regardless
// of outcome.
func mapOne(ctx context.Context, desc *types.JobDescriptor, job jobdef.Job, uri string, data *wire.DataWriter) (int64, error) {
	dl, err := resolver.DownloadFor(desc, uri)
	if err != nil {
		return 0, types.NewJobError(types.ErrDownloadFailed, uri, err)
	}

	tmp, err := os.CreateTemp("", "parafile-map-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := dl(ctx, tmpPath); err != nil {
		return 0, types.NewJobError(types.ErrDownloadFailed, uri, err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return 0, types.NewJobError(types.ErrDownloadFailed, uri, err)
	}

	var emitErr error
	err = job.Map(tmpPath, uri, func(line string) {
		if emitErr == nil {
			emitErr = data.WriteLine(line)
		}
	})
	if emitErr != nil {
		return 0, fmt.Errorf("writing data stream: %w", emitErr)
	}
	if err != nil {
		return 0, types.NewJobError(types.ErrMapFailed, uri, err)
	}
	return info.Size(), nil
}
