package worker

import (
	"context"

	"github.com/cuemby/parafile/pkg/jobdef"
	"github.com/cuemby/parafile/pkg/types"
)

// Mode is a worker main loop the internal subcommands dispatch to.
type Mode func(ctx context.Context, desc *types.JobDescriptor, job jobdef.Job, s Streams) error

// RunMapperMode runs the mapper loop.
var RunMapperMode Mode = RunMapper

// RunReducerMode runs the reducer loop; the descriptor is unused but
// keeps both modes behind one signature.
var RunReducerMode Mode = func(ctx context.Context, _ *types.JobDescriptor, job jobdef.Job, s Streams) error {
	return RunReducer(ctx, job, s)
}
