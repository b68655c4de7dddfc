package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/parafile/pkg/jobdef"
	"github.com/cuemby/parafile/pkg/log"
	"github.com/cuemby/parafile/pkg/worker"
)

// internalCmd hosts the hidden worker modes the coordinator re-execs
// this binary in. Their standard streams carry the wire protocol, so
// logging is silenced: stdout is DATA (mapper) or the artifact
// (reducer), stderr is CONTROL.
var internalCmd = &cobra.Command{
	Use:    "internal",
	Hidden: true,
	Short:  "Worker process entrypoints",
}

var internalMapperCmd = &cobra.Command{
	Use:   "mapper <config>",
	Short: "Run the mapper worker loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(args[0], worker.RunMapperMode)
	},
}

var internalReducerCmd = &cobra.Command{
	Use:   "reducer <config>",
	Short: "Run the reducer worker loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(args[0], worker.RunReducerMode)
	},
}

func init() {
	internalCmd.AddCommand(internalMapperCmd)
	internalCmd.AddCommand(internalReducerCmd)
}

func runWorker(configPath string, run worker.Mode) error {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	desc, err := jobdef.Load(configPath)
	if err != nil {
		return err
	}
	job, err := jobdef.New(desc.JobName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, desc, job, worker.StdStreams())
}
