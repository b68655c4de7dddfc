package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/parafile/pkg/log"

	// Job plugins register themselves at init time.
	_ "github.com/cuemby/parafile/jobs/linecount"
	_ "github.com/cuemby/parafile/jobs/wordcount"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "parafile",
	Short: "Parafile - distributed map-reduce for per-file jobs",
	Long: `Parafile runs embarrassingly parallel map-reduce jobs over many
files: mappers download and process one file at a time, locally or on
provisioned cloud instances, and a single reducer folds their output
into a final artifact.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Parafile version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(localRunCmd)
	rootCmd.AddCommand(remoteRunCmd)
	rootCmd.AddCommand(internalCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stderr,
	})
}
