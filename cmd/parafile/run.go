package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cuemby/parafile/pkg/backend"
	localbackend "github.com/cuemby/parafile/pkg/backend/local"
	remotebackend "github.com/cuemby/parafile/pkg/backend/remote"
	"github.com/cuemby/parafile/pkg/coordinator"
	"github.com/cuemby/parafile/pkg/jobdef"
	"github.com/cuemby/parafile/pkg/log"
	"github.com/cuemby/parafile/pkg/progress"
	"github.com/cuemby/parafile/pkg/types"
)

var localRunCmd = &cobra.Command{
	Use:   "local-run <config>",
	Short: "Run a job with mapper processes on this host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, args[0], false)
	},
}

var remoteRunCmd = &cobra.Command{
	Use:   "remote-run <config>",
	Short: "Run a job with mappers on provisioned cloud instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, args[0], true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{localRunCmd, remoteRunCmd} {
		addJobFlags(cmd)
	}
}

func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 0, "Mapper processes per host")
	cmd.Flags().String("output-filename", "", "Path for the final artifact")
	cmd.Flags().Bool("output-job-progress", false, "Show the terminal dashboard")
	cmd.Flags().Bool("no-output-job-progress", false, "Disable the terminal dashboard")
	cmd.Flags().String("cloud-access-key", "", "Cloud access key")
	cmd.Flags().String("cloud-secret-key", "", "Cloud secret key")
	cmd.Flags().String("cloud-region", "", "Cloud region")
	cmd.Flags().String("cloud-image", "", "Instance image ID")
	cmd.Flags().String("cloud-instance-type", "", "Instance type")
	cmd.Flags().StringSlice("cloud-security-group", nil, "Security groups for instances")
	cmd.Flags().String("cloud-ssh-username", "", "SSH username on instances")
	cmd.Flags().Int("cloud-workers", 0, "Number of instances to provision")
	cmd.Flags().String("cloud-remote-config-path", "", "Where to copy the job config on instances")
	cmd.Flags().StringSlice("cloud-initialization-commands", nil, "Bootstrap commands run on each instance")
	cmd.Flags().Float64("cpu-usage-interval", 0, "Seconds between CPU usage samples")
	cmd.Flags().Float64("screen-refresh-interval", 0, "Seconds between dashboard redraws")
	cmd.Flags().String("start-date", "", "First day for {year}/{month}/{day} expansion (YYYY-MM-DD)")
	cmd.Flags().String("end-date", "", "Last day for {year}/{month}/{day} expansion (YYYY-MM-DD)")
	cmd.Flags().Int("date-range", 0, "Number of days ending at end-date to expand")
	cmd.Flags().Int("max-retries", 0, "Per-URI requeue cap (0 = unlimited)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus counters on this address")
}

// applyFlagOverrides lets explicit CLI flags win over the descriptor
// file, matching the usual config precedence.
func applyFlagOverrides(cmd *cobra.Command, desc *types.JobDescriptor) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		desc.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("output-filename") {
		desc.OutputFilename, _ = flags.GetString("output-filename")
	}
	if flags.Changed("output-job-progress") {
		desc.OutputJobProgress = true
	}
	if flags.Changed("no-output-job-progress") {
		desc.OutputJobProgress = false
	}
	if flags.Changed("cloud-access-key") {
		desc.Cloud.AccessKey, _ = flags.GetString("cloud-access-key")
	}
	if flags.Changed("cloud-secret-key") {
		desc.Cloud.SecretKey, _ = flags.GetString("cloud-secret-key")
	}
	if flags.Changed("cloud-region") {
		desc.Cloud.Region, _ = flags.GetString("cloud-region")
	}
	if flags.Changed("cloud-image") {
		desc.Cloud.Image, _ = flags.GetString("cloud-image")
	}
	if flags.Changed("cloud-instance-type") {
		desc.Cloud.InstanceType, _ = flags.GetString("cloud-instance-type")
	}
	if flags.Changed("cloud-security-group") {
		desc.Cloud.SecurityGroups, _ = flags.GetStringSlice("cloud-security-group")
	}
	if flags.Changed("cloud-ssh-username") {
		desc.Cloud.SSHUsername, _ = flags.GetString("cloud-ssh-username")
	}
	if flags.Changed("cloud-workers") {
		desc.Cloud.Workers, _ = flags.GetInt("cloud-workers")
	}
	if flags.Changed("cloud-remote-config-path") {
		desc.Cloud.RemoteConfigPath, _ = flags.GetString("cloud-remote-config-path")
	}
	if flags.Changed("cloud-initialization-commands") {
		desc.Cloud.InitializationCmds, _ = flags.GetStringSlice("cloud-initialization-commands")
	}
	if flags.Changed("cpu-usage-interval") {
		secs, _ := flags.GetFloat64("cpu-usage-interval")
		desc.CPUUsageInterval = time.Duration(secs * float64(time.Second))
	}
	if flags.Changed("screen-refresh-interval") {
		secs, _ := flags.GetFloat64("screen-refresh-interval")
		desc.ScreenRefreshInterval = time.Duration(secs * float64(time.Second))
	}
	if flags.Changed("start-date") {
		raw, _ := flags.GetString("start-date")
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("invalid --start-date %q: %w", raw, err)
		}
		desc.StartDate = t
	}
	if flags.Changed("end-date") {
		raw, _ := flags.GetString("end-date")
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("invalid --end-date %q: %w", raw, err)
		}
		desc.EndDate = t
	}
	if flags.Changed("date-range") {
		desc.DateRange, _ = flags.GetInt("date-range")
	}
	if flags.Changed("max-retries") {
		desc.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("metrics-addr") {
		desc.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	return nil
}

func runJob(cmd *cobra.Command, configPath string, remote bool) error {
	jobID := uuid.New().String()
	logger := log.WithJobID(jobID)

	desc, err := jobdef.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlagOverrides(cmd, desc); err != nil {
		return err
	}

	job, err := jobdef.New(desc.JobName)
	if err != nil {
		return err
	}
	if ip, ok := job.(jobdef.InputProvider); ok {
		uris, err := ip.ResolveInput()
		if err != nil {
			return fmt.Errorf("resolving job input: %w", err)
		}
		desc.InputData = uris
	}

	outputPath := desc.OutputFilename
	if outputPath == "" {
		base := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
		outputPath = filepath.Join("results", fmt.Sprintf("%s.%s.out", base, time.Now().Format("20060102-150405")))
	}
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer outFile.Close()

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var be backend.Backend
	if remote {
		compute, err := computeClient(ctx, desc)
		if err != nil {
			return err
		}
		var requires []string
		if rp, ok := job.(jobdef.RequirementsProvider); ok {
			requires = rp.Requirements()
		}
		be = remotebackend.New(desc, compute, configPath, requires)
	} else {
		be = localbackend.New(binary, configPath, desc.Workers)
	}

	reg := prometheus.NewRegistry()
	tracker := progress.NewTracker(reg)
	if desc.MetricsAddr != "" {
		go progress.ServeMetrics(ctx, desc.MetricsAddr, reg)
	}

	var dash *progress.Dashboard
	if desc.OutputJobProgress {
		dash = progress.NewDashboard(tracker, desc.ScreenRefreshInterval, desc.CPUUsageInterval, os.Stderr)
	}

	coord := coordinator.New(coordinator.Config{
		Desc:    desc,
		Backend: be,
		StartReducer: func(ctx context.Context) (coordinator.ReducerHandle, error) {
			return localbackend.StartReducer(binary, configPath, outFile)
		},
		Tracker:   tracker,
		Dashboard: dash,
	})

	logger.Info().Str("job", desc.JobName).Bool("remote", remote).Msg("starting job")
	start := time.Now()
	outcome, err := coord.Run(ctx)
	elapsed := time.Since(start).Round(time.Second)
	logger.Info().Str("outcome", string(outcome)).Dur("elapsed", elapsed).Msg("job finished")

	switch outcome {
	case coordinator.OutcomeSuccess:
		fmt.Fprintf(os.Stderr, "done. elapsed time: %s\n", elapsed)
		fmt.Fprintf(os.Stderr, "results are in %s\n", outputPath)
		return nil
	case coordinator.OutcomeUserAborted:
		fmt.Fprintf(os.Stderr, "user aborted. elapsed time: %s\n", elapsed)
		fmt.Fprintf(os.Stderr, "partial results are in %s\n", outputPath)
		return err
	default:
		fmt.Fprintf(os.Stderr, "job failed. elapsed time: %s\n", elapsed)
		fmt.Fprintf(os.Stderr, "partial results are in %s\n", outputPath)
		return err
	}
}

func computeClient(ctx context.Context, desc *types.JobDescriptor) (*ec2.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if desc.Cloud.Region != "" {
		opts = append(opts, awsconfig.WithRegion(desc.Cloud.Region))
	}
	if desc.Cloud.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(desc.Cloud.AccessKey, desc.Cloud.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}
