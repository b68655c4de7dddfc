// Package types holds the plain data shapes shared across parafile:
// the job descriptor loaded from a YAML file, a work item produced by
// the resolver, the control-record wire shape, and the progress
// counters the coordinator publishes to the dashboard.
package types

import "time"

// JobDescriptor is the immutable, read-only-for-the-life-of-the-job
// value produced by the job loader. It carries everything a job run
// needs except the map/reduce callables themselves, which live behind
// the Job plugin (see pkg/jobdef) named by JobName.
type JobDescriptor struct {
	// JobName is the compile-time-registered job plugin to run.
	JobName string `yaml:"job"`

	// InputData is the list of input URIs. Each may expand to many
	// files (an s3:// prefix, a local directory).
	InputData []string `yaml:"input_data"`

	// Workers is N, the number of mapper processes per host.
	Workers int `yaml:"workers"`

	// OutputFilename overrides the default results/<name>.<time>.out path.
	OutputFilename string `yaml:"output_filename"`

	// OutputJobProgress toggles the terminal dashboard.
	OutputJobProgress bool `yaml:"output_job_progress"`

	// MaxRetries bounds per-URI requeue attempts. 0 means unlimited;
	// unbounded requeue of a permanently failing URI is an
	// operational trap, so the loader defaults this to a small cap.
	MaxRetries int `yaml:"max_retries"`

	// Cloud holds everything the remote backend needs to provision
	// instances and reach them over SSH. Unused by local runs.
	Cloud CloudConfig `yaml:"cloud"`

	// Dashboard tuning.
	CPUUsageInterval      time.Duration `yaml:"cpu_usage_interval"`
	ScreenRefreshInterval time.Duration `yaml:"screen_refresh_interval"`

	// Date range for {year}/{month}/{day} macro expansion. Zero value
	// (both empty) disables expansion.
	StartDate time.Time `yaml:"-"`
	EndDate   time.Time `yaml:"-"`
	DateRange int       `yaml:"date_range"`

	// MetricsAddr, if non-empty, serves Prometheus counters.
	MetricsAddr string `yaml:"metrics_addr"`
}

// CloudConfig names the compute provider, credentials, and remote
// fleet shape for the remote backend.
type CloudConfig struct {
	AccessKey          string   `yaml:"access_key"`
	SecretKey          string   `yaml:"secret_key"`
	Region             string   `yaml:"region"`
	Image              string   `yaml:"image"`
	InstanceType       string   `yaml:"instance_type"`
	SecurityGroups     []string `yaml:"security_groups"`
	SSHUsername        string   `yaml:"ssh_username"`
	Workers            int      `yaml:"workers"` // M, the fleet size
	RemoteConfigPath   string   `yaml:"remote_config_path"`
	InitializationCmds []string `yaml:"initialization_commands"`
}

// WorkItem is a single URI plus its byte size, produced by the
// resolver and owned by the coordinator's input queue. Attempts
// counts per-URI requeues against JobDescriptor.MaxRetries.
type WorkItem struct {
	URI      string
	Size     int64
	Attempts int
}

// ControlStatus is the first field of a CONTROL record.
type ControlStatus byte

const (
	// ControlSuccess marks a URI the mapper fully processed.
	ControlSuccess ControlStatus = '+'
	// ControlFailure marks a URI the mapper failed to process;
	// the coordinator requeues it.
	ControlFailure ControlStatus = '!'
)

// ControlRecord is one parsed line of a mapper's CONTROL stream:
// "status,size,uri".
type ControlRecord struct {
	Status ControlStatus
	Size   int64
	URI    string
}

// Progress is the shared, process-wide counters the coordinator's
// control-record consumer writes and the dashboard reads. Every field
// is written by exactly one goroutine; reads are snapshot-style via
// progress.Tracker.Snapshot.
type Progress struct {
	FilesProcessed    uint64
	FilesRequeued     uint64
	FilesTotal        int
	BytesProcessed    uint64
	BytesTotal        uint64
	LastFileProcessed string
	Messages          []string
}
