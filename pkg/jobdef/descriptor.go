package jobdef

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/parafile/pkg/types"
)

// rawDescriptor mirrors types.JobDescriptor but keeps StartDate/EndDate
// as the YYYY-MM-DD strings the file and CLI flags use; Load parses
// them into time.Time on the real descriptor.
type rawDescriptor struct {
	types.JobDescriptor `yaml:",inline"`
	StartDate           string `yaml:"start_date"`
	EndDate             string `yaml:"end_date"`
}

// defaults holds the fallback for every setting a descriptor file
// leaves unset, rather than the Go zero value.
func defaults() types.JobDescriptor {
	return types.JobDescriptor{
		Workers:               4,
		OutputJobProgress:     true,
		MaxRetries:            5,
		CPUUsageInterval:      2 * time.Second,
		ScreenRefreshInterval: time.Second,
		Cloud: types.CloudConfig{
			SSHUsername:      "ubuntu",
			InstanceType:     "t3.micro",
			RemoteConfigPath: "/home/ubuntu/job.yaml",
			Workers:          1,
			InitializationCmds: []string{
				"while pgrep cloud-init > /dev/null; do sleep 1; done",
			},
		},
	}
}

// Load reads path, applies defaults for anything unset, and parses
// the date-range fields.
func Load(path string) (*types.JobDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jobdef: open %s: %w", path, err)
	}
	defer f.Close()

	raw := rawDescriptor{JobDescriptor: defaults()}
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("jobdef: parse %s: %w", path, err)
	}

	desc := raw.JobDescriptor
	if raw.StartDate != "" {
		t, err := time.Parse("2006-01-02", raw.StartDate)
		if err != nil {
			return nil, fmt.Errorf("jobdef: invalid start_date %q: %w", raw.StartDate, err)
		}
		desc.StartDate = t
	}
	if raw.EndDate != "" {
		t, err := time.Parse("2006-01-02", raw.EndDate)
		if err != nil {
			return nil, fmt.Errorf("jobdef: invalid end_date %q: %w", raw.EndDate, err)
		}
		desc.EndDate = t
	}
	if desc.JobName == "" {
		return nil, fmt.Errorf("jobdef: %s does not name a job", path)
	}
	return &desc, nil
}
