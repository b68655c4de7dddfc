// Package remote implements the elastic-cloud execution backend:
// provision M EC2 instances, seed an ephemeral SSH credential through
// cloud-init, wait for remote readiness, bootstrap each instance, and
// launch N mapper processes per instance over SSH sessions. Every exit
// path terminates every instance this backend ever started.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/parafile/pkg/backend"
	"github.com/cuemby/parafile/pkg/log"
	"github.com/cuemby/parafile/pkg/types"
)

const (
	// pollInterval is the sleep between instance-state and SSH
	// readiness attempts.
	pollInterval = 2 * time.Second

	// sshAttemptTimeout bounds a single SSH connection attempt so a
	// half-up instance cannot stall provisioning forever.
	sshAttemptTimeout = 10 * time.Second

	// readyTimeout bounds the whole wait for one instance to reach
	// running state and accept an SSH connection.
	readyTimeout = 5 * time.Minute
)

// ComputeAPI is the slice of the EC2 client this backend consumes.
type ComputeAPI interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// dialFunc matches ssh.Dial; swapped out in tests.
type dialFunc func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// Backend provisions EC2 instances and runs mappers on them.
type Backend struct {
	desc       *types.JobDescriptor
	configPath string
	requires   []string

	compute ComputeAPI
	dial    dialFunc
	keys    *keyPair

	poll  time.Duration
	ready time.Duration

	instanceIDs []string
	idsMu       sync.Mutex
	clients     []*ssh.Client

	terminated bool
}

// New returns a remote backend for desc. configPath is the local job
// descriptor file copied to every instance; requires is the list of
// extra packages to pip-install during bootstrap.
func New(desc *types.JobDescriptor, compute ComputeAPI, configPath string, requires []string) *Backend {
	return &Backend{
		desc:       desc,
		configPath: configPath,
		requires:   requires,
		compute:    compute,
		dial:       ssh.Dial,
		poll:       pollInterval,
		ready:      readyTimeout,
	}
}

// Start provisions the fleet, bootstraps every instance, and launches
// Workers mapper sessions per instance. On any failure the caller
// must still call Shutdown: instance IDs are recorded the moment the
// run-instances call returns, before anything can go wrong.
func (b *Backend) Start(ctx context.Context) ([]backend.MapperHandle, error) {
	logger := log.WithComponent("backend-remote")

	keys, err := newKeyPair()
	if err != nil {
		return nil, types.NewJobError(types.ErrProvisionFailed, "", err)
	}
	b.keys = keys

	instances, err := b.provision(ctx)
	if err != nil {
		return nil, err
	}

	// Instance init is joined before any mapper starts streaming.
	var wg sync.WaitGroup
	errs := make([]error, len(instances))
	clients := make([]*ssh.Client, len(instances))
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst instanceInfo) {
			defer wg.Done()
			client, err := b.initializeInstance(ctx, inst)
			if err != nil {
				errs[i] = err
				return
			}
			clients[i] = client
		}(i, inst)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			for _, c := range clients {
				if c != nil {
					c.Close()
				}
			}
			return nil, err
		}
	}
	b.clients = clients

	var handles []backend.MapperHandle
	for i, client := range clients {
		for slot := 0; slot < b.desc.Workers; slot++ {
			h, err := launchMapper(client, b.desc.Cloud.RemoteConfigPath)
			if err != nil {
				return nil, types.NewJobError(types.ErrProvisionFailed, "",
					fmt.Errorf("launching mapper %d on %s: %w", slot, instances[i].id, err))
			}
			handles = append(handles, h)
		}
		logger.Info().Str("instance_id", instances[i].id).Int("mappers", b.desc.Workers).Msg("mappers launched")
	}
	return handles, nil
}

type instanceInfo struct {
	id   string
	addr string
}

func (b *Backend) provision(ctx context.Context) ([]instanceInfo, error) {
	logger := log.WithComponent("backend-remote")
	cloud := b.desc.Cloud

	count := int32(cloud.Workers)
	out, err := b.compute.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:        aws.String(cloud.Image),
		InstanceType:   ec2types.InstanceType(cloud.InstanceType),
		MinCount:       aws.Int32(count),
		MaxCount:       aws.Int32(count),
		SecurityGroups: cloud.SecurityGroups,
		UserData:       aws.String(b.keys.userData()),
	})
	if err != nil {
		return nil, types.NewJobError(types.ErrProvisionFailed, "", fmt.Errorf("run instances: %w", err))
	}

	// Record IDs before anything else can fail so Shutdown always
	// knows what to terminate.
	b.idsMu.Lock()
	for _, inst := range out.Instances {
		b.instanceIDs = append(b.instanceIDs, aws.ToString(inst.InstanceId))
	}
	ids := append([]string(nil), b.instanceIDs...)
	b.idsMu.Unlock()
	logger.Info().Strs("instance_ids", ids).Msg("instances requested")

	instances := make([]instanceInfo, 0, len(ids))
	for _, id := range ids {
		info, err := b.waitForRunning(ctx, id)
		if err != nil {
			return nil, err
		}
		instances = append(instances, info)
	}
	return instances, nil
}

// waitForRunning polls instance state until it reaches running, or the
// per-instance ready timeout lapses. The returned address is the public
// IP, or the private IP when the instance has no public one.
func (b *Backend) waitForRunning(ctx context.Context, id string) (instanceInfo, error) {
	logger := log.WithInstanceID(id)
	deadline := time.Now().Add(b.ready)

	for {
		out, err := b.compute.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{id},
		})
		if err != nil {
			return instanceInfo{}, types.NewJobError(types.ErrProvisionFailed, "", fmt.Errorf("describe %s: %w", id, err))
		}

		var inst *ec2types.Instance
		for _, r := range out.Reservations {
			for i := range r.Instances {
				if aws.ToString(r.Instances[i].InstanceId) == id {
					inst = &r.Instances[i]
				}
			}
		}
		if inst != nil && inst.State != nil {
			switch inst.State.Name {
			case ec2types.InstanceStateNameRunning:
				addr := aws.ToString(inst.PublicIpAddress)
				if addr == "" {
					addr = aws.ToString(inst.PrivateIpAddress)
				}
				logger.Info().Str("address", addr).Msg("instance running")
				return instanceInfo{id: id, addr: addr}, nil
			case ec2types.InstanceStateNamePending:
				// keep polling
			default:
				return instanceInfo{}, types.NewJobError(types.ErrProvisionFailed, "",
					fmt.Errorf("instance %s entered state %s", id, inst.State.Name))
			}
		}

		if time.Now().After(deadline) {
			return instanceInfo{}, types.NewJobError(types.ErrProvisionFailed, "",
				fmt.Errorf("instance %s never reached running", id))
		}
		select {
		case <-ctx.Done():
			return instanceInfo{}, types.NewJobError(types.ErrUserAbort, "", ctx.Err())
		case <-time.After(b.poll):
		}
	}
}

// initializeInstance waits for SSH, runs the bootstrap command list,
// pip-installs job requirements, and copies the job descriptor to the
// configured remote path. The returned client stays open for the
// mapper sessions.
func (b *Backend) initializeInstance(ctx context.Context, inst instanceInfo) (*ssh.Client, error) {
	logger := log.WithInstanceID(inst.id)

	client, err := b.waitForSSH(ctx, inst)
	if err != nil {
		return nil, err
	}

	for _, command := range b.desc.Cloud.InitializationCmds {
		if err := runCommand(client, command); err != nil {
			client.Close()
			return nil, types.NewJobError(types.ErrBootstrapFailed, "",
				fmt.Errorf("instance %s: %q: %w", inst.id, command, err))
		}
		logger.Debug().Str("command", command).Msg("bootstrap command ok")
	}
	for _, pkg := range b.requires {
		command := fmt.Sprintf("sudo pip install %s", pkg)
		if err := runCommand(client, command); err != nil {
			client.Close()
			return nil, types.NewJobError(types.ErrBootstrapFailed, "",
				fmt.Errorf("instance %s: %q: %w", inst.id, command, err))
		}
	}

	if err := b.copyConfig(client); err != nil {
		client.Close()
		return nil, types.NewJobError(types.ErrBootstrapFailed, "",
			fmt.Errorf("instance %s: copying config: %w", inst.id, err))
	}

	logger.Info().Msg("instance initialized")
	return client, nil
}

func (b *Backend) waitForSSH(ctx context.Context, inst instanceInfo) (*ssh.Client, error) {
	logger := log.WithInstanceID(inst.id)
	cfg := &ssh.ClientConfig{
		User:            b.desc.Cloud.SSHUsername,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.keys.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshAttemptTimeout,
	}
	addr := net.JoinHostPort(inst.addr, "22")
	deadline := time.Now().Add(b.ready)

	for {
		client, err := b.dial("tcp", addr, cfg)
		if err == nil {
			logger.Info().Msg("ssh established")
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, types.NewJobError(types.ErrProvisionFailed, "",
				fmt.Errorf("ssh to %s never succeeded: %w", inst.id, err))
		}
		logger.Debug().Err(err).Msg("ssh not ready, retrying")
		select {
		case <-ctx.Done():
			return nil, types.NewJobError(types.ErrUserAbort, "", ctx.Err())
		case <-time.After(b.poll):
		}
	}
}

// copyConfig streams the local descriptor file over a fresh session to
// cat on the other end. A one-shot small-file copy over the channel we
// already hold; no separate file-transfer subsystem.
func (b *Backend) copyConfig(client *ssh.Client) error {
	data, err := os.ReadFile(b.configPath)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	session.Stdin = bytes.NewReader(data)
	return session.Run(fmt.Sprintf("cat > %s", b.desc.Cloud.RemoteConfigPath))
}

func runCommand(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(command)
}

// Shutdown terminates every instance ever requested and closes the SSH
// connections. Called on every exit path; leaking an instance is a
// program bug, so termination happens even when nothing else got far
// enough to need cleanup.
func (b *Backend) Shutdown(ctx context.Context) error {
	for _, client := range b.clients {
		if client != nil {
			_ = client.Close()
		}
	}
	b.clients = nil

	b.idsMu.Lock()
	ids := append([]string(nil), b.instanceIDs...)
	alreadyDone := b.terminated
	b.terminated = true
	b.idsMu.Unlock()

	if alreadyDone || len(ids) == 0 {
		return nil
	}

	logger := log.WithComponent("backend-remote")
	_, err := b.compute.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		logger.Error().Err(err).Strs("instance_ids", ids).Msg("terminate instances failed")
		return fmt.Errorf("terminating instances %v: %w", ids, err)
	}
	logger.Info().Strs("instance_ids", ids).Msg("instances terminated")
	return nil
}

// InstanceIDs returns every instance ID this backend has requested.
func (b *Backend) InstanceIDs() []string {
	b.idsMu.Lock()
	defer b.idsMu.Unlock()
	return append([]string(nil), b.instanceIDs...)
}
