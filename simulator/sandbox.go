package simulator

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// sandbox resource caps; these are safety constraints, not tunables
const (
	sandboxMemoryBytes = 256 * 1024 * 1024
	sandboxCPUQuota    = 50000 // 50% of one core against the 100ms default period
	sandboxCPUPeriod   = 100000
)

// sandboxImages maps an sdk language to its sandbox image
var sandboxImages = map[string]string{
	"node":        "sunupay/sim-node:latest",
	"php":         "sunupay/sim-php:latest",
	"python":      "sunupay/sim-python:latest",
	"ruby":        "sunupay/sim-ruby:latest",
	"woocommerce": "sunupay/sim-php:latest",
	"shopify":     "sunupay/sim-node:latest",
}

const defaultSandboxImage = "sunupay/sim-generic:latest"

// SandboxImage resolves the image for an sdk language
func SandboxImage(sdkLanguage string) string {
	if image, ok := sandboxImages[sdkLanguage]; ok {
		return image
	}
	return defaultSandboxImage
}

// WaitResult is the sandbox termination outcome
type WaitResult struct {
	ExitCode int64
	TimedOut bool
}

// Runtime abstracts the container runtime running simulation sandboxes
type Runtime interface {
	// Create provisions a network-denied, resource-capped sandbox over
	// the workspace directory and returns its id
	Create(ctx context.Context, image, workspace string, seed int64, runID string) (string, error)
	// Start the provisioned sandbox
	Start(ctx context.Context, containerID string) error
	// Wait blocks until termination or ctx expiry; expiry kills the
	// sandbox and reports TimedOut
	Wait(ctx context.Context, containerID string) (WaitResult, error)
	// Logs returns the combined stdout and stderr
	Logs(ctx context.Context, containerID string) ([]byte, error)
	// Remove the sandbox and its resources
	Remove(ctx context.Context, containerID string) error
}

// DockerRuntime implements Runtime against the local docker daemon
type DockerRuntime struct{}

// NewDockerRuntime creates a docker backed sandbox runtime
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{}
}

func dockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Create provisions the sandbox. Network stays disabled no matter what the
// caller asks for; a runtime that cannot enforce that must not run at all.
func (d *DockerRuntime) Create(ctx context.Context, image, workspace string, seed int64, runID string) (string, error) {
	cli, err := dockerClient()
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     sandboxMemoryBytes,
			MemorySwap: sandboxMemoryBytes, // equal to memory disables swap
			CPUQuota:   sandboxCPUQuota,
			CPUPeriod:  sandboxCPUPeriod,
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: "/work",
			},
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Tty:   false,
		Env: []string{
			fmt.Sprintf("SEED=%d", seed),
			fmt.Sprintf("RUN_ID=%s", runID),
		},
		Cmd: []string{"/work/scenario.json"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}

	// assert the safety invariant held by the daemon before anything starts
	inspect, err := cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", fmt.Errorf("inspect sandbox: %w", err)
	}
	if inspect.HostConfig == nil || !inspect.HostConfig.NetworkMode.IsNone() {
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox %s has network enabled, refusing to run", resp.ID)
	}

	return resp.ID, nil
}

// Start the provisioned sandbox
func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	cli, err := dockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
}

// Wait blocks until the sandbox terminates or ctx expires. Expiry force
// kills the sandbox and reports the run as timed out.
func (d *DockerRuntime) Wait(ctx context.Context, containerID string) (WaitResult, error) {
	cli, err := dockerClient()
	if err != nil {
		return WaitResult{}, err
	}
	defer cli.Close()

	statusCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return WaitResult{ExitCode: status.StatusCode}, nil
	case err := <-errCh:
		if ctx.Err() == nil {
			return WaitResult{}, err
		}
	case <-ctx.Done():
	}

	// the deadline fired; kill with a fresh context, the run context is dead
	killCtx := context.Background()
	_ = cli.ContainerKill(killCtx, containerID, "SIGKILL")
	return WaitResult{ExitCode: 124, TimedOut: true}, nil
}

// Logs returns the combined stdout and stderr
func (d *DockerRuntime) Logs(ctx context.Context, containerID string) ([]byte, error) {
	cli, err := dockerClient()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	reader, err := cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && err != io.EOF {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Remove the sandbox and its resources
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	cli, err := dockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
}
