package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/vdsm/dsmbake/internal/builder"
)

// StartInstance creates and starts the build container. Any container
// already registered under the same name is force-removed first: exactly one
// build instance may exist per target.
func (r *Runtime) StartInstance(ctx context.Context, spec builder.StartSpec) (string, error) {
	r.logger.Info("starting container",
		"name", spec.Name,
		"image", spec.Image,
		"host_port", spec.HostPort,
	)

	if err := r.client.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return "", fmt.Errorf("failed to remove stale container %s: %w", spec.Name, err)
	}

	guestPort := nat.Port(fmt.Sprintf("%d/tcp", spec.GuestPort))

	config := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Labels: map[string]string{
			builder.LabelManaged: "true",
			builder.LabelVendor:  "dsmbake",
		},
		ExposedPorts: nat.PortSet{guestPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		Binds:  spec.Binds,
		CapAdd: strslice.StrSlice{"NET_ADMIN"},
		PortBindings: nat.PortMap{
			guestPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Resources: container.Resources{
			Devices: devices(spec.KVM),
		},
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Info("container started", "name", spec.Name, "container_id", resp.ID[:12])
	return resp.ID, nil
}

func devices(kvm bool) []container.DeviceMapping {
	devs := []container.DeviceMapping{
		{PathOnHost: "/dev/net/tun", PathInContainer: "/dev/net/tun", CgroupPermissions: "rwm"},
	}
	if kvm {
		devs = append(devs, container.DeviceMapping{
			PathOnHost: "/dev/kvm", PathInContainer: "/dev/kvm", CgroupPermissions: "rwm",
		})
	}
	return devs
}

// WaitRunning blocks until the container reports a running state.
func (r *Runtime) WaitRunning(ctx context.Context, id string, timeout time.Duration) error {
	probe := func(ctx context.Context) bool {
		inspect, err := r.client.ContainerInspect(ctx, id)
		return err == nil && inspect.State != nil && inspect.State.Running
	}
	return r.waiter.WaitUntil(ctx, probe, timeout, "container running state")
}

func (r *Runtime) StopInstance(ctx context.Context, id string) error {
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (r *Runtime) RemoveInstance(ctx context.Context, id string) error {
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// InstanceLogs returns the last tail lines of the container's output,
// stdout and stderr interleaved.
func (r *Runtime) InstanceLogs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return buf.String(), nil
}

// Exec runs a command inside the container and returns its exit code with
// combined output.
func (r *Runtime) Exec(ctx context.Context, id string, cmd []string) (builder.ExecResult, error) {
	exec, err := r.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return builder.ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return builder.ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return builder.ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	for {
		inspect, err := r.client.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return builder.ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return builder.ExecResult{ExitCode: inspect.ExitCode, Output: buf.String()}, nil
		}
		select {
		case <-ctx.Done():
			return builder.ExecResult{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Commit persists the container into ref with the metadata changes from
// spec. The container is paused during the commit.
func (r *Runtime) Commit(ctx context.Context, id, ref string, spec builder.CommitSpec) (string, error) {
	resp, err := r.client.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: ref,
		Comment:   spec.Comment,
		Pause:     true,
		Changes:   spec.Changes(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit container: %w", err)
	}
	r.logger.Info("container committed", "ref", ref, "image_id", resp.ID)
	return resp.ID, nil
}
