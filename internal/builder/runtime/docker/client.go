// Package docker implements the builder's container runtime on the Docker
// Engine API.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
	"github.com/vdsm/dsmbake/internal/shared/poll"
)

// Runtime implements builder.ContainerRuntime using Docker
type Runtime struct {
	client *client.Client
	waiter poll.Waiter
	logger *slog.Logger
}

// New creates a Docker runtime and verifies the daemon is reachable
func New(logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon is not available: %w", err)
	}

	return &Runtime{
		client: cli,
		waiter: poll.New(logger),
		logger: logger,
	}, nil
}

// Close cleans up the runtime
func (r *Runtime) Close() error {
	return r.client.Close()
}
