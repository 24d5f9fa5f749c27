package host

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
)

// Docker wraps the Docker SDK client used to size the local builder.
type Docker struct {
	inner *client.Client
}

// NewDocker creates a Docker client using environment defaults.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{inner: inner}, nil
}

// Info returns daemon facts including CPU count and total memory.
func (d *Docker) Info(ctx context.Context) (system.Info, error) {
	if d == nil || d.inner == nil {
		return system.Info{}, fmt.Errorf("docker client not initialized")
	}
	info, err := d.inner.Info(ctx)
	if err != nil {
		return system.Info{}, fmt.Errorf("docker info: %w", err)
	}
	return info, nil
}

// Close releases resources held by the Docker client.
func (d *Docker) Close() error {
	if d == nil || d.inner == nil {
		return nil
	}
	return d.inner.Close()
}
